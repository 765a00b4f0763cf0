package market

import (
	"time"
)

// Calendar is a data-driven trading calendar for one market kind: a set
// of weekly closed days, a set of dated holidays, and a daily session
// window in the market's local timezone. Crypto markets use an empty
// closed set and a 24h session.
type Calendar struct {
	closedWeekdays map[time.Weekday]bool
	holidays       map[string]bool // "2006-01-02" in the market's location
	location       *time.Location
	openHour       int
	openMinute     int
	closeHour      int
	closeMinute    int
	alwaysOpen     bool
}

// NewCalendar builds a calendar from closed weekdays and ISO holiday
// dates. Session times are local to loc; pass alwaysOpen for 24/7
// markets.
func NewCalendar(closed []time.Weekday, holidays []string, loc *time.Location, openHHMM, closeHHMM [2]int, alwaysOpen bool) *Calendar {
	c := &Calendar{
		closedWeekdays: make(map[time.Weekday]bool, len(closed)),
		holidays:       make(map[string]bool, len(holidays)),
		location:       loc,
		openHour:       openHHMM[0],
		openMinute:     openHHMM[1],
		closeHour:      closeHHMM[0],
		closeMinute:    closeHHMM[1],
		alwaysOpen:     alwaysOpen,
	}
	for _, wd := range closed {
		c.closedWeekdays[wd] = true
	}
	for _, h := range holidays {
		c.holidays[h] = true
	}
	return c
}

// Location returns the calendar's local timezone.
func (c *Calendar) Location() *time.Location { return c.location }

// IsTradingDay reports whether t falls on a day the market trades.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	if c.alwaysOpen {
		return true
	}
	local := t.In(c.location)
	if c.closedWeekdays[local.Weekday()] {
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// IsOpen reports whether the market session is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	if c.alwaysOpen {
		return true
	}
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.location)
	open := time.Date(local.Year(), local.Month(), local.Day(), c.openHour, c.openMinute, 0, 0, c.location)
	close := time.Date(local.Year(), local.Month(), local.Day(), c.closeHour, c.closeMinute, 0, 0, c.location)
	return !local.Before(open) && local.Before(close)
}

// NextTradingDay returns the first trading day strictly after t,
// truncated to midnight in the market's location.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	local := t.In(c.location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// TradingDaysBetween counts trading days in [start, end] inclusive.
func (c *Calendar) TradingDaysBetween(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	s := start.In(c.location)
	e := end.In(c.location)
	day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, c.location)
	last := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, c.location)
	count := 0
	for !day.After(last) {
		if c.IsTradingDay(day) {
			count++
		}
		day = day.AddDate(0, 0, 1)
	}
	return count
}

// SessionMinutes returns the length of one trading session in minutes.
func (c *Calendar) SessionMinutes() int {
	if c.alwaysOpen {
		return 24 * 60
	}
	return (c.closeHour*60 + c.closeMinute) - (c.openHour*60 + c.openMinute)
}

// nyseHolidays covers the published NYSE closures for the current and
// next calendar year. Dates are local to America/New_York.
var nyseHolidays = []string{
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
	"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
	"2026-11-26", "2026-12-25",
	// 2027
	"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26",
	"2027-05-31", "2027-06-18", "2027-07-05", "2027-09-06",
	"2027-11-25", "2027-12-24",
}

var (
	locNewYork = mustLoadLocation("America/New_York")
	locLondon  = mustLoadLocation("Europe/London")
	locTokyo   = mustLoadLocation("Asia/Tokyo")

	weekendClosed = []time.Weekday{time.Saturday, time.Sunday}

	usEquityCalendar = NewCalendar(weekendClosed, nyseHolidays, locNewYork, [2]int{9, 30}, [2]int{16, 0}, false)
	euEquityCalendar = NewCalendar(weekendClosed, nil, locLondon, [2]int{8, 0}, [2]int{16, 30}, false)
	asiaCalendar     = NewCalendar(weekendClosed, nil, locTokyo, [2]int{9, 0}, [2]int{15, 0}, false)
	cryptoCalendar   = NewCalendar(nil, nil, time.UTC, [2]int{0, 0}, [2]int{0, 0}, true)
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// CalendarFor returns the default calendar for a market kind. FX shares
// the crypto 24/7 calendar; index symbols follow US equity hours.
func CalendarFor(kind Kind) *Calendar {
	switch kind {
	case KindCrypto, KindFX:
		return cryptoCalendar
	case KindEUStock:
		return euEquityCalendar
	case KindAsiaStock:
		return asiaCalendar
	default:
		return usEquityCalendar
	}
}

// AnyOpen reports whether at least one of the given kinds is currently
// in session. The scheduler uses it for skip-when-all-markets-closed
// startup tasks.
func AnyOpen(t time.Time, kinds ...Kind) bool {
	for _, k := range kinds {
		if CalendarFor(k).IsOpen(t) {
			return true
		}
	}
	return false
}
