// Package gaps finds missing intervals in stored OHLCV history using
// trading calendars, so weekends and holidays are never reported as
// missing data.
package gaps

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
)

// Detector locates gaps in bar history for one market kind's calendar.
type Detector struct {
	cal *market.Calendar
}

// NewDetector returns a detector using the default calendar for kind.
func NewDetector(kind market.Kind) *Detector {
	return &Detector{cal: market.CalendarFor(kind)}
}

// NewDetectorWithCalendar returns a detector over an explicit calendar.
func NewDetectorWithCalendar(cal *market.Calendar) *Detector {
	return &Detector{cal: cal}
}

// Detect returns the gaps in bars over [start, end]. Bars must be
// ascending by timestamp (callers normalize first). An empty history
// over a range containing trading time yields a single full-range gap.
//
// Daily-and-coarser timestamps are compared by local trading date, not
// by instant: vendors stamp daily bars anywhere from local midnight to
// the session open (UTC midnight is common), and a raw-instant compare
// would shift such stamps onto the previous local day.
func (d *Detector) Detect(symbol string, tf market.Timeframe, start, end time.Time, bars []market.Bar) []market.Gap {
	if end.Before(start) {
		return nil
	}

	ts := func(t time.Time) time.Time { return t }
	if !tf.Intraday() {
		ts = d.tradingDate
		start, end = ts(start), ts(end)
	}

	if len(bars) == 0 {
		if g, ok := d.gap(symbol, tf, start, end, 0); ok {
			return []market.Gap{g}
		}
		return nil
	}

	var out []market.Gap

	// Leading gap before the first bar.
	first := ts(bars[0].Timestamp)
	if first.After(start) {
		if g, ok := d.gap(symbol, tf, start, barBefore(first, tf), 0); ok {
			out = append(out, g)
		}
	}

	// Intermediate gaps between consecutive bars.
	for i := 1; i < len(bars); i++ {
		prev := ts(bars[i-1].Timestamp)
		cur := ts(bars[i].Timestamp)
		next := d.nextExpected(prev, tf)
		if cur.After(next) {
			if g, ok := d.gap(symbol, tf, next, barBefore(cur, tf), 0); ok {
				out = append(out, g)
			}
		}
	}

	// Trailing gap after the last bar.
	last := ts(bars[len(bars)-1].Timestamp)
	next := d.nextExpected(last, tf)
	if !next.After(end) {
		if g, ok := d.gap(symbol, tf, next, end, 0); ok {
			out = append(out, g)
		}
	}

	if len(out) > 0 {
		log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).
			Int("gaps", len(out)).
			Msg("Gaps detected")
	}
	return out
}

// gap builds a Gap for [start, end] and reports whether it contains any
// expected bars at all. Ranges covering only closed time are dropped.
func (d *Detector) gap(symbol string, tf market.Timeframe, start, end time.Time, actual int) (market.Gap, bool) {
	expected := d.ExpectedBars(tf, start, end)
	if expected <= 0 {
		return market.Gap{}, false
	}
	return market.Gap{
		Symbol:       symbol,
		Timeframe:    tf,
		Start:        start,
		End:          end,
		ExpectedBars: expected,
		ActualBars:   actual,
	}, true
}

// tradingDate maps a daily-or-coarser bar timestamp onto the local
// civil date it represents, rounding to the nearest local midnight.
func (d *Detector) tradingDate(t time.Time) time.Time {
	local := t.In(d.cal.Location()).Add(12 * time.Hour)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, d.cal.Location())
}

// barBefore returns the bar instant immediately preceding one at t.
// Calendar-stepped timeframes use date arithmetic so DST shifts keep
// local midnights aligned.
func barBefore(t time.Time, tf market.Timeframe) time.Time {
	switch {
	case tf.Intraday():
		return t.Add(-tf.Duration())
	case tf == market.TFWeekly:
		return t.AddDate(0, 0, -7)
	case tf == market.TFMonthly:
		return t.AddDate(0, -1, 0)
	default:
		return t.AddDate(0, 0, -1)
	}
}

// nextExpected returns the instant of the bar that should follow one at
// t, skipping closed days for daily-and-coarser timeframes.
func (d *Detector) nextExpected(t time.Time, tf market.Timeframe) time.Time {
	if tf.Intraday() {
		next := t.Add(tf.Duration())
		// An intraday bar after the close rolls to the next session
		// open.
		if !d.cal.IsOpen(next) {
			day := d.cal.NextTradingDay(t)
			return d.sessionOpen(day)
		}
		return next
	}

	switch tf {
	case market.TFWeekly:
		return t.AddDate(0, 0, 7)
	case market.TFMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return d.cal.NextTradingDay(t)
	}
}

func (d *Detector) sessionOpen(day time.Time) time.Time {
	local := day.In(d.cal.Location())
	if d.cal.IsOpen(local) {
		return local
	}
	// Walk forward in minutes until the session opens; bounded by one
	// day.
	for i := 0; i < 24*60; i++ {
		local = local.Add(time.Minute)
		if d.cal.IsOpen(local) {
			return local
		}
	}
	return local
}

// ExpectedBars counts how many bars should exist over [start, end] for
// the timeframe: trading days for daily and coarser, session minutes
// divided by the bar size for intraday.
func (d *Detector) ExpectedBars(tf market.Timeframe, start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	if !tf.Intraday() {
		start, end = d.tradingDate(start), d.tradingDate(end)
	}
	days := d.cal.TradingDaysBetween(start, end)

	switch {
	case tf == market.TFWeekly:
		return days / 5
	case tf == market.TFMonthly:
		months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month()) + 1
		if months < 1 {
			months = 1
		}
		return months
	case tf.Intraday():
		// Step the expected instants so partial sessions count
		// exactly.
		const maxBars = 1 << 20
		n := 0
		for t := start; !t.After(end) && n < maxBars; t = d.nextExpected(t, tf) {
			if d.cal.IsOpen(t) {
				n++
			} else if n == 0 {
				// Unaligned start inside closed time: jump to the
				// next session.
				t = d.sessionOpen(d.cal.NextTradingDay(t)).Add(-tf.Duration())
			}
		}
		return n
	default:
		return days
	}
}

// Merge coalesces adjacent or overlapping gaps for the same symbol and
// timeframe. Input order is preserved for unrelated gaps.
func Merge(gs []market.Gap) []market.Gap {
	if len(gs) < 2 {
		return gs
	}
	out := make([]market.Gap, 0, len(gs))
	cur := gs[0]
	for _, g := range gs[1:] {
		sameSeries := g.Symbol == cur.Symbol && g.Timeframe == cur.Timeframe
		touching := !g.Start.After(cur.End.Add(g.Timeframe.Duration()))
		if sameSeries && touching {
			if g.End.After(cur.End) {
				cur.End = g.End
			}
			cur.ExpectedBars += g.ExpectedBars
			cur.ActualBars += g.ActualBars
			continue
		}
		out = append(out, cur)
		cur = g
	}
	return append(out, cur)
}
