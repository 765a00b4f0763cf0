// Package budget tracks per-provider API spend against daily and
// monthly USD caps and refuses requests that would breach either.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WarnThreshold is the utilization fraction at which alert callbacks
// fire for a period.
const WarnThreshold = 0.8

// Limits configures the caps for one provider. Zero caps are uncapped.
type Limits struct {
	DailyUSD   float64
	MonthlyUSD float64

	// CostPerRequestUSD is the default charge per call; EndpointCostsUSD
	// overrides it per endpoint key.
	CostPerRequestUSD float64
	CostPerSymbolUSD  float64
	EndpointCostsUSD  map[string]float64
}

// ExceededError reports a spend that would breach a cap.
type ExceededError struct {
	Provider string
	Period   string // "daily" or "monthly"
	LimitUSD float64
	SpentUSD float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s %s limit $%.2f reached (spent $%.4f)", e.Provider, e.Period, e.LimitUSD, e.SpentUSD)
}

// Alert is delivered to registered callbacks when a provider crosses
// the warn threshold or a hard cap.
type Alert struct {
	Provider    string
	Period      string
	SpentUSD    float64
	LimitUSD    float64
	Utilization float64
	Exceeded    bool
}

// AlertFunc receives budget alerts. Callbacks run on their own
// goroutine; panics are recovered and logged.
type AlertFunc func(Alert)

type state struct {
	limits Limits

	day        string // "2006-01-02"
	month      string // "2006-01"
	daySpent   float64
	monthSpent float64

	dayRequests   int64
	monthRequests int64
	endpointSpend map[string]float64

	dayWarned   bool
	monthWarned bool
}

// Tracker enforces spend caps across all registered providers.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*state
	callbacks []AlertFunc
	now       func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]*state),
		now:       time.Now,
	}
}

// Register configures the limits for a provider. Re-registering keeps
// the accumulated spend but swaps the caps.
func (t *Tracker) Register(name string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.providers[name]
	if !ok {
		st = &state{endpointSpend: make(map[string]float64)}
		t.providers[name] = st
	}
	st.limits = limits

	log.Debug().Str("provider", name).
		Float64("daily_usd", limits.DailyUSD).
		Float64("monthly_usd", limits.MonthlyUSD).
		Msg("Budget registered")
}

// OnAlert registers a callback for warn-threshold and cap-breach
// events.
func (t *Tracker) OnAlert(fn AlertFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

func (t *Tracker) get(name string) *state {
	st, ok := t.providers[name]
	if !ok {
		st = &state{endpointSpend: make(map[string]float64)}
		t.providers[name] = st
	}
	return st
}

// rollLocked resets period accumulators when the calendar day or month
// has changed since the last touch.
func (st *state) rollLocked(now time.Time) {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if st.day != day {
		st.day = day
		st.daySpent = 0
		st.dayRequests = 0
		st.dayWarned = false
		st.endpointSpend = make(map[string]float64)
	}
	if st.month != month {
		st.month = month
		st.monthSpent = 0
		st.monthRequests = 0
		st.monthWarned = false
	}
}

// costFor resolves the charge for one call against an endpoint,
// applying the per-endpoint override when present.
func (st *state) costFor(endpoint string, symbols int) float64 {
	cost, ok := st.limits.EndpointCostsUSD[endpoint]
	if !ok {
		cost = st.limits.CostPerRequestUSD
	}
	if symbols > 1 && st.limits.CostPerSymbolUSD > 0 {
		cost += float64(symbols-1) * st.limits.CostPerSymbolUSD
	}
	return cost
}

// CanAfford reports whether a call against the endpoint would stay
// within both caps. It never records spend.
func (t *Tracker) CanAfford(name, endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.get(name)
	st.rollLocked(t.now())
	cost := st.costFor(endpoint, 1)
	return t.fitsLocked(st, cost) == nil
}

func (t *Tracker) fitsLocked(st *state, cost float64) *ExceededError {
	if st.limits.DailyUSD > 0 && st.daySpent+cost > st.limits.DailyUSD {
		return &ExceededError{Period: "daily", LimitUSD: st.limits.DailyUSD, SpentUSD: st.daySpent}
	}
	if st.limits.MonthlyUSD > 0 && st.monthSpent+cost > st.limits.MonthlyUSD {
		return &ExceededError{Period: "monthly", LimitUSD: st.limits.MonthlyUSD, SpentUSD: st.monthSpent}
	}
	return nil
}

// CheckAndRecord charges the default per-request cost for one call.
// It returns a *ExceededError without recording when the charge would
// breach a cap.
func (t *Tracker) CheckAndRecord(name, endpoint string) error {
	return t.CheckAndRecordN(name, endpoint, 1)
}

// CheckAndRecordN charges for a call covering n symbols.
func (t *Tracker) CheckAndRecordN(name, endpoint string, n int) error {
	t.mu.Lock()
	st := t.get(name)
	st.rollLocked(t.now())
	cost := st.costFor(endpoint, n)
	err := t.commitLocked(name, st, endpoint, cost)
	alerts := t.pendingAlertsLocked(name, st, err)
	t.mu.Unlock()

	t.dispatch(alerts)
	if err != nil {
		return err
	}
	return nil
}

// CheckAndRecordCost charges an explicit cost, bypassing the endpoint
// table. Used by adapters whose vendors report metered usage.
func (t *Tracker) CheckAndRecordCost(name, endpoint string, costUSD float64) error {
	t.mu.Lock()
	st := t.get(name)
	st.rollLocked(t.now())
	err := t.commitLocked(name, st, endpoint, costUSD)
	alerts := t.pendingAlertsLocked(name, st, err)
	t.mu.Unlock()

	t.dispatch(alerts)
	if err != nil {
		return err
	}
	return nil
}

func (t *Tracker) commitLocked(name string, st *state, endpoint string, cost float64) *ExceededError {
	if ee := t.fitsLocked(st, cost); ee != nil {
		ee.Provider = name
		log.Warn().Str("provider", name).Str("period", ee.Period).
			Float64("limit_usd", ee.LimitUSD).
			Float64("spent_usd", ee.SpentUSD).
			Msg("Budget exceeded, request refused")
		return ee
	}
	st.daySpent += cost
	st.monthSpent += cost
	st.dayRequests++
	st.monthRequests++
	if endpoint != "" {
		st.endpointSpend[endpoint] += cost
	}
	return nil
}

// pendingAlertsLocked collects warn and breach alerts to dispatch after
// the lock is released. Warn alerts fire once per period.
func (t *Tracker) pendingAlertsLocked(name string, st *state, breach *ExceededError) []Alert {
	var alerts []Alert

	if breach != nil {
		alerts = append(alerts, Alert{
			Provider:    name,
			Period:      breach.Period,
			SpentUSD:    breach.SpentUSD,
			LimitUSD:    breach.LimitUSD,
			Utilization: utilization(breach.SpentUSD, breach.LimitUSD),
			Exceeded:    true,
		})
		return alerts
	}

	if st.limits.DailyUSD > 0 && !st.dayWarned && st.daySpent >= WarnThreshold*st.limits.DailyUSD {
		st.dayWarned = true
		alerts = append(alerts, Alert{
			Provider:    name,
			Period:      "daily",
			SpentUSD:    st.daySpent,
			LimitUSD:    st.limits.DailyUSD,
			Utilization: utilization(st.daySpent, st.limits.DailyUSD),
		})
	}
	if st.limits.MonthlyUSD > 0 && !st.monthWarned && st.monthSpent >= WarnThreshold*st.limits.MonthlyUSD {
		st.monthWarned = true
		alerts = append(alerts, Alert{
			Provider:    name,
			Period:      "monthly",
			SpentUSD:    st.monthSpent,
			LimitUSD:    st.limits.MonthlyUSD,
			Utilization: utilization(st.monthSpent, st.limits.MonthlyUSD),
		})
	}
	return alerts
}

func utilization(spent, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spent / limit
}

func (t *Tracker) dispatch(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	t.mu.Lock()
	cbs := make([]AlertFunc, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, a := range alerts {
		log.Warn().Str("provider", a.Provider).Str("period", a.Period).
			Float64("utilization", a.Utilization).
			Bool("exceeded", a.Exceeded).
			Msg("Budget alert")
		for _, cb := range cbs {
			go func(cb AlertFunc, a Alert) {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("Budget alert callback panicked")
					}
				}()
				cb(a)
			}(cb, a)
		}
	}
}

// Snapshot is a point-in-time view of one provider's spend.
type Snapshot struct {
	Provider         string             `json:"provider"`
	Day              string             `json:"day"`
	Month            string             `json:"month"`
	DaySpentUSD      float64            `json:"day_spent_usd"`
	MonthSpentUSD    float64            `json:"month_spent_usd"`
	DailyLimitUSD    float64            `json:"daily_limit_usd"`
	MonthlyLimitUSD  float64            `json:"monthly_limit_usd"`
	DayRequests      int64              `json:"day_requests"`
	MonthRequests    int64              `json:"month_requests"`
	DayUtilization   float64            `json:"day_utilization"`
	MonthUtilization float64            `json:"month_utilization"`
	EndpointSpendUSD map[string]float64 `json:"endpoint_spend_usd,omitempty"`
}

// Snapshot reports the current spend for a provider.
func (t *Tracker) Snapshot(name string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.get(name)
	st.rollLocked(t.now())

	eps := make(map[string]float64, len(st.endpointSpend))
	for k, v := range st.endpointSpend {
		eps[k] = v
	}
	return Snapshot{
		Provider:         name,
		Day:              st.day,
		Month:            st.month,
		DaySpentUSD:      st.daySpent,
		MonthSpentUSD:    st.monthSpent,
		DailyLimitUSD:    st.limits.DailyUSD,
		MonthlyLimitUSD:  st.limits.MonthlyUSD,
		DayRequests:      st.dayRequests,
		MonthRequests:    st.monthRequests,
		DayUtilization:   utilization(st.daySpent, st.limits.DailyUSD),
		MonthUtilization: utilization(st.monthSpent, st.limits.MonthlyUSD),
		EndpointSpendUSD: eps,
	}
}

// Snapshots returns the spend view for every registered provider.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, t.Snapshot(name))
	}
	return out
}
