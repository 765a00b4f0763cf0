// Package health scores provider reliability and gates traffic through
// a per-provider circuit breaker.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the circuit position for one provider.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Default breaker and scoring parameters.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultOpenTimeout      = 60 * time.Second

	latencyWindow = 100

	errorRateWarn     = 0.10
	errorRateCritical = 0.30
	latencyWarnMs     = 2000.0
	latencyCriticalMs = 5000.0
)

// Level summarizes a provider's health band.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

// Options tune the breaker for one provider. Zero fields take the
// defaults.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = DefaultSuccessThreshold
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	return o
}

// ChangeFunc is notified when a provider's healthy flag flips. Callbacks
// run on their own goroutine; panics are recovered.
type ChangeFunc func(provider string, healthy bool, snap Snapshot)

type record struct {
	opts Options

	state         State
	openedAt      time.Time
	consecFails   int
	halfOpenHits  int
	totalSuccess  int64
	totalFailure  int64
	windowSuccess int64
	windowFailure int64

	// latencies is a ring of the most recent successful-call latencies
	// in milliseconds.
	latencies []float64
	latIdx    int

	lastSuccess time.Time
	lastFailure time.Time
	lastError   string

	healthy bool
}

// Monitor tracks outcomes per provider and owns the circuit breakers.
type Monitor struct {
	mu        sync.Mutex
	providers map[string]*record
	callbacks []ChangeFunc
	now       func() time.Time
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		providers: make(map[string]*record),
		now:       time.Now,
	}
}

// Register creates the breaker for a provider. Providers not registered
// get default options on first use.
func (m *Monitor) Register(name string, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = newRecord(opts)
}

func newRecord(opts Options) *record {
	return &record{
		opts:    opts.withDefaults(),
		state:   StateClosed,
		healthy: true,
	}
}

// OnChange registers a healthy-flag flip callback.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

func (m *Monitor) get(name string) *record {
	r, ok := m.providers[name]
	if !ok {
		r = newRecord(Options{})
		m.providers[name] = r
	}
	return r
}

// CanRequest reports whether the circuit admits a call right now. An
// elapsed open timeout moves the breaker to HALF_OPEN as a side effect.
func (m *Monitor) CanRequest(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(name)
	switch r.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if m.now().Sub(r.openedAt) >= r.opts.OpenTimeout {
			r.state = StateHalfOpen
			r.halfOpenHits = 0
			log.Info().Str("provider", name).Msg("Circuit half-open, probing")
			return true
		}
		return false
	}
	return false
}

// RecordSuccess folds one successful call into the provider's record.
func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	r := m.get(name)
	now := m.now()

	r.totalSuccess++
	r.windowSuccess++
	r.consecFails = 0
	r.lastSuccess = now

	ms := float64(latency.Milliseconds())
	if len(r.latencies) < latencyWindow {
		r.latencies = append(r.latencies, ms)
	} else {
		r.latencies[r.latIdx] = ms
		r.latIdx = (r.latIdx + 1) % latencyWindow
	}

	if r.state == StateHalfOpen {
		r.halfOpenHits++
		if r.halfOpenHits >= r.opts.SuccessThreshold {
			r.state = StateClosed
			r.halfOpenHits = 0
			log.Info().Str("provider", name).Msg("Circuit closed")
		}
	}

	flips := m.refreshHealthLocked(name, r)
	m.mu.Unlock()
	m.notify(flips)
}

// RecordFailure folds one failed call into the provider's record.
// Rate-limit and budget denials must not reach here; the failover layer
// excludes a provider for those without penalizing its health.
func (m *Monitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	r := m.get(name)
	now := m.now()

	r.totalFailure++
	r.windowFailure++
	r.consecFails++
	r.lastFailure = now
	if err != nil {
		r.lastError = err.Error()
	}

	switch r.state {
	case StateClosed:
		if r.consecFails >= r.opts.FailureThreshold {
			r.state = StateOpen
			r.openedAt = now
			log.Warn().Str("provider", name).
				Int("consecutive_failures", r.consecFails).
				Msg("Circuit opened")
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit.
		r.state = StateOpen
		r.openedAt = now
		r.halfOpenHits = 0
		log.Warn().Str("provider", name).Msg("Circuit reopened after failed probe")
	}

	flips := m.refreshHealthLocked(name, r)
	m.mu.Unlock()
	m.notify(flips)
}

type flip struct {
	name    string
	healthy bool
	snap    Snapshot
}

// refreshHealthLocked recomputes the healthy flag and returns the flip
// to dispatch, if any.
func (m *Monitor) refreshHealthLocked(name string, r *record) []flip {
	snap := r.snapshot(name)
	healthy := r.state != StateOpen && snap.Level != LevelCritical
	if healthy == r.healthy {
		return nil
	}
	r.healthy = healthy
	log.Info().Str("provider", name).Bool("healthy", healthy).
		Str("state", string(r.state)).
		Float64("error_rate", snap.ErrorRate).
		Msg("Provider health changed")
	return []flip{{name: name, healthy: healthy, snap: snap}}
}

func (m *Monitor) notify(flips []flip) {
	if len(flips) == 0 {
		return
	}
	m.mu.Lock()
	cbs := make([]ChangeFunc, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	for _, f := range flips {
		for _, cb := range cbs {
			go func(cb ChangeFunc, f flip) {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("Health callback panicked")
					}
				}()
				cb(f.name, f.healthy, f.snap)
			}(cb, f)
		}
	}
}

// IsHealthy reports the current healthy flag.
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(name).healthy
}

// CircuitState returns the breaker position.
func (m *Monitor) CircuitState(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(name).state
}

// ResetWindow clears the rolling error-rate counters, keeping lifetime
// totals and the circuit position.
func (m *Monitor) ResetWindow(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.get(name)
	r.windowSuccess = 0
	r.windowFailure = 0
}

// ForceOpen trips the breaker manually (ops override).
func (m *Monitor) ForceOpen(name string) {
	m.mu.Lock()
	r := m.get(name)
	r.state = StateOpen
	r.openedAt = m.now()
	flips := m.refreshHealthLocked(name, r)
	m.mu.Unlock()
	m.notify(flips)
}

// Snapshot is a scored view of one provider's recent behavior.
type Snapshot struct {
	Provider     string    `json:"provider"`
	State        State     `json:"state"`
	Healthy      bool      `json:"healthy"`
	Level        Level     `json:"level"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func (r *record) snapshot(name string) Snapshot {
	total := r.windowSuccess + r.windowFailure
	var errRate float64
	if total > 0 {
		errRate = float64(r.windowFailure) / float64(total)
	}

	var avg, p95 float64
	if n := len(r.latencies); n > 0 {
		sorted := make([]float64, n)
		copy(sorted, r.latencies)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		avg = sum / float64(n)
		p95 = sorted[int(0.95*float64(n))]
	}

	level := LevelHealthy
	switch {
	case errRate >= errorRateCritical || avg > latencyCriticalMs:
		level = LevelCritical
	case errRate >= errorRateWarn || avg > latencyWarnMs:
		level = LevelDegraded
	}

	return Snapshot{
		Provider:     name,
		State:        r.state,
		Healthy:      r.healthy,
		Level:        level,
		ErrorRate:    errRate,
		AvgLatencyMs: avg,
		P95LatencyMs: p95,
		SuccessCount: r.totalSuccess,
		FailureCount: r.totalFailure,
		LastSuccess:  r.lastSuccess,
		LastFailure:  r.lastFailure,
		LastError:    r.lastError,
	}
}

// Snapshot returns the scored view for one provider.
func (m *Monitor) Snapshot(name string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(name).snapshot(name)
}

// Snapshots returns the scored view for every tracked provider.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.providers))
	for name, r := range m.providers {
		out = append(out, r.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
