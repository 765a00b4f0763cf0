package provider

import (
	"sync"
	"time"
)

// latencyEMAAlpha is the smoothing factor for the adapter-side rolling
// latency average. The health monitor keeps its own windowed mean; the
// two are deliberately independent views.
const latencyEMAAlpha = 0.1

// Status records every outcome an adapter observes. Adapters embed a
// *Status and call RecordSuccess/RecordFailure around each vendor call.
type Status struct {
	mu           sync.Mutex
	successes    int64
	failures     int64
	latencyEMAMs float64
	lastSuccess  time.Time
	lastFailure  time.Time
	lastError    string
}

// NewStatus returns an empty status tracker.
func NewStatus() *Status { return &Status{} }

// RecordSuccess folds one successful call into the counters and the
// latency EMA.
func (s *Status) RecordSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successes++
	s.lastSuccess = time.Now()
	ms := float64(latency.Milliseconds())
	if s.latencyEMAMs == 0 {
		s.latencyEMAMs = ms
	} else {
		s.latencyEMAMs = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*s.latencyEMAMs
	}
}

// RecordFailure folds one failed call into the counters.
func (s *Status) RecordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.lastFailure = time.Now()
	if err != nil {
		s.lastError = err.Error()
	}
}

// Snapshot returns a copy of the current counters.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatusSnapshot{
		SuccessCount: s.successes,
		ErrorCount:   s.failures,
		LatencyEMAMs: s.latencyEMAMs,
		LastSuccess:  s.lastSuccess,
		LastFailure:  s.lastFailure,
		LastError:    s.lastError,
	}
}

// StatusSnapshot is a point-in-time copy of an adapter's own outcome
// counters.
type StatusSnapshot struct {
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
	LatencyEMAMs float64   `json:"latency_ema_ms"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}
