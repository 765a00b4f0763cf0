// Package ratelimit enforces per-provider request pacing across up to
// four concurrent limits: a token bucket for burst shaping and sliding
// minute/hour/day window counters for hard caps.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour

	// DefaultMaxWait caps the cooperative sleep inside Acquire. Waits
	// beyond this surface as a LimitError with the computed RetryAfter
	// so the failover layer can route elsewhere instead of starving.
	DefaultMaxWait = 2 * time.Minute
)

// Config holds the window limits for one provider. A limit of zero
// disables that window; burst zero defaults the bucket capacity to the
// per-minute limit.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	Burst             int
}

// LimitError reports a rate-limit wait that exceeds the acquire cap.
type LimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit: %s unavailable for %v", e.Provider, e.RetryAfter)
}

// slidingWindow is a bounded list of request instants with a hard
// ceiling over a fixed duration.
type slidingWindow struct {
	window time.Duration
	limit  int
	stamps []time.Time
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *slidingWindow) canProceed(now time.Time) bool {
	w.prune(now)
	return len(w.stamps) < w.limit
}

// waitTime returns how long until one slot frees, floored at zero.
func (w *slidingWindow) waitTime(now time.Time) time.Duration {
	w.prune(now)
	if len(w.stamps) < w.limit {
		return 0
	}
	wait := w.stamps[0].Add(w.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (w *slidingWindow) record(now time.Time) {
	w.stamps = append(w.stamps, now)
}

// providerLimiter bundles the bucket and windows for one provider.
type providerLimiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	windows []*slidingWindow
}

// Limiter is the multi-window rate limiter keyed by provider name.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	maxWait   time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New returns a limiter with the default acquire wait cap.
func New() *Limiter {
	return &Limiter{
		providers: make(map[string]*providerLimiter),
		maxWait:   DefaultMaxWait,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetMaxWait overrides the acquire wait cap.
func (l *Limiter) SetMaxWait(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxWait = d
}

// Register configures the limits for a provider, replacing any prior
// configuration and clearing its history.
func (l *Limiter) Register(name string, cfg Config) {
	pl := &providerLimiter{}

	if cfg.RequestsPerMinute > 0 {
		capacity := cfg.RequestsPerMinute
		if cfg.Burst > 0 && cfg.Burst < capacity {
			capacity = cfg.Burst
		}
		refill := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		pl.bucket = rate.NewLimiter(refill, capacity)
		pl.windows = append(pl.windows, &slidingWindow{window: minuteWindow, limit: cfg.RequestsPerMinute})
	}
	if cfg.RequestsPerHour > 0 {
		pl.windows = append(pl.windows, &slidingWindow{window: hourWindow, limit: cfg.RequestsPerHour})
	}
	if cfg.RequestsPerDay > 0 {
		pl.windows = append(pl.windows, &slidingWindow{window: dayWindow, limit: cfg.RequestsPerDay})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[name] = pl

	log.Debug().Str("provider", name).
		Int("per_minute", cfg.RequestsPerMinute).
		Int("per_hour", cfg.RequestsPerHour).
		Int("per_day", cfg.RequestsPerDay).
		Int("burst", cfg.Burst).
		Msg("Rate limiter registered")
}

func (l *Limiter) get(name string) *providerLimiter {
	l.mu.RLock()
	pl, ok := l.providers[name]
	l.mu.RUnlock()
	if ok {
		return pl
	}

	// Unknown providers are unlimited; register an empty limiter so
	// repeated lookups stay cheap.
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok = l.providers[name]; ok {
		return pl
	}
	pl = &providerLimiter{}
	l.providers[name] = pl
	return pl
}

// waitLocked computes the max wait across the bucket and every window.
// Callers hold pl.mu.
func (l *Limiter) waitLocked(pl *providerLimiter, now time.Time, n int) time.Duration {
	var wait time.Duration
	if pl.bucket != nil {
		if tokens := pl.bucket.TokensAt(now); tokens < float64(n) {
			deficit := float64(n) - tokens
			d := time.Duration(deficit / float64(pl.bucket.Limit()) * float64(time.Second))
			if d > wait {
				wait = d
			}
		}
	}
	for _, w := range pl.windows {
		if d := w.waitTime(now); d > wait {
			wait = d
		}
	}
	return wait
}

// recordLocked commits the request into every active limit. Callers
// hold pl.mu and have established that no wait is needed.
func (l *Limiter) recordLocked(pl *providerLimiter, now time.Time, n int) {
	if pl.bucket != nil {
		pl.bucket.AllowN(now, n)
	}
	for _, w := range pl.windows {
		for i := 0; i < n; i++ {
			w.record(now)
		}
	}
}

// Acquire blocks until n request slots are available for the provider,
// then records the request in every active counter. Cancellation via
// ctx aborts without consuming anything. A computed wait beyond the cap
// returns a *LimitError immediately.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	return l.AcquireN(ctx, name, 1)
}

// AcquireN is Acquire for n slots.
func (l *Limiter) AcquireN(ctx context.Context, name string, n int) error {
	pl := l.get(name)

	var total time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pl.mu.Lock()
		now := l.now()
		wait := l.waitLocked(pl, now, n)
		if wait == 0 {
			l.recordLocked(pl, now, n)
			pl.mu.Unlock()
			return nil
		}
		pl.mu.Unlock()

		if total+wait > l.maxWait {
			return &LimitError{Provider: name, RetryAfter: wait}
		}
		total += wait

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CanProceed is the non-blocking peek: true iff an Acquire right now
// would not wait. It never mutates state.
func (l *Limiter) CanProceed(name string) bool {
	return l.TimeUntilAvailable(name) == 0
}

// TimeUntilAvailable returns the current max wait across all limits.
func (l *Limiter) TimeUntilAvailable(name string) time.Duration {
	pl := l.get(name)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return l.waitLocked(pl, l.now(), 1)
}

// Reset clears the request history for a provider (admin reset and the
// daily roll-over both land here).
func (l *Limiter) Reset(name string) {
	pl := l.get(name)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for _, w := range pl.windows {
		w.stamps = w.stamps[:0]
	}
	if pl.bucket != nil {
		// Refill the bucket by granting the full burst at a zero
		// timestamp in the past, then letting lazy refill take over.
		pl.bucket.SetBurstAt(l.now(), pl.bucket.Burst())
	}
	log.Info().Str("provider", name).Msg("Rate limiter reset")
}

// Snapshot reports the current utilization for a provider.
func (l *Limiter) Snapshot(name string) Snapshot {
	pl := l.get(name)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := l.now()
	s := Snapshot{Provider: name}
	if pl.bucket != nil {
		s.BucketTokens = pl.bucket.TokensAt(now)
		s.BucketCapacity = pl.bucket.Burst()
	}
	for _, w := range pl.windows {
		w.prune(now)
		s.Windows = append(s.Windows, WindowSnapshot{
			Window: w.window.String(),
			Used:   len(w.stamps),
			Limit:  w.limit,
		})
	}
	s.WaitTime = l.waitLocked(pl, now, 1)
	return s
}

// Snapshot is the introspection view of one provider's limits.
type Snapshot struct {
	Provider       string           `json:"provider"`
	BucketTokens   float64          `json:"bucket_tokens"`
	BucketCapacity int              `json:"bucket_capacity"`
	Windows        []WindowSnapshot `json:"windows,omitempty"`
	WaitTime       time.Duration    `json:"wait_time"`
}

// WindowSnapshot is one sliding window's utilization.
type WindowSnapshot struct {
	Window string `json:"window"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}
