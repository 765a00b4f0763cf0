// Package failover routes each data request to the best available
// provider and walks the fallback chain when the preferred one cannot
// serve.
package failover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/budget"
	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
	"github.com/sawpanic/quotewire/internal/ratelimit"
)

const (
	defaultMaxRetries = 2
	retryBase         = time.Second
	retryMax          = 30 * time.Second

	// latencyPenaltyCap bounds the latency contribution to the
	// selection score.
	latencyPenaltyCap = 10.0
	errorRateWeight   = 50.0
)

// Manager is the orchestration front door: every provider call funnels
// through Execute so rate limits, budgets, and circuit breakers are
// enforced in one place.
type Manager struct {
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	budgets  *budget.Tracker
	monitor  *health.Monitor

	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewManager wires the orchestration layers together.
func NewManager(reg *provider.Registry, rl *ratelimit.Limiter, bt *budget.Tracker, hm *health.Monitor) *Manager {
	return &Manager{
		registry:   reg,
		limiter:    rl,
		budgets:    bt,
		monitor:    hm,
		maxRetries: defaultMaxRetries,
		sleep:      sleepCtx,
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

// candidate pairs a provider with its selection score.
type candidate struct {
	p     provider.Provider
	score float64
	order int
}

// score ranks a provider for selection. Lower is better: priority is
// the base, recent latency adds up to latencyPenaltyCap points, and the
// rolling error rate adds up to errorRateWeight points.
func (m *Manager) score(p provider.Provider, order int) candidate {
	snap := m.monitor.Snapshot(p.Name())
	latPenalty := snap.AvgLatencyMs / 1000.0
	if latPenalty > latencyPenaltyCap {
		latPenalty = latencyPenaltyCap
	}
	s := float64(p.Config().Priority) + latPenalty + snap.ErrorRate*errorRateWeight
	return candidate{p: p, score: s, order: order}
}

// Candidates returns the providers able to serve (kind, dt) right now,
// best first. Circuit-open, rate-limited, and over-budget providers are
// excluded; ties break on registration order.
func (m *Manager) Candidates(kind market.Kind, dt market.DataType, endpoint string) []provider.Provider {
	var cands []candidate
	for i, p := range m.registry.ByCapability(kind, dt) {
		name := p.Name()
		if !m.monitor.CanRequest(name) {
			continue
		}
		if !m.limiter.CanProceed(name) {
			continue
		}
		if !m.budgets.CanAfford(name, endpoint) {
			continue
		}
		cands = append(cands, m.score(p, i))
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].order < cands[j].order
	})

	out := make([]provider.Provider, len(cands))
	for i, c := range cands {
		out[i] = c.p
	}
	return out
}

// SelectProvider returns the single best candidate for (kind, dt).
func (m *Manager) SelectProvider(kind market.Kind, dt market.DataType, endpoint string) (provider.Provider, error) {
	cands := m.Candidates(kind, dt, endpoint)
	if len(cands) == 0 {
		return nil, fmt.Errorf("failover: no available provider for %s/%s", kind, dt)
	}
	return cands[0], nil
}

// CallFunc performs the actual provider operation inside Execute.
type CallFunc func(ctx context.Context, p provider.Provider) (interface{}, error)

// Execute runs fn against the best available provider, retrying
// recoverable errors on the same provider with exponential backoff
// before moving down the chain. Rate-limit and budget denials skip a
// provider without penalizing its health; a non-recoverable contract
// violation terminates the chain immediately.
func (m *Manager) Execute(ctx context.Context, kind market.Kind, dt market.DataType, endpoint string, fn CallFunc) (interface{}, error) {
	cands := m.Candidates(kind, dt, endpoint)
	if len(cands) == 0 {
		return nil, fmt.Errorf("failover: no available provider for %s/%s", kind, dt)
	}

	var errs []string
	for _, p := range cands {
		res, err := m.executeOn(ctx, p, endpoint, fn)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !failoverEligible(err) {
			log.Error().Str("provider", p.Name()).Err(err).
				Str("endpoint", endpoint).
				Msg("Contract violation, request path terminated")
			return nil, err
		}
		errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
		log.Warn().Str("provider", p.Name()).Err(err).
			Str("endpoint", endpoint).
			Msg("Provider failed, trying next in chain")
	}

	return nil, fmt.Errorf("failover: all providers failed for %s/%s: %s", kind, dt, strings.Join(errs, "; "))
}

// executeOn runs fn against one provider with its retry policy.
func (m *Manager) executeOn(ctx context.Context, p provider.Provider, endpoint string, fn CallFunc) (interface{}, error) {
	name := p.Name()
	cfg := p.Config()
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = m.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
			if !m.monitor.CanRequest(name) {
				break
			}
		}

		// The limiter and budget run per attempt: retries consume real
		// quota and real money.
		if err := m.limiter.Acquire(ctx, name); err != nil {
			var le *ratelimit.LimitError
			if ok := asLimitError(err, &le); ok {
				return nil, provider.NewRateLimitError(name, le.RetryAfter)
			}
			return nil, err
		}
		if err := m.budgets.CheckAndRecord(name, endpoint); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		start := time.Now()
		res, err := fn(callCtx, p)
		latency := time.Since(start)
		cancel()

		if err == nil {
			m.monitor.RecordSuccess(name, latency)
			return res, nil
		}
		lastErr = err

		// Vendor-side rate limiting excludes the provider for this
		// request without counting as a health failure.
		if provider.IsRateLimit(err) {
			return nil, err
		}
		m.monitor.RecordFailure(name, err)

		if !provider.IsRecoverable(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("provider %s unavailable", name)
	}
	return nil, lastErr
}

// failoverEligible reports whether another provider may still answer
// after err. Rate-limit, budget, auth, and availability failures are
// provider-local; any other non-recoverable provider error is a
// protocol or contract violation that terminates the request path.
func failoverEligible(err error) bool {
	pe, ok := provider.AsError(err)
	if !ok {
		// Untyped errors (budget denials, wrapped transport failures)
		// are provider-local.
		return true
	}
	if pe.Recoverable {
		return true
	}
	switch pe.Code {
	case provider.ErrCodeAuth, provider.ErrCodeNotAvailable,
		provider.ErrCodeNotSupported, provider.ErrCodeRateLimit,
		provider.ErrCodeBudgetExceeded:
		return true
	}
	return false
}

func asLimitError(err error, target **ratelimit.LimitError) bool {
	le, ok := err.(*ratelimit.LimitError)
	if ok {
		*target = le
	}
	return ok
}

// backoff is min(retryBase * 2^(attempt-1), retryMax).
func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt-1)
	if d > retryMax || d <= 0 {
		return retryMax
	}
	return d
}

// GetQuote fetches one quote through the failover chain.
func (m *Manager) GetQuote(ctx context.Context, kind market.Kind, symbol string) (*market.Quote, error) {
	res, err := m.Execute(ctx, kind, market.DataTypeQuote, "quote", func(ctx context.Context, p provider.Provider) (interface{}, error) {
		return p.GetQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return res.(*market.Quote), nil
}

// GetQuotes fetches a batch of quotes through the failover chain. The
// result may be partial; missing symbols were unavailable everywhere
// the winning provider looked.
func (m *Manager) GetQuotes(ctx context.Context, kind market.Kind, symbols []string) (map[string]*market.Quote, error) {
	res, err := m.Execute(ctx, kind, market.DataTypeQuote, "quotes", func(ctx context.Context, p provider.Provider) (interface{}, error) {
		return p.GetQuotes(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]*market.Quote), nil
}

// GetHistorical fetches bars through the failover chain and normalizes
// them before returning.
func (m *Manager) GetHistorical(ctx context.Context, kind market.Kind, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	res, err := m.Execute(ctx, kind, market.DataTypeHistorical, "historical", func(ctx context.Context, p provider.Provider) (interface{}, error) {
		return p.GetHistorical(ctx, symbol, start, end, tf)
	})
	if err != nil {
		return nil, err
	}
	return market.NormalizeBars(res.([]market.Bar)), nil
}

// GetFXRates fetches spot rates from the best rate-capable provider.
func (m *Manager) GetFXRates(ctx context.Context, base string, symbols []string) (map[string]float64, error) {
	res, err := m.Execute(ctx, market.KindFX, market.DataTypeFXRates, "fx_rates", func(ctx context.Context, p provider.Provider) (interface{}, error) {
		rp, ok := p.(provider.RateProvider)
		if !ok {
			return nil, provider.NewNotSupportedError(p.Name(), "fx rates")
		}
		return rp.GetRates(ctx, base, symbols)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]float64), nil
}

// BroadcastResult is one provider's outcome from a Broadcast call.
type BroadcastResult struct {
	Provider string
	Value    interface{}
	Err      error
	Latency  time.Duration
}

// Broadcast runs fn against every currently-available candidate
// concurrently and returns all outcomes. Used for cross-provider
// price verification.
func (m *Manager) Broadcast(ctx context.Context, kind market.Kind, dt market.DataType, endpoint string, fn CallFunc) []BroadcastResult {
	cands := m.Candidates(kind, dt, endpoint)
	results := make([]BroadcastResult, len(cands))

	done := make(chan int, len(cands))
	for i, p := range cands {
		go func(i int, p provider.Provider) {
			start := time.Now()
			v, err := m.executeOn(ctx, p, endpoint, fn)
			results[i] = BroadcastResult{
				Provider: p.Name(),
				Value:    v,
				Err:      err,
				Latency:  time.Since(start),
			}
			done <- i
		}(i, p)
	}
	for range cands {
		<-done
	}
	return results
}
