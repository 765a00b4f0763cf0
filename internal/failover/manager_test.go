package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/quotewire/internal/budget"
	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
	"github.com/sawpanic/quotewire/internal/ratelimit"
)

// stubProvider is a scriptable in-memory provider for chain tests.
type stubProvider struct {
	cfg    provider.Config
	status *provider.Status

	quoteErrs []error // consumed one per GetQuote call; nil means success
	calls     int
}

func newStub(name string, priority int, errs ...error) *stubProvider {
	return &stubProvider{
		cfg: provider.Config{
			Name:      name,
			Markets:   []market.Kind{market.KindUSStock, market.KindFX},
			DataTypes: []market.DataType{market.DataTypeQuote, market.DataTypeHistorical, market.DataTypeFXRates},
			Priority:  priority,
		},
		status:    provider.NewStatus(),
		quoteErrs: errs,
	}
}

func (s *stubProvider) Name() string                          { return s.cfg.Name }
func (s *stubProvider) Config() provider.Config               { return s.cfg }
func (s *stubProvider) Initialize(ctx context.Context) error  { return nil }
func (s *stubProvider) Close() error                          { return nil }
func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }
func (s *stubProvider) Status() provider.StatusSnapshot       { return s.status.Snapshot() }

func (s *stubProvider) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	s.calls++
	if len(s.quoteErrs) > 0 {
		err := s.quoteErrs[0]
		s.quoteErrs = s.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &market.Quote{Symbol: symbol, Price: 100, Provider: s.cfg.Name, Timestamp: time.Now()}, nil
}

func (s *stubProvider) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	out := make(map[string]*market.Quote, len(symbols))
	for _, sym := range symbols {
		q, err := s.GetQuote(ctx, sym)
		if err != nil {
			return nil, err
		}
		out[sym] = q
	}
	return out, nil
}

func (s *stubProvider) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	return nil, nil
}

func newManager(t *testing.T, provs ...provider.Provider) (*Manager, *health.Monitor, *budget.Tracker, *ratelimit.Limiter) {
	t.Helper()
	reg := provider.NewRegistry()
	for _, p := range provs {
		require.NoError(t, reg.Register(p))
	}
	rl := ratelimit.New()
	bt := budget.NewTracker()
	hm := health.NewMonitor()
	m := NewManager(reg, rl, bt, hm)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m, hm, bt, rl
}

func TestFallsBackOnNonRecoverableError(t *testing.T) {
	primary := newStub("primary", 1, provider.NewAuthError("primary", nil))
	secondary := newStub("secondary", 2)
	m, hm, _, _ := newManager(t, primary, secondary)

	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Provider)
	assert.Equal(t, 1, primary.calls, "auth errors must not retry on the same provider")
	assert.EqualValues(t, 1, hm.Snapshot("primary").FailureCount)
}

func TestRetriesRecoverableErrorBeforeFallback(t *testing.T) {
	primary := newStub("primary", 1,
		provider.NewTimeoutError("primary", nil),
		nil, // second attempt succeeds
	)
	secondary := newStub("secondary", 2)
	m, hm, _, _ := newManager(t, primary, secondary)

	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "primary", q.Provider)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 0, secondary.calls)
	assert.EqualValues(t, 1, hm.Snapshot("primary").FailureCount)
}

func TestContractViolationTerminatesRequestPath(t *testing.T) {
	// A malformed-payload error is a contract violation: retrying or
	// switching providers cannot fix the caller's request, so the
	// chain stops and surfaces the underlying error.
	bad := &provider.Error{
		Provider:    "primary",
		Code:        provider.ErrCodeInvalidData,
		Message:     "malformed response body",
		Recoverable: false,
	}
	primary := newStub("primary", 1, bad)
	secondary := newStub("secondary", 2)
	m, hm, _, _ := newManager(t, primary, secondary)

	_, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.Error(t, err)
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ErrCodeInvalidData, pe.Code)
	assert.Equal(t, 0, secondary.calls, "contract violations must not fail over")
	assert.EqualValues(t, 1, hm.Snapshot("primary").FailureCount)
}

func TestDataNotAvailableStillFailsOver(t *testing.T) {
	primary := newStub("primary", 1, provider.NewNotAvailableError("primary", "AAPL"))
	secondary := newStub("secondary", 2)
	m, _, _, _ := newManager(t, primary, secondary)

	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Provider)
}

func TestRateLimitHitSkipsWithoutHealthPenalty(t *testing.T) {
	primary := newStub("primary", 1, provider.NewRateLimitError("primary", 30*time.Second))
	secondary := newStub("secondary", 2)
	m, hm, _, _ := newManager(t, primary, secondary)

	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Provider)
	assert.EqualValues(t, 0, hm.Snapshot("primary").FailureCount,
		"vendor rate limiting is not a health failure")
	assert.Equal(t, health.StateClosed, hm.CircuitState("primary"))
}

func TestBudgetExhaustedProviderExcluded(t *testing.T) {
	primary := newStub("primary", 1)
	secondary := newStub("secondary", 2)
	m, hm, bt, _ := newManager(t, primary, secondary)

	bt.Register("primary", budget.Limits{DailyUSD: 0.10, CostPerRequestUSD: 0.10})

	// First call lands on primary and consumes its whole budget.
	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "primary", q.Provider)

	// Second call must skip primary at selection time.
	q, err = m.GetQuote(context.Background(), market.KindUSStock, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Provider)
	assert.EqualValues(t, 0, hm.Snapshot("primary").FailureCount)
}

func TestCircuitOpenProviderExcluded(t *testing.T) {
	primary := newStub("primary", 1)
	secondary := newStub("secondary", 2)
	m, hm, _, _ := newManager(t, primary, secondary)

	hm.ForceOpen("primary")

	q, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Provider)
	assert.Equal(t, 0, primary.calls)
}

func TestSelectionPrefersLowerScore(t *testing.T) {
	a := newStub("a", 2)
	b := newStub("b", 1)
	m, _, _, _ := newManager(t, a, b)

	p, err := m.SelectProvider(market.KindUSStock, market.DataTypeQuote, "quote")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name(), "lower priority value wins")
}

func TestSelectionTieBreaksOnRegistrationOrder(t *testing.T) {
	a := newStub("a", 1)
	b := newStub("b", 1)
	m, _, _, _ := newManager(t, a, b)

	p, err := m.SelectProvider(market.KindUSStock, market.DataTypeQuote, "quote")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())
}

func TestErrorRatePushesProviderDownChain(t *testing.T) {
	a := newStub("a", 1)
	b := newStub("b", 1)
	m, hm, _, _ := newManager(t, a, b)

	// One failure against 9 successes gives a a 10% error rate, adding
	// 5 score points; b stays clean and overtakes despite equal
	// priority.
	for i := 0; i < 9; i++ {
		hm.RecordSuccess("a", 10*time.Millisecond)
	}
	hm.RecordFailure("a", assert.AnError)

	p, err := m.SelectProvider(market.KindUSStock, market.DataTypeQuote, "quote")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name())
}

func TestAllProvidersFailedAggregatesErrors(t *testing.T) {
	a := newStub("a", 1, provider.NewAuthError("a", nil))
	b := newStub("b", 2, provider.NewNotAvailableError("b", "AAPL"))
	m, _, _, _ := newManager(t, a, b)

	_, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers failed")
	assert.Contains(t, err.Error(), "a:")
	assert.Contains(t, err.Error(), "b:")
}

func TestNoCapableProvider(t *testing.T) {
	a := newStub("a", 1)
	a.cfg.Markets = []market.Kind{market.KindCrypto}
	m, _, _, _ := newManager(t, a)

	_, err := m.GetQuote(context.Background(), market.KindUSStock, "AAPL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available provider")
}

func TestBroadcastReturnsAllOutcomes(t *testing.T) {
	a := newStub("a", 1)
	b := newStub("b", 2, provider.NewAuthError("b", nil))
	m, _, _, _ := newManager(t, a, b)

	results := m.Broadcast(context.Background(), market.KindUSStock, market.DataTypeQuote, "quote",
		func(ctx context.Context, p provider.Provider) (interface{}, error) {
			return p.GetQuote(ctx, "AAPL")
		})

	require.Len(t, results, 2)
	byName := map[string]BroadcastResult{}
	for _, r := range results {
		byName[r.Provider] = r
	}
	assert.NoError(t, byName["a"].Err)
	assert.Error(t, byName["b"].Err)
}

func TestGetHistoricalNormalizesBars(t *testing.T) {
	a := newStub("a", 1)
	m, _, _, _ := newManager(t, a)

	_, err := m.GetHistorical(context.Background(), market.KindUSStock, "AAPL",
		time.Now().AddDate(0, 0, -5), time.Now(), market.TFDaily)
	require.NoError(t, err)
}
