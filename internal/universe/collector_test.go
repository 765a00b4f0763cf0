package universe

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/quotewire/internal/budget"
	"github.com/sawpanic/quotewire/internal/cache"
	"github.com/sawpanic/quotewire/internal/failover"
	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
	"github.com/sawpanic/quotewire/internal/ratelimit"
)

// memStore is an in-memory store.Store fake.
type memStore struct {
	symbols    []market.UniverseSymbol
	bars       map[string][]market.Bar
	quoteMarks map[string]time.Time
	ohlcvMarks map[string]time.Time
	failures   map[string]int
	barUpserts [][]market.Bar
}

func newMemStore() *memStore {
	return &memStore{
		bars:       make(map[string][]market.Bar),
		quoteMarks: make(map[string]time.Time),
		ohlcvMarks: make(map[string]time.Time),
		failures:   make(map[string]int),
	}
}

func (m *memStore) UpsertBars(ctx context.Context, bars []market.Bar) (int64, error) {
	m.barUpserts = append(m.barUpserts, bars)
	for _, b := range bars {
		m.bars[b.Symbol] = append(m.bars[b.Symbol], b)
	}
	return int64(len(bars)), nil
}

func (m *memStore) BarsBetween(ctx context.Context, symbol string, tf market.Timeframe, start, end time.Time) ([]market.Bar, error) {
	var out []market.Bar
	for _, b := range m.bars[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return market.NormalizeBars(out), nil
}

func (m *memStore) LatestBarTime(ctx context.Context, symbol string, tf market.Timeframe) (time.Time, error) {
	var latest time.Time
	for _, b := range m.bars[symbol] {
		if b.Timestamp.After(latest) {
			latest = b.Timestamp
		}
	}
	return latest, nil
}

func (m *memStore) SaveRates(ctx context.Context, rates []market.FXRate) error { return nil }
func (m *memStore) LatestRate(ctx context.Context, base, quote string) (market.FXRate, error) {
	return market.FXRate{}, cache.ErrMiss
}
func (m *memStore) LatestFetch(ctx context.Context) (time.Time, error) { return time.Time{}, nil }

func (m *memStore) UpsertSymbols(ctx context.Context, symbols []market.UniverseSymbol) error {
	m.symbols = append(m.symbols, symbols...)
	return nil
}

func (m *memStore) ActiveSymbols(ctx context.Context, kinds []market.Kind) ([]market.UniverseSymbol, error) {
	return m.symbols, nil
}

func (m *memStore) SymbolsForQuoteRefresh(ctx context.Context, limit int) ([]market.UniverseSymbol, error) {
	if len(m.symbols) > limit {
		return m.symbols[:limit], nil
	}
	return m.symbols, nil
}

func (m *memStore) SymbolsForEOD(ctx context.Context, olderThan time.Time) ([]market.UniverseSymbol, error) {
	return m.symbols, nil
}

func (m *memStore) MarkQuoteUpdated(ctx context.Context, symbol string, at time.Time) error {
	m.quoteMarks[symbol] = at
	return nil
}

func (m *memStore) MarkOHLCVUpdated(ctx context.Context, symbol string, at time.Time) error {
	m.ohlcvMarks[symbol] = at
	return nil
}

func (m *memStore) RecordFailure(ctx context.Context, symbol string, reason string) error {
	m.failures[symbol]++
	return nil
}

func (m *memStore) Close() error { return nil }

// batchStub records batch sizes and serves every requested symbol
// except those in missing.
type batchStub struct {
	missing    map[string]bool
	batchSizes []int
	histBars   map[string][]market.Bar
	histErr    error
	histCalls  []string
}

func (s *batchStub) Name() string { return "sim" }
func (s *batchStub) Config() provider.Config {
	return provider.Config{
		Name:    "sim",
		Markets: []market.Kind{market.KindUSStock, market.KindCrypto},
		DataTypes: []market.DataType{
			market.DataTypeQuote, market.DataTypeHistorical,
		},
		Priority:      1,
		SupportsBatch: true,
	}
}
func (s *batchStub) Initialize(ctx context.Context) error  { return nil }
func (s *batchStub) Close() error                          { return nil }
func (s *batchStub) HealthCheck(ctx context.Context) error { return nil }
func (s *batchStub) Status() provider.StatusSnapshot       { return provider.StatusSnapshot{} }

func (s *batchStub) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	qs, err := s.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := qs[symbol]
	if !ok {
		return nil, provider.NewNotAvailableError("sim", symbol)
	}
	return q, nil
}

func (s *batchStub) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	s.batchSizes = append(s.batchSizes, len(symbols))
	out := make(map[string]*market.Quote)
	for _, sym := range symbols {
		if s.missing[sym] {
			continue
		}
		out[sym] = &market.Quote{Symbol: sym, Price: 10, Provider: "sim", Timestamp: time.Now()}
	}
	return out, nil
}

func (s *batchStub) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	s.histCalls = append(s.histCalls, fmt.Sprintf("%s:%s..%s", symbol, start.Format("01-02"), end.Format("01-02")))
	if s.histErr != nil {
		return nil, s.histErr
	}
	return s.histBars[symbol], nil
}

func newCollector(t *testing.T, stub *batchStub, st *memStore, limit int) *Collector {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(stub))
	chain := failover.NewManager(reg, ratelimit.New(), budget.NewTracker(), health.NewMonitor())
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })

	c := NewCollector(chain, st, mem, limit)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	// Monday 2026-03-02 10:00 New York: US equities in session.
	c.now = func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) }
	return c
}

func usSymbol(sym string) market.UniverseSymbol {
	return market.UniverseSymbol{Symbol: sym, Kind: market.KindUSStock, Active: true}
}

func TestRefreshQuotesUpdatesAndMarks(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{usSymbol("AAPL"), usSymbol("MSFT")}
	stub := &batchStub{}
	c := newCollector(t, stub, st, 100)

	stats, err := c.RefreshQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Updated: 2}, stats)
	assert.Contains(t, st.quoteMarks, "AAPL")
	assert.Contains(t, st.quoteMarks, "MSFT")
}

func TestRefreshQuotesChunksAtFifty(t *testing.T) {
	st := newMemStore()
	for i := 0; i < 120; i++ {
		st.symbols = append(st.symbols, usSymbol(fmt.Sprintf("SYM%03d", i)))
	}
	stub := &batchStub{}
	c := newCollector(t, stub, st, 500)

	stats, err := c.RefreshQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, stats.Updated)
	assert.Equal(t, []int{50, 50, 20}, stub.batchSizes)
}

func TestRefreshQuotesSkipsClosedMarkets(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{
		usSymbol("AAPL"),
		{Symbol: "BTC-USD", Kind: market.KindCrypto, Active: true},
	}
	stub := &batchStub{}
	c := newCollector(t, stub, st, 100)
	// Saturday: US equities closed, crypto trades.
	c.now = func() time.Time { return time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC) }

	stats, err := c.RefreshQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Updated: 1, Skipped: 1}, stats)
	assert.Contains(t, st.quoteMarks, "BTC-USD")
	assert.NotContains(t, st.quoteMarks, "AAPL")
}

func TestRefreshQuotesRecordsMissingSymbols(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{usSymbol("AAPL"), usSymbol("GONE")}
	stub := &batchStub{missing: map[string]bool{"GONE": true}}
	c := newCollector(t, stub, st, 100)

	stats, err := c.RefreshQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Updated: 1, Failed: 1}, stats)
	assert.Equal(t, 1, st.failures["GONE"])
	assert.NotContains(t, st.quoteMarks, "GONE")
}

func TestRefreshQuotesHonorsLimit(t *testing.T) {
	st := newMemStore()
	for i := 0; i < 10; i++ {
		st.symbols = append(st.symbols, usSymbol(fmt.Sprintf("SYM%d", i)))
	}
	stub := &batchStub{}
	c := newCollector(t, stub, st, 3)

	stats, err := c.RefreshQuotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
}

func TestCollectEODWritesBarsAndMarks(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{usSymbol("AAPL")}
	stub := &batchStub{histBars: map[string][]market.Bar{
		"AAPL": {{
			Symbol: "AAPL", Timeframe: market.TFDaily,
			Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Open:      1, High: 2, Low: 1, Close: 2, Volume: 100,
		}},
	}}
	c := newCollector(t, stub, st, 100)

	stats, err := c.CollectEOD(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Updated: 1}, stats)
	assert.Len(t, st.bars["AAPL"], 1)
	assert.Contains(t, st.ohlcvMarks, "AAPL")
}

func TestCollectEODRecordsFailures(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{usSymbol("AAPL")}
	stub := &batchStub{histErr: provider.NewNotAvailableError("sim", "AAPL")}
	c := newCollector(t, stub, st, 100)

	stats, err := c.CollectEOD(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, stats)
	assert.Equal(t, 1, st.failures["AAPL"])
}

func TestEnrichSymbolsFillsMissingMetadata(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{
		{Symbol: "AAPL", Kind: market.KindUSStock, Active: true},
		{Symbol: "BTC-USD", Kind: market.KindCrypto, Active: true},
		{Symbol: "SAP", Kind: market.KindEUStock, Region: "EU", AssetType: "equity", Active: true},
	}
	c := newCollector(t, &batchStub{}, st, 100)

	stats, err := c.EnrichSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Updated: 2, Skipped: 1}, stats)

	// The fake appends upserts, so the enriched rows follow the originals.
	require.Len(t, st.symbols, 5)
	assert.Equal(t, "US", st.symbols[3].Region)
	assert.Equal(t, "equity", st.symbols[3].AssetType)
	assert.Equal(t, "GLOBAL", st.symbols[4].Region)
	assert.Equal(t, "crypto", st.symbols[4].AssetType)
}

func TestEnrichSymbolsLeavesCompleteRowsAlone(t *testing.T) {
	st := newMemStore()
	st.symbols = []market.UniverseSymbol{
		{Symbol: "AAPL", Kind: market.KindUSStock, Region: "US", AssetType: "equity", Active: true},
	}
	c := newCollector(t, &batchStub{}, st, 100)

	stats, err := c.EnrichSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Skipped: 1}, stats)
	assert.Len(t, st.symbols, 1)
}

func TestBackfillFetchesOnlyGaps(t *testing.T) {
	nyLoc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, nyLoc) }

	st := newMemStore()
	// Mon and Fri stored; Tue..Thu missing.
	for _, d := range []int{2, 6} {
		st.bars["AAPL"] = append(st.bars["AAPL"], market.Bar{
			Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: day(d),
			Open: 1, High: 2, Low: 1, Close: 2, Volume: 10,
		})
	}
	stub := &batchStub{histBars: map[string][]market.Bar{
		"AAPL": {
			{Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: day(3), Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
			{Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: day(4), Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
			{Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: day(5), Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
		},
	}}
	c := newCollector(t, stub, st, 100)

	written, err := c.Backfill(context.Background(), usSymbol("AAPL"), market.TFDaily, day(2), day(6))
	require.NoError(t, err)
	assert.EqualValues(t, 3, written)
	require.Len(t, stub.histCalls, 1, "one merged gap means one fetch")
	assert.Contains(t, stub.histCalls[0], "AAPL:03-03")
}

func TestBackfillNoGapsNoFetch(t *testing.T) {
	st := newMemStore()
	stub := &batchStub{}
	c := newCollector(t, stub, st, 100)

	nyLoc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, nyLoc) }
	for d := 2; d <= 6; d++ {
		st.bars["AAPL"] = append(st.bars["AAPL"], market.Bar{
			Symbol: "AAPL", Timeframe: market.TFDaily, Timestamp: day(d),
			Open: 1, High: 2, Low: 1, Close: 2, Volume: 10,
		})
	}

	written, err := c.Backfill(context.Background(), usSymbol("AAPL"), market.TFDaily, day(2), day(6))
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Empty(t, stub.histCalls)
}
