// Package universe drives collection over the curated symbol set:
// rolling quote refreshes while markets are open, end-of-day history
// pulls, and gap-directed backfills.
package universe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/cache"
	"github.com/sawpanic/quotewire/internal/failover"
	"github.com/sawpanic/quotewire/internal/gaps"
	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/store"
)

const (
	// DefaultRefreshLimit bounds one quote refresh pass.
	DefaultRefreshLimit = 500

	// chunkSize is the max symbols per batched quote request.
	chunkSize = 50

	// chunkDelay spaces batched requests so a refresh pass does not
	// monopolize a provider's minute window.
	chunkDelay = 500 * time.Millisecond

	// eodStaleness is how old daily history may be before the EOD pass
	// pulls it again.
	eodStaleness = 20 * time.Hour
)

// Stats summarizes one collection pass.
type Stats struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Collector runs the universe collection passes.
type Collector struct {
	chain  *failover.Manager
	store  store.Store
	quotes *cache.Quotes

	refreshLimit int
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewCollector wires a collector over the orchestration chain.
func NewCollector(chain *failover.Manager, st store.Store, c cache.Cache, refreshLimit int) *Collector {
	if refreshLimit <= 0 {
		refreshLimit = DefaultRefreshLimit
	}
	return &Collector{
		chain:        chain,
		store:        st,
		quotes:       cache.NewQuotes(c, 0),
		refreshLimit: refreshLimit,
		now:          time.Now,
		sleep:        sleepCtx,
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

// RefreshQuotes runs one rolling quote pass: the stalest active symbols
// first, batched per market kind, skipping symbols whose market is
// closed.
func (c *Collector) RefreshQuotes(ctx context.Context) (Stats, error) {
	var stats Stats

	symbols, err := c.store.SymbolsForQuoteRefresh(ctx, c.refreshLimit)
	if err != nil {
		return stats, fmt.Errorf("refresh quotes: load universe: %w", err)
	}
	stats.Total = len(symbols)
	if len(symbols) == 0 {
		return stats, nil
	}

	now := c.now()
	byKind := make(map[market.Kind][]string)
	for _, s := range symbols {
		if !market.CalendarFor(s.Kind).IsOpen(now) {
			stats.Skipped++
			continue
		}
		byKind[s.Kind] = append(byKind[s.Kind], s.Symbol)
	}

	for kind, syms := range byKind {
		for start := 0; start < len(syms); start += chunkSize {
			end := start + chunkSize
			if end > len(syms) {
				end = len(syms)
			}
			chunk := syms[start:end]

			if start > 0 {
				if err := c.sleep(ctx, chunkDelay); err != nil {
					return stats, err
				}
			}
			c.refreshChunk(ctx, kind, chunk, &stats)
		}
	}

	log.Info().Int("total", stats.Total).Int("updated", stats.Updated).
		Int("failed", stats.Failed).Int("skipped", stats.Skipped).
		Msg("Quote refresh pass complete")
	return stats, nil
}

func (c *Collector) refreshChunk(ctx context.Context, kind market.Kind, chunk []string, stats *Stats) {
	quotes, err := c.chain.GetQuotes(ctx, kind, chunk)
	if err != nil {
		for _, sym := range chunk {
			stats.Failed++
			if dbErr := c.store.RecordFailure(ctx, sym, err.Error()); dbErr != nil {
				log.Warn().Err(dbErr).Str("symbol", sym).Msg("Failure record write failed")
			}
		}
		return
	}

	now := c.now()
	for _, sym := range chunk {
		q, ok := quotes[sym]
		if !ok {
			stats.Failed++
			if dbErr := c.store.RecordFailure(ctx, sym, "no data in batch response"); dbErr != nil {
				log.Warn().Err(dbErr).Str("symbol", sym).Msg("Failure record write failed")
			}
			continue
		}
		q.Kind = kind
		if err := c.quotes.Put(ctx, q); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Quote cache write failed")
		}
		if err := c.quotes.Publish(ctx, q); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Quote publish failed")
		}
		if err := c.store.MarkQuoteUpdated(ctx, sym, now); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Quote timestamp write failed")
		}
		stats.Updated++
	}
}

// CollectEOD pulls daily bars for every symbol whose history has gone
// stale, covering the last daysBack calendar days.
func (c *Collector) CollectEOD(ctx context.Context, daysBack int) (Stats, error) {
	var stats Stats
	if daysBack <= 0 {
		daysBack = 1
	}

	now := c.now()
	symbols, err := c.store.SymbolsForEOD(ctx, now.Add(-eodStaleness))
	if err != nil {
		return stats, fmt.Errorf("collect eod: load universe: %w", err)
	}
	stats.Total = len(symbols)

	start := now.AddDate(0, 0, -daysBack)
	for _, s := range symbols {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		bars, err := c.chain.GetHistorical(ctx, s.Kind, s.Symbol, start, now, market.TFDaily)
		if err != nil {
			stats.Failed++
			if dbErr := c.store.RecordFailure(ctx, s.Symbol, err.Error()); dbErr != nil {
				log.Warn().Err(dbErr).Str("symbol", s.Symbol).Msg("Failure record write failed")
			}
			continue
		}
		if _, err := c.store.UpsertBars(ctx, bars); err != nil {
			stats.Failed++
			log.Error().Err(err).Str("symbol", s.Symbol).Msg("EOD bar write failed")
			continue
		}
		if err := c.store.MarkOHLCVUpdated(ctx, s.Symbol, now); err != nil {
			log.Warn().Err(err).Str("symbol", s.Symbol).Msg("OHLCV timestamp write failed")
		}
		stats.Updated++
	}

	log.Info().Int("total", stats.Total).Int("updated", stats.Updated).
		Int("failed", stats.Failed).Int("days_back", daysBack).
		Msg("EOD collection complete")
	return stats, nil
}

// EnrichSymbols fills descriptive metadata missing from imported
// universe rows. Region and asset type are derived from the market
// kind; rows that already carry values are left untouched.
func (c *Collector) EnrichSymbols(ctx context.Context) (Stats, error) {
	var stats Stats

	symbols, err := c.store.ActiveSymbols(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("enrich symbols: load universe: %w", err)
	}
	stats.Total = len(symbols)

	var changed []market.UniverseSymbol
	for _, s := range symbols {
		enriched := s
		if enriched.Region == "" {
			enriched.Region = regionForKind(s.Kind)
		}
		if enriched.AssetType == "" {
			enriched.AssetType = assetTypeForKind(s.Kind)
		}
		if enriched.Region == s.Region && enriched.AssetType == s.AssetType {
			stats.Skipped++
			continue
		}
		changed = append(changed, enriched)
	}

	if len(changed) > 0 {
		if err := c.store.UpsertSymbols(ctx, changed); err != nil {
			stats.Failed = len(changed)
			return stats, fmt.Errorf("enrich symbols: persist: %w", err)
		}
		stats.Updated = len(changed)
	}

	log.Info().Int("total", stats.Total).Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).Msg("Symbol enrichment complete")
	return stats, nil
}

func regionForKind(k market.Kind) string {
	switch k {
	case market.KindUSStock, market.KindETF, market.KindIndex:
		return "US"
	case market.KindEUStock:
		return "EU"
	case market.KindAsiaStock:
		return "ASIA"
	default:
		return "GLOBAL"
	}
}

func assetTypeForKind(k market.Kind) string {
	switch k {
	case market.KindETF:
		return "etf"
	case market.KindIndex:
		return "index"
	case market.KindCrypto:
		return "crypto"
	case market.KindFX:
		return "currency"
	default:
		return "equity"
	}
}

// Backfill detects gaps in the stored history for one symbol and
// fetches only the missing ranges.
func (c *Collector) Backfill(ctx context.Context, sym market.UniverseSymbol, tf market.Timeframe, start, end time.Time) (int64, error) {
	stored, err := c.store.BarsBetween(ctx, sym.Symbol, tf, start, end)
	if err != nil {
		return 0, fmt.Errorf("backfill %s: load bars: %w", sym.Symbol, err)
	}

	det := gaps.NewDetector(sym.Kind)
	found := gaps.Merge(det.Detect(sym.Symbol, tf, start, end, stored))
	if len(found) == 0 {
		return 0, nil
	}

	var written int64
	for _, g := range found {
		bars, err := c.chain.GetHistorical(ctx, sym.Kind, sym.Symbol, g.Start, g.End, tf)
		if err != nil {
			return written, fmt.Errorf("backfill %s %s..%s: %w", sym.Symbol,
				g.Start.Format("2006-01-02"), g.End.Format("2006-01-02"), err)
		}
		n, err := c.store.UpsertBars(ctx, bars)
		if err != nil {
			return written, err
		}
		written += n
	}

	log.Info().Str("symbol", sym.Symbol).Str("timeframe", string(tf)).
		Int("gaps", len(found)).Int64("bars_written", written).
		Msg("Backfill complete")
	return written, nil
}
