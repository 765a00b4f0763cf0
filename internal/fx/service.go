// Package fx maintains the cross-rate matrix used to normalize prices
// across currencies. Rates are fetched on one basis currency and every
// directed pair is derived from it.
package fx

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/cache"
	"github.com/sawpanic/quotewire/internal/failover"
	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/store"
)

// Defaults for the rate maintainer.
const (
	DefaultBase   = "EUR"
	DefaultMaxAge = time.Hour
	rateCacheTTL  = 2 * time.Hour
	ratePrecision = 1e8
)

// DefaultCurrencies is the matrix currency set when config supplies
// none.
var DefaultCurrencies = []string{"EUR", "USD", "GBP", "CHF", "HKD", "JPY"}

// Service fetches basis rates through the failover chain and maintains
// the derived pair matrix in the store and cache.
type Service struct {
	chain      *failover.Manager
	store      store.FXStore
	rates      *cache.FXRates
	base       string
	currencies []string
	maxAge     time.Duration
	now        func() time.Time
}

// New wires the service. Zero/empty options take the defaults.
func New(chain *failover.Manager, st store.FXStore, c cache.Cache, base string, currencies []string, maxAge time.Duration) *Service {
	if base == "" {
		base = DefaultBase
	}
	if len(currencies) == 0 {
		currencies = DefaultCurrencies
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Service{
		chain:      chain,
		store:      st,
		rates:      cache.NewFXRates(c, rateCacheTTL),
		base:       base,
		currencies: currencies,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// round8 quantizes a rate to 8 decimal places.
func round8(r float64) float64 {
	return math.Round(r*ratePrecision) / ratePrecision
}

// RunCycle fetches the basis rates and rebuilds the full directed pair
// matrix. rate(a, b) = basis(b) / basis(a).
func (s *Service) RunCycle(ctx context.Context) error {
	basis, err := s.chain.GetFXRates(ctx, s.base, s.currencies)
	if err != nil {
		return fmt.Errorf("fx cycle: %w", err)
	}
	basis[s.base] = 1.0

	fetched := s.now().UTC()
	var out []market.FXRate
	for _, from := range s.currencies {
		rf, ok := basis[from]
		if !ok || rf == 0 {
			log.Warn().Str("currency", from).Msg("Basis rate missing, pairs skipped")
			continue
		}
		for _, to := range s.currencies {
			if from == to {
				continue
			}
			rt, ok := basis[to]
			if !ok {
				continue
			}
			out = append(out, market.FXRate{
				Base:      from,
				Quote:     to,
				Rate:      round8(rt / rf),
				Source:    s.base + "-basis",
				FetchedAt: fetched,
			})
		}
	}
	if len(out) == 0 {
		return fmt.Errorf("fx cycle: no pairs derived from %d basis rates", len(basis))
	}

	if err := s.store.SaveRates(ctx, out); err != nil {
		return fmt.Errorf("fx cycle: persist: %w", err)
	}
	for _, r := range out {
		if err := s.rates.Put(ctx, r); err != nil {
			log.Warn().Err(err).Str("pair", r.Base+"/"+r.Quote).Msg("FX cache write failed")
			break
		}
	}

	log.Info().Int("pairs", len(out)).Str("base", s.base).Msg("FX matrix refreshed")
	return nil
}

// EnsureFresh runs a cycle when the stored rates are older than the
// freshness window. Startup calls this before any collection task.
func (s *Service) EnsureFresh(ctx context.Context) error {
	last, err := s.store.LatestFetch(ctx)
	if err != nil {
		return fmt.Errorf("fx freshness check: %w", err)
	}
	if !last.IsZero() && s.now().Sub(last) < s.maxAge {
		log.Debug().Time("last_fetch", last).Msg("FX rates fresh, cycle skipped")
		return nil
	}
	return s.RunCycle(ctx)
}

// Rate returns the directed rate, from the cache when possible.
func (s *Service) Rate(ctx context.Context, from, to string) (float64, error) {
	if from == to {
		return 1.0, nil
	}
	if r, err := s.rates.Get(ctx, from, to); err == nil {
		return r.Rate, nil
	}
	r, err := s.store.LatestRate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	// Backfill the cache so the next lookup is hot.
	_ = s.rates.Put(ctx, r)
	return r.Rate, nil
}

// Convert translates an amount between currencies at the latest rate.
func (s *Service) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	r, err := s.Rate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return amount * r, nil
}
