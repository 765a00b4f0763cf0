package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/adapters/alphax"
	"github.com/sawpanic/quotewire/internal/adapters/coinpulse"
	"github.com/sawpanic/quotewire/internal/adapters/openfx"
	"github.com/sawpanic/quotewire/internal/adapters/sim"
	"github.com/sawpanic/quotewire/internal/budget"
	"github.com/sawpanic/quotewire/internal/cache"
	"github.com/sawpanic/quotewire/internal/config"
	"github.com/sawpanic/quotewire/internal/failover"
	"github.com/sawpanic/quotewire/internal/fx"
	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/metrics"
	"github.com/sawpanic/quotewire/internal/provider"
	"github.com/sawpanic/quotewire/internal/ratelimit"
	"github.com/sawpanic/quotewire/internal/store"
	"github.com/sawpanic/quotewire/internal/universe"
)

// app bundles the wired service components. Store is nil when the
// command did not request a database connection.
type app struct {
	cfg       *config.Config
	registry  *provider.Registry
	limiter   *ratelimit.Limiter
	budgets   *budget.Tracker
	monitor   *health.Monitor
	chain     *failover.Manager
	cache     cache.Cache
	metrics   *metrics.Registry
	store     *store.Postgres
	fx        *fx.Service
	collector *universe.Collector
}

// newAdapter maps one provider descriptor onto its client.
func newAdapter(cfg provider.Config) (provider.Provider, error) {
	kind := cfg.Adapter
	if kind == "" {
		kind = cfg.Name
	}
	switch kind {
	case "alphax":
		return alphax.New(cfg), nil
	case "openfx":
		return openfx.New(cfg), nil
	case "coinpulse":
		return coinpulse.New(cfg), nil
	case "sim":
		return sim.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q for provider %q", kind, cfg.Name)
	}
}

// buildApp wires the orchestration core from config. withStore opens
// Postgres and ensures the schema; commands that only talk to
// providers or the cache skip it.
func buildApp(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		registry: provider.NewRegistry(),
		limiter:  ratelimit.New(),
		budgets:  budget.NewTracker(),
		monitor:  health.NewMonitor(),
		metrics:  metrics.New(),
	}

	for _, pc := range cfg.Providers {
		p, err := newAdapter(pc)
		if err != nil {
			return nil, err
		}
		if err := a.registry.Register(p); err != nil {
			return nil, err
		}
		a.limiter.Register(pc.Name, ratelimit.Config{
			RequestsPerMinute: pc.RequestsPerMinute,
			RequestsPerHour:   pc.RequestsPerHour,
			RequestsPerDay:    pc.RequestsPerDay,
			Burst:             pc.Burst,
		})
		a.budgets.Register(pc.Name, budget.Limits{
			DailyUSD:          pc.DailyBudgetUSD,
			MonthlyUSD:        pc.MonthlyBudgetUSD,
			CostPerRequestUSD: pc.CostPerRequestUSD,
			CostPerSymbolUSD:  pc.CostPerSymbolUSD,
			EndpointCostsUSD:  pc.EndpointCostsUSD,
		})
		a.monitor.Register(pc.Name, health.Options{})
	}

	a.budgets.OnAlert(func(al budget.Alert) {
		ev := log.Warn()
		if al.Exceeded {
			ev = log.Error()
		}
		ev.Str("provider", al.Provider).Str("period", al.Period).
			Float64("spent_usd", al.SpentUSD).Float64("limit_usd", al.LimitUSD).
			Msg("Budget alert")
		a.metrics.BudgetSpentUSD.WithLabelValues(al.Provider, al.Period).Set(al.SpentUSD)
	})
	a.monitor.OnChange(func(name string, healthy bool, snap health.Snapshot) {
		log.Warn().Str("provider", name).Bool("healthy", healthy).
			Str("state", string(snap.State)).Str("level", string(snap.Level)).
			Msg("Provider health changed")
		a.metrics.SetCircuitState(name, string(snap.State))
	})

	a.chain = failover.NewManager(a.registry, a.limiter, a.budgets, a.monitor)

	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.cache = c
	default:
		a.cache = cache.NewMemory()
	}

	if withStore {
		st, err := store.NewPostgres(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			a.cache.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			a.cache.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.store = st
		a.fx = fx.New(a.chain, st, a.cache, cfg.FX.Base, cfg.FX.Currencies, cfg.FX.MaxAge())
		a.collector = universe.NewCollector(a.chain, st, a.cache, cfg.Universe.RefreshLimit)
	}

	return a, nil
}

// Close releases adapters, the cache, and the store. Safe on a
// partially built app.
func (a *app) Close() {
	if err := a.registry.CloseAll(); err != nil {
		log.Warn().Err(err).Msg("Adapter shutdown reported errors")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Cache close failed")
		}
	}
}
