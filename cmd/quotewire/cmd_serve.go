package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/quotewire/internal/config"
	"github.com/sawpanic/quotewire/internal/ops"
	"github.com/sawpanic/quotewire/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Starts the full service: provider adapters, scheduled collection
jobs, the startup catch-up sequence, and the operational HTTP API.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.InitializeAll(ctx); err != nil {
		// A provider that fails auth at boot stays registered; the
		// health monitor keeps it out of the chain until it recovers.
		log.Warn().Err(err).Msg("Some providers failed to initialize")
	}

	sched, err := scheduler.New(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	if err := addJobs(a, sched, cfg); err != nil {
		return err
	}

	srv := ops.New(a.registry, a.monitor, a.budgets, a.limiter, sched, a.metrics)
	go func() {
		log.Info().Str("listen", cfg.Ops.Listen).Msg("Ops server starting")
		if err := srv.Start(cfg.Ops.Listen); err != nil {
			log.Error().Err(err).Msg("Ops server stopped")
			stop()
		}
	}()

	sched.Start()
	go runStartupSequence(ctx, a, cfg.Universe.EODDaysBack)

	log.Info().Str("version", version).Int("providers", len(cfg.Providers)).Msg("Service running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Scheduler drain incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown failed")
	}
	return nil
}

// addJobs registers the recurring collection jobs, each wrapped with
// run metrics.
func addJobs(a *app, sched *scheduler.Scheduler, cfg *config.Config) error {
	quoteRefresh := instrumented(a, "quote-refresh", func(ctx context.Context) error {
		stats, err := a.collector.RefreshQuotes(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("updated", stats.Updated).Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).Msg("Quote refresh done")
		return nil
	})
	eodCollect := instrumented(a, "eod-collect", func(ctx context.Context) error {
		stats, err := a.collector.CollectEOD(ctx, cfg.Universe.EODDaysBack)
		if err != nil {
			return err
		}
		log.Info().Int("updated", stats.Updated).Int("failed", stats.Failed).
			Msg("EOD collection done")
		return nil
	})
	fxRefresh := instrumented(a, "fx-refresh", a.fx.RunCycle)
	enrich := instrumented(a, "symbol-enrichment", func(ctx context.Context) error {
		stats, err := a.collector.EnrichSymbols(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("updated", stats.Updated).Msg("Symbol enrichment done")
		return nil
	})

	interval := time.Duration(cfg.Scheduler.QuoteIntervalSec) * time.Second
	if err := sched.AddIntervalJob("quote-refresh", interval, quoteRefresh); err != nil {
		return err
	}
	if err := sched.AddIntervalJob("fx-refresh", cfg.Scheduler.FXInterval(), fxRefresh); err != nil {
		return err
	}
	if err := sched.AddCronJob("eod-collect", cfg.Scheduler.EODCron, eodCollect); err != nil {
		return err
	}
	return sched.AddCronJob("symbol-enrichment", cfg.Scheduler.EnrichmentCron, enrich)
}

// instrumented wraps a job function with duration and outcome metrics.
func instrumented(a *app, name string, fn scheduler.JobFunc) scheduler.JobFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		a.metrics.ObserveJob(name, time.Since(start), err)
		return err
	}
}

// runStartupSequence brings stale state current after boot: the FX
// matrix first (quote normalization depends on it), then yesterday's
// bars, then a quote warm-up pass.
func runStartupSequence(ctx context.Context, a *app, eodDaysBack int) {
	boot := scheduler.NewStartup()
	boot.Add(scheduler.StartupTask{
		Name:     "fx-freshness",
		Priority: scheduler.PriorityCritical,
		Fn:       a.fx.EnsureFresh,
	})
	boot.Add(scheduler.StartupTask{
		Name:     "eod-catchup",
		Priority: scheduler.PriorityHigh,
		Fn: func(ctx context.Context) error {
			_, err := a.collector.CollectEOD(ctx, eodDaysBack)
			return err
		},
	})
	boot.Add(scheduler.StartupTask{
		Name:     "quote-warmup",
		Priority: scheduler.PriorityMedium,
		Fn: func(ctx context.Context) error {
			_, err := a.collector.RefreshQuotes(ctx)
			return err
		},
	})

	if err := boot.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Startup sequence failed")
	}
}
