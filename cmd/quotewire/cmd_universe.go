package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/quotewire/internal/universe"
)

func newUniverseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "universe",
		Short: "Symbol universe collection passes",
	}

	var daysBack int
	eod := &cobra.Command{
		Use:   "eod",
		Short: "Collect end-of-day bars for stale symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUniverse(func(ctx context.Context, c *universe.Collector) (universe.Stats, error) {
				return c.CollectEOD(ctx, daysBack)
			})
		},
	}
	eod.Flags().IntVar(&daysBack, "days-back", 1, "how many days of bars to request")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "refresh",
			Short: "Refresh quotes for symbols whose markets are open",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withUniverse(func(ctx context.Context, c *universe.Collector) (universe.Stats, error) {
					return c.RefreshQuotes(ctx)
				})
			},
		},
		eod,
	)
	return cmd
}

func withUniverse(fn func(ctx context.Context, c *universe.Collector) (universe.Stats, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := fn(ctx, a.collector)
	if err != nil {
		return err
	}
	fmt.Printf("Total %d, updated %d, failed %d, skipped %d\n",
		stats.Total, stats.Updated, stats.Failed, stats.Skipped)
	return nil
}
