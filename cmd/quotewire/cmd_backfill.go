package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/quotewire/internal/market"
)

func newBackfillCmd() *cobra.Command {
	var (
		symbol    string
		kind      string
		timeframe string
		from, to  string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Detect and fill history gaps for one symbol",
		Long: `Compares stored bars against the trading calendar for the symbol's
market, merges adjacent gaps, and fetches each gap through the failover
chain. Closed days and holidays are never treated as gaps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(symbol, kind, timeframe, from, to)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to backfill (required)")
	cmd.Flags().StringVar(&kind, "kind", string(market.KindUSStock), "market kind")
	cmd.Flags().StringVar(&timeframe, "timeframe", string(market.TFDaily), "bar timeframe")
	addWindowFlags(cmd.Flags(), &from, &to)
	cmd.MarkFlagRequired("symbol")
	return cmd
}

// addWindowFlags registers the shared --from/--to date pair.
func addWindowFlags(fs *pflag.FlagSet, from, to *string) {
	fs.StringVar(from, "from", "", "window start, YYYY-MM-DD (default 30 days back)")
	fs.StringVar(to, "to", "", "window end, YYYY-MM-DD (default today)")
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -30)
	var err error
	if from != "" {
		if start, err = time.ParseInLocation("2006-01-02", from, time.UTC); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --from %q", from)
		}
	}
	if to != "" {
		if end, err = time.ParseInLocation("2006-01-02", to, time.UTC); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad --to %q", to)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end precedes start")
	}
	return start, end, nil
}

func runBackfill(symbol, kind, timeframe, from, to string) error {
	start, end, err := parseWindow(from, to)
	if err != nil {
		return err
	}

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

	sym := market.UniverseSymbol{Symbol: symbol, Kind: market.Kind(kind)}
	written, err := a.collector.Backfill(ctx, sym, market.Timeframe(timeframe), start, end)
	if err != nil {
		return err
	}
	fmt.Printf("Backfilled %d bars for %s (%s, %s..%s)\n",
		written, symbol, timeframe, start.Format("2006-01-02"), end.Format("2006-01-02"))
	return nil
}
