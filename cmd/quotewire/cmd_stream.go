package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/quotewire/internal/cache"
	"github.com/sawpanic/quotewire/internal/provider"
)

func newStreamCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "stream SYMBOL...",
		Short: "Stream live quotes from a websocket-capable provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(providerName, args)
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "coinpulse", "streaming provider name")
	return cmd
}

func runStream(providerName string, symbols []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	p, ok := a.registry.Get(providerName)
	if !ok {
		return fmt.Errorf("provider %q not configured", providerName)
	}
	sp, err := provider.Streamer(p)
	if err != nil {
		return err
	}

	if err := sp.Subscribe(ctx, symbols); err != nil {
		return err
	}
	ch, err := sp.StreamQuotes(ctx)
	if err != nil {
		return err
	}

	quotes := cache.NewQuotes(a.cache, cache.QuoteTTL)
	log.Info().Strs("symbols", symbols).Str("provider", providerName).Msg("Streaming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case q, open := <-ch:
			if !open {
				return fmt.Errorf("stream closed by %s", providerName)
			}
			if err := quotes.Publish(ctx, &q); err != nil {
				log.Warn().Err(err).Msg("Quote publish failed")
			}
			fmt.Printf("%s  %-12s %12.2f  bid %.2f ask %.2f\n",
				q.Timestamp.Format("15:04:05"), q.Symbol, q.Price, q.Bid, q.Ask)
		}
	}
}
