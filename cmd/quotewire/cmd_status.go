package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/market"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider health from a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "ops server base URL")
	return cmd
}

type providerStatus struct {
	Name    string          `json:"name"`
	Markets []market.Kind   `json:"markets"`
	Health  health.Snapshot `json:"health"`
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		return fmt.Errorf("ops server unreachable at %s: %w", addr, err)
	}
	resp.Body.Close()
	overall := "ok"
	if resp.StatusCode != http.StatusOK {
		overall = "degraded"
	}

	resp, err = client.Get(addr + "/providers")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var providers []providerStatus
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return fmt.Errorf("decode providers: %w", err)
	}

	fmt.Printf("Service: %s (%d providers)\n\n", overall, len(providers))
	fmt.Printf("%-14s %-10s %-10s %8s %10s %10s\n",
		"PROVIDER", "CIRCUIT", "LEVEL", "ERR%", "AVG MS", "P95 MS")
	for _, p := range providers {
		fmt.Printf("%-14s %-10s %-10s %7.1f%% %10.0f %10.0f\n",
			p.Name, p.Health.State, p.Health.Level,
			p.Health.ErrorRate*100, p.Health.AvgLatencyMs, p.Health.P95LatencyMs)
	}
	return nil
}
