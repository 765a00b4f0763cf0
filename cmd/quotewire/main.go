package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/quotewire/internal/config"
)

const (
	appName = "quotewire"
	version = "v0.4.0"
)

var configPath string

func main() {
	// .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data provider orchestration service",
		Version: version,
		Long: `quotewire orchestrates external market data providers behind one
rate-limited, budget-capped, health-checked failover chain. It keeps a
symbol universe fresh, maintains an FX cross-rate matrix, detects and
backfills history gaps, and serves an operational status API.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newFXCmd(),
		newBackfillCmd(),
		newUniverseCmd(),
		newStreamCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and wires the global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return cfg, nil
}
