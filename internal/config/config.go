// Package config loads the orchestrator configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/quotewire/internal/provider"
)

// Config is the full service configuration.
type Config struct {
	Log       LogConfig         `yaml:"log"`
	Providers []provider.Config `yaml:"providers"`
	Database  DatabaseConfig    `yaml:"database"`
	Cache     CacheConfig       `yaml:"cache"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	FX        FXConfig          `yaml:"fx"`
	Universe  UniverseConfig    `yaml:"universe"`
	Ops       OpsConfig         `yaml:"ops"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // memory or redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig holds the job runner settings. Cron specs may carry
// a CRON_TZ= prefix to run on a clock other than the scheduler's.
type SchedulerConfig struct {
	Timezone         string `yaml:"timezone"`
	QuoteIntervalSec int    `yaml:"quote_interval_seconds"`
	FXIntervalMin    int    `yaml:"fx_interval_minutes"`
	EODCron          string `yaml:"eod_cron"`
	EnrichmentCron   string `yaml:"enrichment_cron"`
}

// FXInterval returns the FX refresh period.
func (s SchedulerConfig) FXInterval() time.Duration {
	return time.Duration(s.FXIntervalMin) * time.Minute
}

// FXConfig holds the rate maintainer settings.
type FXConfig struct {
	Base          string   `yaml:"base"`
	Currencies    []string `yaml:"currencies"`
	MaxAgeMinutes int      `yaml:"max_age_minutes"`
}

// MaxAge returns the freshness window.
func (f FXConfig) MaxAge() time.Duration {
	return time.Duration(f.MaxAgeMinutes) * time.Minute
}

// UniverseConfig holds the collection pass settings.
type UniverseConfig struct {
	RefreshLimit int `yaml:"refresh_limit"`
	EODDaysBack  int `yaml:"eod_days_back"`
}

// OpsConfig holds the HTTP status server settings.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "quotewire",
			User:     "quotewire",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Cache: CacheConfig{Backend: "memory", Addr: "localhost:6379"},
		Scheduler: SchedulerConfig{
			Timezone:         "America/New_York",
			QuoteIntervalSec: 300,
			FXIntervalMin:    60,
			EODCron:          "CRON_TZ=UTC 0 23 * * *",
			EnrichmentCron:   "CRON_TZ=UTC 0 1 * * *",
		},
		FX: FXConfig{
			Base:          "EUR",
			Currencies:    []string{"EUR", "USD", "GBP", "CHF", "HKD", "JPY"},
			MaxAgeMinutes: 60,
		},
		Universe: UniverseConfig{RefreshLimit: 500, EODDaysBack: 1},
		Ops:      OpsConfig{Listen: ":8090"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path returns defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment secrets override file values.
func (c *Config) applyEnv() {
	envStr(&c.Database.Host, "QW_DB_HOST")
	envInt(&c.Database.Port, "QW_DB_PORT")
	envStr(&c.Database.Name, "QW_DB_NAME")
	envStr(&c.Database.User, "QW_DB_USER")
	envStr(&c.Database.Password, "QW_DB_PASSWORD")
	envStr(&c.Cache.Backend, "QW_CACHE_BACKEND")
	envStr(&c.Cache.Addr, "QW_REDIS_ADDR")
	envStr(&c.Cache.Password, "QW_REDIS_PASSWORD")
	envStr(&c.Log.Level, "QW_LOG_LEVEL")
	envStr(&c.Ops.Listen, "QW_OPS_LISTEN")

	for i := range c.Providers {
		p := &c.Providers[i]
		envStr(&p.APIKey, "QW_"+envName(p.Name)+"_API_KEY")
		envStr(&p.APISecret, "QW_"+envName(p.Name)+"_API_SECRET")
	}
}

func envName(provider string) string {
	out := make([]byte, 0, len(provider))
	for i := 0; i < len(provider); i++ {
		ch := provider[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Addr == "" {
		return fmt.Errorf("config: redis backend requires cache.addr")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Markets) == 0 {
			return fmt.Errorf("config: provider %q declares no markets", p.Name)
		}
	}

	if c.Scheduler.QuoteIntervalSec <= 0 {
		return fmt.Errorf("config: quote_interval_seconds must be positive")
	}
	if c.Scheduler.FXIntervalMin <= 0 {
		return fmt.Errorf("config: fx_interval_minutes must be positive")
	}
	if c.Universe.RefreshLimit <= 0 {
		return fmt.Errorf("config: refresh_limit must be positive")
	}
	return nil
}
