// Package provider defines the adapter contract every external market
// data vendor integration satisfies, the provider descriptor used to
// configure orchestration, per-adapter status tracking, and the
// registry that groups adapters by capability.
package provider

import (
	"context"
	"time"

	"github.com/sawpanic/quotewire/internal/market"
)

// Config is the static descriptor for one provider. Only Name is
// required; zero limits disable the corresponding enforcement window.
type Config struct {
	Name string `yaml:"name" json:"name"`

	// Adapter selects the client implementation ("alphax", "openfx",
	// "coinpulse", "sim"). Empty means the adapter named like Name.
	Adapter string `yaml:"adapter" json:"adapter,omitempty"`

	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKey    string `yaml:"api_key" json:"-"`
	APISecret string `yaml:"api_secret" json:"-"`

	Markets   []market.Kind     `yaml:"markets" json:"markets"`
	DataTypes []market.DataType `yaml:"data_types" json:"data_types"`

	// Rate limiting. Zero disables a window (a provider with all
	// windows zero is effectively unlimited).
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day"`
	Burst             int `yaml:"burst" json:"burst"`

	// Budget. Zero caps mean uncapped.
	DailyBudgetUSD    float64            `yaml:"daily_budget_usd" json:"daily_budget_usd"`
	MonthlyBudgetUSD  float64            `yaml:"monthly_budget_usd" json:"monthly_budget_usd"`
	CostPerRequestUSD float64            `yaml:"cost_per_request_usd" json:"cost_per_request_usd"`
	CostPerSymbolUSD  float64            `yaml:"cost_per_symbol_usd" json:"cost_per_symbol_usd"`
	EndpointCostsUSD  map[string]float64 `yaml:"endpoint_costs_usd" json:"endpoint_costs_usd,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries" json:"max_retries"`
	RetryBaseMs    int `yaml:"retry_base_ms" json:"retry_base_ms"`
	RetryMaxMs     int `yaml:"retry_max_ms" json:"retry_max_ms"`

	// Lower priority is preferred by the failover selector.
	Priority int `yaml:"priority" json:"priority"`

	SupportsBatch      bool `yaml:"supports_batch" json:"supports_batch"`
	SupportsWebsocket  bool `yaml:"supports_websocket" json:"supports_websocket"`
	SupportsHistorical bool `yaml:"supports_historical" json:"supports_historical"`
}

// Timeout returns the request deadline, defaulting to 30s.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Supports reports whether the provider covers the market kind and
// data type pair.
func (c Config) Supports(kind market.Kind, dt market.DataType) bool {
	foundKind := false
	for _, k := range c.Markets {
		if k == kind {
			foundKind = true
			break
		}
	}
	if !foundKind {
		return false
	}
	for _, d := range c.DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// Provider is the uniform contract over one external data source.
// Implementations normalize vendor payloads into the canonical shapes
// and surface failures as *Error. Symbol format is adapter-specific at
// the boundary; the orchestrator never rewrites symbols.
type Provider interface {
	Name() string
	Config() Config

	// Initialize acquires connections and validates credentials; it
	// fails with an AUTH_ERROR when credentials are rejected.
	Initialize(ctx context.Context) error

	// Close releases resources. It must be idempotent.
	Close() error

	// HealthCheck performs one cheap reference call; nil means healthy.
	HealthCheck(ctx context.Context) error

	GetQuote(ctx context.Context, symbol string) (*market.Quote, error)

	// GetQuotes returns partial results: symbols absent from the map
	// were unavailable at this provider.
	GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error)

	// GetHistorical returns bars ascending by timestamp, deduplicated
	// on (symbol, timeframe, timestamp). An empty slice is a valid
	// success.
	GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error)

	Status() StatusSnapshot
}

// StreamProvider is the optional streaming extension. Adapters without
// a websocket feed simply do not implement it; callers probe with a
// type assertion and treat absence as NOT_SUPPORTED.
type StreamProvider interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	StreamQuotes(ctx context.Context) (<-chan market.Quote, error)
}

// RateProvider is the optional FX extension: EUR-or-other-basis spot
// rates for a currency set, returned as quote currency -> rate.
type RateProvider interface {
	GetRates(ctx context.Context, base string, symbols []string) (map[string]float64, error)
}

// Streamer returns the streaming interface of p, or a NOT_SUPPORTED
// error when the adapter has none.
func Streamer(p Provider) (StreamProvider, error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp, nil
	}
	return nil, NewNotSupportedError(p.Name(), "streaming")
}
