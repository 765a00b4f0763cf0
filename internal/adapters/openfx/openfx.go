// Package openfx adapts an exchangerate.host-style currency API: one
// GET returns the full basis-rate table for a base currency.
package openfx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
)

const defaultBaseURL = "https://api.exchangerate.host"

// Client implements provider.Provider plus provider.RateProvider. The
// quote and historical surfaces answer NOT_SUPPORTED; this adapter
// exists for the FX matrix only.
type Client struct {
	cfg    provider.Config
	http   *http.Client
	base   string
	status *provider.Status
	logger zerolog.Logger
}

// New builds the adapter from its descriptor.
func New(cfg provider.Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: cfg.Timeout()},
		status: provider.NewStatus(),
		logger: log.With().Str("adapter", cfg.Name).Logger(),
	}
}

func (c *Client) Name() string                    { return c.cfg.Name }
func (c *Client) Config() provider.Config         { return c.cfg }
func (c *Client) Status() provider.StatusSnapshot { return c.status.Snapshot() }

func (c *Client) Initialize(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

func (c *Client) Close() error { return nil }

// HealthCheck fetches the USD rate on the default basis.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetRates(ctx, "EUR", []string{"USD"})
	return err
}

type ratesResponse struct {
	Success *bool              `json:"success,omitempty"`
	Base    string             `json:"base"`
	Rates   map[string]float64 `json:"rates"`
}

// GetRates returns quote currency -> rate for one base.
func (c *Client) GetRates(ctx context.Context, base string, symbols []string) (map[string]float64, error) {
	params := url.Values{}
	params.Set("base", base)
	if len(symbols) > 0 {
		params.Set("symbols", strings.Join(symbols, ","))
	}
	if c.cfg.APIKey != "" {
		params.Set("access_key", c.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/latest?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.status.RecordFailure(err)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, provider.NewTimeoutError(c.cfg.Name, err)
		}
		return nil, &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeNetworkError,
			Message:     "request failed",
			Recoverable: true,
			Cause:       err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, provider.NewRateLimitError(c.cfg.Name, time.Minute)
	case resp.StatusCode == http.StatusUnauthorized:
		err := provider.NewAuthError(c.cfg.Name, fmt.Errorf("http %d", resp.StatusCode))
		c.status.RecordFailure(err)
		return nil, err
	case resp.StatusCode != http.StatusOK:
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeAPIError,
			Message:     fmt.Sprintf("http %d", resp.StatusCode),
			HTTPStatus:  resp.StatusCode,
			Recoverable: resp.StatusCode >= 500,
		}
		c.status.RecordFailure(perr)
		return nil, perr
	}

	var raw ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeInvalidData,
			Message:     "malformed rates body",
			Recoverable: false,
			Cause:       err,
		}
		c.status.RecordFailure(perr)
		return nil, perr
	}
	if raw.Success != nil && !*raw.Success {
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeAPIError,
			Message:     "vendor reported failure",
			Recoverable: true,
		}
		c.status.RecordFailure(perr)
		return nil, perr
	}
	if len(raw.Rates) == 0 {
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeInvalidData,
			Message:     "empty rates table",
			Recoverable: true,
		}
		c.status.RecordFailure(perr)
		return nil, perr
	}

	c.status.RecordSuccess(time.Since(start))
	c.logger.Debug().Int("rates", len(raw.Rates)).Str("base", base).Msg("Rates fetched")
	return raw.Rates, nil
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	return nil, provider.NewNotSupportedError(c.cfg.Name, "quotes")
}

func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	return nil, provider.NewNotSupportedError(c.cfg.Name, "quotes")
}

func (c *Client) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	return nil, provider.NewNotSupportedError(c.cfg.Name, "historical bars")
}
