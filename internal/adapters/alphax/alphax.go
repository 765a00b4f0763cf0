// Package alphax adapts the AlphaVantage-style REST API: flat JSON
// objects with numbered field keys, a shared quote endpoint, and soft
// rate limiting signalled through a "Note" body instead of HTTP 429.
package alphax

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
)

const defaultBaseURL = "https://www.alphavantage.co"

// Client implements provider.Provider over the AlphaVantage-style API.
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

// Initialize verifies the API key with one cheap reference call.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return provider.NewAuthError(c.cfg.Name, fmt.Errorf("api key not configured"))
	}
	return c.HealthCheck(ctx)
}

func (c *Client) Close() error { return nil }

// HealthCheck fetches one liquid reference symbol.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetQuote(ctx, "SPY")
	return err
}

// call performs one GET against the query endpoint and decodes the
// body, translating the vendor's soft failure envelopes.
func (c *Client) call(ctx context.Context, params url.Values, out interface{}) error {
	params.Set("apikey", c.cfg.APIKey)
	endpoint := c.base + "/query?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.status.RecordFailure(err)
		if ctx.Err() == context.DeadlineExceeded {
			return provider.NewTimeoutError(c.cfg.Name, err)
		}
		return &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeNetworkError,
			Message:     "request failed",
			Recoverable: true,
			Cause:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		c.status.RecordFailure(err)
		return err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn().Msg("HTTP 429 from vendor")
		return provider.NewRateLimitError(c.cfg.Name, retryAfter(resp))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		err := provider.NewAuthError(c.cfg.Name, fmt.Errorf("http %d", resp.StatusCode))
		c.status.RecordFailure(err)
		return err
	case resp.StatusCode != http.StatusOK:
		err := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeAPIError,
			Message:     fmt.Sprintf("http %d", resp.StatusCode),
			HTTPStatus:  resp.StatusCode,
			Recoverable: resp.StatusCode >= 500,
		}
		c.status.RecordFailure(err)
		return err
	}

	// The vendor answers 200 for throttling and bad input alike; the
	// envelope key tells them apart.
	var envelope struct {
		Note        string `json:"Note"`
		Information string `json:"Information"`
		ErrMsg      string `json:"Error Message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Note != "" || envelope.Information != "" {
			c.logger.Warn().Msg("Vendor throttle note in 200 response")
			return provider.NewRateLimitError(c.cfg.Name, time.Minute)
		}
		if envelope.ErrMsg != "" {
			err := &provider.Error{
				Provider:    c.cfg.Name,
				Code:        provider.ErrCodeNotAvailable,
				Message:     envelope.ErrMsg,
				Recoverable: false,
			}
			c.status.RecordFailure(err)
			return err
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeInvalidData,
			Message:     "malformed response body",
			Recoverable: false,
			Cause:       err,
		}
		c.status.RecordFailure(perr)
		return perr
	}

	c.status.RecordSuccess(time.Since(start))
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

type globalQuote struct {
	Quote map[string]string `json:"Global Quote"`
}

// GetQuote fetches the vendor's GLOBAL_QUOTE view for one symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)

	var raw globalQuote
	if err := c.call(ctx, params, &raw); err != nil {
		return nil, err
	}
	if len(raw.Quote) == 0 {
		return nil, provider.NewNotAvailableError(c.cfg.Name, symbol)
	}
	return c.parseQuote(symbol, raw.Quote)
}

// parseQuote maps the numbered vendor keys onto the canonical quote.
func (c *Client) parseQuote(symbol string, fields map[string]string) (*market.Quote, error) {
	price, err := f64(fields["05. price"])
	if err != nil || price <= 0 {
		return nil, &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeInvalidData,
			Message:     fmt.Sprintf("bad price for %s", symbol),
			Recoverable: false,
		}
	}
	q := &market.Quote{
		Symbol:    symbol,
		Price:     price,
		Provider:  c.cfg.Name,
		Timestamp: time.Now().UTC(),
		Currency:  "USD",
	}
	q.Open, _ = f64(fields["02. open"])
	q.High, _ = f64(fields["03. high"])
	q.Low, _ = f64(fields["04. low"])
	q.Volume, _ = f64(fields["06. volume"])
	q.PrevClose, _ = f64(fields["08. previous close"])
	q.Change, _ = f64(fields["09. change"])
	if pct := strings.TrimSuffix(fields["10. change percent"], "%"); pct != "" {
		q.ChangePct, _ = f64(pct)
	}
	return q, nil
}

// GetQuotes loops the single-quote endpoint; the vendor has no batch
// call. Missing symbols are dropped from the result, other errors
// abort the batch.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	out := make(map[string]*market.Quote, len(symbols))
	for _, sym := range symbols {
		q, err := c.GetQuote(ctx, sym)
		if err != nil {
			if pe, ok := provider.AsError(err); ok && pe.Code == provider.ErrCodeNotAvailable {
				continue
			}
			return nil, err
		}
		out[sym] = q
	}
	return out, nil
}

type dailySeries struct {
	Series map[string]map[string]string `json:"Time Series (Daily)"`
}

// GetHistorical fetches daily bars. The vendor serves only the daily
// timeframe; anything finer is NOT_SUPPORTED.
func (c *Client) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	if tf != market.TFDaily {
		return nil, provider.NewNotSupportedError(c.cfg.Name, string(tf)+" bars")
	}

	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	params.Set("outputsize", "full")

	var raw dailySeries
	if err := c.call(ctx, params, &raw); err != nil {
		return nil, err
	}
	if len(raw.Series) == 0 {
		return nil, provider.NewNotAvailableError(c.cfg.Name, symbol)
	}

	bars := make([]market.Bar, 0, len(raw.Series))
	for date, fields := range raw.Series {
		ts, err := time.ParseInLocation("2006-01-02", date, time.UTC)
		if err != nil {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		b := market.Bar{
			Symbol:    symbol,
			Timeframe: market.TFDaily,
			Timestamp: ts,
			Provider:  c.cfg.Name,
		}
		b.Open, _ = f64(fields["1. open"])
		b.High, _ = f64(fields["2. high"])
		b.Low, _ = f64(fields["3. low"])
		b.Close, _ = f64(fields["4. close"])
		b.Volume, _ = f64(fields["5. volume"])
		if err := b.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping invalid vendor bar")
			continue
		}
		bars = append(bars, b)
	}
	return market.NormalizeBars(bars), nil
}

func f64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
