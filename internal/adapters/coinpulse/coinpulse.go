// Package coinpulse adapts a crypto exchange REST API plus its ticker
// websocket feed. Symbols use the exchange's native BASE-QUOTE form;
// callers pass them through unchanged.
package coinpulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
)

const (
	defaultBaseURL = "https://api.coinpulse.example"
	defaultWSURL   = "wss://stream.coinpulse.example/ws"
)

// Client implements provider.Provider and provider.StreamProvider for
// a 24/7 crypto venue.
type Client struct {
	cfg    provider.Config
	http   *http.Client
	base   string
	wsURL  string
	status *provider.Status
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// subs remembers active subscriptions so a redial can restore them.
	subs   map[string]bool
	stream chan market.Quote
}

// New builds the adapter. The websocket URL rides in APISecret-free
// config as BaseURL with an "ws" scheme override via WSURL option; the
// default endpoints are used when unset.
func New(cfg provider.Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		wsURL:  defaultWSURL,
		http:   &http.Client{Timeout: cfg.Timeout()},
		status: provider.NewStatus(),
		logger: log.With().Str("adapter", cfg.Name).Logger(),
		subs:   make(map[string]bool),
	}
}

// SetWSURL overrides the websocket endpoint (tests point it at a local
// server).
func (c *Client) SetWSURL(u string) { c.wsURL = u }

func (c *Client) Name() string                    { return c.cfg.Name }
func (c *Client) Config() provider.Config         { return c.cfg }
func (c *Client) Status() provider.StatusSnapshot { return c.status.Snapshot() }

func (c *Client) Initialize(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// Close tears down the websocket if one is open. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetQuote(ctx, "BTC-USD")
	return err
}

type tickerPayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	TS     int64  `json:"ts"`
}

func (p tickerPayload) toQuote(providerName string) (*market.Quote, error) {
	price, err := strconv.ParseFloat(p.Price, 64)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("bad price %q for %s", p.Price, p.Symbol)
	}
	q := &market.Quote{
		Symbol:    p.Symbol,
		Kind:      market.KindCrypto,
		Price:     price,
		Provider:  providerName,
		Currency:  "USD",
		Timestamp: time.UnixMilli(p.TS).UTC(),
	}
	if p.TS == 0 {
		q.Timestamp = time.Now().UTC()
	}
	q.Bid, _ = strconv.ParseFloat(p.Bid, 64)
	q.Ask, _ = strconv.ParseFloat(p.Ask, 64)
	q.Volume, _ = strconv.ParseFloat(p.Volume, 64)
	return q, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-CP-APIKEY", c.cfg.APIKey)
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

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ra := time.Minute
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				ra = time.Duration(secs) * time.Second
			}
		}
		return provider.NewRateLimitError(c.cfg.Name, ra)
	case resp.StatusCode == http.StatusNotFound:
		return provider.NewNotAvailableError(c.cfg.Name, path)
	case resp.StatusCode == http.StatusUnauthorized:
		err := provider.NewAuthError(c.cfg.Name, fmt.Errorf("http %d", resp.StatusCode))
		c.status.RecordFailure(err)
		return err
	case resp.StatusCode != http.StatusOK:
		perr := &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeAPIError,
			Message:     fmt.Sprintf("http %d", resp.StatusCode),
			HTTPStatus:  resp.StatusCode,
			Recoverable: resp.StatusCode >= 500,
		}
		c.status.RecordFailure(perr)
		return perr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
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

func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	var raw tickerPayload
	if err := c.getJSON(ctx, "/v1/ticker/"+url.PathEscape(symbol), &raw); err != nil {
		return nil, err
	}
	q, err := raw.toQuote(c.cfg.Name)
	if err != nil {
		return nil, &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeInvalidData,
			Message:     err.Error(),
			Recoverable: false,
		}
	}
	return q, nil
}

// GetQuotes hits the batch ticker endpoint; symbols the venue does not
// list are absent from the result.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	var raw []tickerPayload
	path := "/v1/tickers?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*market.Quote, len(raw))
	for _, p := range raw {
		q, err := p.toQuote(c.cfg.Name)
		if err != nil {
			c.logger.Warn().Str("symbol", p.Symbol).Msg("Dropping malformed ticker")
			continue
		}
		out[q.Symbol] = q
	}
	return out, nil
}

// candlePayload is the venue's positional candle row:
// [openTimeMs, open, high, low, close, volume].
type candlePayload [6]json.Number

func (c *Client) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	path := fmt.Sprintf("/v1/candles?symbol=%s&interval=%s&start=%d&end=%d",
		url.QueryEscape(symbol), string(tf), start.UnixMilli(), end.UnixMilli())

	var raw []candlePayload
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(raw))
	for _, row := range raw {
		ms, err := row[0].Int64()
		if err != nil {
			continue
		}
		b := market.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: time.UnixMilli(ms).UTC(),
			Provider:  c.cfg.Name,
		}
		b.Open, _ = row[1].Float64()
		b.High, _ = row[2].Float64()
		b.Low, _ = row[3].Float64()
		b.Close, _ = row[4].Float64()
		b.Volume, _ = row[5].Float64()
		if err := b.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping invalid candle")
			continue
		}
		bars = append(bars, b)
	}
	return market.NormalizeBars(bars), nil
}

// wsCommand is the subscribe/unsubscribe frame.
type wsCommand struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, &provider.Error{
			Provider:    c.cfg.Name,
			Code:        provider.ErrCodeNetworkError,
			Message:     "websocket dial failed",
			Recoverable: true,
			Cause:       err,
		}
	}
	c.conn = conn
	c.logger.Info().Str("url", c.wsURL).Msg("Websocket connected")

	// Restore subscriptions across a redial.
	if len(c.subs) > 0 {
		symbols := make([]string, 0, len(c.subs))
		for s := range c.subs {
			symbols = append(symbols, s)
		}
		if err := conn.WriteJSON(wsCommand{Op: "subscribe", Symbols: symbols}); err != nil {
			conn.Close()
			c.conn = nil
			return nil, err
		}
	}
	return conn, nil
}

// Subscribe adds symbols to the ticker stream, dialing on first use.
func (c *Client) Subscribe(ctx context.Context, symbols []string) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, s := range symbols {
		c.subs[s] = true
	}
	c.mu.Unlock()

	return conn.WriteJSON(wsCommand{Op: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the stream.
func (c *Client) Unsubscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	conn := c.conn
	for _, s := range symbols {
		delete(c.subs, s)
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(wsCommand{Op: "unsubscribe", Symbols: symbols})
}

// StreamQuotes returns the live ticker channel. The reader goroutine
// owns the connection until ctx is canceled or the peer closes.
func (c *Client) StreamQuotes(ctx context.Context) (<-chan market.Quote, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stream != nil {
		ch := c.stream
		c.mu.Unlock()
		return ch, nil
	}
	ch := make(chan market.Quote, 256)
	c.stream = ch
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.stream = nil
			c.mu.Unlock()
			close(ch)
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			var raw tickerPayload
			if err := conn.ReadJSON(&raw); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("Websocket read ended")
				}
				return
			}
			q, err := raw.toQuote(c.cfg.Name)
			if err != nil {
				continue
			}
			select {
			case ch <- *q:
			default:
				// Drop on backpressure; quotes are superseded by the
				// next tick anyway.
			}
		}
	}()
	return ch, nil
}
