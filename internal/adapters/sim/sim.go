// Package sim is an in-process provider for local development and
// failure drills. Prices are a deterministic function of symbol and
// time, so two runs over the same window produce identical data, and
// errors can be scripted per endpoint to exercise failover paths.
package sim

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/sawpanic/quotewire/internal/market"
	"github.com/sawpanic/quotewire/internal/provider"
)

// Client implements provider.Provider and provider.RateProvider with
// synthetic data. All calls succeed instantly unless an error has been
// scripted.
type Client struct {
	cfg    provider.Config
	status *provider.Status

	mu      sync.Mutex
	scripts map[string][]error
	now     func() time.Time
}

func New(cfg provider.Config) *Client {
	return &Client{
		cfg:     cfg,
		status:  provider.NewStatus(),
		scripts: make(map[string][]error),
		now:     time.Now,
	}
}

func (c *Client) Name() string                    { return c.cfg.Name }
func (c *Client) Config() provider.Config         { return c.cfg }
func (c *Client) Status() provider.StatusSnapshot { return c.status.Snapshot() }

func (c *Client) Initialize(ctx context.Context) error { return nil }
func (c *Client) Close() error                         { return nil }
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.scripted("health")
}

// Script queues errors for an endpoint ("quote", "historical", "rates",
// "health"). Each queued error is consumed by one call; once the queue
// drains, calls succeed again.
func (c *Client) Script(endpoint string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[endpoint] = append(c.scripts[endpoint], errs...)
}

func (c *Client) scripted(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.scripts[endpoint]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.scripts[endpoint] = queue[1:]
	if err != nil {
		c.status.RecordFailure(err)
	}
	return err
}

// basePrice derives a stable per-symbol anchor in [20, 520).
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%50000)/100.0
}

// priceAt is a slow sine walk around the anchor; deterministic in
// (symbol, minute).
func priceAt(symbol string, t time.Time) float64 {
	base := basePrice(symbol)
	minutes := float64(t.Unix() / 60)
	wobble := math.Sin(minutes/90.0+base) * base * 0.02
	return math.Round((base+wobble)*100) / 100
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	if err := c.scripted("quote"); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	price := priceAt(symbol, now)
	prev := priceAt(symbol, now.Add(-24*time.Hour))
	c.status.RecordSuccess(time.Millisecond)
	return &market.Quote{
		Symbol:    symbol,
		Price:     price,
		Open:      priceAt(symbol, now.Truncate(24*time.Hour)),
		PrevClose: prev,
		Change:    price - prev,
		ChangePct: (price - prev) / prev * 100,
		Bid:       price - 0.01,
		Ask:       price + 0.01,
		Volume:    float64(1000 + now.Unix()%9000),
		Currency:  "USD",
		Provider:  c.cfg.Name,
		Timestamp: now,
	}, nil
}

func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	out := make(map[string]*market.Quote, len(symbols))
	for _, sym := range symbols {
		q, err := c.GetQuote(ctx, sym)
		if err != nil {
			return nil, err
		}
		out[sym] = q
	}
	return out, nil
}

func (c *Client) GetHistorical(ctx context.Context, symbol string, start, end time.Time, tf market.Timeframe) ([]market.Bar, error) {
	if err := c.scripted("historical"); err != nil {
		return nil, err
	}
	step := tf.Duration()
	if step <= 0 {
		return nil, provider.NewNotSupportedError(c.cfg.Name, string(tf)+" bars")
	}

	var bars []market.Bar
	for ts := start.Truncate(step); !ts.After(end); ts = ts.Add(step) {
		if ts.Before(start) {
			continue
		}
		op := priceAt(symbol, ts)
		cl := priceAt(symbol, ts.Add(step-time.Minute))
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: ts.UTC(),
			Open:      op,
			High:      math.Max(op, cl) + 0.05,
			Low:       math.Min(op, cl) - 0.05,
			Close:     cl,
			Volume:    float64(500 + ts.Unix()%5000),
			Provider:  c.cfg.Name,
		})
	}
	c.status.RecordSuccess(time.Millisecond)
	return bars, nil
}

// GetRates yields a fixed plausible table so the FX matrix can run
// offline.
func (c *Client) GetRates(ctx context.Context, base string, symbols []string) (map[string]float64, error) {
	if err := c.scripted("rates"); err != nil {
		return nil, err
	}
	table := map[string]float64{
		"EUR": 1.0, "USD": 1.05, "GBP": 0.83, "JPY": 162.5,
		"CHF": 0.96, "HKD": 8.19, "CAD": 1.47, "AUD": 1.63,
	}
	basis, ok := table[base]
	if !ok {
		return nil, provider.NewNotAvailableError(c.cfg.Name, base)
	}
	out := make(map[string]float64)
	for cur, r := range table {
		if cur == base {
			continue
		}
		if len(symbols) > 0 && !contains(symbols, cur) {
			continue
		}
		out[cur] = r / basis
	}
	c.status.RecordSuccess(time.Millisecond)
	return out, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
