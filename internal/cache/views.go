package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sawpanic/quotewire/internal/market"
)

// QuoteTTL is the default freshness window for cached quotes.
const QuoteTTL = 30 * time.Minute

// Quotes is the typed view over the cache for hot quotes.
type Quotes struct {
	c   Cache
	ttl time.Duration
}

// NewQuotes wraps a backend. A zero ttl takes QuoteTTL.
func NewQuotes(c Cache, ttl time.Duration) *Quotes {
	if ttl <= 0 {
		ttl = QuoteTTL
	}
	return &Quotes{c: c, ttl: ttl}
}

func quoteKey(symbol string) string { return "quote:" + symbol }

// Put stores one quote under its symbol key.
func (q *Quotes) Put(ctx context.Context, quote *market.Quote) error {
	b, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return q.c.Set(ctx, quoteKey(quote.Symbol), b, q.ttl)
}

// Get returns the cached quote or ErrMiss.
func (q *Quotes) Get(ctx context.Context, symbol string) (*market.Quote, error) {
	b, err := q.c.Get(ctx, quoteKey(symbol))
	if err != nil {
		return nil, err
	}
	var out market.Quote
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMulti returns the cached subset of symbols.
func (q *Quotes) GetMulti(ctx context.Context, symbols []string) (map[string]*market.Quote, error) {
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = quoteKey(s)
	}
	raw, err := q.c.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*market.Quote, len(raw))
	for i, s := range symbols {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var quote market.Quote
		if err := json.Unmarshal(b, &quote); err != nil {
			continue
		}
		out[s] = &quote
	}
	return out, nil
}

// Publish fans a fresh quote out on the live channel for streaming
// consumers.
func (q *Quotes) Publish(ctx context.Context, quote *market.Quote) error {
	b, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return q.c.Publish(ctx, "quotes.live", b)
}

// FXRates is the typed view over the cache for currency rates.
type FXRates struct {
	c   Cache
	ttl time.Duration
}

// NewFXRates wraps a backend with the given freshness window.
func NewFXRates(c Cache, ttl time.Duration) *FXRates {
	return &FXRates{c: c, ttl: ttl}
}

func fxKey(base, quote string) string { return "fx:" + base + ":" + quote }

// Put stores one directed rate.
func (f *FXRates) Put(ctx context.Context, r market.FXRate) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return f.c.Set(ctx, fxKey(r.Base, r.Quote), b, f.ttl)
}

// Get returns the cached rate or ErrMiss.
func (f *FXRates) Get(ctx context.Context, base, quote string) (market.FXRate, error) {
	b, err := f.c.Get(ctx, fxKey(base, quote))
	if err != nil {
		return market.FXRate{}, err
	}
	var out market.FXRate
	if err := json.Unmarshal(b, &out); err != nil {
		return market.FXRate{}, err
	}
	return out, nil
}
