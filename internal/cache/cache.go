// Package cache provides the shared key-value layer used for hot
// quotes, FX rates, and cross-process counters, with in-memory and
// Redis backends behind one interface.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the backend contract. Values are opaque byte slices; the
// typed views in this package handle serialization.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetMulti returns only the keys that were present.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error

	// Incr atomically increments a counter key, creating it at zero
	// with the given TTL on first use.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Publish fans a payload out to the channel's subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers channel payloads until ctx is canceled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Close() error
}

// DailyCounterKey builds the per-provider daily request counter key.
// Counters carry a 25h TTL so they survive the midnight roll-over read
// but never accumulate.
func DailyCounterKey(provider string, day time.Time) string {
	return fmt.Sprintf("requests:%s:%s", provider, day.UTC().Format("2006-01-02"))
}

// DailyCounterTTL is the expiry for daily counter keys.
const DailyCounterTTL = 25 * time.Hour
