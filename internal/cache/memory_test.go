package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/quotewire/internal/market"
)

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 30*time.Minute))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryGetMultiReturnsPresentOnly(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	got, err := m.GetMulti(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])
	assert.NotContains(t, got, "b")
}

func TestMemoryIncrCreatesAndCounts(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	key := DailyCounterKey("alphax", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "requests:alphax:2026-03-02", key)

	n, err := m.Incr(ctx, key, DailyCounterTTL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = m.Incr(ctx, key, DailyCounterTTL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, "quotes.live")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "quotes.live", []byte("tick")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("tick"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	// The subscriber channel closes once the context is done.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestQuotesViewRoundTrip(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	q := NewQuotes(m, 0)
	ctx := context.Background()

	in := &market.Quote{Symbol: "AAPL", Kind: market.KindUSStock, Price: 187.33, Provider: "alphax", Timestamp: time.Now().UTC()}
	require.NoError(t, q.Put(ctx, in))

	out, err := q.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.Price, out.Price)

	_, err = q.Get(ctx, "MSFT")
	assert.ErrorIs(t, err, ErrMiss)

	multi, err := q.GetMulti(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, multi, 1)
}

func TestFXRatesView(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	f := NewFXRates(m, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.Put(ctx, market.FXRate{Base: "EUR", Quote: "USD", Rate: 1.05, Source: "openfx"}))

	r, err := f.Get(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1.05, r.Rate)

	_, err = f.Get(ctx, "USD", "EUR")
	assert.ErrorIs(t, err, ErrMiss)
}
