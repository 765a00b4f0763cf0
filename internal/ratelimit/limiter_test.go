package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically: sleeps advance the
// clock instead of blocking.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) wire(l *Limiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.now = c.now.Add(d)
		return nil
	}
}

func TestBurstThenWindowExhaustion(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.Register("alphax", Config{RequestsPerMinute: 5, Burst: 5})

	ctx := context.Background()

	// The full burst goes through immediately.
	start := clk.now
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "alphax"))
	}
	assert.Equal(t, start, clk.now, "burst should not wait")

	// The sixth call must wait for the minute window to free a slot.
	assert.False(t, l.CanProceed("alphax"))
	require.NoError(t, l.Acquire(ctx, "alphax"))
	waited := clk.now.Sub(start)
	assert.GreaterOrEqual(t, waited, 59*time.Second)
	assert.LessOrEqual(t, waited, 61*time.Second)
}

func TestZeroLimitsDisableWindows(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.Register("unlimited", Config{})

	start := clk.now
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background(), "unlimited"))
	}
	assert.Equal(t, start, clk.now)
}

func TestHourWindowBlocksAfterMinuteRecovers(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.SetMaxWait(2 * time.Hour)
	l.Register("alphax", Config{RequestsPerMinute: 10, RequestsPerHour: 12, Burst: 10})

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, l.Acquire(ctx, "alphax"))
	}

	// Minute window alone would allow more within ~72s, but the hour
	// cap holds until the earliest stamp ages out.
	wait := l.TimeUntilAvailable("alphax")
	assert.Greater(t, wait, 50*time.Minute)
}

func TestAcquireRespectsMaxWait(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.SetMaxWait(10 * time.Second)
	l.Register("alphax", Config{RequestsPerMinute: 1, Burst: 1})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "alphax"))

	err := l.Acquire(ctx, "alphax")
	require.Error(t, err)
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "alphax", le.Provider)
	assert.Greater(t, le.RetryAfter, time.Duration(0))
}

func TestAcquireCancellation(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.Register("alphax", Config{RequestsPerMinute: 1, Burst: 1})

	require.NoError(t, l.Acquire(context.Background(), "alphax"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "alphax")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResetClearsHistory(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.Register("alphax", Config{RequestsPerMinute: 2, Burst: 2})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "alphax"))
	require.NoError(t, l.Acquire(ctx, "alphax"))
	assert.False(t, l.CanProceed("alphax"))

	l.Reset("alphax")
	assert.True(t, l.CanProceed("alphax"))
}

func TestSnapshotReportsWindowUsage(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	l := New()
	clk.wire(l)
	l.Register("alphax", Config{RequestsPerMinute: 5, RequestsPerDay: 100, Burst: 5})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "alphax"))
	require.NoError(t, l.Acquire(ctx, "alphax"))

	s := l.Snapshot("alphax")
	require.Len(t, s.Windows, 2)
	assert.Equal(t, 2, s.Windows[0].Used)
	assert.Equal(t, 5, s.Windows[0].Limit)
	assert.Equal(t, 2, s.Windows[1].Used)
	assert.Equal(t, 100, s.Windows[1].Limit)
}

func TestUnknownProviderIsUnlimited(t *testing.T) {
	l := New()
	assert.True(t, l.CanProceed("never-registered"))
	assert.NoError(t, l.Acquire(context.Background(), "never-registered"))
}
