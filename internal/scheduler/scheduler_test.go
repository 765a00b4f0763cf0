package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCronJobValidatesSpec(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	require.NoError(t, s.AddCronJob("eod", "0 18 * * 1-5", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.AddCronJob("bad", "not a cron line", func(ctx context.Context) error { return nil }))
}

func TestJobNamesMustBeUnique(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	fn := func(ctx context.Context) error { return nil }
	require.NoError(t, s.AddCronJob("eod", "0 18 * * *", fn))
	assert.Error(t, s.AddCronJob("eod", "0 19 * * *", fn))
}

func TestUnknownTimezoneRejected(t *testing.T) {
	_, err := New("Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestDefaultTimezoneIsNewYork(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", s.Location().String())
}

func TestMarketPhaseJobUsesKnownSpec(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	fn := func(ctx context.Context) error { return nil }
	require.NoError(t, s.AddMarketPhaseJob("close-snapshot", PhaseMarketClose, fn))
	assert.Error(t, s.AddMarketPhaseJob("x", MarketPhase("lunch"), fn))

	st := s.JobsStatus()
	require.Len(t, st, 1)
	assert.Equal(t, "10 16 * * 1-5", st[0].Spec)
}

func TestRunNowExecutesAndRecords(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	var ran int
	require.NoError(t, s.AddIntervalJob("refresh", time.Hour, func(ctx context.Context) error {
		ran++
		return nil
	}))

	require.NoError(t, s.RunNow("refresh"))
	assert.Equal(t, 1, ran)

	st := s.JobsStatus()
	require.Len(t, st, 1)
	assert.EqualValues(t, 1, st[0].Runs)
	assert.Empty(t, st[0].LastErr)
	assert.Error(t, s.RunNow("missing"))
}

func TestRunNowRecordsError(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	require.NoError(t, s.AddIntervalJob("refresh", time.Hour, func(ctx context.Context) error {
		return errors.New("upstream down")
	}))
	require.Error(t, s.RunNow("refresh"))

	st := s.JobsStatus()
	assert.Equal(t, "upstream down", st[0].LastErr)
}

func TestRunNowRefusesConcurrentInstance(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddIntervalJob("slow", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunNow("slow")
	}()
	<-started

	assert.Error(t, s.RunNow("slow"), "second instance must be refused")
	close(release)
	wg.Wait()
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddIntervalJob("slow", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	j := s.jobs["slow"]

	go s.run(j)
	<-started
	s.run(j) // overlapping trigger
	close(release)

	require.Eventually(t, func() bool {
		st := s.JobsStatus()
		return st[0].Runs == 1 && st[0].Skips == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMisfireGraceSkipsLateTrigger(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, s.Location())
	s.now = func() time.Time { return now }

	var ran int
	require.NoError(t, s.AddCronJob("late", "0 * * * *", func(ctx context.Context) error {
		ran++
		return nil
	}))
	j := s.jobs["late"]

	// The trigger arrives ten minutes after its planned 13:00 slot.
	now = now.Add(70 * time.Minute)
	s.run(j)
	assert.Zero(t, ran)

	st := s.JobsStatus()
	assert.EqualValues(t, 1, st[0].Skips)

	// The next trigger is on time and runs.
	now = time.Date(2026, 3, 2, 14, 0, 30, 0, s.Location())
	s.run(j)
	assert.Equal(t, 1, ran)
}

func TestRemoveJob(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	require.NoError(t, s.AddIntervalJob("refresh", time.Hour, func(ctx context.Context) error { return nil }))
	require.NoError(t, s.RemoveJob("refresh"))
	assert.Error(t, s.RemoveJob("refresh"))
	assert.Empty(t, s.JobsStatus())
}

func TestStartStopDrains(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
