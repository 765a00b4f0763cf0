package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Priority orders startup tasks; lower runs first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Startup sequencing defaults.
const (
	DefaultTaskTimeout = 5 * time.Minute
	DefaultTaskDelay   = 10 * time.Second
)

// StartupTask is one unit of boot work (FX freshness, catch-up
// backfill, universe sync).
type StartupTask struct {
	Name     string
	Priority Priority
	Timeout  time.Duration
	Fn       JobFunc
}

// ErrStartupRunning is returned when Run is invoked while a previous
// run is still in progress.
var ErrStartupRunning = fmt.Errorf("startup: already running")

// Startup runs boot tasks sequentially in priority order. Failures
// (timeouts and panics included) are recorded and the sequence
// continues with the next task; Run reports them in aggregate.
type Startup struct {
	tasks   []StartupTask
	delay   time.Duration
	running atomic.Bool
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewStartup returns an empty sequencer with the default inter-task
// delay.
func NewStartup() *Startup {
	return &Startup{
		delay: DefaultTaskDelay,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Add registers a task. Zero timeout takes DefaultTaskTimeout.
func (s *Startup) Add(task StartupTask) {
	if task.Timeout <= 0 {
		task.Timeout = DefaultTaskTimeout
	}
	if task.Priority == 0 {
		task.Priority = PriorityMedium
	}
	s.tasks = append(s.tasks, task)
}

// Run executes the registered tasks. Re-entrant calls while a run is in
// flight return ErrStartupRunning.
func (s *Startup) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrStartupRunning
	}
	defer s.running.Store(false)

	ordered := make([]StartupTask, len(s.tasks))
	copy(ordered, s.tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	log.Info().Int("tasks", len(ordered)).Msg("Startup sequence begin")
	var failed []string
	for i, task := range ordered {
		if i > 0 && s.delay > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return err
			}
		}

		start := time.Now()
		err := s.runTask(ctx, task)
		elapsed := time.Since(start)

		if err != nil {
			// A failed task never stops the sequence; the failure is
			// recorded and the next task runs. Recurring jobs retry the
			// same work later.
			failed = append(failed, task.Name)
			log.Warn().Err(err).Str("task", task.Name).
				Str("priority", task.Priority.String()).
				Dur("elapsed", elapsed).
				Msg("Startup task failed, continuing")
			continue
		}
		log.Info().Str("task", task.Name).Dur("elapsed", elapsed).Msg("Startup task done")
	}
	if len(failed) > 0 {
		log.Warn().Strs("failed", failed).Msg("Startup sequence complete with failures")
		return fmt.Errorf("startup: %d of %d tasks failed (%s)",
			len(failed), len(ordered), strings.Join(failed, ", "))
	}
	log.Info().Msg("Startup sequence complete")
	return nil
}

func (s *Startup) runTask(ctx context.Context, task StartupTask) (err error) {
	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Fn(taskCtx)
}
