// Package scheduler runs the recurring collection jobs on cron
// schedules pinned to a named market timezone, and sequences the
// one-shot startup tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultTimezone anchors schedules to the primary market's clock, so
// "0 18 * * 1-5" means the same wall time across DST transitions.
const DefaultTimezone = "America/New_York"

// MisfireGrace is how late a trigger may fire before the run is skipped
// instead of executed.
const MisfireGrace = 5 * time.Minute

// MarketPhase names a recurring slot in the trading day.
type MarketPhase string

const (
	PhasePreMarket   MarketPhase = "premarket"
	PhaseMarketHours MarketPhase = "market_hours"
	PhaseMarketClose MarketPhase = "market_close"
	PhaseEvening     MarketPhase = "evening"
	PhaseOvernight   MarketPhase = "overnight"
)

// phaseSpecs are the default cron lines per phase, in the scheduler's
// timezone.
var phaseSpecs = map[MarketPhase]string{
	PhasePreMarket:   "30 8 * * 1-5",
	PhaseMarketHours: "*/5 9-16 * * 1-5",
	PhaseMarketClose: "10 16 * * 1-5",
	PhaseEvening:     "0 18 * * 1-5",
	PhaseOvernight:   "0 2 * * *",
}

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       JobFunc
	entryID  cron.EntryID

	mu          sync.Mutex
	running     bool
	plannedNext time.Time
	lastRun     time.Time
	lastErr     string
	runs        int64
	skips       int64
}

// Scheduler wraps a timezone-pinned cron runner with single-instance
// and misfire-grace semantics per job.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	now     func() time.Time
}

// New builds a scheduler in the named timezone; empty means
// DefaultTimezone.
func New(timezone string) (*Scheduler, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load timezone %q: %w", timezone, err)
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		loc:  loc,
		jobs: make(map[string]*job),
		now:  time.Now,
	}, nil
}

// Location returns the scheduler's timezone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// AddCronJob registers fn under a standard five-field cron spec. Job
// names must be unique.
func (s *Scheduler) AddCronJob(name, spec string, fn JobFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %q spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}

	j := &job{name: name, spec: spec, schedule: schedule, fn: fn}
	j.plannedNext = schedule.Next(s.now().In(s.loc))
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j) }))
	s.jobs[name] = j

	log.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// AddIntervalJob registers fn to run every d.
func (s *Scheduler) AddIntervalJob(name string, d time.Duration, fn JobFunc) error {
	return s.AddCronJob(name, fmt.Sprintf("@every %s", d), fn)
}

// AddMarketPhaseJob registers fn on the default schedule for a trading
// day phase.
func (s *Scheduler) AddMarketPhaseJob(name string, phase MarketPhase, fn JobFunc) error {
	spec, ok := phaseSpecs[phase]
	if !ok {
		return fmt.Errorf("scheduler: unknown market phase %q", phase)
	}
	return s.AddCronJob(name, spec, fn)
}

// run is the per-trigger wrapper enforcing single-instance execution
// and the misfire grace.
func (s *Scheduler) run(j *job) {
	now := s.now().In(s.loc)

	j.mu.Lock()
	planned := j.plannedNext
	j.plannedNext = j.schedule.Next(now)
	if j.running {
		j.skips++
		j.mu.Unlock()
		log.Warn().Str("job", j.name).Msg("Previous run still active, trigger skipped")
		return
	}
	if !planned.IsZero() && now.Sub(planned) > MisfireGrace {
		j.skips++
		j.mu.Unlock()
		log.Warn().Str("job", j.name).Time("planned", planned).
			Dur("late_by", now.Sub(planned)).
			Msg("Trigger past misfire grace, run skipped")
		return
	}
	j.running = true
	j.mu.Unlock()

	start := s.now()
	err := s.safeCall(j)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.running = false
	j.lastRun = start
	j.runs++
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("job", j.name).Dur("elapsed", elapsed).Msg("Job finished")
}

func (s *Scheduler) safeCall(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(context.Background())
}

// RemoveJob unschedules and forgets a job.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not registered", name)
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	log.Info().Str("job", name).Msg("Job removed")
	return nil
}

// Start begins dispatching triggers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Str("timezone", s.loc.String()).Msg("Scheduler started")
}

// Stop halts new triggers and waits for in-flight runs to drain, up to
// the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: drain interrupted: %w", ctx.Err())
	}
}

// JobStatus is the introspection view of one job.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Running bool      `json:"running"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
	Runs    int64     `json:"runs"`
	Skips   int64     `json:"skips"`
}

// JobsStatus returns every job's status. Order is not guaranteed;
// callers sort for display.
func (s *Scheduler) JobsStatus() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:    j.name,
			Spec:    j.spec,
			Running: j.running,
			NextRun: j.plannedNext,
			LastRun: j.lastRun,
			LastErr: j.lastErr,
			Runs:    j.runs,
			Skips:   j.skips,
		})
		j.mu.Unlock()
	}
	return out
}

// RunNow triggers a job immediately, outside its schedule. Used by the
// ops endpoint and CLI.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: job %q not registered", name)
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("scheduler: job %q already running", name)
	}
	j.running = true
	j.mu.Unlock()

	start := s.now()
	err := s.safeCall(j)

	j.mu.Lock()
	j.running = false
	j.lastRun = start
	j.runs++
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()
	return err
}
