// Package scheduler runs periodic maintenance jobs. Jobs fire on a cron
// expression or a fixed interval; each tick runs every registered job in
// order on a single goroutine, so a slow sweep delays the next tick rather
// than stacking up.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/stargazer/internal/logging"
)

var (
	ErrNoSchedule      = errors.New("no cron expression or interval configured")
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrNotRunning      = errors.New("scheduler not running")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Job is one unit of maintenance work. Errors are logged, never fatal.
type Job func(ctx context.Context) error

// Scheduler drives registered jobs from a cron spec or a fixed interval.
// Cron takes precedence when both are set.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	jobs     []Job
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *logging.Logger
}

// Standard five-field crontab plus descriptors like @hourly.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an idle scheduler with no schedule set.
func New() *Scheduler {
	return &Scheduler{logger: logging.Component("scheduler")}
}

// NewCron creates a scheduler from a cron expression.
func NewCron(expr string) (*Scheduler, error) {
	s := New()
	if err := s.SetCron(expr); err != nil {
		return nil, err
	}
	return s, nil
}

// SetCron sets the cron expression. Accepts five-field specs and
// descriptors (@hourly, @daily, @every 30m).
func (s *Scheduler) SetCron(expr string) error {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = schedule
	return nil
}

// SetInterval sets a fixed tick interval.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	return nil
}

// AddJob registers a job to run on every tick.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start begins ticking. The loop exits when Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval <= 0 {
		return ErrNoSchedule
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next tick time, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.nextAfterLocked(time.Now())
}

func (s *Scheduler) nextAfterLocked(t time.Time) time.Time {
	if s.schedule != nil {
		return s.schedule.Next(t)
	}
	return t.Add(s.interval)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		next := s.nextAfterLocked(time.Now())
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-timer.C:
			s.runJobs(ctx)
		}
	}
}

func (s *Scheduler) runJobs(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for i, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.logger.WarnCtx("maintenance job failed", map[string]any{
				"job":   i,
				"error": err.Error(),
			})
		}
	}
}
