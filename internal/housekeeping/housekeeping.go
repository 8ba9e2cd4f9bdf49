// Package housekeeping runs periodic maintenance jobs on a cron schedule:
// expired session and rate-window purges, lockout cleanup and the orphaned
// upload sweep.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules
const (
	EveryMinute = "@every 1m"
	Daily       = "@daily"
)

// JobFunc is one maintenance pass. The returned count is logged.
type JobFunc func(ctx context.Context) (int, error)

// Job is a named scheduled job
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
	// Timeout bounds a single run; zero means DefaultJobTimeout
	Timeout time.Duration
}

// DefaultJobTimeout bounds a job run when Job.Timeout is unset
const DefaultJobTimeout = 5 * time.Minute

// Scheduler wraps a cron runner. A job never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs []Job
}

// New creates a stopped scheduler
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		logger: logger,
		base:   ctx,
		cancel: cancel,
	}
}

// Add registers a job. The schedule is any robfig/cron spec, including
// descriptors such as @every 1m.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultJobTimeout
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.base, job) }); err != nil {
		return fmt.Errorf("schedule job %q: %w", job.Name, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// Jobs returns the registered job names in registration order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// RunAll runs every registered job once, in order
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()
	for _, j := range jobs {
		s.run(ctx, j)
	}
}

// Start begins scheduling in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("housekeeping started", slog.Int("jobs", len(s.Jobs())))
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("housekeeping stop timed out")
	}
}

func (s *Scheduler) run(parent context.Context, job Job) {
	ctx, cancel := context.WithTimeout(parent, job.Timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("housekeeping job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Info("housekeeping job completed",
			slog.String("job", job.Name),
			slog.Int("affected", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
