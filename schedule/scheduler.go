// Package schedule runs the depot's maintenance jobs on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

// Job is a named maintenance task with a standard cron expression.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A job still running when its next
// tick arrives is skipped for that tick.
type Scheduler struct {
	jobs    []Job
	cron    *cron.Cron
	entries map[string]cron.EntryID
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates a scheduler for jobs. Jobs with an empty schedule
// are ignored.
func NewScheduler(jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]cron.EntryID),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")

	for _, job := range jobs {
		if job.Schedule != "" {
			s.jobs = append(s.jobs, job)
		}
	}

	clog := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(clog),
		cron.SkipIfStillRunning(clog),
	))
	return s
}

// Start validates every schedule, registers the jobs and starts the cron
// loop. The scheduler stops when ctx is cancelled. With no jobs configured
// Start does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if len(s.jobs) == 0 {
		s.logger.Info("no jobs scheduled, skipping scheduler")
		return nil
	}

	for _, job := range s.jobs {
		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}

	for _, job := range s.jobs {
		id, err := s.cron.AddFunc(job.Schedule, func() {
			_ = s.run(ctx, job)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
		s.entries[job.Name] = id
		s.logger.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning reports whether the cron loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// NextRun returns the next scheduled time for the named job, or nil when the
// job is not scheduled.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return nil
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return nil
	}
	next := entry.Next
	return &next
}

// Jobs returns the names of the scheduled jobs in sorted order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs the named job once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.run(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx = telemetry.WithJobContext(ctx, job.Name)
	start := time.Now()
	s.logger.Debug("starting scheduled job", "job", job.Name)

	err := job.Run(ctx)
	duration := time.Since(start)
	telemetry.RecordJobRun(ctx, job.Name, err, duration)

	if err != nil {
		s.logger.Error("scheduled job failed",
			"job", job.Name,
			"duration", duration,
			"error", err,
		)
		return err
	}
	s.logger.Info("scheduled job completed", "job", job.Name, "duration", duration)
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
