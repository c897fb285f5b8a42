// Package job runs cron jobs under a distributed lock so that, across every
// process sharing the lock store, at most one instance of a job runs at a
// time. A firing that finds the lock held is skipped, not queued.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kalbasit/dlock/pkg/lock"
)

// LockPrefix is prepended to a job name to form its lock name.
const LockPrefix = "job:"

var (
	// ErrInvalidJob is returned when a job has no name or no function.
	ErrInvalidJob = errors.New("invalid job")

	// ErrDuplicateJob is returned when a job name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// Job is a unit of work run on a cron schedule.
type Job struct {
	// Name identifies the job; the lock is named LockPrefix+Name.
	Name string

	// Spec is a cron expression with an optional seconds field, or a
	// descriptor such as @hourly or @every 5m.
	Spec string

	// Lease is the lock lease. The lock is renewed while the job runs. Zero
	// selects lock.DefaultLease.
	Lease time.Duration

	Run func(ctx context.Context) error
}

// Scheduler registers jobs on a cron scheduler.
type Scheduler struct {
	manager *lock.Manager
	cron    *cron.Cron
	parser  cron.Parser

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*schedulerConfig)

type schedulerConfig struct {
	location *time.Location
}

// WithLocation sets the time zone schedules are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(c *schedulerConfig) { c.location = loc }
}

// NewScheduler returns a Scheduler taking its locks from manager.
func NewScheduler(manager *lock.Manager, opts ...Option) *Scheduler {
	var cfg schedulerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	cronOpts := []cron.Option{cron.WithParser(parser)}
	if cfg.location != nil {
		cronOpts = append(cronOpts, cron.WithLocation(cfg.location))
	}

	return &Scheduler{
		manager: manager,
		cron:    cron.New(cronOpts...),
		parser:  parser,
		jobs:    make(map[string]cron.EntryID),
	}
}

// ParseSpec parses a schedule the way Add does.
func (s *Scheduler) ParseSpec(spec string) (cron.Schedule, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("error parsing the cron spec %q: %w", spec, err)
	}

	return schedule, nil
}

// Add registers job. Firings run with ctx, which carries the logger.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("%w: a name and a function are required", ErrInvalidJob)
	}

	schedule, err := s.ParseSpec(job.Spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	s.jobs[job.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = s.RunOnce(ctx, job)
	}))

	zerolog.Ctx(ctx).
		Info().
		Str("job", job.Name).
		Str("spec", job.Spec).
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob")

	return nil
}

// Next returns the next scheduled run of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}

	return s.cron.Entry(id).Next, true
}

// RunOnce makes a single attempt at the job lock and runs the job while
// holding it. It reports whether the job ran and the job's error.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (bool, error) {
	log := zerolog.Ctx(ctx).With().Str("job", job.Name).Logger()
	ctx = log.WithContext(ctx)

	var opts []lock.AcquireOption
	if job.Lease > 0 {
		opts = append(opts, lock.WithLease(job.Lease))
	}

	startTime := time.Now()

	err := s.manager.TryWithLock(ctx, LockPrefix+job.Name, func(ctx context.Context, _ *lock.Handle) error {
		log.Info().Msg("running job")

		return job.Run(ctx)
	}, opts...)

	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		log.Debug().Msg("job is running elsewhere, skipping")
		RecordJobRun(ctx, job.Name, ResultSkipped)

		return false, nil
	case err != nil:
		log.Error().Err(err).Dur("elapsed", time.Since(startTime)).Msg("job failed")
		RecordJobRun(ctx, job.Name, ResultFailure)

		return true, err
	default:
		log.Info().Dur("elapsed", time.Since(startTime)).Msg("job completed")
		RecordJobRun(ctx, job.Name, ResultSuccess)

		return true, nil
	}
}

// Start starts the cron scheduler in its own go-routine, or no-op if already started.
func (s *Scheduler) Start(ctx context.Context) {
	zerolog.Ctx(ctx).
		Info().
		Msg("starting the cron scheduler")

	s.cron.Start()
}

// Stop stops scheduling new runs. The returned context is done once running
// jobs have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
