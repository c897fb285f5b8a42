package dlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/dlock/pkg/job"
	"github.com/kalbasit/dlock/pkg/lock"
	"github.com/kalbasit/dlock/pkg/lock/sqlstore"
	"github.com/kalbasit/dlock/pkg/maxprocs"
	"github.com/kalbasit/dlock/pkg/server"
)

const jobFlagSeparator = "|"

// ErrInvalidJobFlag is returned when a --job value is not 'name|cron spec|command'.
var ErrInvalidJobFlag = errors.New("--job must be formatted as 'name|cron spec|command'")

func scheduleCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:    "schedule",
		Aliases: []string{"s"},
		Usage:   "run cron jobs so that each job runs on a single instance at a time, and serve the lock status over http",
		Action:  scheduleAction(registerShutdown),
		// cron specs may contain commas.
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "job",
				Usage:    "A job formatted as 'name|cron spec|command'; the command runs with sh -c",
				Sources:  flagSources("schedule.jobs", "DLOCK_SCHEDULE_JOBS"),
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "job-lease",
				Usage:   "Lease of the job locks; they are renewed while a job runs",
				Sources: flagSources("schedule.job-lease", "DLOCK_SCHEDULE_JOB_LEASE"),
				Value:   lock.DefaultLease,
			},
			&cli.StringFlag{
				Name:    "timezone",
				Usage:   "Time zone the cron specs are interpreted in",
				Sources: flagSources("schedule.timezone", "DLOCK_SCHEDULE_TIMEZONE"),
				Value:   "Local",
				Validator: func(name string) error {
					_, err := time.LoadLocation(name)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "sql-purge-schedule",
				Usage:   "Cron spec of the expired lease cleanup (sql store only, empty to disable)",
				Sources: flagSources("schedule.sql-purge-schedule", "DLOCK_SCHEDULE_SQL_PURGE_SCHEDULE"),
				Value:   "@hourly",
			},
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the status server (empty to disable)",
				Sources: flagSources("server.addr", "DLOCK_SERVER_ADDR"),
				Value:   ":8502",
			},
		},
	}
}

func scheduleAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "schedule").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: defer statements run last to first so the context is canceled
		// first, which makes the errgroup 'g' exit.
		defer cancel()

		g.Go(func() error {
			return maxprocs.AutoMaxProcs(ctx, 30*time.Second, logger)
		})

		gatherer, err := setupTelemetry(ctx, cmd, registerShutdown, true)
		if err != nil {
			return err
		}

		manager, store, err := newManager(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		loc, err := time.LoadLocation(cmd.String("timezone"))
		if err != nil {
			return fmt.Errorf("error loading the timezone: %w", err)
		}

		scheduler := job.NewScheduler(manager, job.WithLocation(loc))

		for _, value := range cmd.StringSlice("job") {
			j, err := parseJobFlag(value)
			if err != nil {
				return err
			}

			j.Lease = cmd.Duration("job-lease")

			if err := scheduler.Add(ctx, j); err != nil {
				return fmt.Errorf("error adding the job %q: %w", j.Name, err)
			}
		}

		if sqlStore, ok := store.(*sqlstore.Store); ok && cmd.String("sql-purge-schedule") != "" {
			if err := scheduler.Add(ctx, purgeJob(sqlStore, cmd.String("sql-purge-schedule"))); err != nil {
				return fmt.Errorf("error adding the purge job: %w", err)
			}
		}

		scheduler.Start(ctx)

		defer func() {
			logger.Info().Msg("waiting for running jobs to complete")
			<-scheduler.Stop().Done()
		}()

		addr := cmd.String("server-addr")
		if addr == "" {
			<-ctx.Done()

			return nil
		}

		srv := server.New(manager)
		if gatherer != nil {
			srv.SetPrometheusGatherer(gatherer)
		}

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().
			Str("server_addr", addr).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

// parseJobFlag parses 'name|cron spec|command'. The command runs with sh -c.
func parseJobFlag(value string) (job.Job, error) {
	parts := strings.SplitN(value, jobFlagSeparator, 3)
	if len(parts) != 3 {
		return job.Job{}, fmt.Errorf("%w: %q", ErrInvalidJobFlag, value)
	}

	name, spec, command := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
	if name == "" || spec == "" || command == "" {
		return job.Job{}, fmt.Errorf("%w: %q", ErrInvalidJobFlag, value)
	}

	return job.Job{
		Name: name,
		Spec: spec,
		Run: func(ctx context.Context) error {
			//nolint:gosec // running the configured command is the point
			c := exec.CommandContext(ctx, "sh", "-c", command)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr

			return c.Run()
		},
	}, nil
}

// purgeJob removes expired rows from the lease table.
func purgeJob(store *sqlstore.Store, spec string) job.Job {
	return job.Job{
		Name: "sql-purge",
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := store.Purge(ctx)
			if err != nil {
				return err
			}

			zerolog.Ctx(ctx).
				Info().
				Int64("rows", n).
				Msg("purged expired leases")

			return nil
		},
	}
}
