package dlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/dlock/pkg/lock"
)

var (
	// ErrLockNotAcquired is returned when the lock is held by somebody else
	// until --acquire-timeout elapses, or right away with --no-wait.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockLost is returned when the lock was lost while the command ran.
	// The command is killed when that happens.
	ErrLockLost = errors.New("lock lost while the command was running")

	// ErrCommandRequired is returned when run is given no command.
	ErrCommandRequired = errors.New("a command to run is required after --")
)

func runCommand(registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "run a command while holding a lock",
		ArgsUsage: "-- command [args...]",
		Action:    runAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Name of the lock",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "lease",
				Usage: "Lease of the lock; it is renewed while the command runs unless --no-auto-renew is set",
				Value: lock.DefaultLease,
			},
			&cli.DurationFlag{
				Name:  "acquire-timeout",
				Usage: "How long to wait for the lock (defaults to the lease)",
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Make a single attempt at the lock and fail right away if it is held",
			},
			&cli.BoolFlag{
				Name:  "no-auto-renew",
				Usage: "Do not renew the lease; the lock expires after --lease even if the command is still running",
			},
		},
	}
}

func runAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "run").Str("lock_name", cmd.String("name")).Logger()

		ctx = logger.WithContext(ctx)

		if _, err := setupTelemetry(ctx, cmd, registerShutdown, false); err != nil {
			return err
		}

		manager, _, err := newManager(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		return execUnderLock(ctx, manager, runOptions{
			Name:   cmd.String("name"),
			Argv:   cmd.Args().Slice(),
			NoWait: cmd.Bool("no-wait"),
			AcquireOpts: []lock.AcquireOption{
				lock.WithLease(cmd.Duration("lease")),
				lock.WithAcquireTimeout(cmd.Duration("acquire-timeout")),
				lock.WithAutoRenew(!cmd.Bool("no-auto-renew")),
			},
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
	}
}

type runOptions struct {
	Name        string
	Argv        []string
	NoWait      bool
	AcquireOpts []lock.AcquireOption

	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// execUnderLock runs ro.Argv while holding the ro.Name lock. The child
// process is killed if the lock is lost or ctx is done.
func execUnderLock(ctx context.Context, manager *lock.Manager, ro runOptions) error {
	if len(ro.Argv) == 0 {
		return ErrCommandRequired
	}

	withLock := manager.WithLock
	if ro.NoWait {
		withLock = manager.TryWithLock
	}

	err := withLock(ctx, ro.Name, func(heldCtx context.Context, h *lock.Handle) error {
		log := zerolog.Ctx(ctx)

		//nolint:gosec // running the given command is the point
		child := exec.CommandContext(heldCtx, ro.Argv[0], ro.Argv[1:]...)
		child.Stdin = ro.Stdin
		child.Stdout = ro.Stdout
		child.Stderr = ro.Stderr
		child.WaitDelay = 5 * time.Second

		log.Info().
			Str("lock_key", h.Key()).
			Strs("argv", ro.Argv).
			Msg("lock acquired, running the command")

		startedAt := time.Now()
		runErr := child.Run()

		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-h.Lost():
			log.Error().
				Str("lock_key", h.Key()).
				Dur("elapsed", time.Since(startedAt)).
				Msg("lock lost, the command was stopped")

			return fmt.Errorf("%w: %s", ErrLockLost, ro.Name)
		default:
		}

		if runErr != nil {
			return fmt.Errorf("error running %q: %w", ro.Argv[0], runErr)
		}

		log.Info().
			Dur("elapsed", time.Since(startedAt)).
			Msg("command completed")

		return nil
	}, ro.AcquireOpts...)

	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%w: %s", ErrLockNotAcquired, ro.Name)
	}

	return err
}
