package lock

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/kalbasit/dlock/pkg/lock"
)

// Acquisition results.
const (
	ResultSuccess    = "success"
	ResultContention = "contention"
	ResultTimeout    = "timeout"
	ResultFailure    = "failure"
	ResultLost       = "lost"
)

// instruments are bound to the meter provider they were created from.
type instruments struct {
	provider metric.MeterProvider

	// acquisitionsTotal tracks total lock acquisition calls by outcome.
	acquisitionsTotal metric.Int64Counter

	// holdDuration tracks how long locks are held.
	holdDuration metric.Float64Histogram

	// failuresTotal tracks store errors by operation.
	failuresTotal metric.Int64Counter

	// retryAttemptsTotal tracks total retry attempts.
	retryAttemptsTotal metric.Int64Counter

	// renewalsTotal tracks lease renewals by outcome.
	renewalsTotal metric.Int64Counter
}

//nolint:gochecknoglobals
var (
	instrumentsMu sync.Mutex
	current       *instruments
)

// meters returns the instruments of the current global meter provider and
// recreates them whenever another provider is registered. Instruments taken
// from the global delegate only ever follow the first provider set.
func meters() *instruments {
	provider := otel.GetMeterProvider()

	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()

	if current != nil && current.provider == provider {
		return current
	}

	ins, err := newInstruments(provider)
	if err != nil {
		otel.Handle(err)

		if current != nil {
			return current
		}

		return nil
	}

	current = ins

	return current
}

func newInstruments(provider metric.MeterProvider) (*instruments, error) {
	meter := provider.Meter(otelPackageName)

	ins := &instruments{provider: provider}

	var err error

	ins.acquisitionsTotal, err = meter.Int64Counter(
		"dlock_lock_acquisitions_total",
		metric.WithDescription("Total number of lock acquisition calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	ins.holdDuration, err = meter.Float64Histogram(
		"dlock_lock_hold_duration_seconds",
		metric.WithDescription("Duration that locks are held"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	ins.failuresTotal, err = meter.Int64Counter(
		"dlock_lock_failures_total",
		metric.WithDescription("Total number of store failures during lock operations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	ins.retryAttemptsTotal, err = meter.Int64Counter(
		"dlock_lock_retry_attempts_total",
		metric.WithDescription("Total number of lock retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	ins.renewalsTotal, err = meter.Int64Counter(
		"dlock_lock_renewals_total",
		metric.WithDescription("Total number of lease renewals"),
		metric.WithUnit("{renewal}"),
	)
	if err != nil {
		return nil, err
	}

	return ins, nil
}

// RecordLockAcquisition records the outcome of an Acquire or TryAcquireOnce call.
// mode should be "blocking" or "once".
// result should be one of the Result constants.
func RecordLockAcquisition(ctx context.Context, backend, mode, result string) {
	ins := meters()
	if ins == nil {
		return
	}

	ins.acquisitionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("mode", mode),
			attribute.String("result", result),
		),
	)
}

// RecordLockDuration records how long a lock was held, in seconds.
func RecordLockDuration(ctx context.Context, backend string, duration float64) {
	ins := meters()
	if ins == nil {
		return
	}

	ins.holdDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("backend", backend),
		),
	)
}

// RecordLockFailure records a store failure.
// operation is the store operation that failed (e.g., "create", "extend", "delete").
func RecordLockFailure(ctx context.Context, backend, operation string) {
	ins := meters()
	if ins == nil {
		return
	}

	ins.failuresTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("operation", operation),
		),
	)
}

// RecordLockRetryAttempt records a lock retry attempt.
func RecordLockRetryAttempt(ctx context.Context, backend string) {
	ins := meters()
	if ins == nil {
		return
	}

	ins.retryAttemptsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
		),
	)
}

// RecordLockRenewal records a renewal (background or manual).
// result should be ResultSuccess, ResultLost or ResultFailure.
func RecordLockRenewal(ctx context.Context, backend, result string) {
	ins := meters()
	if ins == nil {
		return
	}

	ins.renewalsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("result", result),
		),
	)
}
