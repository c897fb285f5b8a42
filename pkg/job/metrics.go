package job

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Run results.
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
	ResultFailure = "failure"
)

//nolint:gochecknoglobals
var (
	runsMu       sync.Mutex
	runsProvider metric.MeterProvider
	runsTotal    metric.Int64Counter
)

// jobRunsTotal returns the run counter of the current global meter provider.
func jobRunsTotal() metric.Int64Counter {
	provider := otel.GetMeterProvider()

	runsMu.Lock()
	defer runsMu.Unlock()

	if runsTotal != nil && runsProvider == provider {
		return runsTotal
	}

	counter, err := provider.Meter("github.com/kalbasit/dlock/pkg/job").Int64Counter(
		"dlock_job_runs_total",
		metric.WithDescription("Total number of scheduled job firings by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		otel.Handle(err)

		return runsTotal
	}

	runsProvider, runsTotal = provider, counter

	return runsTotal
}

// RecordJobRun records a job firing.
func RecordJobRun(ctx context.Context, name, result string) {
	counter := jobRunsTotal()
	if counter == nil {
		return
	}

	counter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("job", name),
			attribute.String("result", result),
		),
	)
}
