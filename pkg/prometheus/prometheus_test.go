package prometheus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kalbasit/dlock/pkg/prometheus"
	"github.com/kalbasit/dlock/pkg/telemetry"
)

func TestNewReader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	res, err := telemetry.NewResource(ctx, "dlock", "0.0.1")
	require.NoError(t, err)

	reader, gatherer, err := prometheus.NewReader()
	require.NoError(t, err)

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	t.Cleanup(func() { assert.NoError(t, provider.Shutdown(ctx)) })

	counter, err := provider.Meter("test").Int64Counter("dlock_test_events")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	families, err := gatherer.Gather()
	require.NoError(t, err)

	var found bool

	for _, mf := range families {
		if mf.GetName() == "dlock_test_events_total" {
			found = true

			require.Len(t, mf.GetMetric(), 1)
			assert.InDelta(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue(), 0)
		}
	}

	assert.True(t, found, "the counter is exported through the gatherer")
}
