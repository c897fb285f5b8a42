package dlock

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	promclient "github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kalbasit/dlock/pkg/otel"
	"github.com/kalbasit/dlock/pkg/prometheus"
	"github.com/kalbasit/dlock/pkg/telemetry"
)

type telemetryConfig struct {
	ServiceName       string
	StoreBackend      string
	OtelEnabled       bool
	OtelGRPCURL       string
	PrometheusEnabled bool
}

// setupTelemetry sets up OpenTelemetry and, when withPrometheus is true and
// --prometheus-enabled is set, the Prometheus reader whose gatherer is
// returned.
func setupTelemetry(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
	withPrometheus bool,
) (promclient.Gatherer, error) {
	root := cmd.Root()

	gatherer, shutdown, err := startTelemetry(ctx, telemetryConfig{
		ServiceName:       root.Name,
		StoreBackend:      root.String("store-backend"),
		OtelEnabled:       root.Bool("otel-enabled"),
		OtelGRPCURL:       root.String("otel-grpc-url"),
		PrometheusEnabled: withPrometheus && root.Bool("prometheus-enabled"),
	})
	if err != nil {
		return nil, err
	}

	registerShutdown("open telemetry", shutdown)

	return gatherer, nil
}

// startTelemetry registers the global providers. The gatherer is nil unless
// Prometheus is enabled.
func startTelemetry(
	ctx context.Context,
	cfg telemetryConfig,
) (promclient.Gatherer, func(context.Context) error, error) {
	otelResource, err := telemetry.NewResource(
		ctx,
		cfg.ServiceName,
		Version,
		telemetry.StoreBackendKey.String(cfg.StoreBackend),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating a new otel resource: %w", err)
	}

	var (
		gatherer promclient.Gatherer
		readers  []sdkmetric.Reader
	)

	if cfg.PrometheusEnabled {
		var reader sdkmetric.Reader

		reader, gatherer, err = prometheus.NewReader()
		if err != nil {
			return nil, nil, fmt.Errorf("error setting up Prometheus metrics: %w", err)
		}

		readers = append(readers, reader)
	}

	shutdown, err := otel.SetupOTelSDK(ctx, cfg.OtelEnabled, cfg.OtelGRPCURL, otelResource, readers...)
	if err != nil {
		return nil, nil, err
	}

	if gatherer != nil {
		zerolog.Ctx(ctx).
			Info().
			Msg("Prometheus metrics enabled at /metrics")
	}

	return gatherer, shutdown, nil
}
