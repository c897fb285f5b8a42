// Package telemetry describes this process to OpenTelemetry.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

// StoreBackendKey records which lock store the process uses.
const StoreBackendKey = attribute.Key("dlock.store.backend")

// NewResource returns the resource shared by the OpenTelemetry and Prometheus
// pipelines. OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME override the
// given attributes.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}, extraAttrs...)

	return resource.New(
		ctx,

		// The detectors below use the same semconv version; a mismatch makes
		// resource.New fail with a schema URL conflict.
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),

		// resource.WithProcess would add the command line, which carries
		// store passwords passed as flags.
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),

		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}
