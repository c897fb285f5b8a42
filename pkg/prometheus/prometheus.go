// Package prometheus exports the OpenTelemetry metrics in the Prometheus
// exposition format.
package prometheus

import (
	promclient "github.com/prometheus/client_golang/prometheus"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewReader returns a metric reader to register on the meter provider along
// with the gatherer serving what it collects. The reader uses its own
// registry, so the Go runtime collectors of the default registry are not
// exported.
func NewReader() (sdkmetric.Reader, promclient.Gatherer, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	return exporter, registry, nil
}
