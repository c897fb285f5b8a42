package otelzerolog_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/kalbasit/dlock/pkg/otelzerolog"
)

func TestOtelWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	exporter, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	require.NoError(t, err)

	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))

	w, err := otelzerolog.NewOtelWriter(provider)
	require.NoError(t, err)

	logger := zerolog.New(w)
	logger.Warn().
		Str("lock_name", "report").
		Interface("missing", nil).
		Msg("renewal failed")

	require.NoError(t, provider.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "renewal failed")
	assert.Contains(t, out, "lock_name")
	assert.Contains(t, out, `"SeverityText":"warn"`)
}

func TestOtelWriter_InvalidJSON(t *testing.T) {
	t.Parallel()

	w, err := otelzerolog.NewOtelWriter(nil)
	require.NoError(t, err)

	_, err = w.Write([]byte("not json"))
	assert.Error(t, err)
}
