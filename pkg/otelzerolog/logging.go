// Package otelzerolog forwards zerolog output to an OpenTelemetry logger.
package otelzerolog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const instrumentationName = "github.com/kalbasit/dlock/pkg/otelzerolog"

// OtelWriter is a zerolog.LevelWriter emitting each JSON log line as an
// OpenTelemetry log record.
type OtelWriter struct {
	logger log.Logger
}

// NewOtelWriter returns a writer emitting to provider. A nil provider selects
// the global logger provider, which keeps forwarding to whatever provider is
// registered later with global.SetLoggerProvider.
func NewOtelWriter(provider log.LoggerProvider) (*OtelWriter, error) {
	if provider == nil {
		provider = global.GetLoggerProvider()
	}

	return &OtelWriter{logger: provider.Logger(instrumentationName)}, nil
}

// Write implements io.Writer. The level is read from the line itself.
func (w *OtelWriter) Write(p []byte) (int, error) {
	return w.emit(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w *OtelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	return w.emit(level, p)
}

func (w *OtelWriter) emit(level zerolog.Level, p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return 0, err
	}

	if s, ok := fields[zerolog.LevelFieldName].(string); ok {
		if level == zerolog.NoLevel {
			if l, err := zerolog.ParseLevel(s); err == nil {
				level = l
			}
		}

		delete(fields, zerolog.LevelFieldName)
	}

	var rec log.Record

	rec.SetSeverity(severity(level))
	rec.SetSeverityText(level.String())

	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		rec.SetBody(log.StringValue(msg))
		delete(fields, zerolog.MessageFieldName)
	}

	if s, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
			rec.SetTimestamp(ts)
			delete(fields, zerolog.TimestampFieldName)
		}
	}

	rec.AddAttributes(keyValues(fields)...)

	w.logger.Emit(context.Background(), rec)

	return len(p), nil
}

func severity(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return log.SeverityFatal
	case zerolog.InfoLevel, zerolog.NoLevel, zerolog.Disabled:
		return log.SeverityInfo
	default:
		return log.SeverityInfo
	}
}

func keyValues(m map[string]any) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, log.KeyValue{Key: k, Value: value(v)})
	}

	return kvs
}

// value converts a decoded JSON value. Whole numbers become integers.
func value(v any) log.Value {
	switch val := v.(type) {
	case bool:
		return log.BoolValue(val)
	case float64:
		if i := int64(val); float64(i) == val {
			return log.Int64Value(i)
		}

		return log.Float64Value(val)
	case string:
		return log.StringValue(val)
	case []any:
		vs := make([]log.Value, 0, len(val))
		for _, e := range val {
			vs = append(vs, value(e))
		}

		return log.SliceValue(vs...)
	case map[string]any:
		return log.MapValue(keyValues(val)...)
	default:
		// null
		return log.Value{}
	}
}
