// Package server exposes the lock manager over HTTP for health checks,
// Prometheus scraping and lock inspection.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/kalbasit/dlock/pkg/lock"
)

const (
	routeIndex   = "/"
	routeLock    = "/locks/*"
	routeMetrics = "/metrics"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	tracerName = "github.com/kalbasit/dlock/pkg/server"
)

// LockStatus is the body of GET /locks/{name}.
type LockStatus struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Held bool   `json:"held"`
}

// Server represents the HTTP status server.
type Server struct {
	manager *lock.Manager
	router  *chi.Mux

	tracer trace.Tracer

	mu       sync.RWMutex
	gatherer prometheus.Gatherer
}

// New returns a new server inspecting locks through manager.
func New(manager *lock.Manager) *Server {
	s := &Server{
		manager: manager,
		tracer:  otel.Tracer(tracerName),
	}

	s.createRouter()

	return s
}

// SetPrometheusGatherer enables GET /metrics served from gatherer.
func (s *Server) SetPrometheusGatherer(gatherer prometheus.Gatherer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gatherer = gatherer
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Get(routeIndex, s.getIndex)
	s.router.Get(routeLock, s.getLock)
	s.router.Get(routeMetrics, s.getMetrics)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log.Info().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(startedAt)).
				Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, struct {
		Backend   string `json:"backend"`
		KeyPrefix string `json:"keyPrefix"`
	}{
		Backend:   s.manager.Backend(),
		KeyPrefix: s.manager.Key(""),
	})
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")

	ctx, span := s.tracer.Start(
		r.Context(),
		"getLock",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("lock_name", name)),
	)
	defer span.End()

	held, err := s.manager.IsHeld(ctx, name)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, lock.ErrEmptyName) {
			status = http.StatusBadRequest
		}

		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("lock_name", name).
			Msg("error reading the lock")

		http.Error(w, err.Error(), status)

		return
	}

	writeJSON(w, r, http.StatusOK, LockStatus{
		Name: name,
		Key:  s.manager.Key(name),
		Held: held,
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	gatherer := s.gatherer
	s.mu.RUnlock()

	if gatherer == nil {
		http.NotFound(w, r)

		return
	}

	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}
