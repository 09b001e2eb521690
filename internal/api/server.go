// Package api provides the REST API server for the data lake mirror.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOption configures the API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	registry    *promclient.Registry
	timeout     time.Duration
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsRegistry exposes the Prometheus registry at /metrics.
func WithMetricsRegistry(reg *promclient.Registry) ServerOption {
	return func(cfg *serverConfig) {
		cfg.registry = reg
	}
}

// WithRequestTimeout overrides the per-request timeout (default 60s).
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.timeout = d
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(routes *Routes, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.timeout))
	r.Use(LoggingMiddleware)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	}

	r.Mount("/api/v1/datalake", routes.Router())

	return r
}

// LoggingMiddleware logs HTTP requests with status and latency.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
