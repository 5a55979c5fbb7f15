// Package httpapi provides the shared HTTP plumbing for alicia services: a
// chi router preloaded with the common middleware stack (request logging,
// CORS, metrics, panic recovery), JSON helpers that map error kinds onto
// status codes, and a Server wrapper with the shutdown discipline every
// service shares.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/alicia-home/alicia/internal/buildinfo"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// WriteJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func WriteJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Error writes err as a structured JSON error response, mapping its kind
// onto the HTTP status code.
func Error(w http.ResponseWriter, err error, logger *slog.Logger) {
	kind := fault.KindOf(err)
	code := fault.HTTPStatus(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	WriteJSON(w, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": err.Error(),
			"code":    code,
		},
	}, logger)
}

// DecodeJSON reads the request body into v, classifying failures as
// validation errors.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.Validation, "decode request body", err)
	}
	return nil
}

// NewRouter builds the common router: CORS, request logging, metrics, panic
// recovery, plus the endpoints every service exposes (GET /health from the
// supplied snapshot function, GET /metrics, GET /version). Services add
// their own routes on the returned mux.
func NewRouter(service string, logger *slog.Logger, health func() any) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(withLogging(service, logger))
	r.Use(withMetrics(service))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, health(), logger)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, buildinfo.Info(), logger)
	})
	return r
}

// withLogging logs one line per request with method, path, status and
// duration.
func withLogging(service string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"service", service,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}

// withMetrics feeds the request counters and latency histogram.
func withMetrics(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			metrics.APIRequestsTotal.WithLabelValues(service, r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(service, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Server wraps http.Server with the lifecycle every service shares: serve
// until the context is cancelled, then drain with a bounded shutdown.
type Server struct {
	service string
	srv     *http.Server
	logger  *slog.Logger
}

// NewServer builds a Server listening on address:port. An empty address
// binds all interfaces.
func NewServer(service, address string, port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		service: service,
		logger:  logger,
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", address, port),
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully with a 10
// second drain. A clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info("starting API server", "service", s.service, "addr", s.srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
