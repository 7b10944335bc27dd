// Package ops exposes the operational HTTP surface: liveness, readiness,
// and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ReadinessCheck probes one dependency (broker connection, database pool).
type ReadinessCheck func(ctx context.Context) error

// ServerConfig holds configuration for the ops server.
type ServerConfig struct {
	Service  string
	Version  string
	Port     int
	Registry *prometheus.Registry
	Logger   zerolog.Logger

	// RateLimitRPS caps requests per IP per second (default: 100).
	RateLimitRPS int

	// Readiness checks run on GET /ready; any failure yields 503.
	Readiness map[string]ReadinessCheck
}

// Server is the ops HTTP listener.
type Server struct {
	cfg  ServerConfig
	http *http.Server
}

// NewServer builds the ops server and its router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}

	s := &Server{cfg: cfg}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the configured handler, exposed for tests.
func (s *Server) Router() http.Handler {
	return s.http.Handler
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(s.cfg.Logger))
	r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.cfg.Registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.Service,
		"version": s.cfg.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.cfg.Readiness {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not ready",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Start runs the listener until it is shut down.
func (s *Server) Start() error {
	s.cfg.Logger.Info().Str("addr", s.http.Addr).Msg("ops server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLogger logs completed HTTP requests.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}
