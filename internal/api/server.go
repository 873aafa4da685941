// Package api exposes the broker's status surface over HTTP: health,
// audit lookups, an SSE event stream, and an authenticated submission
// endpoint for ownerless requests.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/webrelay/internal/events"
	"github.com/mattjoyce/webrelay/internal/requestlog"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

// Broker is the dispatcher surface the API needs.
type Broker interface {
	Enqueue(opts webreq.Options) (*webreq.Record, error)
	QueueLength() int
}

// TrustReporter exposes the integrity verifier's state.
type TrustReporter interface {
	IsTrusted() bool
}

// AuditReader exposes the request audit log.
type AuditReader interface {
	Get(ctx context.Context, id string) (*requestlog.Entry, error)
	Recent(ctx context.Context, limit int) ([]*requestlog.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
}

// Server represents the HTTP status API server.
type Server struct {
	config    Config
	broker    Broker
	trust     TrustReporter
	audit     AuditReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. audit may be nil when the audit
// log is disabled.
func New(config Config, broker Broker, trust TrustReporter, audit AuditReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		broker:    broker,
		trust:     trust,
		audit:     audit,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived SSE connections
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/fetch", s.handleFetch)
		r.Get("/request/{requestID}", s.handleGetRequest)
		r.Get("/requests", s.handleListRequests)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
