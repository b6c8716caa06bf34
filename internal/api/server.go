package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bulwarkhq/bulwark/internal/events"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// HookRunner runs the plugin hook chain around a request.
type HookRunner interface {
	DispatchBefore(ctx context.Context, req *protocol.HTTPRequest) error
	DispatchAfter(ctx context.Context, res *protocol.HTTPResponse) error
}

// Forwarder dispatches a request to a balanced backend pool.
type Forwarder interface {
	Dispatch(ctx context.Context, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error)
}

// StatusProvider exposes entity state for the system endpoints.
type StatusProvider interface {
	Entities() []EntityStatus
	Entity(name string) (EntityStatus, bool)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey protects the /system endpoints when set. The dispatch surface
	// itself is never key-gated; backends do their own authentication.
	APIKey string
}

// Server is the HTTP front door: the dispatch pipeline on every
// non-system path, and the observability surface under /system.
type Server struct {
	config    Config
	hooks     HookRunner
	forwarder Forwarder
	status    StatusProvider
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. forwarder may be nil when no proxy pool is
// configured; dispatch paths then return 404.
func New(config Config, hooks HookRunner, forwarder Forwarder, status StatusProvider, hub *events.Hub) *Server {
	return &Server{
		config:    config,
		hooks:     hooks,
		forwarder: forwarder,
		status:    status,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
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

	r.Route("/system", func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/health", s.handleSystemHealth)
		r.Get("/entities", s.handleEntities)
		r.Get("/entities/{name}", s.handleEntity)
		r.Get("/events", s.handleEvents)
	})

	// Everything else is the dispatch pipeline.
	r.NotFound(s.handleDispatch)

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
