// Package api exposes the engine over HTTP: message submission, status,
// run history and a server-sent event stream of emitted messages.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/bigstream/internal/auth"
	"github.com/mattjoyce/bigstream/internal/engine"
	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/history"
	"github.com/mattjoyce/bigstream/internal/parser"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/source"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	Handle(ctx context.Context, msg *protocol.Message) error
	Status() engine.Status
}

// History reads finished runs.
type History interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, runID string) (*history.Entry, error)
}

// Catalog lists the registered generator and parser kinds.
type Catalog struct {
	Generators *source.Registry
	Parsers    *parser.Registry
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxBodyBytes bounds POST /messages bodies. Zero selects 8 MiB.
	MaxBodyBytes int64
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	engine    Engine
	history   History
	events    *events.Hub
	catalog   Catalog
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hist may be nil when run history
// is disabled.
func New(config Config, eng Engine, hist History, hub *events.Hub, catalog Catalog, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 8 << 20
	}
	if catalog.Generators == nil {
		catalog.Generators = source.Default()
	}
	if catalog.Parsers == nil {
		catalog.Parsers = parser.Default()
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		engine:    eng,
		history:   hist,
		events:    hub,
		catalog:   catalog,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Event streams stay open; WriteTimeout would cut them.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeMessagesRW)).Post("/messages", s.handleMessage)
		r.With(s.requireScopes(auth.ScopeStatusRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs", s.handleListRuns)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeGeneratorRO, auth.ScopeMessagesRW)).Get("/generators", s.handleGenerators)
		r.With(s.requireScopes(auth.ScopeGeneratorRO, auth.ScopeMessagesRW)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
