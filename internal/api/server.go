// Package api serves the extension host's admin HTTP API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/exthost/internal/auth"
	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/loader"
)

// ExtensionRegistry is the read side of extension.Registry.
type ExtensionRegistry interface {
	Get(id string) (extension.Metadata, error)
	All() []extension.Metadata
	Dependencies(id string, transitive bool) ([]string, error)
	Dependents(id string) []string
	Stats() extension.Stats
}

// Lifecycle drives extensions through their states.
type Lifecycle interface {
	Load(ctx context.Context, id string) (*extension.Module, error)
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	LoadOrder() []string
	Context(id string) (loader.ContextInfo, bool)
}

// EventSource is the replay and subscribe side of events.Hub.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// History reads the event journal. It is optional.
type History interface {
	History(ctx context.Context, id string, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

type Server struct {
	config    Config
	registry  ExtensionRegistry
	lifecycle Lifecycle
	events    EventSource
	history   History
	keyring   *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. history may be nil.
func New(config Config, registry ExtensionRegistry, lifecycle Lifecycle, events EventSource, history History, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		registry:  registry,
		lifecycle: lifecycle,
		events:    events,
		history:   history,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
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

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeExtensionsRO))
			r.Get("/extensions", s.handleListExtensions)
			r.Get("/extensions/{id}", s.handleGetExtension)
			r.Get("/extensions/{id}/dependencies", s.handleDependencies)
			r.Get("/extensions/{id}/dependents", s.handleDependents)
			r.Get("/extensions/{id}/history", s.handleHistory)
			r.Get("/stats", s.handleStats)
			r.Get("/load-order", s.handleLoadOrder)
			r.Get("/events", s.handleEvents)
		})

		r.With(s.requireScopes(auth.ScopeExtensionsRW)).Post("/extensions/{id}/{action}", s.handleLifecycle)
	})

	return r
}

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
