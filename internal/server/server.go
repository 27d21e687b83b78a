// Package server provides the local HTTP bridge for the editor UI.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nbcodex-ai/nbcodex/internal/engine"
	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/transport"
)

// Config holds bridge server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default bridge configuration. The bridge binds
// to loopback only; it carries no authentication of its own.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8488",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// BackendProbe reports the state of the backend link. Satisfied by
// transport.Client.
type BackendProbe interface {
	State() transport.State
}

// Server is the HTTP bridge between the editor UI and the
// reconciliation engine.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	dispatcher *engine.Dispatcher
	registry   *session.Registry
	bus        *event.Bus
	backend    BackendProbe
}

// New creates a new Server wired to the engine.
func New(cfg *Config, dispatcher *engine.Dispatcher, registry *session.Registry, bus *event.Bus, backend BackendProbe) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		registry:   registry,
		bus:        bus,
		backend:    backend,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Logging
	s.router.Use(middleware.Logger)

	// Recover from panics
	s.router.Use(middleware.Recoverer)

	// Real IP
	s.router.Use(middleware.RealIP)

	// CORS
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	addr := s.config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	logging.Info().Str("addr", addr).Msg("UI bridge listening")

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
