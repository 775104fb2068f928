// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-qkd/pkg/auth"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/ratelimit"
)

// Server represents the operator API server.
type Server struct {
	server        *http.Server
	handlers      *HandlerContext
	tlsConfig     *tls.Config
	authenticator auth.Authenticator
	limiter       *ratelimit.Limiter
	logger        logger.Logger
}

// Config holds the operator API server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8470)
	Addr string

	// Manager is the lifecycle manager the API drives
	Manager KeyManager

	// HealthChecker backs the probe endpoints (optional)
	HealthChecker HealthChecker

	// Version is reported by /health
	Version string

	// TLSConfig enables HTTPS when set
	TLSConfig *tls.Config

	// Authenticator guards /api/v1 (optional, defaults to NoOp)
	Authenticator auth.Authenticator

	// RateLimiter limits /api/v1 requests per client (optional)
	RateLimiter *ratelimit.Limiter

	Logger logger.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new operator API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8470"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// replenish and import wait on the KME
		cfg.WriteTimeout = time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = auth.NewNoOpAuthenticator()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}

	handlers := NewHandlerContext(cfg.Manager, cfg.Version)
	handlers.SetHealthChecker(cfg.HealthChecker)

	s := &Server{
		handlers:      handlers,
		tlsConfig:     cfg.TLSConfig,
		authenticator: authenticator,
		limiter:       cfg.RateLimiter,
		logger:        log,
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.setupRouter(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		TLSConfig:         cfg.TLSConfig,
	}
	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	// Probes stay unauthenticated for orchestrators.
	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)
	r.Get("/health/startup", s.handlers.StartupHandler)

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter))
		}
		r.Use(s.AuthenticationMiddleware())

		r.Group(func(r chi.Router) {
			r.Use(s.RequireRole(auth.RoleViewer))
			r.Get("/status", s.handlers.StatusHandler)
			r.Get("/events", s.handlers.EventsHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.RequireRole(auth.RoleOperator))
			r.Post("/monitor/reset", s.handlers.ResetHandler)
			r.Post("/supply/replenish", s.handlers.ReplenishHandler)
			r.Post("/keys/import", s.handlers.ImportKeysHandler)
		})
	})

	return r
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.logger.Info("Starting operator API",
		logger.String("addr", ln.Addr().String()),
		logger.String("scheme", scheme),
		logger.String("auth", s.authenticator.Name()))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("operator API failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down operator API")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown operator API", logger.Error(err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
