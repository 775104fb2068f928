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

// Package server assembles the agent from its configuration: the KME
// client, key cache, lifecycle manager, operator API and metrics
// listener, and runs them until shutdown.
package server

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-qkd/internal/config"
	"github.com/jeremyhahn/go-qkd/internal/rest"
	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/cache"
	"github.com/jeremyhahn/go-qkd/pkg/client"
	"github.com/jeremyhahn/go-qkd/pkg/etsi014"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/fallback"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/ledger"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/ratelimit"
	"github.com/jeremyhahn/go-qkd/pkg/storage"
	"github.com/jeremyhahn/go-qkd/pkg/storage/file"
	"github.com/jeremyhahn/go-qkd/pkg/storage/memory"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("server: already started")

// Server is the assembled agent.
type Server struct {
	config  *config.Config
	logger  logger.Logger
	version string

	journal   *events.Memory
	transport *etsi014.Client
	peer      *client.Client
	ledgers   storage.Backend
	manager   *manager.Manager

	healthChecker *health.Checker
	limiter       *ratelimit.Limiter
	restServer    *rest.Server
	metricsServer *http.Server
	collector     *metrics.Collector

	mu          sync.Mutex
	started     bool
	apiAddr     net.Addr
	metricsAddr net.Addr
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	errCh       chan error
}

// Option customizes New.
type Option func(*Server)

// WithLogger replaces the logger built from the logging section.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New builds every component from cfg. Nothing listens or fetches until
// Start. cfg is expected to have passed config.Validate.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	s := &Server{
		config: cfg,
		errCh:  make(chan error, 2),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = setupLogger(cfg.Logging)
	}
	if s.version == "" {
		s.version = getBuildVersion()
	}

	if err := s.initializeManager(); err != nil {
		return nil, err
	}
	if cfg.Health.Enabled {
		s.initializeHealth()
	}
	if err := s.initializeAPI(); err != nil {
		s.closeClients()
		return nil, err
	}
	if cfg.Metrics.Enabled {
		s.initializeMetrics()
	}
	return s, nil
}

// setupLogger builds the structured logger from the logging section.
func setupLogger(cfg config.LoggingConfig) logger.Logger {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.LevelInfo
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stdout,
	})
}

// getBuildVersion retrieves the version from build information
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func (s *Server) initializeManager() error {
	cfg := s.config
	s.journal = events.NewMemory(cfg.Events.Capacity)

	transport, err := s.newKMEClient()
	if err != nil {
		return fmt.Errorf("failed to create KME client: %w", err)
	}
	s.transport = transport

	spent, derived, err := s.openLedgers()
	if err != nil {
		s.closeClients()
		return err
	}

	keyCache, err := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		KeySize:    cfg.KME.KeySize,
		TTL:        cfg.Cache.TTL,
		LedgerSize: cfg.Cache.LedgerSize,
		Spent:      spent,
	})
	if err != nil {
		s.closeClients()
		return fmt.Errorf("failed to create key cache: %w", err)
	}

	hash, err := cfg.Binding.HashFunc()
	if err != nil {
		s.closeClients()
		return fmt.Errorf("invalid binding hash: %w", err)
	}
	binder, err := binding.New(binding.Config{
		SubkeySize: cfg.Binding.SubkeySize,
		Hash:       hash,
		LedgerSize: cfg.Binding.LedgerSize,
		Derived:    derived,
	})
	if err != nil {
		s.closeClients()
		return fmt.Errorf("failed to create binder: %w", err)
	}

	monitor := health.NewMonitor(health.MonitorConfig{
		FailureThreshold: cfg.Monitor.FailureThreshold,
		LowWaterGrace:    cfg.Monitor.LowWaterGrace,
		RequireQKD:       cfg.Monitor.RequireQKD,
	})

	policy, err := manager.ParsePolicy(cfg.Fallback.Policy)
	if err != nil {
		s.closeClients()
		return err
	}

	var source fallback.Source
	if cfg.Fallback.Source != "" {
		source, err = s.newFallbackSource()
		if err != nil {
			s.closeClients()
			return fmt.Errorf("failed to create fallback source: %w", err)
		}
	}

	importOnly := cfg.Node.Role == config.RoleSlave
	var announcer manager.Announcer
	if !importOnly && cfg.Node.Peer.Address != "" {
		peer, err := s.newPeerClient()
		if err != nil {
			s.closeClients()
			return fmt.Errorf("failed to create peer client: %w", err)
		}
		s.peer = peer
		announcer = peer
	}

	mgr, err := manager.New(manager.Config{
		Transport:       transport,
		Cache:           keyCache,
		Binder:          binder,
		Monitor:         monitor,
		Fallback:        source,
		FallbackPolicy:  policy,
		Announcer:       announcer,
		ImportOnly:      importOnly,
		Journal:         s.journal,
		Logger:          s.logger,
		LowWater:        cfg.Lifecycle.LowWater,
		BatchSize:       cfg.Lifecycle.BatchSize,
		DefaultDeadline: cfg.Lifecycle.DefaultDeadline,
		PollInterval:    cfg.Lifecycle.PollInterval,
		SupplyInterval:  cfg.Lifecycle.SupplyInterval,
		StatusInterval:  cfg.Lifecycle.StatusInterval,
		SweepInterval:   cfg.Cache.SweepInterval,
		FatalHoldoff:    cfg.Lifecycle.FatalHoldoff,
		Retry: manager.RetryConfig{
			MaxAttempts:     cfg.Lifecycle.Retry.MaxAttempts,
			InitialInterval: cfg.Lifecycle.Retry.InitialInterval,
			MaxInterval:     cfg.Lifecycle.Retry.MaxInterval,
			Multiplier:      cfg.Lifecycle.Retry.Multiplier,
		},
	})
	if err != nil {
		s.closeClients()
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	s.manager = mgr

	s.logger.Info("Lifecycle manager initialized",
		logger.String("sae_id", cfg.Node.SAEID),
		logger.String("peer_sae_id", cfg.Node.PeerSAEID),
		logger.String("role", cfg.Node.Role),
		logger.String("fallback_policy", string(policy)),
		logger.Bool("announce", announcer != nil))
	return nil
}

func (s *Server) newKMEClient() (*etsi014.Client, error) {
	cfg := s.config.KME

	etsiCfg := etsi014.Config{
		BaseURL:           cfg.Address,
		SAEID:             s.config.Node.SAEID,
		PeerSAEID:         s.config.Node.PeerSAEID,
		KeySize:           cfg.KeySize,
		MaxKeysPerRequest: cfg.MaxKeysPerRequest,
		Timeout:           cfg.Timeout,
		Pacer:             ratelimit.NewPacer(cfg.RequestsPerMin, cfg.Burst),
		Logger:            s.logger,
	}
	if isHTTPS(cfg.Address) {
		tlsConfig, err := cfg.TLS.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		etsiCfg.TLSConfig = tlsConfig
	}
	return etsi014.NewClient(etsiCfg)
}

func (s *Server) newPeerClient() (*client.Client, error) {
	cfg := s.config.Node.Peer

	clientCfg := &client.Config{
		Address: cfg.Address,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}
	if isHTTPS(cfg.Address) {
		tlsConfig, err := cfg.TLS.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		clientCfg.TLSConfig = tlsConfig
	}
	return client.New(clientCfg)
}

func (s *Server) newFallbackSource() (fallback.Source, error) {
	hash, err := s.config.Binding.HashFunc()
	if err != nil {
		return nil, err
	}
	opts := fallback.Options{SubkeySize: s.config.Binding.SubkeySize, Hash: hash}
	if path := s.config.Fallback.PeerPublicKeyFile; path != "" {
		// #nosec G304 - key path from trusted config file
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read peer public key: %w", err)
		}
		if block, _ := pem.Decode(data); block != nil {
			data = block.Bytes
		}
		opts.PeerPublicKey = data
	}
	return fallback.New(s.config.Fallback.Source, opts)
}

// initializeHealth registers the monitor, supply and KME checks.
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.SetTimeout(s.config.Health.CheckTimeout)

	s.healthChecker.RegisterCheck("monitor", health.MonitorCheck(s.manager.Monitor()))
	s.healthChecker.RegisterCheck("supply", health.SupplyCheck(s.manager.Level, s.manager.LowWater()))
	s.healthChecker.RegisterCheck("kme", health.KMECheck(s.manager.ServiceStatus, s.config.Health.KMEMaxAge))

	s.logger.Info("Health checker initialized", logger.Int("checks", len(s.healthChecker.GetAllChecks())))
}

func (s *Server) initializeAPI() error {
	cfg := s.config
	if !cfg.Server.Enabled {
		return nil
	}

	authenticator, err := cfg.Auth.CreateAuthenticator()
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}

	tlsConfig, err := cfg.Server.TLS.LoadTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to load server TLS configuration: %w", err)
	}

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	restCfg := &rest.Config{
		Addr:          cfg.APIAddress(),
		Manager:       s.manager,
		Version:       s.version,
		TLSConfig:     tlsConfig,
		Authenticator: authenticator,
		RateLimiter:   s.limiter,
		Logger:        s.logger.With(logger.String("component", "rest")),
	}
	if s.healthChecker != nil {
		restCfg.HealthChecker = s.healthChecker
	}

	s.restServer, err = rest.NewServer(restCfg)
	if err != nil {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		return fmt.Errorf("failed to create operator API: %w", err)
	}
	return nil
}

func (s *Server) initializeMetrics() {
	metrics.Enable()

	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:              s.config.MetricsAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Manager returns the lifecycle manager, for in-process consumers.
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// HealthChecker returns the health checker, or nil when disabled.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// APIAddr returns the bound operator API address once started.
func (s *Server) APIAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiAddr
}

// MetricsAddr returns the bound metrics address once started.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

// Start binds the listeners, starts the lifecycle manager and serves in
// the background. Listener errors after Start are reported by Run.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.logger.Info("Starting QKD agent", logger.String("version", s.version))

	var apiLn, metricsLn net.Listener
	var err error
	if s.restServer != nil {
		apiLn, err = net.Listen("tcp", s.restServer.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.restServer.Addr(), err)
		}
		s.apiAddr = apiLn.Addr()
	}
	if s.metricsServer != nil {
		metricsLn, err = net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			if apiLn != nil {
				_ = apiLn.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.metricsServer.Addr, err)
		}
		s.metricsAddr = metricsLn.Addr()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if err := s.manager.Start(runCtx); err != nil {
		cancel()
		for _, ln := range []net.Listener{apiLn, metricsLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if s.config.Metrics.Enabled {
		s.collector = metrics.StartCollector(runCtx, s.config.Metrics.CollectInterval, s.manager.Supply)
	}

	if apiLn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.restServer.Serve(apiLn); err != nil {
				s.logger.Error("Operator API error", logger.Error(err))
				s.errCh <- err
			}
		}()
	}

	if metricsLn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Starting metrics server",
				logger.String("address", metricsLn.Addr().String()),
				logger.String("path", s.config.Metrics.Path))
			if err := s.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server error", logger.Error(err))
				s.errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	if s.healthChecker != nil {
		s.healthChecker.MarkStarted()
	}
	s.started = true
	s.logger.Info("QKD agent started")
	return nil
}

// Stop shuts down the listeners, then the lifecycle manager, which
// purges the cache. ctx bounds the HTTP drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Shutting down QKD agent")
	if s.healthChecker != nil {
		s.healthChecker.MarkNotStarted()
	}

	var errs []error
	if s.restServer != nil {
		if err := s.restServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metrics server: %w", err))
		}
	}
	s.wg.Wait()

	if s.collector != nil {
		s.collector.Stop()
	}
	s.manager.Stop()
	s.cancel()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.closeClients()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("QKD agent stopped")
	return nil
}

// Run starts the agent and blocks until ctx is done or a listener fails,
// then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errCh:
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// openLedgers returns the spent and derived ledgers. They are file-backed
// when ledger.path is set and live in memory, lost on restart, otherwise.
func (s *Server) openLedgers() (*ledger.Tracker, *ledger.Tracker, error) {
	path := s.config.Ledger.Path
	if path == "" {
		s.logger.Warn("No ledger.path set, spent KeyIDs will not survive a restart")
		s.ledgers = memory.New()
	} else {
		backend, err := file.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		s.ledgers = backend
	}
	backend := s.ledgers

	spent, err := ledger.Open(s.config.Cache.LedgerSize, backend, "spent")
	if err != nil {
		return nil, nil, err
	}
	derived, err := ledger.Open(s.config.Binding.LedgerSize, backend, "derived")
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("Ledger loaded",
		logger.String("path", path),
		logger.Int("spent", spent.Count()),
		logger.Int("derived", derived.Count()))
	return spent, derived, nil
}

func (s *Server) closeClients() {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.peer != nil {
		_ = s.peer.Close()
	}
	if s.ledgers != nil {
		_ = s.ledgers.Close()
	}
}

func isHTTPS(address string) bool {
	u, err := url.Parse(address)
	return err == nil && u.Scheme == "https"
}
