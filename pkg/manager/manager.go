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

// Package manager is the QKD key lifecycle manager.
//
// It keeps the key cache supplied from the KME, hands out keys at most
// once through Acquire, derives purpose-scoped subkeys through the
// binding layer and falls back to a classical or post-quantum source
// while the health monitor reports the QKD path degraded.
//
//	mgr, err := manager.New(manager.Config{
//	    Transport:      client,
//	    Cache:          c,
//	    Binder:         binder,
//	    Monitor:        monitor,
//	    Fallback:       source,
//	    FallbackPolicy: manager.PolicyAllow,
//	})
//	if err := mgr.Start(ctx); err != nil { ... }
//	defer mgr.Stop()
//
//	subkey, err := mgr.Acquire(ctx, qkd.PurposePeerHandshake, 2*time.Second)
//	if err != nil { ... }
//	defer subkey.Destroy()
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/cache"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/fallback"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// Policy decides whether Acquire may use the fallback source.
type Policy string

const (
	// PolicyAllow lets Acquire fall back while the QKD path is degraded.
	PolicyAllow Policy = "allow"
	// PolicyDeny fails Acquire with qkd.ErrQKDRequired instead.
	PolicyDeny Policy = "deny"
)

// ParsePolicy parses "allow" or "deny". There is no default.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAllow, PolicyDeny:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (want allow or deny)", ErrInvalidPolicy, s)
	}
}

// Default lifecycle settings
const (
	DefaultLowWater        = 8
	DefaultBatchSize       = 32
	DefaultDeadline        = 2 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultSupplyInterval  = time.Second
	DefaultStatusInterval  = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultFatalHoldoff    = 30 * time.Second
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMultiplier      = 2.0
)

var (
	// ErrInvalidPolicy is returned for a missing or unknown fallback policy.
	ErrInvalidPolicy = errors.New("manager: invalid fallback policy")

	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("manager: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("manager: stopped")

	// ErrImportOnly is returned by Replenish in the slave role.
	ErrImportOnly = errors.New("manager: import-only node does not fetch new keys")
)

// Transport is the KME client the manager fetches from.
// *etsi014.Client implements it.
type Transport interface {
	FetchStatus(ctx context.Context) (*qkd.ServiceStatus, error)
	FetchKeys(ctx context.Context, count int) ([]qkd.Key, error)
	FetchKeysWithIDs(ctx context.Context, ids []qkd.KeyID) ([]qkd.Key, error)
	Status() qkd.ServiceStatus
	MaxKeysPerRequest() int
}

// Announcer delivers freshly fetched KeyIDs to the peer SAE. Keys stay
// Pending until their announcement succeeds.
type Announcer interface {
	Announce(ctx context.Context, ids []qkd.KeyID) error
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(ctx context.Context, ids []qkd.KeyID) error

// Announce implements Announcer.
func (f AnnouncerFunc) Announce(ctx context.Context, ids []qkd.KeyID) error {
	return f(ctx, ids)
}

// RetryConfig bounds the exponential backoff of transient fetch failures.
type RetryConfig struct {
	// MaxAttempts is the number of fetch attempts per cycle, first one included
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Config configures a Manager. Transport, Cache, Binder and Monitor are
// required; FallbackPolicy must be set explicitly.
type Config struct {
	Transport Transport
	Cache     *cache.Cache
	Binder    *binding.Binder
	Monitor   *health.Monitor

	// Fallback is consulted while the QKD path is degraded. It may be nil
	// only with PolicyDeny.
	Fallback       fallback.Source
	FallbackPolicy Policy

	// Announcer is set in master-role deployments.
	Announcer Announcer

	// ImportOnly is the slave role: keys arrive only through Import and
	// the manager never requests new keys from the KME.
	ImportOnly bool

	Journal events.Journal
	Logger  logger.Logger

	// LowWater is the supply level below which the replenisher fetches.
	LowWater int

	// BatchSize caps the number of keys fetched per cycle.
	BatchSize int

	// DefaultDeadline applies to Acquire calls with a zero deadline.
	DefaultDeadline time.Duration

	// PollInterval re-checks the cache while Acquire waits.
	PollInterval time.Duration

	// SupplyInterval is the replenisher tick.
	SupplyInterval time.Duration

	// StatusInterval is the KME status poll period.
	StatusInterval time.Duration

	// SweepInterval is the expiry sweep period.
	SweepInterval time.Duration

	// FatalHoldoff pauses the background replenisher after an
	// unauthorized or malformed response.
	FatalHoldoff time.Duration

	Retry RetryConfig

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (cfg *Config) setDefaults() {
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultDeadline
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SupplyInterval <= 0 {
		cfg.SupplyInterval = DefaultSupplyInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.FatalHoldoff <= 0 {
		cfg.FatalHoldoff = DefaultFatalHoldoff
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = DefaultInitialInterval
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = DefaultMaxInterval
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = DefaultMultiplier
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Manager supplies one-time, purpose-scoped subkeys from QKD material.
type Manager struct {
	cfg       Config
	transport Transport
	cache     *cache.Cache
	binder    *binding.Binder
	monitor   *health.Monitor
	fallback  fallback.Source
	announcer Announcer
	journal   events.Journal
	logger    logger.Logger

	// trigger coalesces replenish requests
	trigger chan struct{}

	// fetchMu serializes every KME key fetch
	fetchMu sync.Mutex

	holdMu       sync.Mutex
	holdoffUntil time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// New validates cfg and creates a stopped manager.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Transport == nil:
		return nil, fmt.Errorf("%w: transport is required", qkd.ErrInvalidArgument)
	case cfg.Cache == nil:
		return nil, fmt.Errorf("%w: cache is required", qkd.ErrInvalidArgument)
	case cfg.Binder == nil:
		return nil, fmt.Errorf("%w: binder is required", qkd.ErrInvalidArgument)
	case cfg.Monitor == nil:
		return nil, fmt.Errorf("%w: monitor is required", qkd.ErrInvalidArgument)
	}
	if _, err := ParsePolicy(string(cfg.FallbackPolicy)); err != nil {
		return nil, err
	}
	if cfg.FallbackPolicy == PolicyAllow && cfg.Fallback == nil {
		return nil, fmt.Errorf("%w: fallback policy allow needs a fallback source", qkd.ErrInvalidArgument)
	}

	cfg.setDefaults()
	if cfg.LowWater > cfg.Cache.Capacity() {
		return nil, fmt.Errorf("%w: low water %d exceeds cache capacity %d",
			qkd.ErrInvalidArgument, cfg.LowWater, cfg.Cache.Capacity())
	}

	return &Manager{
		cfg:       cfg,
		transport: cfg.Transport,
		cache:     cfg.Cache,
		binder:    cfg.Binder,
		monitor:   cfg.Monitor,
		fallback:  cfg.Fallback,
		announcer: cfg.Announcer,
		journal:   cfg.Journal,
		logger:    cfg.Logger.With(logger.String("component", "manager")),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Start launches the replenisher, expiry sweeper, status poller and
// monitor watcher. It returns immediately; the first fetch happens in
// the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	transitions, unsubscribe := m.monitor.Subscribe(32)
	metrics.SetMonitorState(string(m.monitor.State()))

	m.wg.Add(4)
	go m.watchMonitor(runCtx, transitions, unsubscribe)
	go m.replenishLoop(runCtx)
	go m.sweepLoop(runCtx)
	go m.statusLoop(runCtx)

	m.Trigger()
	m.record(ctx, &events.Event{
		Type:     events.TypeSystemStart,
		Severity: events.SeverityInfo,
		Message:  "Key lifecycle manager started",
		Metadata: map[string]any{
			"fallback_policy": string(m.cfg.FallbackPolicy),
			"fallback_source": m.fallbackName(),
			"low_water":       m.cfg.LowWater,
			"batch_size":      m.cfg.BatchSize,
		},
	})
	m.logger.InfoContext(ctx, "Key lifecycle manager started",
		logger.Int("capacity", m.cache.Capacity()),
		logger.Int("low_water", m.cfg.LowWater),
		logger.String("fallback_policy", string(m.cfg.FallbackPolicy)))
	return nil
}

// Stop cancels the background loops, waits for them and purges the
// cache. Outstanding reservations report expired. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	purged := m.cache.Purge()
	m.record(context.Background(), &events.Event{
		Type:     events.TypeSystemStop,
		Severity: events.SeverityInfo,
		Message:  "Key lifecycle manager stopped",
		Metadata: map[string]any{"purged": purged},
	})
	m.logger.Info("Key lifecycle manager stopped", logger.Int("purged", purged))
}

// CurrentStatus returns the monitor state.
func (m *Manager) CurrentStatus() health.State {
	return m.monitor.State()
}

// ServiceStatus returns the KME status as last observed.
func (m *Manager) ServiceStatus() qkd.ServiceStatus {
	return m.transport.Status()
}

// Monitor returns the health monitor the manager reports to.
func (m *Manager) Monitor() *health.Monitor {
	return m.monitor
}

// Journal returns the event journal.
func (m *Manager) Journal() events.Journal {
	return m.journal
}

// LowWater returns the replenish threshold.
func (m *Manager) LowWater() int {
	return m.cfg.LowWater
}

// Level returns the number of Pending and Available keys.
func (m *Manager) Level() int {
	return m.cache.Level()
}

// Supply reports cache occupancy for the metrics collector.
func (m *Manager) Supply() metrics.Supply {
	stats := m.cache.Stats()
	return metrics.Supply{
		Capacity:  stats.Capacity,
		Pending:   stats.Pending,
		Available: stats.Available,
		Reserved:  stats.Reserved,
	}
}

// Status is the operator view of the key supply.
type Status struct {
	State          health.State      `json:"state"`
	Monitor        health.Snapshot   `json:"monitor"`
	KME            qkd.ServiceStatus `json:"kme"`
	Cache          cache.Stats       `json:"cache"`
	LowWater       int               `json:"low_water"`
	FallbackPolicy Policy            `json:"fallback_policy"`
	FallbackSource string            `json:"fallback_source,omitempty"`
	HoldoffUntil   *time.Time        `json:"holdoff_until,omitempty"`
}

// Status returns the operator view of the key supply.
func (m *Manager) Status() Status {
	snap := m.monitor.Snapshot()
	status := Status{
		State:          snap.State,
		Monitor:        snap,
		KME:            m.transport.Status(),
		Cache:          m.cache.Stats(),
		LowWater:       m.cfg.LowWater,
		FallbackPolicy: m.cfg.FallbackPolicy,
		FallbackSource: m.fallbackName(),
	}
	if until := m.holdoff(); m.cfg.Now().Before(until) {
		status.HoldoffUntil = &until
	}
	return status
}

// Reset returns the monitor to Healthy, clears the fatal holdoff and
// triggers a replenish cycle.
func (m *Manager) Reset(ctx context.Context, reason string) {
	if reason == "" {
		reason = "operator reset"
	}
	from := m.monitor.State()
	m.monitor.Reset(reason)

	m.setHoldoff(time.Time{})

	m.record(ctx, &events.Event{
		Type:     events.TypeMonitorReset,
		Severity: events.SeverityWarn,
		Message:  "QKD key path reset by operator",
		Metadata: map[string]any{"from": string(from), "reason": reason},
	})
	m.logger.WarnContext(ctx, "QKD key path reset",
		logger.String("from", string(from)),
		logger.String("reason", reason))
	m.Trigger()
}

// Trigger asks the replenisher to run a cycle. Requests coalesce; it
// never blocks.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) fallbackName() string {
	if m.fallback == nil {
		return ""
	}
	return m.fallback.Name()
}

func (m *Manager) holdoff() time.Time {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	return m.holdoffUntil
}

func (m *Manager) setHoldoff(until time.Time) {
	m.holdMu.Lock()
	defer m.holdMu.Unlock()
	m.holdoffUntil = until
}

// record journals an event. Journal failures are logged, never returned.
func (m *Manager) record(ctx context.Context, event *events.Event) {
	if err := m.journal.Record(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to record event",
			logger.String("type", string(event.Type)),
			logger.Error(err))
	}
}

func keyIDStrings(ids []qkd.KeyID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
