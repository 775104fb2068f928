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

package health

import (
	"sync"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// State is the degradation state of the QKD key path.
type State string

const (
	// StateHealthy means keys are served from QKD material.
	StateHealthy State = "healthy"
	// StateDegraded means QKD supply is failing; fallback may be used.
	StateDegraded State = "degraded"
	// StateOffline means the QKD path is shut off until an operator reset.
	StateOffline State = "offline"
)

// Default monitor settings
const (
	DefaultFailureThreshold = 3
	DefaultLowWaterGrace    = 30 * time.Second
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// FailureThreshold is the number of consecutive transport failures
	// that moves Healthy to Degraded.
	FailureThreshold int

	// LowWaterGrace is how long supply may stay below the low-water mark
	// before Healthy moves to Degraded.
	LowWaterGrace time.Duration

	// RequireQKD takes the path Offline as soon as it degrades, for
	// deployments that refuse classical fallback.
	RequireQKD bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Transition describes one state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Snapshot is an operator view of the monitor.
type Snapshot struct {
	State               State      `json:"state"`
	Since               time.Time  `json:"since"`
	Reason              string     `json:"reason,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	LastErrorFatal      bool       `json:"last_error_fatal,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LowSupplySince      *time.Time `json:"low_supply_since,omitempty"`
	RequireQKD          bool       `json:"require_qkd"`
}

// Monitor tracks QKD reachability and supply pressure and drives the
// Healthy, Degraded and Offline state machine. Offline is terminal
// until Reset.
type Monitor struct {
	cfg MonitorConfig

	mu          sync.Mutex
	state       State
	since       time.Time
	reason      string
	failures    int
	lastErr     error
	lastErrAt   time.Time
	lastSuccess time.Time
	lowSince    time.Time
	subs        map[int]chan Transition
	nextSub     int
}

// NewMonitor creates a monitor in the Healthy state.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.LowWaterGrace <= 0 {
		cfg.LowWaterGrace = DefaultLowWaterGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:   cfg,
		state: StateHealthy,
		since: cfg.Now(),
		subs:  make(map[int]chan Transition),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequireQKD reports whether the deployment refuses classical fallback.
func (m *Monitor) RequireQKD() bool {
	return m.cfg.RequireQKD
}

// Snapshot returns the current operator view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:               m.state,
		Since:               m.since,
		Reason:              m.reason,
		ConsecutiveFailures: m.failures,
		RequireQKD:          m.cfg.RequireQKD,
	}
	if m.lastErr != nil {
		at := m.lastErrAt
		snap.LastError = m.lastErr.Error()
		snap.LastErrorKind = qkd.TransportKind(m.lastErr)
		snap.LastErrorFatal = qkd.IsFatal(m.lastErr)
		snap.LastErrorAt = &at
	}
	if !m.lastSuccess.IsZero() {
		at := m.lastSuccess
		snap.LastSuccessAt = &at
	}
	if !m.lowSince.IsZero() {
		at := m.lowSince
		snap.LowSupplySince = &at
	}
	return snap
}

// RecordFailure counts a failed transport call. Consecutive failures at
// or above the threshold degrade a Healthy path.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	m.lastErr = err
	m.lastErrAt = m.cfg.Now()

	if m.state == StateHealthy && m.failures >= m.cfg.FailureThreshold {
		m.degradeLocked("consecutive transport failures: " + qkd.TransportKind(err))
	}
}

// RecordSuccess records a successful fetch with the supply level after
// it. A Degraded path recovers once supply is back at the low-water mark.
func (m *Monitor) RecordSuccess(level, lowWater int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	m.failures = 0
	m.lastSuccess = now
	m.observeLocked(level, lowWater, now)

	if m.state == StateDegraded && level >= lowWater {
		m.transitionLocked(StateHealthy, "supply recovered")
	}
}

// ObserveSupply feeds the current supply level. Supply below lowWater for
// longer than the grace period degrades a Healthy path.
func (m *Monitor) ObserveSupply(level, lowWater int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	m.observeLocked(level, lowWater, now)

	if m.state == StateHealthy && !m.lowSince.IsZero() && now.Sub(m.lowSince) >= m.cfg.LowWaterGrace {
		m.degradeLocked("supply below low-water mark")
	}
}

func (m *Monitor) observeLocked(level, lowWater int, now time.Time) {
	if level < lowWater {
		if m.lowSince.IsZero() {
			m.lowSince = now
		}
		return
	}
	m.lowSince = time.Time{}
}

// Degrade forces a Healthy path into Degraded, for example when a retry
// budget is exhausted.
func (m *Monitor) Degrade(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateHealthy {
		m.degradeLocked(reason)
	}
}

// RecordFallbackFailure takes a Degraded path Offline: neither QKD nor
// the fallback source can supply keys.
func (m *Monitor) RecordFallbackFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErr = err
	m.lastErrAt = m.cfg.Now()
	if m.state == StateDegraded {
		m.transitionLocked(StateOffline, "fallback source failed")
	}
}

// Reset returns the path to Healthy from any state and clears failure
// history. It is the only way out of Offline.
func (m *Monitor) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = 0
	m.lastErr = nil
	m.lastErrAt = time.Time{}
	m.lowSince = time.Time{}
	if m.state != StateHealthy {
		m.transitionLocked(StateHealthy, reason)
	}
}

func (m *Monitor) degradeLocked(reason string) {
	m.transitionLocked(StateDegraded, reason)
	if m.cfg.RequireQKD {
		m.transitionLocked(StateOffline, "qkd required: "+reason)
	}
}

func (m *Monitor) transitionLocked(to State, reason string) {
	if m.state == to {
		return
	}
	t := Transition{From: m.state, To: to, Reason: reason, At: m.cfg.Now()}
	m.state = to
	m.since = t.At
	m.reason = reason

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe returns a channel receiving every transition and a function
// that unsubscribes and closes it. Transitions are dropped for a
// subscriber whose buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
