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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func unauthorized() error {
	return qkd.NewTransportError("fetch_keys", qkd.ErrUnauthorized, errors.New("HTTP 401"))
}

func unreachable() error {
	return qkd.NewTransportError("fetch_keys", qkd.ErrUnreachable, errors.New("connection refused"))
}

func TestMonitorDefaults(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	assert.Equal(t, StateHealthy, m.State())
	assert.Equal(t, DefaultFailureThreshold, m.cfg.FailureThreshold)
	assert.Equal(t, DefaultLowWaterGrace, m.cfg.LowWaterGrace)
	assert.False(t, m.RequireQKD())
}

func TestMonitorDegradesAfterConsecutiveFailures(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 3})

	m.RecordFailure(unauthorized())
	m.RecordFailure(unauthorized())
	assert.Equal(t, StateHealthy, m.State())

	m.RecordFailure(unauthorized())
	assert.Equal(t, StateDegraded, m.State())

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.Equal(t, "unauthorized", snap.LastErrorKind)
	assert.True(t, snap.LastErrorFatal)
	assert.Contains(t, snap.Reason, "unauthorized")
	require.NotNil(t, snap.LastErrorAt)
}

func TestMonitorSuccessResetsFailureCount(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 2})

	m.RecordFailure(unreachable())
	m.RecordSuccess(10, 4)
	m.RecordFailure(unreachable())
	assert.Equal(t, StateHealthy, m.State(), "failures must be consecutive")
	require.NotNil(t, m.Snapshot().LastSuccessAt)
}

func TestMonitorRecoversOnSuccessWithSupply(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1})
	m.RecordFailure(unreachable())
	require.Equal(t, StateDegraded, m.State())

	m.RecordSuccess(2, 4)
	assert.Equal(t, StateDegraded, m.State(), "supply still below low water")

	m.RecordSuccess(4, 4)
	assert.Equal(t, StateHealthy, m.State())
}

func TestMonitorLowWaterGrace(t *testing.T) {
	clock := newClock()
	m := NewMonitor(MonitorConfig{LowWaterGrace: 10 * time.Second, Now: clock.Now})

	m.ObserveSupply(1, 4)
	clock.Advance(9 * time.Second)
	m.ObserveSupply(1, 4)
	assert.Equal(t, StateHealthy, m.State())
	require.NotNil(t, m.Snapshot().LowSupplySince)

	// Recovery in between restarts the grace period.
	m.ObserveSupply(5, 4)
	assert.Nil(t, m.Snapshot().LowSupplySince)
	m.ObserveSupply(1, 4)
	clock.Advance(9 * time.Second)
	m.ObserveSupply(1, 4)
	assert.Equal(t, StateHealthy, m.State())

	clock.Advance(time.Second)
	m.ObserveSupply(1, 4)
	assert.Equal(t, StateDegraded, m.State())
}

func TestMonitorOfflineIsTerminalUntilReset(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1})

	// Fallback failure while healthy does not skip Degraded.
	m.RecordFallbackFailure(errors.New("no fallback"))
	assert.Equal(t, StateHealthy, m.State())

	m.Degrade("retry budget exhausted")
	m.RecordFallbackFailure(errors.New("no fallback"))
	require.Equal(t, StateOffline, m.State())

	m.RecordSuccess(100, 4)
	m.ObserveSupply(100, 4)
	assert.Equal(t, StateOffline, m.State())

	m.Reset("operator reset")
	snap := m.Snapshot()
	assert.Equal(t, StateHealthy, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, "operator reset", snap.Reason)
}

func TestMonitorRequireQKDGoesOffline(t *testing.T) {
	m := NewMonitor(MonitorConfig{FailureThreshold: 1, RequireQKD: true})
	events, cancel := m.Subscribe(4)
	defer cancel()

	m.RecordFailure(unreachable())
	assert.Equal(t, StateOffline, m.State())

	first := <-events
	second := <-events
	assert.Equal(t, Transition{From: StateHealthy, To: StateDegraded, Reason: first.Reason, At: first.At}, first)
	assert.Equal(t, StateDegraded, second.From)
	assert.Equal(t, StateOffline, second.To)
	assert.True(t, m.Snapshot().RequireQKD)
}

func TestMonitorSubscribe(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	events, cancel := m.Subscribe(1)

	m.Degrade("forced")
	m.Reset("reset") // dropped, buffer holds one

	got := <-events
	assert.Equal(t, StateDegraded, got.To)
	assert.Equal(t, "forced", got.Reason)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// Transitions after unsubscribe must not panic.
	m.Degrade("again")
}

func TestMonitorDegradeOnlyFromHealthy(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	m.Degrade("first")
	m.Degrade("second")
	assert.Equal(t, "first", m.Snapshot().Reason)
}
