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

package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep expires keys past their deadline and feeds the supply level to
// the monitor. It returns the expired KeyIDs.
func (m *Manager) Sweep(ctx context.Context) []qkd.KeyID {
	expired := m.cache.Sweep(m.cfg.Now())
	if len(expired) > 0 {
		metrics.RecordKeysExpired(len(expired))
		m.record(ctx, &events.Event{
			Type:     events.TypeKeysExpired,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("Expired %d unused keys", len(expired)),
			KeyIDs:   keyIDStrings(expired),
		})
		m.logger.InfoContext(ctx, "Expired unused keys", logger.KeyIDs(expired))
		m.Trigger()
	}
	m.monitor.ObserveSupply(m.cache.Level(), m.cfg.LowWater)
	return expired
}

func (m *Manager) statusLoop(ctx context.Context) {
	defer m.wg.Done()

	m.pollStatus(ctx)

	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollStatus(ctx)
		}
	}
}

// pollStatus refreshes the KME status and max-keys clamp. A failed poll
// counts as a transport failure; a successful one does not count as a
// successful fetch.
func (m *Manager) pollStatus(ctx context.Context) {
	status, err := m.transport.FetchStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.monitor.RecordFailure(err)
		m.logger.WarnContext(ctx, "KME status poll failed",
			logger.String("kind", qkd.TransportKind(err)),
			logger.Error(err))
		return
	}
	m.logger.DebugContext(ctx, "KME status",
		logger.Int("stored_key_count", status.AvailableKeys),
		logger.Int("max_key_per_request", status.MaxKeyPerRequest))
}

// watchMonitor mirrors monitor transitions into metrics, logs and the
// journal, and kicks the replenisher when the path recovers.
func (m *Manager) watchMonitor(ctx context.Context, transitions <-chan health.Transition, unsubscribe func()) {
	defer m.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			m.onTransition(ctx, t)
		}
	}
}

func (m *Manager) onTransition(ctx context.Context, t health.Transition) {
	metrics.SetMonitorState(string(t.To))
	metrics.RecordMonitorTransition(string(t.From), string(t.To))

	severity := events.SeverityInfo
	switch t.To {
	case health.StateDegraded:
		severity = events.SeverityWarn
	case health.StateOffline:
		severity = events.SeverityCritical
	}
	m.record(ctx, &events.Event{
		Type:      events.TypeMonitorTransition,
		Timestamp: t.At,
		Severity:  severity,
		Message:   fmt.Sprintf("QKD key path %s -> %s: %s", t.From, t.To, t.Reason),
		Metadata:  map[string]any{"from": string(t.From), "to": string(t.To), "reason": t.Reason},
	})

	fields := []logger.Field{
		logger.String("from", string(t.From)),
		logger.String("to", string(t.To)),
		logger.String("reason", t.Reason),
	}
	switch t.To {
	case health.StateHealthy:
		m.logger.InfoContext(ctx, "QKD key path recovered", fields...)
		m.Trigger()
	case health.StateDegraded:
		m.logger.WarnContext(ctx, "QKD key path degraded", fields...)
	default:
		m.logger.ErrorContext(ctx, "QKD key path offline", fields...)
	}
}
