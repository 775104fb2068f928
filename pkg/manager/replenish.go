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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeremyhahn/go-qkd/pkg/cache"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// Replenish runs one synchronous fetch cycle, filling the cache by up to
// one batch regardless of the low-water mark. Transient failures are
// retried with backoff; unauthorized and malformed responses are not.
func (m *Manager) Replenish(ctx context.Context) error {
	if m.cfg.ImportOnly {
		return ErrImportOnly
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	m.announcePendingLocked(ctx)
	return m.fetchLocked(ctx)
}

// Import fetches keys the peer SAE announced and makes them Available.
// It returns how many keys were admitted.
func (m *Manager) Import(ctx context.Context, ids []qkd.KeyID) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no key IDs given", qkd.ErrInvalidArgument)
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	imported := 0
	chunk := max(m.transport.MaxKeysPerRequest(), 1)
	for start := 0; start < len(ids); start += chunk {
		batch := ids[start:min(start+chunk, len(ids))]

		keys, err := m.transport.FetchKeysWithIDs(ctx, batch)
		if err != nil {
			m.monitor.RecordFailure(err)
			if qkd.IsFatal(err) {
				m.reportFatal(ctx, err)
			}
			return imported, fmt.Errorf("manager: import keys: %w", err)
		}

		result := m.admit(ctx, keys)
		imported += m.cache.Activate(result.Accepted...)
		if len(result.Rejected) > 0 {
			m.monitor.RecordSuccess(m.cache.Level(), m.cfg.LowWater)
			return imported, fmt.Errorf("manager: %d of %d imported keys rejected: %w",
				len(result.Rejected), len(batch), result.Rejected[0].Err)
		}
	}

	m.monitor.RecordSuccess(m.cache.Level(), m.cfg.LowWater)
	m.record(ctx, &events.Event{
		Type:     events.TypeKeysImported,
		Severity: events.SeverityInfo,
		Message:  fmt.Sprintf("Imported %d keys announced by peer", imported),
		KeyIDs:   keyIDStrings(ids),
	})
	return imported, nil
}

func (m *Manager) replenishLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SupplyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
		case <-ticker.C:
		}
		m.maybeReplenish(ctx)
	}
}

// maybeReplenish is one background cycle. It does nothing while the path
// is offline or a fatal holdoff is running, re-announces Pending keys and
// fetches when the supply is below the low-water mark. Import-only nodes
// only observe supply.
func (m *Manager) maybeReplenish(ctx context.Context) {
	if m.monitor.State() == health.StateOffline {
		return
	}
	if m.cfg.Now().Before(m.holdoff()) {
		return
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	m.announcePendingLocked(ctx)

	level := m.cache.Level()
	m.monitor.ObserveSupply(level, m.cfg.LowWater)
	if level >= m.cfg.LowWater || m.cfg.ImportOnly {
		return
	}
	if err := m.fetchLocked(ctx); err != nil && ctx.Err() == nil {
		m.logger.DebugContext(ctx, "Replenish cycle failed", logger.Error(err))
	}
}

// fetchLocked fetches up to one batch with retry. fetchMu must be held.
func (m *Manager) fetchLocked(ctx context.Context) error {
	stats := m.cache.Stats()
	want := min(m.cfg.BatchSize, stats.Capacity-stats.Pending-stats.Available-stats.Reserved)
	if want <= 0 {
		return nil
	}

	var keys []qkd.Key
	attempts := 0
	operation := func() error {
		attempts++
		fetched, err := m.transport.FetchKeys(ctx, want)
		if err != nil {
			m.monitor.RecordFailure(err)
			if qkd.IsFatal(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		keys = fetched
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.logger.WarnContext(ctx, "KME fetch failed, retrying",
			logger.Int("attempt", attempts),
			logger.Duration("backoff", next),
			logger.String("kind", qkd.TransportKind(err)),
			logger.Error(err))
	}

	if err := backoff.RetryNotify(operation, m.newBackOff(ctx), notify); err != nil {
		return m.fetchFailed(ctx, err, attempts)
	}

	result := m.admit(ctx, keys)
	m.activateLocked(ctx, result.Accepted)
	m.monitor.RecordSuccess(m.cache.Level(), m.cfg.LowWater)

	m.logger.DebugContext(ctx, "Replenished key cache",
		logger.Int("requested", want),
		logger.Int("accepted", len(result.Accepted)),
		logger.Int("level", m.cache.Level()))
	return nil
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.Retry.InitialInterval),
		backoff.WithMaxInterval(m.cfg.Retry.MaxInterval),
		backoff.WithMultiplier(m.cfg.Retry.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.Retry.MaxAttempts-1)), ctx)
}

// fetchFailed classifies a failed cycle. Fatal faults start the holdoff
// and are journaled; an exhausted retry budget degrades the path.
func (m *Manager) fetchFailed(ctx context.Context, err error, attempts int) error {
	switch {
	case qkd.IsFatal(err):
		m.reportFatal(ctx, err)
	case ctx.Err() != nil:
		// shutting down or caller gave up
	default:
		m.monitor.Degrade("retry budget exhausted: " + qkd.TransportKind(err))
		m.record(ctx, &events.Event{
			Type:     events.TypeKMERetryExhausted,
			Severity: events.SeverityWarn,
			Message:  fmt.Sprintf("KME fetch failed after %d attempts", attempts),
			Error:    err.Error(),
			Metadata: map[string]any{"kind": qkd.TransportKind(err), "attempts": attempts},
		})
		m.logger.WarnContext(ctx, "KME fetch retry budget exhausted",
			logger.Int("attempts", attempts),
			logger.String("kind", qkd.TransportKind(err)),
			logger.Error(err))
	}
	return fmt.Errorf("manager: fetch keys: %w", err)
}

// reportFatal surfaces an unauthorized or malformed response to the
// operator and pauses the background replenisher.
func (m *Manager) reportFatal(ctx context.Context, err error) {
	until := m.cfg.Now().Add(m.cfg.FatalHoldoff)
	m.setHoldoff(until)

	m.record(ctx, &events.Event{
		Type:     events.TypeKMEFatal,
		Severity: events.SeverityError,
		Message:  "KME rejected request: " + qkd.TransportKind(err),
		Error:    err.Error(),
		Metadata: map[string]any{"kind": qkd.TransportKind(err), "holdoff_until": until},
	})
	m.logger.ErrorContext(ctx, "KME request failed with a non-retryable error",
		logger.String("kind", qkd.TransportKind(err)),
		logger.Duration("holdoff", m.cfg.FatalHoldoff),
		logger.Error(err))
}

// admit enqueues fetched keys and accounts for what the cache did with
// them. The key material is wiped by the cache either way.
func (m *Manager) admit(ctx context.Context, keys []qkd.Key) cache.EnqueueResult {
	result := m.cache.Enqueue(keys)

	metrics.RecordKeysFetched(len(result.Accepted))
	if len(result.Evicted) > 0 {
		metrics.RecordKeysEvicted(len(result.Evicted))
		m.record(ctx, &events.Event{
			Type:     events.TypeKeysEvicted,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("Evicted %d keys to make room", len(result.Evicted)),
			KeyIDs:   keyIDStrings(result.Evicted),
		})
	}
	if len(result.Rejected) > 0 {
		ids := make([]string, len(result.Rejected))
		for i, r := range result.Rejected {
			ids[i] = string(r.ID)
			metrics.RecordKeyRejected(rejectReason(r.Err))
		}
		m.record(ctx, &events.Event{
			Type:     events.TypeKeysRejected,
			Severity: events.SeverityWarn,
			Message:  fmt.Sprintf("Rejected %d keys from KME", len(result.Rejected)),
			KeyIDs:   ids,
			Error:    result.Rejected[0].Err.Error(),
		})
		m.logger.WarnContext(ctx, "KME delivered keys the cache refused",
			logger.Strings("key_ids", ids),
			logger.Error(result.Rejected[0].Err))
	}
	return result
}

// activateLocked makes ids Available, announcing them to the peer first
// when an Announcer is configured. Keys whose announcement fails stay
// Pending for the next cycle.
func (m *Manager) activateLocked(ctx context.Context, ids []qkd.KeyID) {
	if len(ids) == 0 {
		return
	}
	if m.announcer != nil {
		if err := m.announcer.Announce(ctx, ids); err != nil {
			m.record(ctx, &events.Event{
				Type:     events.TypeAnnounceFailed,
				Severity: events.SeverityWarn,
				Message:  fmt.Sprintf("Failed to announce %d keys to peer", len(ids)),
				KeyIDs:   keyIDStrings(ids),
				Error:    err.Error(),
			})
			m.logger.WarnContext(ctx, "Failed to announce keys to peer",
				logger.KeyIDs(ids),
				logger.Error(err))
			return
		}
	}
	m.cache.Activate(ids...)
}

func (m *Manager) announcePendingLocked(ctx context.Context) {
	if m.announcer == nil {
		return
	}
	if pending := m.cache.Pending(); len(pending) > 0 {
		m.activateLocked(ctx, pending)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, cache.ErrDuplicateKeyID):
		return "duplicate"
	case errors.Is(err, cache.ErrKeyReuse):
		return "reuse"
	case errors.Is(err, cache.ErrKeyLength):
		return "length"
	case errors.Is(err, cache.ErrFull):
		return "full"
	default:
		return "other"
	}
}
