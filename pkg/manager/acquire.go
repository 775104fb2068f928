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

	"github.com/jeremyhahn/go-qkd/pkg/cache"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
	"github.com/jeremyhahn/go-qkd/pkg/validation"
)

// AcquireOption customizes one Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	bindCtx []byte
}

// WithBindingContext folds ctx into the subkey derivation label, e.g. a
// session transcript hash or the peer ID.
func WithBindingContext(ctx []byte) AcquireOption {
	return func(o *acquireOptions) {
		o.bindCtx = ctx
	}
}

// Acquire returns a fresh subkey for purpose derived from a raw key that
// no other caller will ever see. It waits up to deadline for the cache to
// supply one (DefaultDeadline when zero) and then, if the QKD path is
// degraded and policy allows, uses the fallback source.
//
// Errors are *qkd.AcquireError of kind qkd.ErrTimeout, qkd.ErrUnavailable
// or qkd.ErrQKDRequired, or the context error when ctx ends first. The
// caller owns the subkey and should Destroy it.
func (m *Manager) Acquire(ctx context.Context, purpose qkd.Purpose, deadline time.Duration, opts ...AcquireOption) (*qkd.DerivedSubkey, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: purpose %d", qkd.ErrInvalidArgument, int(purpose))
	}
	subkeys, err := m.acquire(ctx, []qkd.Purpose{purpose}, deadline, opts)
	if err != nil {
		return nil, err
	}
	return subkeys[0], nil
}

// AcquireBundle derives one subkey per purpose from a single raw key, in
// the order given. Purposes must be distinct.
func (m *Manager) AcquireBundle(ctx context.Context, purposes []qkd.Purpose, deadline time.Duration, opts ...AcquireOption) ([]*qkd.DerivedSubkey, error) {
	if len(purposes) == 0 {
		return nil, fmt.Errorf("%w: no purposes given", qkd.ErrInvalidArgument)
	}
	seen := make(map[qkd.Purpose]bool, len(purposes))
	for _, p := range purposes {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: purpose %d", qkd.ErrInvalidArgument, int(p))
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: duplicate purpose %s", qkd.ErrInvalidArgument, p)
		}
		seen[p] = true
	}
	return m.acquire(ctx, purposes, deadline, opts)
}

// AcquireKey derives the subkey for purpose from the raw key named id,
// the KeyID the two SAEs agreed on, typically the one the peer's Acquire
// returned. It waits up to deadline for the key to be imported and made
// Available.
//
// There is no fallback: no other source yields the peer's secret.
// Errors are *qkd.AcquireError of kind qkd.ErrTimeout when the key never
// arrived, qkd.ErrExpired when it expired first and qkd.ErrUnavailable
// when it was already spent, or the context error when ctx ends first.
func (m *Manager) AcquireKey(ctx context.Context, id qkd.KeyID, purpose qkd.Purpose, deadline time.Duration, opts ...AcquireOption) (*qkd.DerivedSubkey, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: purpose %d", qkd.ErrInvalidArgument, int(purpose))
	}
	if err := validation.ValidateKeyID(string(id)); err != nil {
		return nil, fmt.Errorf("%w: %v", qkd.ErrInvalidArgument, err)
	}

	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	if deadline <= 0 {
		deadline = m.cfg.DefaultDeadline
	}

	start := time.Now()
	subkey, outcome, err := m.waitKey(ctx, id, purpose, deadline, o)
	metrics.RecordAcquire(purpose.String(), outcome, time.Since(start).Seconds())
	return subkey, err
}

func (m *Manager) waitKey(ctx context.Context, id qkd.KeyID, purpose qkd.Purpose, deadline time.Duration, o acquireOptions) (*qkd.DerivedSubkey, string, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		changed := m.cache.Changed()

		r, err := m.cache.Reserve(id, purpose)
		switch {
		case err == nil:
			subkeys, err := m.consume(ctx, r, []qkd.Purpose{purpose}, o)
			switch {
			case err == nil:
				return subkeys[0], metrics.OutcomeQKD, nil
			case ctx.Err() != nil:
				return nil, metrics.OutcomeCanceled, fmt.Errorf("manager: acquire %s: %w", id, ctx.Err())
			case errors.Is(err, cache.ErrExpired):
				return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(purpose, qkd.ErrExpired, err)
			default:
				return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(purpose, qkd.ErrUnavailable, err)
			}
		case errors.Is(err, cache.ErrExpired):
			return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(purpose, qkd.ErrExpired, err)
		case !errors.Is(err, cache.ErrNotFound):
			return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(purpose, qkd.ErrUnavailable, err)
		}

		select {
		case <-changed:
		case <-poll.C:
		case <-timer.C:
			return nil, metrics.OutcomeTimeout, qkd.NewAcquireError(purpose, qkd.ErrTimeout,
				fmt.Errorf("key %s not available within %s", id, deadline))
		case <-ctx.Done():
			return nil, metrics.OutcomeCanceled, fmt.Errorf("manager: acquire %s: %w", id, ctx.Err())
		}
	}
}

func (m *Manager) acquire(ctx context.Context, purposes []qkd.Purpose, deadline time.Duration, opts []AcquireOption) ([]*qkd.DerivedSubkey, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	if deadline <= 0 {
		deadline = m.cfg.DefaultDeadline
	}

	start := time.Now()
	subkeys, outcome, err := m.wait(ctx, purposes, deadline, o)
	elapsed := time.Since(start).Seconds()
	for _, p := range purposes {
		metrics.RecordAcquire(p.String(), outcome, elapsed)
	}
	return subkeys, err
}

// wait runs the reserve loop and returns the metrics outcome with the result.
func (m *Manager) wait(ctx context.Context, purposes []qkd.Purpose, deadline time.Duration, o acquireOptions) ([]*qkd.DerivedSubkey, string, error) {
	primary := purposes[0]

	if m.monitor.State() == health.StateOffline {
		return m.useFallback(ctx, purposes, o)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	transitions, unsubscribe := m.monitor.Subscribe(4)
	defer unsubscribe()

	for {
		// Taken before TryReserve so an activation in between still wakes us.
		changed := m.cache.Changed()

		r, err := m.cache.TryReserve(primary)
		switch {
		case err == nil:
			subkeys, err := m.consume(ctx, r, purposes, o)
			if errors.Is(err, cache.ErrExpired) {
				m.logger.DebugContext(ctx, "Reserved key expired before use, retrying", logger.KeyID(r.ID))
				continue
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, metrics.OutcomeCanceled, fmt.Errorf("manager: acquire %s: %w", primary, ctxErr)
				}
				return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(primary, qkd.ErrUnavailable, err)
			}
			return subkeys, metrics.OutcomeQKD, nil
		case !errors.Is(err, cache.ErrEmpty):
			return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(primary, qkd.ErrUnavailable, err)
		}

		m.Trigger()

		select {
		case <-changed:
		case <-poll.C:
		case t := <-transitions:
			if t.To == health.StateOffline {
				return m.useFallback(ctx, purposes, o)
			}
		case <-timer.C:
			return m.onTimeout(ctx, purposes, deadline, o)
		case <-ctx.Done():
			return nil, metrics.OutcomeCanceled, fmt.Errorf("manager: acquire %s: %w", primary, ctx.Err())
		}
	}
}

// consume turns a reservation into subkeys. The raw key buffer is
// destroyed on every path. A reservation whose caller already gave up is
// released instead of consumed.
func (m *Manager) consume(ctx context.Context, r *cache.Reservation, purposes []qkd.Purpose, o acquireOptions) ([]*qkd.DerivedSubkey, error) {
	if err := ctx.Err(); err != nil {
		if relErr := m.cache.Release(r); relErr != nil && !errors.Is(relErr, cache.ErrExpired) {
			m.logger.WarnContext(ctx, "Failed to release reservation", logger.KeyID(r.ID), logger.Error(relErr))
		}
		return nil, err
	}

	buf, err := m.cache.Consume(r)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	metrics.RecordKeyConsumed()

	subkeys := make([]*qkd.DerivedSubkey, 0, len(purposes))
	for _, p := range purposes {
		subkey, err := m.binder.Derive(r.ID, buf.Bytes(), p, o.bindCtx)
		if err != nil {
			destroyAll(subkeys)
			return nil, fmt.Errorf("manager: derive %s subkey from %s: %w", p, r.ID, err)
		}
		subkeys = append(subkeys, subkey)
	}

	for _, s := range subkeys {
		m.logger.DebugContext(ctx, "Issued QKD subkey",
			logger.KeyID(s.KeyID),
			logger.Purpose(s.Purpose),
			logger.Fingerprint(s.Fingerprint))
	}
	return subkeys, nil
}

// onTimeout decides between Timeout, fallback and QKDRequired once the
// cache failed to supply a key in time.
func (m *Manager) onTimeout(ctx context.Context, purposes []qkd.Purpose, deadline time.Duration, o acquireOptions) ([]*qkd.DerivedSubkey, string, error) {
	if m.monitor.State() == health.StateHealthy {
		return nil, metrics.OutcomeTimeout, qkd.NewAcquireError(purposes[0], qkd.ErrTimeout,
			fmt.Errorf("no key available within %s", deadline))
	}
	return m.useFallback(ctx, purposes, o)
}

// useFallback serves a degraded or offline QKD path from the fallback
// source, or refuses when policy denies it. A failing fallback takes the
// path offline.
func (m *Manager) useFallback(ctx context.Context, purposes []qkd.Purpose, o acquireOptions) ([]*qkd.DerivedSubkey, string, error) {
	primary := purposes[0]
	state := m.monitor.State()

	if m.cfg.FallbackPolicy != PolicyAllow || m.monitor.RequireQKD() {
		m.record(ctx, &events.Event{
			Type:     events.TypeQKDRequired,
			Severity: events.SeverityError,
			Message:  "Acquire refused: QKD keys required and QKD path is " + string(state),
			Purpose:  primary.String(),
		})
		return nil, metrics.OutcomeQKDRequired, qkd.NewAcquireError(primary, qkd.ErrQKDRequired,
			fmt.Errorf("qkd path %s", state))
	}

	// One secret for the whole bundle, as with a QKD key.
	subkeys, err := m.fallback.GenerateBundle(ctx, purposes, o.bindCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, metrics.OutcomeCanceled, fmt.Errorf("manager: acquire %s: %w", primary, ctxErr)
		}
		m.monitor.RecordFallbackFailure(err)
		m.record(ctx, &events.Event{
			Type:     events.TypeFallbackFailed,
			Severity: events.SeverityCritical,
			Message:  "Fallback key source failed",
			Purpose:  primary.String(),
			Source:   m.fallback.Name(),
			Error:    err.Error(),
		})
		m.logger.ErrorContext(ctx, "Fallback key source failed",
			logger.Purpose(primary),
			logger.String("source", m.fallback.Name()),
			logger.Error(err))
		return nil, metrics.OutcomeUnavailable, qkd.NewAcquireError(primary, qkd.ErrUnavailable, err)
	}

	for _, s := range subkeys {
		metrics.RecordFallback(s.Source, s.Purpose.String())
		m.record(ctx, &events.Event{
			Type:     events.TypeFallbackUsed,
			Severity: events.SeverityWarn,
			Message:  "Subkey served from fallback source while QKD path is " + string(state),
			Purpose:  s.Purpose.String(),
			Source:   s.Source,
			Metadata: map[string]any{"fingerprint": s.Fingerprint, "state": string(state)},
		})
		m.logger.WarnContext(ctx, "Issued fallback subkey",
			logger.Purpose(s.Purpose),
			logger.String("source", s.Source),
			logger.String("state", string(state)),
			logger.Fingerprint(s.Fingerprint))
	}
	return subkeys, metrics.OutcomeFallback, nil
}

func destroyAll(subkeys []*qkd.DerivedSubkey) {
	for _, s := range subkeys {
		s.Destroy()
	}
}
