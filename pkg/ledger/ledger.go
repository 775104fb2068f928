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

// Package ledger records one-time-use identifiers.
//
// Quantum key material loses its security guarantee the moment it is used
// twice. The key cache records every consumed or expired KeyID here so a
// replayed or duplicated KME delivery cannot reintroduce a spent secret,
// and the session binding layer records every (KeyID, Purpose) pair it has
// derived so the same pair is never derived twice.
//
// A tracker opened over a storage.Backend also writes each identifier to
// the backend and reloads them on start, so the guarantee survives an
// agent restart.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-qkd/pkg/storage"
)

var (
	// ErrReuse is returned when an identifier was already recorded.
	ErrReuse = errors.New("ledger: identifier already used")

	// ErrPersist is returned when an identifier was recorded in memory but
	// could not be written to the backend.
	ErrPersist = errors.New("ledger: failed to persist identifier")
)

// DefaultCapacity is the number of identifiers retained when none is configured.
const DefaultCapacity = 1 << 16

// Tracker provides thread-safe tracking of used identifiers.
//
// The tracker is bounded: once Capacity identifiers are held the oldest
// record is forgotten to make room for the next one. KME key IDs are
// UUIDs, so a forgotten ID coming back is a KME fault rather than normal
// traffic; the bound only caps memory for long-running nodes.
//
// Example usage:
//
//	tracker := ledger.New(0)
//
//	if err := tracker.Record(string(keyID)); err != nil {
//	    return err // key was already consumed
//	}
type Tracker struct {
	capacity int
	seen     map[string]struct{}
	order    []string // ring buffer of recorded identifiers
	next     int
	mu       sync.RWMutex

	backend   storage.Backend
	namespace string
}

// New creates a tracker retaining up to capacity identifiers. A capacity
// of zero or less selects DefaultCapacity.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		capacity: capacity,
		seen:     make(map[string]struct{}),
		order:    make([]string, 0, min(capacity, 1024)),
	}
}

// Open creates a tracker persisted under namespace in backend and loads
// the identifiers already stored there. When more than capacity records
// exist the surplus is dropped from the backend.
func Open(capacity int, backend storage.Backend, namespace string) (*Tracker, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("ledger: namespace is required")
	}

	t := New(capacity)
	ids, err := storage.ListRecords(backend, namespace)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load %s: %w", namespace, err)
	}
	for _, id := range ids {
		if _, exists := t.seen[id]; exists {
			continue
		}
		if len(t.order) >= t.capacity {
			_ = storage.DeleteRecord(backend, namespace, id)
			continue
		}
		t.order = append(t.order, id)
		t.seen[id] = struct{}{}
	}

	t.backend = backend
	t.namespace = namespace
	return t, nil
}

// Record checks whether id has been used and records it.
//
// The check and the insert happen atomically, so two concurrent callers
// recording the same id observe exactly one success.
//
// Returns ErrReuse if id was previously recorded. On a persisted tracker
// a backend failure returns ErrPersist; id stays recorded in memory.
func (t *Tracker) Record(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.seen[id]; exists {
		return ErrReuse
	}

	var evicted string
	if len(t.order) < t.capacity {
		t.order = append(t.order, id)
	} else {
		evicted = t.order[t.next]
		delete(t.seen, evicted)
		t.order[t.next] = id
		t.next = (t.next + 1) % t.capacity
	}
	t.seen[id] = struct{}{}

	if t.backend == nil {
		return nil
	}
	if evicted != "" {
		_ = storage.DeleteRecord(t.backend, t.namespace, evicted)
	}
	if err := storage.PutRecord(t.backend, t.namespace, id); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// Contains reports whether id has been recorded, without recording it.
func (t *Tracker) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, exists := t.seen[id]
	return exists
}

// Count returns the number of identifiers currently retained.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.seen)
}

// Capacity returns the maximum number of retained identifiers.
func (t *Tracker) Capacity() int {
	return t.capacity
}

// Persistent reports whether the tracker writes to a backend.
func (t *Tracker) Persistent() bool {
	return t.backend != nil
}

// Clear forgets every recorded identifier, including persisted records.
//
// Only an operator reset of the whole key supply should clear the ledger;
// forgetting consumed IDs while their keys could still be redelivered
// defeats the one-time-use guarantee.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seen = make(map[string]struct{})
	t.order = t.order[:0]
	t.next = 0
	if t.backend != nil {
		return storage.ClearRecords(t.backend, t.namespace)
	}
	return nil
}
