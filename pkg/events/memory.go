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

package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-qkd/pkg/correlation"
)

// DefaultCapacity is the number of events Memory retains by default.
const DefaultCapacity = 1024

var (
	// ErrNilEvent is returned when Record is given a nil event.
	ErrNilEvent = errors.New("events: event cannot be nil")

	// ErrNotFound is returned by Get for unknown or dropped events.
	ErrNotFound = errors.New("events: event not found")
)

// Memory is a thread-safe, bounded ring of events.
//
// Events are lost on process restart. Stored events are copied on the
// way in and out so callers cannot mutate the journal.
type Memory struct {
	mu         sync.RWMutex
	ring       []*Event
	next       int
	size       int
	total      int64
	byType     map[Type]int64
	bySeverity map[Severity]int64
	now        func() time.Time
}

// NewMemory creates a journal retaining up to capacity events
// (DefaultCapacity when capacity <= 0).
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		ring:       make([]*Event, capacity),
		byType:     make(map[Type]int64),
		bySeverity: make(map[Severity]int64),
		now:        time.Now,
	}
}

// Record stores a copy of event. The event's ID, timestamp, severity and
// request ID are filled in when empty.
func (m *Memory) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.RequestID == "" {
		event.RequestID = correlation.GetCorrelationID(ctx)
	}

	stored := clone(event)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = stored
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	m.total++
	m.byType[stored.Type]++
	m.bySeverity[stored.Severity]++
	return nil
}

// List returns the events matching query, newest first.
func (m *Memory) List(ctx context.Context, query *Query) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &Query{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Event, 0, min(m.size, max(query.Limit, 16)))
	for i := 1; i <= m.size; i++ {
		e := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if !matches(e, query) {
			continue
		}
		results = append(results, clone(e))
		if query.Limit > 0 && len(results) == query.Limit {
			break
		}
	}
	return results, nil
}

// Get returns the event with the given ID.
func (m *Memory) Get(ctx context.Context, id string) (*Event, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := 0; i < m.size; i++ {
		if e := m.ring[i]; e != nil && e.ID == id {
			return clone(e), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Stats returns lifetime counts and the number of retained events.
func (m *Memory) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Total:      m.total,
		Retained:   m.size,
		ByType:     make(map[Type]int64, len(m.byType)),
		BySeverity: make(map[Severity]int64, len(m.bySeverity)),
	}
	for k, v := range m.byType {
		stats.ByType[k] = v
	}
	for k, v := range m.bySeverity {
		stats.BySeverity[k] = v
	}
	return stats
}

func matches(e *Event, q *Query) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
		return false
	}
	if len(q.Severities) > 0 && !slices.Contains(q.Severities, e.Severity) {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	return true
}

func clone(e *Event) *Event {
	c := *e
	c.KeyIDs = slices.Clone(e.KeyIDs)
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Discard is a Journal that drops every event.
type Discard struct{}

// Record implements Journal.
func (Discard) Record(ctx context.Context, event *Event) error { return nil }

// List implements Journal.
func (Discard) List(ctx context.Context, query *Query) ([]*Event, error) { return nil, nil }

// Get implements Journal.
func (Discard) Get(ctx context.Context, id string) (*Event, error) { return nil, ErrNotFound }

// Stats implements Journal.
func (Discard) Stats(ctx context.Context) Stats { return Stats{} }
