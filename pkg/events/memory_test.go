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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/pkg/correlation"
)

func TestMemoryRecordFillsDefaults(t *testing.T) {
	m := NewMemory(0)
	ctx := correlation.WithCorrelationID(context.Background(), "req-1")

	event := &Event{Type: TypeFallbackUsed, Message: "fallback used", Source: "mlkem768"}
	require.NoError(t, m.Record(ctx, event))

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, SeverityInfo, event.Severity)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Len(t, m.ring, DefaultCapacity)

	got, err := m.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event, got)
}

func TestMemoryRecordNil(t *testing.T) {
	assert.ErrorIs(t, NewMemory(4).Record(context.Background(), nil), ErrNilEvent)
}

func TestMemoryListNewestFirst(t *testing.T) {
	m := NewMemory(8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Record(ctx, &Event{Type: TypeKeysImported, Message: fmt.Sprintf("event %d", i)}))
	}

	events, err := m.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "event 2", events[0].Message)
	assert.Equal(t, "event 0", events[2].Message)
}

func TestMemoryRingDropsOldest(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	var first string
	for i := 0; i < 5; i++ {
		e := &Event{Type: TypeKeysExpired, Message: fmt.Sprintf("event %d", i)}
		require.NoError(t, m.Record(ctx, e))
		if i == 0 {
			first = e.ID
		}
	}

	events, err := m.List(ctx, &Query{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "event 4", events[0].Message)
	assert.Equal(t, "event 2", events[2].Message)

	_, err = m.Get(ctx, first)
	assert.ErrorIs(t, err, ErrNotFound)

	stats := m.Stats(ctx)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, 3, stats.Retained)
	assert.Equal(t, int64(5), stats.ByType[TypeKeysExpired])
}

func TestMemoryListFilters(t *testing.T) {
	m := NewMemory(16)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	records := []*Event{
		{Type: TypeKMEFatal, Severity: SeverityError, Timestamp: base},
		{Type: TypeFallbackUsed, Severity: SeverityWarn, Timestamp: base.Add(time.Minute)},
		{Type: TypeMonitorTransition, Severity: SeverityWarn, Timestamp: base.Add(2 * time.Minute)},
		{Type: TypeKeysImported, Severity: SeverityInfo, Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range records {
		require.NoError(t, m.Record(ctx, e))
	}

	since := base.Add(90 * time.Second)
	tests := []struct {
		name  string
		query *Query
		want  []Type
	}{
		{"all", &Query{}, []Type{TypeKeysImported, TypeMonitorTransition, TypeFallbackUsed, TypeKMEFatal}},
		{"by type", &Query{Types: []Type{TypeKMEFatal, TypeKeysImported}}, []Type{TypeKeysImported, TypeKMEFatal}},
		{"by severity", &Query{Severities: []Severity{SeverityWarn}}, []Type{TypeMonitorTransition, TypeFallbackUsed}},
		{"since", &Query{Since: &since}, []Type{TypeKeysImported, TypeMonitorTransition}},
		{"limit", &Query{Limit: 1}, []Type{TypeKeysImported}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := m.List(ctx, tt.query)
			require.NoError(t, err)
			got := make([]Type, len(events))
			for i, e := range events {
				got[i] = e.Type
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	event := &Event{Type: TypeKeysExpired, KeyIDs: []string{"a"}, Metadata: map[string]any{"n": 1}}
	require.NoError(t, m.Record(ctx, event))

	event.KeyIDs[0] = "mutated"
	event.Metadata["n"] = 2

	got, err := m.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.KeyIDs)
	assert.Equal(t, 1, got.Metadata["n"])

	got.KeyIDs[0] = "again"
	listed, err := m.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", listed[0].KeyIDs[0])
}

func TestMemoryListCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(4).List(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryConcurrent(t *testing.T) {
	m := NewMemory(64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Record(ctx, &Event{Type: TypeKeysImported})
				_, _ = m.List(ctx, &Query{Limit: 5})
			}
		}()
	}
	wg.Wait()

	stats := m.Stats(ctx)
	assert.Equal(t, int64(400), stats.Total)
	assert.Equal(t, 64, stats.Retained)
}

func TestDiscard(t *testing.T) {
	var j Journal = Discard{}
	assert.NoError(t, j.Record(context.Background(), &Event{}))
	events, err := j.List(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, events)
	_, err = j.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), j.Stats(context.Background()).Total)
}
