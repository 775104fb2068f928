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

// Package events is the operator-facing journal of key supply events:
// fallback use, monitor transitions, fatal KME faults and key expiry.
//
// Journal is the interface the manager records into. Memory is a bounded
// in-process implementation backing the /api/v1/events endpoint; the
// oldest events are dropped once it is full.
package events

import (
	"context"
	"time"
)

// Type categorizes an event.
type Type string

const (
	// Key supply
	TypeKeysImported Type = "keys.imported"
	TypeKeysExpired  Type = "keys.expired"
	TypeKeysRejected Type = "keys.rejected"
	TypeKeysEvicted  Type = "keys.evicted"

	// KME faults
	TypeKMEFatal          Type = "kme.fatal"
	TypeKMERetryExhausted Type = "kme.retry_exhausted"
	TypeAnnounceFailed    Type = "announce.failed"

	// Fallback
	TypeFallbackUsed   Type = "fallback.used"
	TypeFallbackFailed Type = "fallback.failed"
	TypeQKDRequired    Type = "acquire.qkd_required"

	// Monitor
	TypeMonitorTransition Type = "monitor.transition"
	TypeMonitorReset      Type = "monitor.reset"

	// System
	TypeSystemStart Type = "system.start"
	TypeSystemStop  Type = "system.stop"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one journal entry. It never carries key material; key
// references are KeyIDs and fingerprints only.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Purpose   string         `json:"purpose,omitempty"`
	Source    string         `json:"source,omitempty"`
	KeyIDs    []string       `json:"key_ids,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Query filters List results. The zero value matches everything.
type Query struct {
	// Types filters by event type
	Types []Type

	// Severities filters by severity
	Severities []Severity

	// Since drops events older than this time
	Since *time.Time

	// Limit caps the number of results, newest first
	Limit int
}

// Stats summarizes the journal.
type Stats struct {
	// Total counts every event ever recorded, dropped ones included
	Total int64 `json:"total"`

	// Retained is the number of events currently held
	Retained int `json:"retained"`

	ByType     map[Type]int64     `json:"by_type"`
	BySeverity map[Severity]int64 `json:"by_severity"`
}

// Journal records and queries events.
type Journal interface {
	// Record stores an event, assigning its ID and timestamp when unset
	Record(ctx context.Context, event *Event) error

	// List returns matching events, newest first
	List(ctx context.Context, query *Query) ([]*Event, error)

	// Get returns one event by ID
	Get(ctx context.Context, id string) (*Event, error)

	// Stats returns journal statistics
	Stats(ctx context.Context) Stats
}
