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

package rest

import (
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  health.Status `json:"status"`
	State   health.State  `json:"state"`
	Version string        `json:"version,omitempty"`
}

// HealthCheckResponse is the body of the probe endpoints.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// EventsResponse is the body of GET /api/v1/events.
type EventsResponse struct {
	Events []*events.Event `json:"events"`
	Stats  events.Stats    `json:"stats"`
}

// ResetRequest is the optional body of POST /api/v1/monitor/reset.
type ResetRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StateResponse reports the monitor state after an operator action.
type StateResponse struct {
	State health.State `json:"state"`
	Level int          `json:"level"`
}

// ImportKeysRequest is the body of POST /api/v1/keys/import.
type ImportKeysRequest struct {
	KeyIDs []string `json:"key_ids"`
}

// ImportKeysResponse reports how many announced keys were admitted.
type ImportKeysResponse struct {
	Imported int `json:"imported"`
}
