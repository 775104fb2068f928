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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-qkd/pkg/auth"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
	"github.com/jeremyhahn/go-qkd/pkg/validation"
)

// Event listing bounds
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// maxBodyBytes caps request bodies. An import of a full cache of KeyIDs
// fits comfortably.
const maxBodyBytes = 1 << 20

// KeyManager is the lifecycle manager surface the operator API drives.
// *manager.Manager implements it.
type KeyManager interface {
	Status() manager.Status
	Level() int
	Reset(ctx context.Context, reason string)
	Replenish(ctx context.Context) error
	Import(ctx context.Context, ids []qkd.KeyID) (int, error)
	Journal() events.Journal
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	Live(ctx context.Context) health.CheckResult
	Ready(ctx context.Context) []health.CheckResult
	Startup(ctx context.Context) health.CheckResult
}

// HandlerContext holds what the handlers need.
type HandlerContext struct {
	// Version is reported by /health
	Version string

	Manager       KeyManager
	HealthChecker HealthChecker
}

// NewHandlerContext creates a new handler context.
func NewHandlerContext(mgr KeyManager, version string) *HandlerContext {
	return &HandlerContext{
		Version: version,
		Manager: mgr,
	}
}

// SetHealthChecker sets the health checker for the handler context.
func (h *HandlerContext) SetHealthChecker(checker HealthChecker) {
	h.HealthChecker = checker
}

// HealthHandler handles GET /health requests. It reports the aggregate
// of the readiness checks and the key path state.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  health.StatusHealthy,
		State:   h.Manager.Status().State,
		Version: h.Version,
	}
	if h.HealthChecker != nil {
		resp.Status = health.AggregateStatus(h.HealthChecker.Ready(r.Context()))
	}
	writeJSON(w, resp, probeStatusCode(resp.Status))
}

// StatusHandler handles GET /api/v1/status requests.
func (h *HandlerContext) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Manager.Status(), http.StatusOK)
}

// EventsHandler handles GET /api/v1/events requests. Query parameters:
// limit, type (repeatable) and severity (repeatable).
func (h *HandlerContext) EventsHandler(w http.ResponseWriter, r *http.Request) {
	query := &events.Query{Limit: DefaultEventLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeErrorWithMessage(w, ErrInvalidRequest, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		query.Limit = min(limit, MaxEventLimit)
	}
	for _, t := range r.URL.Query()["type"] {
		query.Types = append(query.Types, events.Type(t))
	}
	for _, s := range r.URL.Query()["severity"] {
		query.Severities = append(query.Severities, events.Severity(s))
	}

	journal := h.Manager.Journal()
	list, err := journal.List(r.Context(), query)
	if err != nil {
		handleError(w, err)
		return
	}
	if list == nil {
		list = []*events.Event{}
	}
	writeJSON(w, EventsResponse{Events: list, Stats: journal.Stats(r.Context())}, http.StatusOK)
}

// ResetHandler handles POST /api/v1/monitor/reset requests. It is the
// only way out of the offline state.
func (h *HandlerContext) ResetHandler(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	reason := strings.TrimSpace(validation.SanitizeForLog(req.Reason))
	if reason == "" {
		reason = "operator reset"
	}
	if identity := auth.GetIdentity(r.Context()); identity != nil && identity.Subject != "" {
		reason = fmt.Sprintf("%s (by %s)", reason, identity.Subject)
	}

	h.Manager.Reset(r.Context(), reason)
	writeJSON(w, h.stateResponse(), http.StatusOK)
}

// ReplenishHandler handles POST /api/v1/supply/replenish requests. It
// runs one fetch cycle synchronously.
func (h *HandlerContext) ReplenishHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Replenish(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, h.stateResponse(), http.StatusOK)
}

// ImportKeysHandler handles POST /api/v1/keys/import requests. The peer
// agent calls it with the KeyIDs it fetched from its own KME.
func (h *HandlerContext) ImportKeysHandler(w http.ResponseWriter, r *http.Request) {
	var req ImportKeysRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.KeyIDs) == 0 {
		writeError(w, ErrMissingKeyIDs, http.StatusBadRequest)
		return
	}

	if err := validation.ValidateKeyIDs(req.KeyIDs); err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	ids := make([]qkd.KeyID, len(req.KeyIDs))
	for i, id := range req.KeyIDs {
		ids[i] = qkd.KeyID(id)
	}

	n, err := h.Manager.Import(r.Context(), ids)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, ImportKeysResponse{Imported: n}, http.StatusOK)
}

func (h *HandlerContext) stateResponse() StateResponse {
	return StateResponse{
		State: h.Manager.Status().State,
		Level: h.Manager.Level(),
	}
}

// decodeBody decodes a JSON body, rejecting unknown fields. An empty body
// is accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
