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

package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/internal/testutil"
	"github.com/jeremyhahn/go-qkd/pkg/correlation"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

var _ manager.Announcer = (*Client)(nil)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := New(&Config{Address: ts.URL + "/", APIKey: "secret", Headers: map[string]string{"X-Node": "alice"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidation(t *testing.T) {
	for _, addr := range []string{"", "127.0.0.1:8470", "ftp://host", "http://"} {
		_, err := New(&Config{Address: addr})
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	c, err := New(&Config{Address: "https://agent:8470"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
}

func TestHealth(t *testing.T) {
	status := http.StatusOK
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		body := HealthResponse{Status: health.StatusHealthy, State: health.StateHealthy, Version: "1.0.0"}
		if status != http.StatusOK {
			body.Status = health.StatusUnhealthy
			body.State = health.StateOffline
		}
		writeJSON(w, status, body)
	})

	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resp.Version)

	status = http.StatusServiceUnavailable
	resp, err = c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	require.NotNil(t, resp)
	assert.Equal(t, health.StateOffline, resp.State)
}

func TestStatusSendsCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "alice", r.Header.Get("X-Node"))
		assert.Equal(t, "corr-1", r.Header.Get(correlation.RequestIDHeader))
		writeJSON(w, http.StatusOK, manager.Status{State: health.StateDegraded, LowWater: 16})
	})

	ctx := correlation.WithCorrelationID(context.Background(), "corr-1")
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StateDegraded, status.State)
	assert.Equal(t, 16, status.LowWater)
}

func TestEventsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, []string{"kme.fatal", "fallback.used"}, q["type"])
		writeJSON(w, http.StatusOK, EventsResponse{
			Events: []*events.Event{{ID: "e1", Type: events.TypeKMEFatal}},
			Stats:  events.Stats{Total: 1},
		})
	})

	resp, err := c.Events(context.Background(), &EventsQuery{
		Limit: 5,
		Types: []events.Type{events.TypeKMEFatal, events.TypeFallbackUsed},
	})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "e1", resp.Events[0].ID)
	assert.Equal(t, int64(1), resp.Stats.Total)
}

func TestResetAndReplenish(t *testing.T) {
	var gotReason string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/v1/monitor/reset":
			var body map[string]string
			if r.ContentLength > 0 {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			}
			gotReason = body["reason"]
			writeJSON(w, http.StatusOK, StateResponse{State: health.StateHealthy, Level: 3})
		case "/api/v1/supply/replenish":
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": "bad_gateway", "message": "KME rejected credentials", "code": 502,
			})
		default:
			http.NotFound(w, r)
		}
	})

	resp, err := c.ResetMonitor(context.Background(), "rekeyed")
	require.NoError(t, err)
	assert.Equal(t, "rekeyed", gotReason)
	assert.Equal(t, health.StateHealthy, resp.State)

	_, err = c.ResetMonitor(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, gotReason)

	_, err = c.Replenish(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "KME rejected credentials", apiErr.Message)
	assert.Contains(t, err.Error(), "502")
}

func TestAnnounce(t *testing.T) {
	accept := -1
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/keys/import", r.URL.Path)
		var req struct {
			KeyIDs []string `json:"key_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n := len(req.KeyIDs)
		if accept >= 0 {
			n = accept
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	})

	ids := []qkd.KeyID{"k1", "k2", "k3"}
	require.NoError(t, c.Announce(context.Background(), ids))

	accept = 2
	assert.ErrorIs(t, c.Announce(context.Background(), ids), ErrPartialImport)

	_, err := c.ImportKeys(context.Background(), nil)
	assert.ErrorIs(t, err, qkd.ErrInvalidArgument)
}

func TestAnnounceConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict", "message": "key reuse"})
	})
	err := c.Announce(context.Background(), []qkd.KeyID{"k1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, StatusCode(err))
}

func TestNonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	})
	_, err := c.Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "Rate limit exceeded", apiErr.Message)
}

func TestTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(ts.Close)

	c, err := New(&Config{Address: ts.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Status(context.Background())
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
}

func TestTLS(t *testing.T) {
	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	serverCert, err := testutil.GenerateTestServerCert(ca)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: health.StatusHealthy})
	}))
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert.TLSCert}, MinVersion: tls.VersionTLS12}
	ts.StartTLS()
	t.Cleanup(ts.Close)

	c, err := New(&Config{Address: ts.URL, TLSConfig: &tls.Config{RootCAs: ca.Pool(), MinVersion: tls.VersionTLS12}})
	require.NoError(t, err)
	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, resp.Status)

	untrusted, err := New(&Config{Address: ts.URL})
	require.NoError(t, err)
	_, err = untrusted.Health(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Zero(t, StatusCode(err))
}
