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

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}
	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}
	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordKMERequest(t *testing.T) {
	Enable()
	KMERequestsTotal.Reset()
	KMERequestDuration.Reset()

	RecordKMERequest(OpGetKey, StatusSuccess, 0.02)
	RecordKMERequest(OpGetKey, "unauthorized", 0.01)
	RecordKMERequest(OpGetKey, "unauthorized", 0.01)

	if got := testutil.ToFloat64(KMERequestsTotal.WithLabelValues(OpGetKey, "unauthorized")); got != 2 {
		t.Errorf("Expected 2 unauthorized requests, got %v", got)
	}
	if got := testutil.CollectAndCount(KMERequestsTotal); got != 2 {
		t.Errorf("Expected 2 label sets, got %d", got)
	}
}

func TestRecordWhenDisabled(t *testing.T) {
	Enable()
	AcquireTotal.Reset()
	Disable()
	defer Enable()

	RecordAcquire("peer-handshake", OutcomeQKD, 0.001)
	RecordFallback("mlkem768", "peer-handshake")

	if got := testutil.CollectAndCount(AcquireTotal); got != 0 {
		t.Errorf("Expected no samples while disabled, got %d", got)
	}
}

func TestKeyCounters(t *testing.T) {
	Enable()
	before := testutil.ToFloat64(KeysFetchedTotal)
	RecordKeysFetched(3)
	RecordKeysFetched(0)
	if got := testutil.ToFloat64(KeysFetchedTotal) - before; got != 3 {
		t.Errorf("Expected 3 fetched keys, got %v", got)
	}

	before = testutil.ToFloat64(KeysConsumedTotal)
	RecordKeyConsumed()
	if got := testutil.ToFloat64(KeysConsumedTotal) - before; got != 1 {
		t.Errorf("Expected 1 consumed key, got %v", got)
	}

	KeysRejectedTotal.Reset()
	RecordKeyRejected("duplicate")
	if got := testutil.ToFloat64(KeysRejectedTotal.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("Expected 1 rejection, got %v", got)
	}
}

func TestMonitorState(t *testing.T) {
	Enable()
	MonitorState.Reset()
	MonitorTransitionsTotal.Reset()

	SetMonitorState("healthy")
	RecordMonitorTransition("healthy", "degraded")

	if got := testutil.ToFloat64(MonitorState.WithLabelValues("degraded")); got != 1 {
		t.Errorf("Expected degraded gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(MonitorState.WithLabelValues("healthy")); got != 0 {
		t.Errorf("Expected healthy gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(MonitorTransitionsTotal.WithLabelValues("healthy", "degraded")); got != 1 {
		t.Errorf("Expected 1 transition, got %v", got)
	}
}

func TestCollector(t *testing.T) {
	Enable()
	CacheEntries.Reset()

	supply := Supply{Capacity: 64, Pending: 2, Available: 10, Reserved: 1}
	c := NewCollector(context.Background(), time.Hour, func() Supply { return supply })
	c.Collect()

	if got := testutil.ToFloat64(CacheEntries.WithLabelValues("available")); got != 10 {
		t.Errorf("Expected 10 available, got %v", got)
	}
	if got := testutil.ToFloat64(CacheCapacity); got != 64 {
		t.Errorf("Expected capacity 64, got %v", got)
	}
	if testutil.ToFloat64(Goroutines) <= 0 {
		t.Error("Expected goroutine gauge to be set")
	}
}

func TestCollectorStop(t *testing.T) {
	c := StartCollector(context.Background(), 10*time.Millisecond, nil)
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	select {
	case <-c.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("collector context not canceled")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/supply/replenish", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodPost, "202")); got != 1 {
		t.Errorf("Expected 1 request with 202, got %v", got)
	}
	if got := testutil.ToFloat64(HTTPInFlight); got != 0 {
		t.Errorf("Expected no in-flight requests, got %v", got)
	}
}

func TestResponseWriterDefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = rw.Write([]byte("ok"))
	rw.WriteHeader(http.StatusTeapot)
	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected first status to stick, got %d", rw.statusCode)
	}
}
