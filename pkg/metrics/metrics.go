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

// Package metrics provides Prometheus instrumentation for the QKD key
// path: KME traffic, key lifecycle counters, acquire outcomes, monitor
// state and cache supply gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all go-qkd metrics
	Namespace = "qkd"

	// Label names
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelPurpose    = "purpose"
	LabelOutcome    = "outcome"
	LabelSource     = "source"
	LabelState      = "state"
	LabelFrom       = "from"
	LabelTo         = "to"
	LabelReason     = "reason"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// KME operation names
	OpStatus        = "get_status"
	OpGetKey        = "get_key"
	OpGetKeyWithIDs = "get_key_with_key_ids"

	// Acquire outcomes
	OutcomeQKD         = "qkd"
	OutcomeFallback    = "fallback"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeQKDRequired = "qkd_required"
	OutcomeCanceled    = "canceled"
)

var (
	// KMERequestsTotal counts KME round trips by operation and status.
	// Failed requests carry the transport error kind as status.
	KMERequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "kme",
			Name:      "requests_total",
			Help:      "Total number of KME requests by operation and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// KMERequestDuration tracks KME round trip latency in seconds.
	KMERequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "kme",
			Name:      "request_duration_seconds",
			Help:      "Duration of KME requests in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation},
	)

	// KMEAvailableKeys is the stored key count the KME last reported.
	KMEAvailableKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "kme",
			Name:      "stored_keys",
			Help:      "Stored key count reported by the last KME status poll",
		},
	)

	// KeysFetchedTotal counts raw keys accepted into the cache.
	KeysFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "fetched_total",
			Help:      "Total number of raw keys accepted into the cache",
		},
	)

	// KeysConsumedTotal counts raw keys consumed by acquire.
	KeysConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "consumed_total",
			Help:      "Total number of raw keys consumed",
		},
	)

	// KeysExpiredTotal counts raw keys dropped by the expiry sweep.
	KeysExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "expired_total",
			Help:      "Total number of raw keys expired before use",
		},
	)

	// KeysEvictedTotal counts raw keys evicted to make room.
	KeysEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "evicted_total",
			Help:      "Total number of raw keys evicted at capacity",
		},
	)

	// KeysRejectedTotal counts raw keys the cache refused, by reason.
	KeysRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "rejected_total",
			Help:      "Total number of raw keys rejected by the cache",
		},
		[]string{LabelReason},
	)

	// AcquireTotal counts acquire calls by purpose and outcome.
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "acquire",
			Name:      "total",
			Help:      "Total number of acquire calls by purpose and outcome",
		},
		[]string{LabelPurpose, LabelOutcome},
	)

	// AcquireDuration tracks acquire latency in seconds by outcome.
	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "acquire",
			Name:      "duration_seconds",
			Help:      "Duration of acquire calls in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOutcome},
	)

	// FallbackTotal counts subkeys served by a fallback source.
	FallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fallback",
			Name:      "used_total",
			Help:      "Total number of subkeys served by a fallback source",
		},
		[]string{LabelSource, LabelPurpose},
	)

	// MonitorState is 1 for the current degradation state and 0 otherwise.
	MonitorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "state",
			Help:      "Current QKD path state (1 for the active state)",
		},
		[]string{LabelState},
	)

	// MonitorTransitionsTotal counts state transitions.
	MonitorTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "transitions_total",
			Help:      "Total number of QKD path state transitions",
		},
		[]string{LabelFrom, LabelTo},
	)

	// CacheEntries is the number of live cache entries by state.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live cache entries by state",
		},
		[]string{LabelState},
	)

	// CacheCapacity is the configured cache high-water mark.
	CacheCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "capacity",
			Help:      "Configured cache capacity",
		},
	)

	// HTTPRequestsTotal counts operator API requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks operator API latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// HTTPInFlight is the number of operator API requests being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "in_flight",
			Help:      "Number of HTTP requests being served",
		},
	)

	// Goroutines tracks the current number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// AgentUptime tracks the agent uptime in seconds since startup.
	AgentUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "agent_uptime_seconds",
			Help:      "Agent uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordKMERequest records one KME round trip. status is StatusSuccess or
// the transport error kind.
func RecordKMERequest(operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	KMERequestsTotal.WithLabelValues(operation, status).Inc()
	KMERequestDuration.WithLabelValues(operation).Observe(duration)
}

// SetKMEAvailableKeys sets the KME stored key gauge.
func SetKMEAvailableKeys(n int) {
	if !enabled.Load() {
		return
	}
	KMEAvailableKeys.Set(float64(n))
}

// RecordKeysFetched adds n accepted keys.
func RecordKeysFetched(n int) {
	if !enabled.Load() || n <= 0 {
		return
	}
	KeysFetchedTotal.Add(float64(n))
}

// RecordKeyConsumed counts one consumed key.
func RecordKeyConsumed() {
	if !enabled.Load() {
		return
	}
	KeysConsumedTotal.Inc()
}

// RecordKeysExpired adds n expired keys.
func RecordKeysExpired(n int) {
	if !enabled.Load() || n <= 0 {
		return
	}
	KeysExpiredTotal.Add(float64(n))
}

// RecordKeysEvicted adds n evicted keys.
func RecordKeysEvicted(n int) {
	if !enabled.Load() || n <= 0 {
		return
	}
	KeysEvictedTotal.Add(float64(n))
}

// RecordKeyRejected counts one rejected key.
func RecordKeyRejected(reason string) {
	if !enabled.Load() {
		return
	}
	KeysRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAcquire records an acquire call.
func RecordAcquire(purpose, outcome string, duration float64) {
	if !enabled.Load() {
		return
	}
	AcquireTotal.WithLabelValues(purpose, outcome).Inc()
	AcquireDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordFallback counts a subkey served by a fallback source.
func RecordFallback(source, purpose string) {
	if !enabled.Load() {
		return
	}
	FallbackTotal.WithLabelValues(source, purpose).Inc()
}

// monitorStates are the values of the state label on MonitorState.
var monitorStates = []string{"healthy", "degraded", "offline"}

// SetMonitorState marks state as the active one.
func SetMonitorState(state string) {
	if !enabled.Load() {
		return
	}
	for _, s := range monitorStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		MonitorState.WithLabelValues(s).Set(v)
	}
}

// RecordMonitorTransition counts a state change and updates the state gauge.
func RecordMonitorTransition(from, to string) {
	if !enabled.Load() {
		return
	}
	MonitorTransitionsTotal.WithLabelValues(from, to).Inc()
	SetMonitorState(to)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
