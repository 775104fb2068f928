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
	"fmt"
	"net/http"
	"strings"

	"github.com/jeremyhahn/go-qkd/pkg/health"
)

// LivenessHandler handles GET /health/live. A degraded or offline QKD
// path never fails liveness; restarting the agent does not bring keys back.
func (h *HandlerContext) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.HealthChecker == nil {
		writeProbe(w, health.CheckResult{Status: health.StatusHealthy, Message: "Agent is alive"})
		return
	}
	writeProbe(w, h.HealthChecker.Live(r.Context()))
}

// StartupHandler handles GET /health/startup. It fails until the
// lifecycle manager has started.
func (h *HandlerContext) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if h.HealthChecker == nil {
		writeProbe(w, health.CheckResult{Status: health.StatusHealthy, Message: "Agent has started"})
		return
	}
	writeProbe(w, h.HealthChecker.Startup(r.Context()))
}

// ReadinessHandler handles GET /health/ready.
//
// Degraded is still ready: Acquire is served from the fallback source.
// Offline is not.
func (h *HandlerContext) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.HealthChecker == nil {
		writeProbe(w, health.CheckResult{Status: health.StatusHealthy, Message: "Agent is ready"})
		return
	}

	checks := h.HealthChecker.Ready(r.Context())
	resp := HealthCheckResponse{
		Status: health.AggregateStatus(checks),
		Checks: checks,
	}

	var failing []string
	for _, c := range checks {
		if c.Status != health.StatusHealthy {
			failing = append(failing, c.Name)
		}
	}
	if len(failing) == 0 {
		resp.Message = "All checks passed"
	} else {
		resp.Message = fmt.Sprintf("Agent is %s: %s", resp.Status, strings.Join(failing, ", "))
	}
	writeJSON(w, resp, probeStatusCode(resp.Status))
}

func writeProbe(w http.ResponseWriter, result health.CheckResult) {
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, probeStatusCode(result.Status))
}

func probeStatusCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
