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

// Package health tracks the health of the QKD key path.
//
// Monitor is the degradation state machine the lifecycle manager consults
// before falling back to classical or post-quantum key sources. Checker
// aggregates named probes for liveness, readiness and startup endpoints.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of a probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single check run by Ready.
const DefaultCheckTimeout = 2 * time.Second

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc runs one check. It should return quickly and honor ctx.
type CheckFunc func(ctx context.Context) CheckResult

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs the agent's probes with Kubernetes semantics.
//
// Liveness never fails while the process can answer. Readiness runs every
// registered check. Startup fails until MarkStarted.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	timeout   time.Duration
	checks    []namedCheck // sorted by name
}

// NewChecker creates a checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
	}
}

// SetTimeout changes the per-check timeout used by Ready. Non-positive
// values are ignored.
func (c *Checker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// RegisterCheck adds or replaces the check with the given name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i, found := slices.BinarySearchFunc(c.checks, name, func(nc namedCheck, n string) int {
		return strings.Compare(nc.name, n)
	})
	if found {
		c.checks[i].fn = check
		return
	}
	c.checks = slices.Insert(c.checks, i, namedCheck{name: name, fn: check})
}

// GetAllChecks returns the registered check names in order.
func (c *Checker) GetAllChecks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.checks))
	for i, nc := range c.checks {
		names[i] = nc.name
	}
	return names
}

// MarkStarted marks the agent as fully started.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

// MarkNotStarted clears the started flag, during shutdown.
func (c *Checker) MarkNotStarted() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// IsStarted reports whether MarkStarted has been called.
func (c *Checker) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Live performs the liveness check.
func (c *Checker) Live(ctx context.Context) CheckResult {
	return CheckResult{Name: "liveness", Status: StatusHealthy, Message: "Agent is alive"}
}

// Startup fails until MarkStarted is called.
func (c *Checker) Startup(ctx context.Context) CheckResult {
	c.mu.RLock()
	started, since := c.started, c.startTime
	c.mu.RUnlock()

	if !started {
		return CheckResult{Name: "startup", Status: StatusUnhealthy, Message: "Lifecycle manager not started"}
	}
	return CheckResult{
		Name:    "startup",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("Lifecycle manager running for %s", time.Since(since).Round(time.Second)),
	}
}

// Ready runs all registered checks concurrently, each bounded by the
// checker timeout. Results are in name order.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	checks := slices.Clone(c.checks)
	timeout := c.timeout
	c.mu.RUnlock()

	if len(checks) == 0 {
		return []CheckResult{{Name: "default", Status: StatusHealthy, Message: "No readiness checks configured"}}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, nc, timeout)
		}()
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, nc namedCheck, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- nc.fn(ctx) }()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("Check %s timed out", nc.name),
			Error:   ctx.Err().Error(),
		}
	}
	result.Name = nc.name
	result.Latency = time.Since(start)
	return result
}

// AggregateStatus folds results: any unhealthy wins, then any degraded.
func AggregateStatus(results []CheckResult) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
