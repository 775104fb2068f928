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
	"runtime"
	"time"
)

// Supply is a point-in-time view of the key cache.
type Supply struct {
	Capacity  int
	Pending   int
	Available int
	Reserved  int
}

// SupplyFunc reads the current supply.
type SupplyFunc func() Supply

// Collector periodically refreshes the gauges that have no natural event
// to hang off: cache supply by state and process resources.
type Collector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	started  time.Time
	supply   SupplyFunc
}

// NewCollector creates a collector. supply may be nil, in which case only
// process gauges are refreshed.
//
// Example:
//
//	collector := metrics.NewCollector(ctx, 15*time.Second, mgr.Supply)
//	go collector.Start()
//	defer collector.Stop()
func NewCollector(ctx context.Context, interval time.Duration, supply SupplyFunc) *Collector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &Collector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
		supply:   supply,
	}
}

// Start collects immediately and then on every interval until Stop is
// called or the parent context is canceled. It blocks.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Stop halts the collector.
func (c *Collector) Stop() {
	c.cancel()
}

// Collect performs a single refresh.
func (c *Collector) Collect() {
	if !IsEnabled() {
		return
	}

	if c.supply != nil {
		SetSupply(c.supply())
	}

	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))

	AgentUptime.Set(time.Since(c.started).Seconds())
}

// SetSupply updates the cache gauges.
func SetSupply(s Supply) {
	if !IsEnabled() {
		return
	}
	CacheCapacity.Set(float64(s.Capacity))
	CacheEntries.WithLabelValues("pending").Set(float64(s.Pending))
	CacheEntries.WithLabelValues("available").Set(float64(s.Available))
	CacheEntries.WithLabelValues("reserved").Set(float64(s.Reserved))
}

// StartCollector creates a collector and runs it in the background.
func StartCollector(ctx context.Context, interval time.Duration, supply SupplyFunc) *Collector {
	c := NewCollector(ctx, interval, supply)
	go c.Start()
	return c
}
