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

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// MonitorCheck reports the monitor state. Offline is unhealthy because
// the QKD path needs an operator to come back.
func MonitorCheck(m *Monitor) CheckFunc {
	return func(ctx context.Context) CheckResult {
		snap := m.Snapshot()
		result := CheckResult{Name: "monitor"}
		switch snap.State {
		case StateHealthy:
			result.Status = StatusHealthy
			result.Message = "QKD key path healthy"
		case StateDegraded:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("QKD key path degraded: %s", snap.Reason)
		default:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("QKD key path offline: %s", snap.Reason)
		}
		result.Error = snap.LastError
		return result
	}
}

// SupplyCheck reports the cache supply level against the low-water mark.
func SupplyCheck(level func() int, lowWater int) CheckFunc {
	return func(ctx context.Context) CheckResult {
		n := level()
		if n >= lowWater {
			return CheckResult{
				Name:    "supply",
				Status:  StatusHealthy,
				Message: fmt.Sprintf("%d keys cached", n),
			}
		}
		return CheckResult{
			Name:    "supply",
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d keys cached, below low-water mark %d", n, lowWater),
		}
	}
}

// KMECheck reports KME reachability from the last status poll. A status
// older than maxAge is treated as unknown and reported degraded.
func KMECheck(status func() qkd.ServiceStatus, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) CheckResult {
		s := status()
		switch {
		case !s.Reachable:
			return CheckResult{
				Name:    "kme",
				Status:  StatusDegraded,
				Message: "KME unreachable",
			}
		case maxAge > 0 && time.Since(s.LastExchange) > maxAge:
			return CheckResult{
				Name:    "kme",
				Status:  StatusDegraded,
				Message: fmt.Sprintf("No KME exchange since %s", s.LastExchange.Format(time.RFC3339)),
			}
		default:
			return CheckResult{
				Name:    "kme",
				Status:  StatusHealthy,
				Message: fmt.Sprintf("KME reachable, %d keys stored", s.AvailableKeys),
			}
		}
	}
}
