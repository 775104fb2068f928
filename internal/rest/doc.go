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

// Package rest provides the operator HTTP API of the QKD agent.
//
// The API reports key supply and health, lists the event journal and lets
// an operator reset the degradation monitor, force a replenish cycle or
// import KeyIDs announced by the peer agent. Key material, raw or
// derived, is never served over HTTP.
//
//	srv, _ := rest.NewServer(&rest.Config{
//	    Addr:    "127.0.0.1:8470",
//	    Manager: mgr,
//	    Version: "1.0.0",
//	})
//	go srv.Start()
//	defer srv.Stop(ctx)
//
// # API Endpoints
//
// Health probes, unauthenticated:
//   - GET /health - aggregate status and key path state
//   - GET /health/live, /health/ready, /health/startup
//
// Viewer role:
//   - GET /api/v1/status - supply, monitor and KME status
//   - GET /api/v1/events?limit=n&type=t&severity=s - event journal
//
// Operator role:
//   - POST /api/v1/monitor/reset - return the key path to healthy
//   - POST /api/v1/supply/replenish - run one fetch cycle now
//   - POST /api/v1/keys/import - fetch keys announced by the peer
//
// Every response carries an X-Correlation-ID header. Errors are JSON
// ErrorResponse bodies.
package rest
