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

package auth

import (
	"net/http"
)

// NoOpAuthenticator allows every request as an anonymous operator. Use it
// for development or when the API is bound to a trusted interface.
type NoOpAuthenticator struct{}

// NewNoOpAuthenticator creates a new no-op authenticator
func NewNoOpAuthenticator() *NoOpAuthenticator {
	return &NoOpAuthenticator{}
}

// Authenticate always returns an anonymous identity
func (a *NoOpAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Claims:  map[string]any{"roles": []string{RoleOperator}},
		Attributes: map[string]string{
			"auth_method": "none",
		},
	}, nil
}

// Name returns the authenticator name
func (a *NoOpAuthenticator) Name() string {
	return "noop"
}
