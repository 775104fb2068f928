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

// Package auth authenticates callers of the operator API.
//
// Authenticators turn an HTTP request into an Identity. The REST layer
// stores the identity in the request context and gates mutating endpoints
// (monitor reset, forced replenish) on RoleOperator.
package auth

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// Operator API roles
const (
	// RoleOperator may reset the monitor and force replenishment.
	RoleOperator = "operator"
	// RoleViewer may read status and events.
	RoleViewer = "viewer"
)

var (
	// ErrNoCredentials is returned when a request carries no credentials
	// the authenticator understands.
	ErrNoCredentials = errors.New("auth: no credentials provided")

	// ErrInvalidCredentials is returned for credentials that were present
	// but rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Identity represents an authenticated operator or service.
type Identity struct {
	// Subject is the unique identifier for the authenticated entity.
	Subject string

	// Claims contains additional authenticated information such as roles.
	Claims map[string]any

	// Attributes contains metadata about the authentication (method,
	// remote address).
	Attributes map[string]string
}

// Authenticator is the interface for operator API authentication.
type Authenticator interface {
	// Authenticate returns the identity behind r, or an error wrapping
	// ErrNoCredentials or ErrInvalidCredentials.
	Authenticate(r *http.Request) (*Identity, error)

	// Name returns the authenticator name for logging.
	Name() string
}

type contextKey string

const identityContextKey contextKey = "auth.identity"

// GetIdentity extracts the identity from a context.
func GetIdentity(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return identity
	}
	return nil
}

// WithIdentity adds an identity to a context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// Roles returns the roles claimed by the identity.
func (i *Identity) Roles() []string {
	if i == nil || i.Claims == nil {
		return nil
	}
	switch r := i.Claims["roles"].(type) {
	case []string:
		return r
	case []any:
		roles := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return []string{r}
	}
	return nil
}

// HasRole checks if the identity has a specific role. RoleOperator
// implies RoleViewer.
func (i *Identity) HasRole(role string) bool {
	roles := i.Roles()
	if slices.Contains(roles, role) {
		return true
	}
	return role == RoleViewer && slices.Contains(roles, RoleOperator)
}

// Clone returns a deep copy whose maps can be modified freely.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := &Identity{
		Subject:    i.Subject,
		Claims:     make(map[string]any, len(i.Claims)),
		Attributes: make(map[string]string, len(i.Attributes)),
	}
	maps.Copy(c.Claims, i.Claims)
	maps.Copy(c.Attributes, i.Attributes)
	return c
}

// Chain tries authenticators in order. A request without credentials for
// one authenticator moves on to the next; rejected credentials stop the
// chain.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(r *http.Request) (*Identity, error) {
	for _, a := range c {
		identity, err := a.Authenticate(r)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			return nil, err
		}
	}
	return nil, ErrNoCredentials
}

// Name implements Authenticator.
func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, a := range c {
		names[i] = a.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}
