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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator validates bearer tokens signed by an external issuer.
type JWTAuthenticator struct {
	publicKey crypto.PublicKey
	parser    *jwt.Parser
	// headerName is the HTTP header containing the token (default: "Authorization")
	headerName string
}

// JWTConfig configures the JWT authenticator
type JWTConfig struct {
	// PublicKey is the key used to verify token signatures (required)
	PublicKey crypto.PublicKey
	// Issuer is the expected issuer claim (optional, skips validation if empty)
	Issuer string
	// Audience is the expected audience claim (optional, skips validation if empty)
	Audience []string
	// HeaderName is the HTTP header name (default: "Authorization")
	HeaderName string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(config *JWTConfig) (*JWTAuthenticator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.PublicKey == nil {
		return nil, fmt.Errorf("public key is required")
	}
	methods, err := signingMethods(config.PublicKey)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if len(config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(config.Audience...))
	}

	headerName := config.HeaderName
	if headerName == "" {
		headerName = "Authorization"
	}

	return &JWTAuthenticator{
		publicKey:  config.PublicKey,
		parser:     jwt.NewParser(opts...),
		headerName: headerName,
	}, nil
}

// ParsePublicKeyPEM parses an RSA, ECDSA or Ed25519 public key for token
// verification.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	return nil, errors.New("auth: unsupported or malformed JWT public key")
}

func signingMethods(key crypto.PublicKey) ([]string, error) {
	switch key.(type) {
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}, nil
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}, nil
	case ed25519.PublicKey:
		return []string{"EdDSA"}, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}
}

// Authenticate authenticates an HTTP request using a bearer token.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	authHeader := strings.TrimSpace(r.Header.Get(a.headerName))
	if authHeader == "" {
		return nil, fmt.Errorf("%w: no authorization header", ErrNoCredentials)
	}

	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return nil, fmt.Errorf("%w: no bearer token", ErrNoCredentials)
	}

	identity, err := a.validateToken(tokenString)
	if err != nil {
		return nil, err
	}

	identity.Attributes["auth_method"] = "jwt"
	identity.Attributes["remote_addr"] = r.RemoteAddr
	return identity, nil
}

func (a *JWTAuthenticator) validateToken(tokenString string) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return a.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidCredentials)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrInvalidCredentials)
	}

	identity := &Identity{
		Subject:    sub,
		Claims:     make(map[string]any, len(claims)+1),
		Attributes: make(map[string]string),
	}
	for k, v := range claims {
		identity.Claims[k] = v
	}

	// A single role claim is normalized into roles.
	if role, ok := claims["role"].(string); ok {
		if _, exists := claims["roles"]; !exists {
			identity.Claims["roles"] = []string{role}
		}
	}
	if name, ok := claims["name"].(string); ok {
		identity.Attributes["display_name"] = name
	}

	return identity, nil
}

// Name returns the authenticator name
func (a *JWTAuthenticator) Name() string {
	return "jwt"
}
