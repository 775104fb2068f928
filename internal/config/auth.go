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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/jeremyhahn/go-qkd/pkg/auth"
)

// Validate checks the auth section. Server TLS settings are needed to
// confirm mTLS authentication can see client certificates.
func (cfg *AuthConfig) Validate(serverTLS ServerTLSConfig) error {
	if !cfg.Enabled {
		return nil
	}
	for _, typ := range cfg.types() {
		switch typ {
		case "noop", "none":
		case "apikey":
			if len(cfg.APIKeys) == 0 {
				return fmt.Errorf("auth type apikey requires api_keys")
			}
			for key, id := range cfg.APIKeys {
				if key == "" || id.Subject == "" {
					return fmt.Errorf("every api key needs a non-empty key and subject")
				}
			}
		case "jwt":
			if cfg.JWT == nil || cfg.JWT.PublicKeyFile == "" {
				return fmt.Errorf("auth type jwt requires jwt.public_key_file")
			}
		case "mtls":
			if !serverTLS.Enabled || serverTLS.ClientAuth == "" || serverTLS.ClientAuth == "none" {
				return fmt.Errorf("auth type mtls requires server TLS with client_auth")
			}
		default:
			return fmt.Errorf("unknown auth type: %s", typ)
		}
	}
	return nil
}

func (cfg *AuthConfig) types() []string {
	var types []string
	for _, t := range strings.Split(cfg.Type, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// CreateAuthenticator creates an authenticator from the configuration. A
// comma separated type builds a chain tried in order.
func (cfg *AuthConfig) CreateAuthenticator() (auth.Authenticator, error) {
	if !cfg.Enabled {
		return auth.NewNoOpAuthenticator(), nil
	}

	types := cfg.types()
	if len(types) == 0 {
		return auth.NewNoOpAuthenticator(), nil
	}

	chain := make(auth.Chain, 0, len(types))
	for _, typ := range types {
		a, err := cfg.createOne(typ)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func (cfg *AuthConfig) createOne(typ string) (auth.Authenticator, error) {
	switch typ {
	case "noop", "none":
		return auth.NewNoOpAuthenticator(), nil
	case "apikey":
		return cfg.createAPIKeyAuthenticator()
	case "jwt":
		return cfg.createJWTAuthenticator()
	case "mtls":
		return auth.NewMTLSAuthenticator(&auth.MTLSConfig{
			AllowedSubjects: cfg.MTLS.AllowedSubjects,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", typ)
	}
}

func (cfg *AuthConfig) createAPIKeyAuthenticator() (auth.Authenticator, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("no API keys configured")
	}

	keys := make(map[string]*auth.Identity, len(cfg.APIKeys))
	for apiKey, keyConfig := range cfg.APIKeys {
		identity := &auth.Identity{
			Subject:    keyConfig.Subject,
			Claims:     make(map[string]any),
			Attributes: make(map[string]string),
		}
		for k, v := range keyConfig.Claims {
			identity.Claims[k] = v
		}
		if len(keyConfig.Roles) > 0 {
			identity.Claims["roles"] = keyConfig.Roles
		}
		keys[apiKey] = identity
	}

	return auth.NewAPIKeyAuthenticator(&auth.APIKeyConfig{Keys: keys}), nil
}

func (cfg *AuthConfig) createJWTAuthenticator() (auth.Authenticator, error) {
	if cfg.JWT == nil || cfg.JWT.PublicKeyFile == "" {
		return nil, fmt.Errorf("no JWT public key configured")
	}
	// #nosec G304 - Key file path from trusted config
	data, err := os.ReadFile(cfg.JWT.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key: %w", err)
	}
	key, err := auth.ParsePublicKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return auth.NewJWTAuthenticator(&auth.JWTConfig{
		PublicKey: key,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Leeway:    cfg.JWT.Leeway,
	})
}
