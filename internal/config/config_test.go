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
	"crypto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Node.SAEID = "sae-alice"
	cfg.Node.PeerSAEID = "sae-bob"
	cfg.KME.Address = "http://127.0.0.1:8082"
	cfg.Fallback.Policy = FallbackAllow
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

func TestDefaultRequiresFallbackPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Fallback.Policy = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "fallback.policy") {
		t.Fatalf("Validate() error = %v, want fallback.policy error", err)
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
node:
  sae_id: "sae-alice"
  peer_sae_id: "sae-bob"
  role: "master"

kme:
  address: "https://kme-a.local:8443"
  key_size: 32
  timeout: 3s
  tls:
    cert_file: "/etc/qkd/sae.crt"
    key_file: "/etc/qkd/sae.key"
    ca_file: "/etc/qkd/ca.crt"

cache:
  capacity: 128
  ttl: 5m

lifecycle:
  low_water: 16
  batch_size: 16
  default_deadline: 1500ms
  retry:
    max_attempts: 4

fallback:
  policy: "deny"

logging:
  level: "debug"
  format: "json"

metrics:
  port: 9191
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Node.SAEID != "sae-alice" || cfg.Node.PeerSAEID != "sae-bob" {
		t.Errorf("Node = %+v", cfg.Node)
	}
	if cfg.KME.Timeout != 3*time.Second {
		t.Errorf("KME.Timeout = %v, want 3s", cfg.KME.Timeout)
	}
	if cfg.Cache.Capacity != 128 || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Lifecycle.DefaultDeadline != 1500*time.Millisecond {
		t.Errorf("DefaultDeadline = %v, want 1.5s", cfg.Lifecycle.DefaultDeadline)
	}
	if cfg.Lifecycle.Retry.MaxAttempts != 4 {
		t.Errorf("Retry.MaxAttempts = %d, want 4", cfg.Lifecycle.Retry.MaxAttempts)
	}
	// Unset fields keep their defaults.
	if cfg.Lifecycle.Retry.Multiplier != 2 {
		t.Errorf("Retry.Multiplier = %v, want default 2", cfg.Lifecycle.Retry.Multiplier)
	}
	if cfg.Cache.SweepInterval != 5*time.Second {
		t.Errorf("Cache.SweepInterval = %v, want default", cfg.Cache.SweepInterval)
	}
	if cfg.Fallback.Policy != FallbackDeny {
		t.Errorf("Fallback.Policy = %q, want deny", cfg.Fallback.Policy)
	}
	if cfg.Metrics.Port != 9191 {
		t.Errorf("Metrics.Port = %d, want 9191", cfg.Metrics.Port)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "node: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail for invalid YAML")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
node:
  sae_id: "sae-alice"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("error = %v, want invalid configuration", err)
	}
}

func TestRead_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Read("")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Cache.Capacity != Default().Cache.Capacity {
		t.Errorf("Cache.Capacity = %d, want default", cfg.Cache.Capacity)
	}
}

func TestLoad_WithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
node:
  sae_id: "sae-alice"
  peer_sae_id: "sae-bob"
kme:
  address: "http://127.0.0.1:8082"
fallback:
  policy: "allow"
`)
	t.Setenv("QKD_SAE_ID", "sae-carol")
	t.Setenv("QKD_FALLBACK_POLICY", "deny")
	t.Setenv("QKD_REQUIRE_QKD", "true")
	t.Setenv("QKD_CACHE_TTL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.SAEID != "sae-carol" {
		t.Errorf("SAEID = %q, want sae-carol", cfg.Node.SAEID)
	}
	if cfg.Fallback.Policy != FallbackDeny {
		t.Errorf("Fallback.Policy = %q, want deny", cfg.Fallback.Policy)
	}
	if !cfg.Monitor.RequireQKD {
		t.Error("RequireQKD = false, want true")
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("Cache.TTL = %v, want 90s", cfg.Cache.TTL)
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		check func(*Config) bool
	}{
		{"non-numeric port", "QKD_API_PORT", "invalid", func(c *Config) bool { return c.Server.Port == 8470 }},
		{"port out of range", "QKD_API_PORT", "70000", func(c *Config) bool { return c.Server.Port == 8470 }},
		{"zero port", "QKD_METRICS_PORT", "0", func(c *Config) bool { return c.Metrics.Port == 9470 }},
		{"bad int", "QKD_LOW_WATER", "many", func(c *Config) bool { return c.Lifecycle.LowWater == 64 }},
		{"bad bool", "QKD_REQUIRE_QKD", "maybe", func(c *Config) bool { return !c.Monitor.RequireQKD }},
		{"bad duration", "QKD_KME_TIMEOUT", "soon", func(c *Config) bool { return c.KME.Timeout == 10*time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg := Default()
			ApplyEnvOverrides(cfg)
			if !tt.check(cfg) {
				t.Errorf("%s=%q should be ignored", tt.env, tt.value)
			}
		})
	}
}

func TestApplyEnvOverrides_Values(t *testing.T) {
	t.Setenv("QKD_ADDR_PQKD", "https://kme:443")
	t.Setenv("QKD_ROLE", "slave")
	t.Setenv("QKD_API_PORT", "9000")
	t.Setenv("QKD_LOG_LEVEL", "debug")
	t.Setenv("QKD_BATCH_SIZE", "12")
	t.Setenv("QKD_BINDING_HASH", "sha384")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	if cfg.KME.Address != "https://kme:443" {
		t.Errorf("KME.Address = %q", cfg.KME.Address)
	}
	if cfg.Node.Role != RoleSlave {
		t.Errorf("Node.Role = %q, want slave", cfg.Node.Role)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Lifecycle.BatchSize != 12 {
		t.Errorf("BatchSize = %d, want 12", cfg.Lifecycle.BatchSize)
	}
	if h, err := cfg.Binding.HashFunc(); err != nil || h != crypto.SHA384 {
		t.Errorf("Binding.HashFunc() = %v, %v, want SHA-384", h, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing sae id", func(c *Config) { c.Node.SAEID = "" }, "node.sae_id"},
		{"missing peer", func(c *Config) { c.Node.PeerSAEID = "" }, "node.peer_sae_id"},
		{"same sae ids", func(c *Config) { c.Node.PeerSAEID = c.Node.SAEID }, "must differ"},
		{"unsafe sae id", func(c *Config) { c.Node.PeerSAEID = "sae/../enc_keys" }, "node.peer_sae_id"},
		{"bad role", func(c *Config) { c.Node.Role = "observer" }, "invalid node role"},
		{"peer on slave", func(c *Config) {
			c.Node.Role = RoleSlave
			c.Node.Peer.Address = "http://peer:8470"
		}, "only used in the master role"},
		{"bad peer url", func(c *Config) { c.Node.Peer.Address = "peer:8470" }, "node.peer.address"},
		{"missing kme", func(c *Config) { c.KME.Address = "" }, "kme.address is required"},
		{"kme scheme", func(c *Config) { c.KME.Address = "ftp://kme" }, "scheme must be http or https"},
		{"kme cert without key", func(c *Config) {
			c.KME.Address = "https://kme:443"
			c.KME.TLS.CertFile = "/etc/qkd/sae.crt"
		}, "set together"},
		{"zero key size", func(c *Config) { c.KME.KeySize = 0 }, "key_size"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"low water above capacity", func(c *Config) { c.Lifecycle.LowWater = c.Cache.Capacity + 1 }, "low_water"},
		{"zero batch", func(c *Config) { c.Lifecycle.BatchSize = 0 }, "batch_size"},
		{"zero attempts", func(c *Config) { c.Lifecycle.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"shrinking multiplier", func(c *Config) { c.Lifecycle.Retry.Multiplier = 0.5 }, "multiplier"},
		{"bad policy", func(c *Config) { c.Fallback.Policy = "sometimes" }, "invalid fallback.policy"},
		{"allow without source", func(c *Config) { c.Fallback.Source = "" }, "fallback.source"},
		{"require qkd with allow", func(c *Config) { c.Monitor.RequireQKD = true }, "require_qkd"},
		{"require qkd with deny", func(c *Config) {
			c.Monitor.RequireQKD = true
			c.Fallback.Policy = FallbackDeny
		}, ""},
		{"subkey too small", func(c *Config) { c.Binding.SubkeySize = 8 }, "subkey_size"},
		{"binding hash", func(c *Config) { c.Binding.Hash = "md5" }, "binding.hash"},
		{"binding hash sha512", func(c *Config) { c.Binding.Hash = "SHA-512" }, ""},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"server disabled ignores port", func(c *Config) {
			c.Server.Enabled = false
			c.Server.Port = 0
		}, ""},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"shared listener", func(c *Config) { c.Metrics.Port = c.Server.Port }, "must not share"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"ratelimit", func(c *Config) { c.RateLimit.RequestsPerMin = 0 }, "requests_per_min"},
		{"events", func(c *Config) { c.Events.Capacity = 0 }, "events capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddresses(t *testing.T) {
	cfg := Default()
	if got := cfg.APIAddress(); got != "127.0.0.1:8470" {
		t.Errorf("APIAddress() = %s", got)
	}
	if got := cfg.MetricsAddress(); got != "127.0.0.1:9470" {
		t.Errorf("MetricsAddress() = %s", got)
	}
}
