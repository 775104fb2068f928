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

// Package config loads the agent configuration.
//
// Configuration comes from a YAML file layered over Default(), then QKD_*
// environment variables, then command-line flags applied by the CLI.
// Validate checks every section; a config that fails validation never
// reaches the lifecycle manager.
package config

import (
	"crypto"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-qkd/pkg/kdf"
	"github.com/jeremyhahn/go-qkd/pkg/validation"
)

// Node roles
const (
	// RoleMaster fetches new keys with enc_keys and announces their IDs.
	RoleMaster = "master"
	// RoleSlave only imports keys announced by the master.
	RoleSlave = "slave"
)

// Fallback policies
const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

// Config is the complete agent configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	KME       KMEConfig       `yaml:"kme"`
	Cache     CacheConfig     `yaml:"cache"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Binding   BindingConfig   `yaml:"binding"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Events    EventsConfig    `yaml:"events"`
}

// NodeConfig identifies this SAE and its peer.
type NodeConfig struct {
	SAEID     string `yaml:"sae_id"`
	PeerSAEID string `yaml:"peer_sae_id"`
	Role      string `yaml:"role"` // master, slave

	// Peer is the peer agent's operator API. Masters announce fetched key
	// IDs there; leave Address empty when an external p2p layer announces.
	Peer PeerConfig `yaml:"peer"`
}

// PeerConfig reaches the peer agent's operator API.
type PeerConfig struct {
	Address string          `yaml:"address"`
	APIKey  string          `yaml:"api_key"`
	Timeout time.Duration   `yaml:"timeout"`
	TLS     ClientTLSConfig `yaml:"tls"`
}

// KMEConfig configures the ETSI 014 client.
type KMEConfig struct {
	Address           string          `yaml:"address"`
	KeySize           int             `yaml:"key_size"` // bytes
	MaxKeysPerRequest int             `yaml:"max_keys_per_request"`
	Timeout           time.Duration   `yaml:"timeout"`
	RequestsPerMin    int             `yaml:"requests_per_min"`
	Burst             int             `yaml:"burst"`
	TLS               ClientTLSConfig `yaml:"tls"`
}

// ClientTLSConfig is a mutual-TLS client identity.
type ClientTLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
	MinVersion string `yaml:"min_version"` // TLS1.2, TLS1.3
	Insecure   bool   `yaml:"insecure_skip_verify"`
}

// LedgerConfig places the spent-identifier ledger on disk. With an empty
// Path the ledger lives in memory and is lost on restart.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig bounds the key cache.
type CacheConfig struct {
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	LedgerSize    int           `yaml:"ledger_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LifecycleConfig tunes replenishment and Acquire.
type LifecycleConfig struct {
	LowWater        int           `yaml:"low_water"`
	BatchSize       int           `yaml:"batch_size"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SupplyInterval  time.Duration `yaml:"supply_interval"`
	StatusInterval  time.Duration `yaml:"status_interval"`
	FatalHoldoff    time.Duration `yaml:"fatal_holdoff"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig is the KME fetch backoff.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// MonitorConfig tunes the degradation monitor.
type MonitorConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	LowWaterGrace    time.Duration `yaml:"low_water_grace"`
	RequireQKD       bool          `yaml:"require_qkd"`
}

// FallbackConfig selects what Acquire does without QKD keys. Policy has
// no default and must be set.
type FallbackConfig struct {
	Policy            string `yaml:"policy"` // allow, deny
	Source            string `yaml:"source"` // mlkem768, entropy, oqs-mlkem768, or a comma separated chain
	PeerPublicKeyFile string `yaml:"peer_public_key_file"`
}

// BindingConfig configures subkey derivation.
type BindingConfig struct {
	SubkeySize int    `yaml:"subkey_size"`
	LedgerSize int    `yaml:"ledger_size"`
	Hash       string `yaml:"hash"` // sha256, sha384 or sha512; both SAEs must match
}

// HashFunc returns the HKDF hash named by Hash.
func (b BindingConfig) HashFunc() (crypto.Hash, error) {
	return kdf.ParseHash(b.Hash)
}

// ServerConfig configures the operator API listener.
type ServerConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TLS             ServerTLSConfig `yaml:"tls"`
}

// ServerTLSConfig configures operator API TLS, optionally with client
// certificate verification.
type ServerTLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	CAFile     string   `yaml:"ca_file"`
	ClientAuth string   `yaml:"client_auth"` // none, request, require, verify, require_and_verify
	ClientCAs  []string `yaml:"client_cas"`

	MinVersion   string   `yaml:"min_version"`
	MaxVersion   string   `yaml:"max_version"`
	CipherSuites []string `yaml:"cipher_suites"`
}

// AuthConfig selects the operator API authenticator.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Type is noop, apikey, jwt, mtls, or a comma separated list tried in
	// order.
	Type string `yaml:"type"`

	// APIKeys maps keys to identities.
	APIKeys map[string]APIKeyConfig `yaml:"api_keys,omitempty"`

	JWT *JWTConfig `yaml:"jwt,omitempty"`

	MTLS MTLSConfig `yaml:"mtls"`
}

// APIKeyConfig is the identity behind one API key.
type APIKeyConfig struct {
	Subject string         `yaml:"subject"`
	Roles   []string       `yaml:"roles,omitempty"`
	Claims  map[string]any `yaml:"claims,omitempty"`
}

// JWTConfig verifies externally issued bearer tokens.
type JWTConfig struct {
	PublicKeyFile string        `yaml:"public_key_file"`
	Issuer        string        `yaml:"issuer"`
	Audience      []string      `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
}

// MTLSConfig maps verified client certificates to identities.
type MTLSConfig struct {
	AllowedSubjects []string `yaml:"allowed_subjects"`
}

// RateLimitConfig limits operator API requests per client.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// HealthConfig configures the health probes.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	KMEMaxAge    time.Duration `yaml:"kme_max_age"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// EventsConfig sizes the operator event journal.
type EventsConfig struct {
	Capacity int `yaml:"capacity"`
}

// Default returns a configuration with every setting at its default.
// Fallback.Policy is left empty on purpose and must be configured.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role: RoleMaster,
			Peer: PeerConfig{Timeout: 5 * time.Second},
		},
		KME: KMEConfig{
			KeySize:           32,
			MaxKeysPerRequest: 64,
			Timeout:           10 * time.Second,
			RequestsPerMin:    600,
			Burst:             10,
		},
		Cache: CacheConfig{
			Capacity:      256,
			TTL:           10 * time.Minute,
			SweepInterval: 5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			LowWater:        64,
			BatchSize:       32,
			DefaultDeadline: 2 * time.Second,
			PollInterval:    100 * time.Millisecond,
			SupplyInterval:  time.Second,
			StatusInterval:  30 * time.Second,
			FatalHoldoff:    30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      2,
			},
		},
		Monitor: MonitorConfig{
			FailureThreshold: 3,
			LowWaterGrace:    30 * time.Second,
		},
		Fallback: FallbackConfig{
			Source: "mlkem768",
		},
		Binding: BindingConfig{
			SubkeySize: 32,
			Hash:       "sha256",
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8470,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Type: "noop",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 600,
			Burst:          50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            9470,
			Path:            "/metrics",
			CollectInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      true,
			KMEMaxAge:    2 * time.Minute,
			CheckTimeout: 2 * time.Second,
		},
		Events: EventsConfig{
			Capacity: 1024,
		},
	}
}

// Load reads a YAML configuration file over the defaults, applies QKD_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer flags on top
// before validating. An empty path yields the defaults.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides applies the QKD_* environment variables. Invalid
// values are logged and ignored.
func ApplyEnvOverrides(cfg *Config) {
	envString("QKD_SAE_ID", &cfg.Node.SAEID)
	envString("QKD_PEER_SAE_ID", &cfg.Node.PeerSAEID)
	envString("QKD_ROLE", &cfg.Node.Role)
	envString("QKD_PEER_ADDRESS", &cfg.Node.Peer.Address)
	envString("QKD_PEER_API_KEY", &cfg.Node.Peer.APIKey)

	envString("QKD_ADDR_PQKD", &cfg.KME.Address)
	envInt("QKD_KEY_SIZE", &cfg.KME.KeySize)
	envDuration("QKD_KME_TIMEOUT", &cfg.KME.Timeout)
	envString("QKD_KME_CERT_FILE", &cfg.KME.TLS.CertFile)
	envString("QKD_KME_KEY_FILE", &cfg.KME.TLS.KeyFile)
	envString("QKD_KME_CA_FILE", &cfg.KME.TLS.CAFile)

	envString("QKD_LEDGER_PATH", &cfg.Ledger.Path)
	envInt("QKD_CACHE_CAPACITY", &cfg.Cache.Capacity)
	envDuration("QKD_CACHE_TTL", &cfg.Cache.TTL)
	envInt("QKD_LOW_WATER", &cfg.Lifecycle.LowWater)
	envInt("QKD_BATCH_SIZE", &cfg.Lifecycle.BatchSize)

	envString("QKD_FALLBACK_POLICY", &cfg.Fallback.Policy)
	envString("QKD_FALLBACK_SOURCE", &cfg.Fallback.Source)
	envBool("QKD_REQUIRE_QKD", &cfg.Monitor.RequireQKD)
	envString("QKD_BINDING_HASH", &cfg.Binding.Hash)

	envString("QKD_API_HOST", &cfg.Server.Host)
	envPort("QKD_API_PORT", &cfg.Server.Port)
	envPort("QKD_METRICS_PORT", &cfg.Metrics.Port)

	envString("QKD_LOG_LEVEL", &cfg.Logging.Level)
	envString("QKD_LOG_FORMAT", &cfg.Logging.Format)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %d: %v", name, v, *dst, err)
		return
	}
	*dst = n
}

func envPort(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %d: %v", name, v, *dst, err)
		return
	}
	if port < 1 || port > 65535 {
		log.Printf("Warning: invalid %s value %q (out of range 1-65535), using %d", name, v, *dst)
		return
	}
	*dst = port
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %t: %v", name, v, *dst, err)
		return
	}
	*dst = b
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %s: %v", name, v, *dst, err)
		return
	}
	*dst = d
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateKME(); err != nil {
		return err
	}
	if err := c.validateSupply(); err != nil {
		return err
	}
	if err := c.validateFallback(); err != nil {
		return err
	}

	if c.Binding.SubkeySize < 16 || c.Binding.SubkeySize > 64 {
		return fmt.Errorf("binding.subkey_size must be between 16 and 64 bytes, got %d", c.Binding.SubkeySize)
	}
	if _, err := c.Binding.HashFunc(); err != nil {
		return fmt.Errorf("binding.hash: %w", err)
	}

	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
		if c.Server.TLS.Enabled {
			if c.Server.TLS.CertFile == "" {
				return fmt.Errorf("server TLS cert_file is required when TLS is enabled")
			}
			if c.Server.TLS.KeyFile == "" {
				return fmt.Errorf("server TLS key_file is required when TLS is enabled")
			}
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Server.Enabled && c.Metrics.Port == c.Server.Port && c.Metrics.Host == c.Server.Host {
			return fmt.Errorf("metrics and server listeners must not share %s:%d", c.Server.Host, c.Server.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
		}
	}
	if err := c.Auth.Validate(c.Server.TLS); err != nil {
		return err
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Events.Capacity <= 0 {
		return fmt.Errorf("events capacity must be positive")
	}
	return nil
}

func (c *Config) validateNode() error {
	if c.Node.SAEID == "" {
		return fmt.Errorf("node.sae_id is required (--sae-id)")
	}
	if c.Node.PeerSAEID == "" {
		return fmt.Errorf("node.peer_sae_id is required (--peer-sae-id)")
	}
	if err := validation.ValidateSAEID(c.Node.SAEID); err != nil {
		return fmt.Errorf("node.sae_id: %w", err)
	}
	if err := validation.ValidateSAEID(c.Node.PeerSAEID); err != nil {
		return fmt.Errorf("node.peer_sae_id: %w", err)
	}
	if c.Node.SAEID == c.Node.PeerSAEID {
		return fmt.Errorf("node.sae_id and node.peer_sae_id must differ")
	}
	switch c.Node.Role {
	case RoleMaster, RoleSlave:
	default:
		return fmt.Errorf("invalid node role: %q (must be master or slave)", c.Node.Role)
	}
	if c.Node.Peer.Address != "" {
		if c.Node.Role != RoleMaster {
			return fmt.Errorf("node.peer.address is only used in the master role")
		}
		if _, err := parseHTTPURL(c.Node.Peer.Address); err != nil {
			return fmt.Errorf("node.peer.address: %w", err)
		}
	}
	return nil
}

func (c *Config) validateKME() error {
	if c.KME.Address == "" {
		return fmt.Errorf("kme.address is required (--addr-pqkd)")
	}
	u, err := parseHTTPURL(c.KME.Address)
	if err != nil {
		return fmt.Errorf("kme.address: %w", err)
	}
	if u.Scheme == "https" && (c.KME.TLS.CertFile == "") != (c.KME.TLS.KeyFile == "") {
		return fmt.Errorf("kme.tls cert_file and key_file must be set together")
	}
	if c.KME.KeySize <= 0 {
		return fmt.Errorf("kme.key_size must be positive")
	}
	if c.KME.MaxKeysPerRequest <= 0 {
		return fmt.Errorf("kme.max_keys_per_request must be positive")
	}
	if c.KME.Timeout <= 0 {
		return fmt.Errorf("kme.timeout must be positive")
	}
	return nil
}

func (c *Config) validateSupply() error {
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}
	if c.Lifecycle.LowWater <= 0 || c.Lifecycle.LowWater > c.Cache.Capacity {
		return fmt.Errorf("lifecycle.low_water must be between 1 and cache.capacity (%d), got %d",
			c.Cache.Capacity, c.Lifecycle.LowWater)
	}
	if c.Lifecycle.BatchSize <= 0 {
		return fmt.Errorf("lifecycle.batch_size must be positive")
	}
	if c.Lifecycle.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("lifecycle.retry.max_attempts must be positive")
	}
	if c.Lifecycle.Retry.Multiplier != 0 && c.Lifecycle.Retry.Multiplier < 1 {
		return fmt.Errorf("lifecycle.retry.multiplier must be at least 1")
	}
	if c.Monitor.FailureThreshold <= 0 {
		return fmt.Errorf("monitor.failure_threshold must be positive")
	}
	return nil
}

func (c *Config) validateFallback() error {
	switch c.Fallback.Policy {
	case FallbackAllow:
		if c.Fallback.Source == "" {
			return fmt.Errorf("fallback.source is required when fallback.policy is allow")
		}
		if c.Monitor.RequireQKD {
			return fmt.Errorf("monitor.require_qkd conflicts with fallback.policy allow")
		}
	case FallbackDeny:
	case "":
		return fmt.Errorf("fallback.policy must be set to allow or deny (--fallback)")
	default:
		return fmt.Errorf("invalid fallback.policy: %q (must be allow or deny)", c.Fallback.Policy)
	}
	return nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// APIAddress is the operator API listen address.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddress is the metrics listen address.
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}
