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

package cli

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/client"
)

// DefaultServer is the operator API address of a local agent.
const DefaultServer = "http://127.0.0.1:8470"

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the agent configuration file
	ConfigFile string

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	// Server is the operator API URL of a running agent
	Server string

	// APIKey is the API key for authentication
	APIKey string

	// TLSInsecure skips TLS certificate verification (not recommended)
	TLSInsecure bool

	// TLSCert is the path to the client certificate file (for mTLS)
	TLSCert string

	// TLSKey is the path to the client key file (for mTLS)
	TLSKey string

	// TLSCACert is the path to the CA certificate file
	TLSCACert string

	// Timeout bounds each operator API request
	Timeout time.Duration
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
		Server:       DefaultServer,
		Timeout:      30 * time.Second,
	}
}

// CreateClient creates an operator API client for Server.
func (c *Config) CreateClient() (*client.Client, error) {
	clientCfg := &client.Config{
		Address: c.Server,
		APIKey:  c.APIKey,
		Timeout: c.Timeout,
	}

	u, err := url.Parse(c.Server)
	if err == nil && u.Scheme == "https" {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		clientCfg.TLSConfig = tlsConfig
	}

	return client.New(clientCfg)
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	// #nosec G402 - InsecureSkipVerify is an explicit operator flag
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSInsecure,
	}

	if c.TLSCACert != "" {
		caCert, err := os.ReadFile(c.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.TLSCert != "" || c.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
