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
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-qkd/internal/testutil"
)

type certFiles struct {
	caFile   string
	certFile string
	keyFile  string
}

func generateCertFiles(t *testing.T) certFiles {
	t.Helper()
	ca, err := testutil.GenerateTestCA()
	if err != nil {
		t.Fatalf("Failed to generate CA: %v", err)
	}
	serverCert, err := testutil.GenerateTestServerCert(ca, "localhost")
	if err != nil {
		t.Fatalf("Failed to generate server cert: %v", err)
	}
	dir := t.TempDir()
	certFile, keyFile, err := serverCert.WriteFiles(dir, "server")
	if err != nil {
		t.Fatalf("Failed to write cert files: %v", err)
	}
	caFile, err := ca.WriteFile(dir)
	if err != nil {
		t.Fatalf("Failed to write CA file: %v", err)
	}
	return certFiles{caFile: caFile, certFile: certFile, keyFile: keyFile}
}

func TestServerTLS_Disabled(t *testing.T) {
	cfg := &ServerTLSConfig{Enabled: false}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v, want nil", err)
	}
	if tlsConfig != nil {
		t.Errorf("LoadTLSConfig() = %v, want nil for disabled TLS", tlsConfig)
	}
}

func TestServerTLS_ValidConfig(t *testing.T) {
	files := generateCertFiles(t)
	cfg := &ServerTLSConfig{
		Enabled:  true,
		CertFile: files.certFile,
		KeyFile:  files.keyFile,
	}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v, want nil", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("len(Certificates) = %v, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %v, want TLS 1.2", tlsConfig.MinVersion)
	}
	if tlsConfig.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", tlsConfig.ClientAuth)
	}
}

func TestServerTLS_MissingFiles(t *testing.T) {
	cfg := &ServerTLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}
	if _, err := cfg.LoadTLSConfig(); err == nil {
		t.Fatal("LoadTLSConfig() should return error for missing cert file")
	}
}

func TestServerTLS_VersionsAndSuites(t *testing.T) {
	files := generateCertFiles(t)
	cfg := &ServerTLSConfig{
		Enabled:      true,
		CertFile:     files.certFile,
		KeyFile:      files.keyFile,
		MinVersion:   "TLS1.2",
		MaxVersion:   "TLS1.3",
		CipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"},
	}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if tlsConfig.MaxVersion != tls.VersionTLS13 {
		t.Errorf("MaxVersion = %v, want TLS 1.3", tlsConfig.MaxVersion)
	}
	if len(tlsConfig.CipherSuites) != 1 || tlsConfig.CipherSuites[0] != tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 {
		t.Errorf("CipherSuites = %v", tlsConfig.CipherSuites)
	}

	cfg.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"}
	if _, err := cfg.LoadTLSConfig(); err == nil {
		t.Error("LoadTLSConfig() should reject unknown cipher suites")
	}

	cfg.CipherSuites = nil
	cfg.MinVersion = "TLS1.0"
	if _, err := cfg.LoadTLSConfig(); err == nil {
		t.Error("LoadTLSConfig() should reject TLS 1.0")
	}
}

func TestServerTLS_WithClientAuth(t *testing.T) {
	files := generateCertFiles(t)
	cfg := &ServerTLSConfig{
		Enabled:    true,
		CertFile:   files.certFile,
		KeyFile:    files.keyFile,
		CAFile:     files.caFile,
		ClientAuth: "require_and_verify",
	}

	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsConfig.ClientAuth)
	}
	if tlsConfig.ClientCAs == nil {
		t.Error("ClientCAs should be set")
	}

	cfg.ClientAuth = "sometimes"
	if _, err := cfg.LoadTLSConfig(); err == nil {
		t.Error("LoadTLSConfig() should reject unknown client auth types")
	}
}

func TestClientTLS(t *testing.T) {
	ca, err := testutil.GenerateTestCA()
	if err != nil {
		t.Fatalf("Failed to generate CA: %v", err)
	}
	clientCert, err := testutil.GenerateTestClientCert(ca, "sae-alice")
	if err != nil {
		t.Fatalf("Failed to generate client cert: %v", err)
	}
	dir := t.TempDir()
	certFile, keyFile, err := clientCert.WriteFiles(dir, "sae")
	if err != nil {
		t.Fatalf("Failed to write cert files: %v", err)
	}
	caFile, err := ca.WriteFile(dir)
	if err != nil {
		t.Fatalf("Failed to write CA file: %v", err)
	}

	cfg := &ClientTLSConfig{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     caFile,
		ServerName: "kme-a",
		MinVersion: "TLS1.3",
	}
	tlsConfig, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("len(Certificates) = %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.RootCAs == nil {
		t.Error("RootCAs should be set")
	}
	if tlsConfig.ServerName != "kme-a" || tlsConfig.MinVersion != tls.VersionTLS13 {
		t.Errorf("unexpected config: server=%s min=%v", tlsConfig.ServerName, tlsConfig.MinVersion)
	}

	empty, err := (&ClientTLSConfig{}).LoadTLSConfig()
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if len(empty.Certificates) != 0 || empty.RootCAs != nil {
		t.Error("empty client config should use system roots without a certificate")
	}

	if _, err := (&ClientTLSConfig{CertFile: certFile}).LoadTLSConfig(); err == nil {
		t.Error("LoadTLSConfig() should fail with a certificate but no key")
	}
}

func TestParseClientAuthType(t *testing.T) {
	tests := []struct {
		input   string
		want    tls.ClientAuthType
		wantErr bool
	}{
		{"", tls.NoClientCert, false},
		{"none", tls.NoClientCert, false},
		{"request", tls.RequestClientCert, false},
		{"require", tls.RequireAnyClientCert, false},
		{"verify", tls.VerifyClientCertIfGiven, false},
		{"require_and_verify", tls.RequireAndVerifyClientCert, false},
		{"invalid", tls.NoClientCert, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseClientAuthType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseClientAuthType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseClientAuthType(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadCertPool(t *testing.T) {
	files := generateCertFiles(t)

	pool, err := loadCertPool(files.caFile, []string{files.caFile})
	if err != nil {
		t.Fatalf("loadCertPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("loadCertPool() returned nil pool")
	}

	if _, err := loadCertPool("/nonexistent/ca.pem", nil); err == nil {
		t.Error("loadCertPool() should fail for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCertPool("", []string{bad}); err == nil {
		t.Error("loadCertPool() should fail for invalid PEM")
	}
}
