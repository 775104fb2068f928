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
	"crypto/x509"
	"fmt"
	"net/http"
	"slices"
)

// MTLSAuthenticator authenticates operators by their verified TLS client
// certificate. The server's tls.Config must request and verify client
// certificates; this authenticator only maps the leaf to an identity.
type MTLSAuthenticator struct {
	allowed        []string
	extractSubject func(*x509.Certificate) string
	extractRoles   func(*x509.Certificate) []string
}

// MTLSConfig configures the mTLS authenticator
type MTLSConfig struct {
	// AllowedSubjects restricts which subjects are accepted. Empty accepts
	// every certificate the TLS layer verified.
	AllowedSubjects []string

	// ExtractSubject extracts the subject identifier from the client certificate
	// If nil, uses the certificate's Subject Common Name
	ExtractSubject func(*x509.Certificate) string

	// ExtractRoles maps the certificate to operator roles. If nil, the
	// organizational units are used as roles.
	ExtractRoles func(*x509.Certificate) []string
}

// NewMTLSAuthenticator creates a new mTLS authenticator
func NewMTLSAuthenticator(config *MTLSConfig) *MTLSAuthenticator {
	if config == nil {
		config = &MTLSConfig{}
	}
	a := &MTLSAuthenticator{
		allowed:        slices.Clone(config.AllowedSubjects),
		extractSubject: config.ExtractSubject,
		extractRoles:   config.ExtractRoles,
	}
	if a.extractSubject == nil {
		a.extractSubject = defaultExtractSubject
	}
	if a.extractRoles == nil {
		a.extractRoles = func(cert *x509.Certificate) []string {
			return slices.Clone(cert.Subject.OrganizationalUnit)
		}
	}
	return a
}

// Authenticate authenticates an HTTP request by its client certificate.
func (a *MTLSAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no client certificate", ErrNoCredentials)
	}
	// Verified chains are only populated when the server verified the peer.
	if len(r.TLS.VerifiedChains) == 0 {
		return nil, fmt.Errorf("%w: client certificate not verified", ErrInvalidCredentials)
	}

	cert := r.TLS.PeerCertificates[0]
	subject := a.extractSubject(cert)
	if len(a.allowed) > 0 && !slices.Contains(a.allowed, subject) {
		return nil, fmt.Errorf("%w: subject %q not allowed", ErrInvalidCredentials, subject)
	}

	return &Identity{
		Subject: subject,
		Claims: map[string]any{
			"roles":        a.extractRoles(cert),
			"common_name":  cert.Subject.CommonName,
			"organization": cert.Subject.Organization,
			"dns_names":    cert.DNSNames,
		},
		Attributes: map[string]string{
			"auth_method": "mtls",
			"cert_serial": cert.SerialNumber.String(),
			"cert_issuer": cert.Issuer.String(),
			"remote_addr": r.RemoteAddr,
		},
	}, nil
}

// Name returns the authenticator name
func (a *MTLSAuthenticator) Name() string {
	return "mtls"
}

func defaultExtractSubject(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return cert.SerialNumber.String()
}
