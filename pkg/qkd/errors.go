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

package qkd

import (
	"errors"
	"fmt"
)

// Transport error kinds
var (
	// ErrUnreachable indicates a connection, DNS, TLS or timeout failure.
	ErrUnreachable = errors.New("qkd: kme unreachable")

	// ErrUnauthorized indicates the KME rejected this SAE's identity.
	ErrUnauthorized = errors.New("qkd: sae identity rejected")

	// ErrExhausted indicates the KME has no key material to deliver.
	ErrExhausted = errors.New("qkd: key material exhausted")

	// ErrMalformed indicates a response failed schema or length validation.
	ErrMalformed = errors.New("qkd: malformed kme response")
)

// Acquire error kinds
var (
	// ErrTimeout indicates no key became available before the deadline.
	ErrTimeout = errors.New("qkd: acquire timed out")

	// ErrExpired indicates a reserved key expired before consumption.
	ErrExpired = errors.New("qkd: key expired")

	// ErrUnavailable indicates every key source, fallback included, failed.
	ErrUnavailable = errors.New("qkd: no key source available")

	// ErrQKDRequired indicates quantum keys are mandatory by configuration
	// and the QKD path cannot currently provide them.
	ErrQKDRequired = errors.New("qkd: configuration requires qkd and qkd is unavailable")
)

// ErrInvalidArgument indicates a caller supplied an unusable argument.
var ErrInvalidArgument = errors.New("qkd: invalid argument")

// TransportError is returned by the KME transport. Kind is one of
// ErrUnreachable, ErrUnauthorized, ErrExhausted or ErrMalformed.
type TransportError struct {
	Op   string
	Kind error
	Err  error
}

// NewTransportError creates a transport error of the given kind.
func NewTransportError(op string, kind error, err error) *TransportError {
	return &TransportError{Op: op, Kind: kind, Err: err}
}

// Error implements error.
func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AcquireError is returned to consumers of the key supply. Kind is one of
// ErrTimeout, ErrExpired, ErrUnavailable or ErrQKDRequired.
type AcquireError struct {
	Purpose Purpose
	Kind    error
	Err     error
}

// NewAcquireError creates an acquire error of the given kind.
func NewAcquireError(purpose Purpose, kind error, err error) *AcquireError {
	return &AcquireError{Purpose: purpose, Kind: kind, Err: err}
}

// Error implements error.
func (e *AcquireError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire %s: %v", e.Purpose, e.Kind)
	}
	return fmt.Sprintf("acquire %s: %v: %v", e.Purpose, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *AcquireError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsFatal reports whether err is a configuration or integration fault
// that retrying cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrMalformed)
}

// IsTransient reports whether err may clear on its own and is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrExhausted)
}

// TransportKind returns the short name of a transport error kind, or
// "unknown" when err carries none. Used for metric and event labels.
func TransportKind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "unknown"
	}
}
