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

// Package kdf provides key derivation adapters used to turn raw quantum
// key material into purpose-scoped subkeys.
package kdf

import (
	"crypto"
	"errors"
)

// Algorithm represents the key derivation function algorithm type
type Algorithm string

const (
	// AlgorithmHKDF represents HMAC-based Extract-and-Expand Key Derivation Function (RFC 5869)
	AlgorithmHKDF Algorithm = "HKDF"
)

// String returns the string representation of the KDF algorithm
func (a Algorithm) String() string {
	return string(a)
}

// Params contains parameters for key derivation
type Params struct {
	// Algorithm specifies which KDF algorithm to use
	Algorithm Algorithm

	// Salt is the extract-step salt. Optional for HKDF.
	Salt []byte

	// Info is the context and application-specific label
	Info []byte

	// KeyLength is the desired output key length in bytes
	KeyLength int

	// Hash is the hash function to use
	Hash crypto.Hash
}

// Adapter is the interface for key derivation function adapters
type Adapter interface {
	// DeriveKey derives a key from the input key material using the specified parameters
	DeriveKey(ikm []byte, params *Params) ([]byte, error)

	// Algorithm returns the KDF algorithm this adapter implements
	Algorithm() Algorithm

	// ValidateParams validates the KDF parameters for this algorithm
	ValidateParams(params *Params) error
}

// Common errors
var (
	// ErrInvalidKeyLength indicates the requested key length is invalid
	ErrInvalidKeyLength = errors.New("kdf: invalid key length")

	// ErrInvalidHash indicates the hash function is invalid or not supported
	ErrInvalidHash = errors.New("kdf: invalid or unsupported hash function")

	// ErrInvalidIKM indicates the input key material is invalid
	ErrInvalidIKM = errors.New("kdf: invalid input key material")

	// ErrUnsupportedAlgorithm indicates the algorithm is not supported by this adapter
	ErrUnsupportedAlgorithm = errors.New("kdf: unsupported algorithm")
)

// DefaultParams returns recommended default parameters for the algorithm
func DefaultParams(algorithm Algorithm) *Params {
	switch algorithm {
	case AlgorithmHKDF:
		return &Params{
			Algorithm: AlgorithmHKDF,
			KeyLength: 32,
			Hash:      crypto.SHA256,
		}
	default:
		return nil
	}
}

// ParseHash maps a configuration name to a hash function.
func ParseHash(name string) (crypto.Hash, error) {
	switch name {
	case "", "sha256", "SHA256", "SHA-256":
		return crypto.SHA256, nil
	case "sha384", "SHA384", "SHA-384":
		return crypto.SHA384, nil
	case "sha512", "SHA512", "SHA-512":
		return crypto.SHA512, nil
	default:
		return 0, ErrInvalidHash
	}
}
