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

// Package qkd defines the domain types shared by the QKD key supply:
// key identifiers, purposes, entry states, service status snapshots,
// derived subkeys and the transport and acquire error taxonomies.
package qkd

import (
	"fmt"
	"strings"
	"time"
)

// KeyID is the opaque identifier the KME assigns to one unit of key
// material. Both SAEs of a link refer to the same secret by its KeyID.
type KeyID string

// String returns the identifier as a string.
func (id KeyID) String() string {
	return string(id)
}

// Key is one unit of raw key material as delivered by the transport.
// Material is owned by the receiver, which must seal or wipe it.
type Key struct {
	ID       KeyID
	Material []byte
}

// Wipe zeroes the key material in place.
func (k *Key) Wipe() {
	for i := range k.Material {
		k.Material[i] = 0
	}
}

// Purpose is the usage a consumer declares when acquiring a key. It
// selects the derivation label used by the session binding layer.
type Purpose int

const (
	// PurposeUnknown is the zero value and is never valid for acquisition.
	PurposeUnknown Purpose = iota
	// PurposePeerHandshake keys peer-session encryption during p2p handshakes.
	PurposePeerHandshake
	// PurposeBlockSigningAux seeds auxiliary material for block signing.
	PurposeBlockSigningAux
)

var purposeNames = map[Purpose]string{
	PurposePeerHandshake:   "peer-handshake",
	PurposeBlockSigningAux: "block-signing-aux",
}

// String returns the stable label of the purpose.
func (p Purpose) String() string {
	if name, ok := purposeNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	_, ok := purposeNames[p]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (p Purpose) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: purpose %d", ErrInvalidArgument, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Purpose) UnmarshalText(text []byte) error {
	parsed, err := ParsePurpose(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePurpose parses the label form of a purpose. Underscores and
// letter case are accepted, so "PEER_HANDSHAKE" parses as well.
func ParsePurpose(s string) (Purpose, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for p, name := range purposeNames {
		if name == normalized {
			return p, nil
		}
	}
	return PurposeUnknown, fmt.Errorf("%w: unknown purpose %q", ErrInvalidArgument, s)
}

// Purposes returns all valid purposes in declaration order.
func Purposes() []Purpose {
	return []Purpose{PurposePeerHandshake, PurposeBlockSigningAux}
}

// KeyState is the lifecycle state of a cached key entry.
type KeyState int

const (
	// StatePending entries were fetched but are not yet usable.
	StatePending KeyState = iota
	// StateAvailable entries may be reserved.
	StateAvailable
	// StateReserved entries are held by exactly one consumer.
	StateReserved
	// StateConsumed entries were handed out once and erased.
	StateConsumed
	// StateExpired entries passed their deadline before consumption.
	StateExpired
)

// String returns the lower-case name of the state.
func (s KeyState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAvailable:
		return "available"
	case StateReserved:
		return "reserved"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Reserved may return to Available when a holder releases an unused key.
func (s KeyState) CanTransition(next KeyState) bool {
	switch s {
	case StatePending:
		return next == StateAvailable || next == StateExpired
	case StateAvailable:
		return next == StateReserved || next == StateExpired
	case StateReserved:
		return next == StateConsumed || next == StateExpired || next == StateAvailable
	default:
		return false
	}
}

// ServiceStatus is a snapshot of the KME as last observed.
type ServiceStatus struct {
	Reachable        bool      `json:"reachable"`
	AvailableKeys    int       `json:"available_keys"`
	LastExchange     time.Time `json:"last_exchange,omitempty"`
	SourceKMEID      string    `json:"source_kme_id,omitempty"`
	TargetKMEID      string    `json:"target_kme_id,omitempty"`
	KeySizeBits      int       `json:"key_size_bits,omitempty"`
	MaxKeyCount      int       `json:"max_key_count,omitempty"`
	MaxKeyPerRequest int       `json:"max_key_per_request,omitempty"`
}

// SourceQKD marks subkeys derived from quantum key material.
const SourceQKD = "qkd"

// DerivedSubkey is the only form in which key material leaves the core.
type DerivedSubkey struct {
	// KeyID names the raw key the subkey was derived from. Empty for
	// fallback material.
	KeyID KeyID
	// Purpose the subkey was derived for.
	Purpose Purpose
	// Source is SourceQKD or the name of the fallback source.
	Source string
	// Key is the derived secret.
	Key []byte
	// Encapsulation carries a KEM ciphertext the peer needs to recover the
	// same secret when a KEM fallback produced the subkey.
	Encapsulation []byte
	// Fingerprint is a short key check value, safe to log and exchange.
	Fingerprint string
}

// Destroy zeroes the subkey.
func (d *DerivedSubkey) Destroy() {
	if d == nil {
		return
	}
	for i := range d.Key {
		d.Key[i] = 0
	}
}

// IsFallback reports whether the subkey came from a fallback source.
func (d *DerivedSubkey) IsFallback() bool {
	return d.Source != SourceQKD
}
