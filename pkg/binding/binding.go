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

// Package binding maps raw quantum key material to purpose-scoped subkeys.
//
// Derivation is HKDF with the purpose and the caller's context folded into
// the expand label, so both SAEs of a link derive identical session
// material from the same KeyID while subkeys for different purposes stay
// independent. Raw keys never leave this package; callers only ever see
// DerivedSubkeys.
package binding

import (
	"crypto"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/jeremyhahn/go-qkd/pkg/kdf"
	"github.com/jeremyhahn/go-qkd/pkg/ledger"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

const (
	// Salt is the HKDF extract salt shared by every deployment.
	Salt = "go-qkd/session-binding/v1"

	// LabelPrefix prefixes every expand label.
	LabelPrefix = "go-qkd/v1/"

	// DefaultSubkeySize is the subkey length in bytes.
	DefaultSubkeySize = 32

	// FingerprintSize is the number of BLAKE2b bytes kept in a fingerprint.
	FingerprintSize = 8
)

var (
	// ErrAlreadyDerived is returned when a (KeyID, Purpose) pair was derived before.
	ErrAlreadyDerived = errors.New("binding: key already derived for purpose")

	// ErrInvalidPurpose is returned for PurposeUnknown or out-of-range values.
	ErrInvalidPurpose = errors.New("binding: invalid purpose")

	// ErrEmptyKey is returned when no raw key material is supplied.
	ErrEmptyKey = errors.New("binding: empty raw key")
)

// Config configures a Binder.
type Config struct {
	// SubkeySize is the derived subkey length in bytes (default 32)
	SubkeySize int

	// Hash is the HKDF hash function (default SHA-256)
	Hash crypto.Hash

	// LedgerSize bounds the derived-pair ledger (default ledger.DefaultCapacity)
	LedgerSize int

	// Derived replaces the in-memory derived-pair ledger
	Derived *ledger.Tracker

	// Source labels the subkeys produced (default qkd.SourceQKD)
	Source string
}

// Binder derives subkeys from raw keys.
type Binder struct {
	adapter kdf.Adapter
	params  kdf.Params
	source  string
	derived *ledger.Tracker
}

// New creates a binder over the HKDF adapter.
func New(cfg Config) (*Binder, error) {
	params := kdf.DefaultParams(kdf.AlgorithmHKDF)
	if cfg.SubkeySize > 0 {
		params.KeyLength = cfg.SubkeySize
	}
	if cfg.Hash != 0 {
		params.Hash = cfg.Hash
	}
	params.Salt = []byte(Salt)

	adapter := kdf.NewHKDFAdapter()
	if err := adapter.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("binding: %w", err)
	}

	source := cfg.Source
	if source == "" {
		source = qkd.SourceQKD
	}

	derived := cfg.Derived
	if derived == nil {
		derived = ledger.New(cfg.LedgerSize)
	}

	return &Binder{
		adapter: adapter,
		params:  *params,
		source:  source,
		derived: derived,
	}, nil
}

// SubkeySize returns the length of the subkeys this binder produces.
func (b *Binder) SubkeySize() int {
	return b.params.KeyLength
}

// Derive derives the subkey for purpose and context from rawKey.
//
// The same (keyID, purpose) pair is derived at most once; a second call
// returns ErrAlreadyDerived. An empty keyID skips the guard, which is how
// fallback sources bind freshly generated secrets that have no KeyID.
func (b *Binder) Derive(keyID qkd.KeyID, rawKey []byte, purpose qkd.Purpose, context []byte) (*qkd.DerivedSubkey, error) {
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}
	if len(rawKey) == 0 {
		return nil, ErrEmptyKey
	}

	if keyID != "" {
		if err := b.derived.Record(guardKey(keyID, purpose)); err != nil {
			if errors.Is(err, ledger.ErrReuse) {
				return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyDerived, keyID, purpose)
			}
			return nil, fmt.Errorf("binding: %w", err)
		}
	}

	subkey, err := b.expand(rawKey, purpose, context)
	if err != nil {
		return nil, err
	}

	return &qkd.DerivedSubkey{
		KeyID:       keyID,
		Purpose:     purpose,
		Source:      b.source,
		Key:         subkey,
		Fingerprint: Fingerprint(subkey),
	}, nil
}

// Compute runs the derivation without touching the derived-pair ledger.
// It returns only the subkey bytes and is meant for known-answer checks;
// it must not be used to hand out key material.
func (b *Binder) Compute(rawKey []byte, purpose qkd.Purpose, context []byte) ([]byte, error) {
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}
	if len(rawKey) == 0 {
		return nil, ErrEmptyKey
	}
	return b.expand(rawKey, purpose, context)
}

// Derived reports whether the pair has already been derived.
func (b *Binder) Derived(keyID qkd.KeyID, purpose qkd.Purpose) bool {
	return b.derived.Contains(guardKey(keyID, purpose))
}

func (b *Binder) expand(rawKey []byte, purpose qkd.Purpose, context []byte) ([]byte, error) {
	params := b.params
	params.Info = Label(purpose, context)

	subkey, err := b.adapter.DeriveKey(rawKey, &params)
	if err != nil {
		return nil, fmt.Errorf("binding: derive %s: %w", purpose, err)
	}
	return subkey, nil
}

// Label builds the HKDF expand label:
//
//	"go-qkd/v1/" || purpose || 0x00 || uint32be(len(context)) || context
//
// The length prefix keeps (purpose, context) pairs unambiguous.
func Label(purpose qkd.Purpose, context []byte) []byte {
	name := purpose.String()
	label := make([]byte, 0, len(LabelPrefix)+len(name)+5+len(context))
	label = append(label, LabelPrefix...)
	label = append(label, name...)
	label = append(label, 0)
	label = binary.BigEndian.AppendUint32(label, uint32(len(context)))
	label = append(label, context...)
	return label
}

// Fingerprint returns a short BLAKE2b-256 key check value for subkey.
func Fingerprint(subkey []byte) string {
	sum := blake2b.Sum256(subkey)
	return hex.EncodeToString(sum[:FingerprintSize])
}

func guardKey(keyID qkd.KeyID, purpose qkd.Purpose) string {
	return string(keyID) + "|" + purpose.String()
}
