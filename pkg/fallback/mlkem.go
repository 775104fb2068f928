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

package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

var (
	// ErrInvalidPublicKey indicates the peer encapsulation key could not be parsed.
	ErrInvalidPublicKey = errors.New("fallback: invalid ml-kem public key")

	// ErrNoPrivateKey indicates Open was called on a source that only
	// holds a peer public key.
	ErrNoPrivateKey = errors.New("fallback: no ml-kem private key")
)

// MLKEM derives subkeys from an ML-KEM-768 shared secret. The KEM
// ciphertext is returned in DerivedSubkey.Encapsulation so the holder of
// the decapsulation key can recover the same subkey with Open.
type MLKEM struct {
	scheme  kem.Scheme
	peer    kem.PublicKey
	private kem.PrivateKey
	public  []byte
	binder  *binding.Binder
}

// NewMLKEM creates an ML-KEM-768 source. With a nil peerPublicKey the
// source generates its own key pair and encapsulates to itself.
func NewMLKEM(peerPublicKey []byte, subkeySize int) (*MLKEM, error) {
	return newMLKEM(peerPublicKey, binding.Config{SubkeySize: subkeySize})
}

func newMLKEM(peerPublicKey []byte, cfg binding.Config) (*MLKEM, error) {
	scheme := mlkem768.Scheme()

	cfg.Source = NameMLKEM
	binder, err := binding.New(cfg)
	if err != nil {
		return nil, err
	}

	m := &MLKEM{scheme: scheme, binder: binder}

	if len(peerPublicKey) > 0 {
		if len(peerPublicKey) != scheme.PublicKeySize() {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(peerPublicKey), scheme.PublicKeySize())
		}
		pk, err := scheme.UnmarshalBinaryPublicKey(peerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		m.peer = pk
		m.public = append([]byte(nil), peerPublicKey...)
		return m, nil
	}

	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("fallback: generate ml-kem key pair: %w", err)
	}
	public, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("fallback: marshal ml-kem public key: %w", err)
	}
	m.peer = pk
	m.private = sk
	m.public = public
	return m, nil
}

// Name implements Source.
func (m *MLKEM) Name() string {
	return NameMLKEM
}

// PublicKey returns the encapsulation key in use.
func (m *MLKEM) PublicKey() []byte {
	return append([]byte(nil), m.public...)
}

// Generate encapsulates a fresh shared secret and binds it to purpose.
func (m *MLKEM) Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	return first(m.GenerateBundle(ctx, []qkd.Purpose{purpose}, bindCtx))
}

// GenerateBundle encapsulates one shared secret and binds it to every
// purpose. The peer recovers each subkey by calling Open with the shared
// ciphertext and the purpose.
func (m *MLKEM) GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ct, ss, err := m.scheme.Encapsulate(m.peer)
	if err != nil {
		return nil, fmt.Errorf("fallback: ml-kem encapsulate: %w", err)
	}
	defer wipe(ss)

	return bindAll(m.binder, ss, purposes, bindCtx, ct)
}

// Open recovers the subkey a peer produced with Generate against this
// source's public key.
func (m *MLKEM) Open(ciphertext []byte, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	if m.private == nil {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) != m.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, want %d", qkd.ErrInvalidArgument, len(ciphertext), m.scheme.CiphertextSize())
	}

	ss, err := m.scheme.Decapsulate(m.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("fallback: ml-kem decapsulate: %w", err)
	}
	defer wipe(ss)

	subkey, err := m.binder.Derive("", ss, purpose, bindCtx)
	if err != nil {
		return nil, err
	}
	subkey.Encapsulation = append([]byte(nil), ciphertext...)
	return subkey, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
