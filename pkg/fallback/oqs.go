//go:build quantum

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
	"fmt"
	"sync"

	"github.com/open-quantum-safe/liboqs-go/oqs"

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// oqsAlgorithm is the liboqs identifier for ML-KEM-768 (FIPS 203)
const oqsAlgorithm = "ML-KEM-768"

// OQS derives subkeys from an ML-KEM-768 shared secret computed by liboqs.
// It produces the same wire result as MLKEM and exists for deployments
// that mandate a liboqs build.
type OQS struct {
	mu     sync.Mutex
	kem    *oqs.KeyEncapsulation
	peer   []byte
	binder *binding.Binder
}

// NewOQS creates a liboqs ML-KEM-768 source. With a nil peerPublicKey it
// generates its own key pair.
func NewOQS(peerPublicKey []byte, subkeySize int) (*OQS, error) {
	return newOQS(peerPublicKey, binding.Config{SubkeySize: subkeySize})
}

func newOQS(peerPublicKey []byte, cfg binding.Config) (*OQS, error) {
	cfg.Source = NameOQS
	binder, err := binding.New(cfg)
	if err != nil {
		return nil, err
	}

	k := oqs.KeyEncapsulation{}
	if err := k.Init(oqsAlgorithm, nil); err != nil {
		return nil, fmt.Errorf("fallback: init liboqs: %w", err)
	}

	peer := peerPublicKey
	if len(peer) == 0 {
		peer, err = k.GenerateKeyPair()
		if err != nil {
			k.Clean()
			return nil, fmt.Errorf("fallback: generate liboqs key pair: %w", err)
		}
	} else if len(peer) != k.Details().LengthPublicKey {
		k.Clean()
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(peer), k.Details().LengthPublicKey)
	}

	return &OQS{kem: &k, peer: append([]byte(nil), peer...), binder: binder}, nil
}

// Name implements Source.
func (o *OQS) Name() string {
	return NameOQS
}

// Generate implements Source.
func (o *OQS) Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	return first(o.GenerateBundle(ctx, []qkd.Purpose{purpose}, bindCtx))
}

// GenerateBundle implements Source with one encapsulation per bundle.
func (o *OQS) GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	ct, ss, err := o.kem.EncapSecret(o.peer)
	o.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("fallback: liboqs encapsulate: %w", err)
	}
	defer wipe(ss)

	return bindAll(o.binder, ss, purposes, bindCtx, ct)
}

// Close releases the liboqs context.
func (o *OQS) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kem.Clean()
}
