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
	"crypto/rand"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// seedSize is the amount of OS entropy bound per bundle.
const seedSize = 32

// Entropy binds OS randomness to a purpose. It is local only: the peer
// cannot reproduce the subkey, so it suits purposes that need fresh
// secrets rather than shared ones.
type Entropy struct {
	rand   io.Reader
	binder *binding.Binder
}

// NewEntropy creates an entropy source over crypto/rand.
func NewEntropy(subkeySize int) (*Entropy, error) {
	return newEntropy(binding.Config{SubkeySize: subkeySize})
}

func newEntropy(cfg binding.Config) (*Entropy, error) {
	cfg.Source = NameEntropy
	binder, err := binding.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Entropy{rand: rand.Reader, binder: binder}, nil
}

// Name implements Source.
func (e *Entropy) Name() string {
	return NameEntropy
}

// Generate implements Source.
func (e *Entropy) Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	return first(e.GenerateBundle(ctx, []qkd.Purpose{purpose}, bindCtx))
}

// GenerateBundle implements Source with one seed for the whole bundle.
func (e *Entropy) GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := make([]byte, seedSize)
	defer wipe(seed)
	if _, err := io.ReadFull(e.rand, seed); err != nil {
		return nil, fmt.Errorf("fallback: read entropy: %w", err)
	}
	return bindAll(e.binder, seed, purposes, bindCtx, nil)
}
