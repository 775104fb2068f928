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

// Package fallback provides the key sources used while the QKD path is
// degraded or offline.
//
// Every source binds its secret through the same HKDF construction as
// QKD material, so consumers see an identical DerivedSubkey shape and
// can tell the origin apart only by DerivedSubkey.Source.
package fallback

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// Source names accepted by New
const (
	NameMLKEM   = "mlkem768"
	NameEntropy = "entropy"
	NameOQS     = "oqs-mlkem768"
)

var (
	// ErrUnknownSource indicates New was given an unsupported name.
	ErrUnknownSource = errors.New("fallback: unknown source")

	// ErrNoSources indicates a Chain was built without sources.
	ErrNoSources = errors.New("fallback: no sources configured")

	// ErrOQSUnavailable indicates the binary was built without liboqs.
	ErrOQSUnavailable = errors.New("fallback: liboqs support not compiled in (build with -tags quantum)")
)

// Source produces purpose-bound subkeys without the QKD service.
type Source interface {
	// Generate returns a fresh subkey for purpose bound to bindCtx.
	Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error)

	// GenerateBundle binds one fresh secret to every purpose, in order,
	// the way a QKD bundle binds one raw key. KEM sources return the same
	// Encapsulation on every subkey.
	GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error)

	// Name identifies the source in subkeys, logs and metrics.
	Name() string
}

// Options configures New.
type Options struct {
	// PeerPublicKey is the peer's ML-KEM-768 encapsulation key. When
	// empty the KEM sources encapsulate to an ephemeral key of their own.
	PeerPublicKey []byte

	// SubkeySize is the derived subkey length in bytes.
	SubkeySize int

	// Hash is the HKDF hash (default SHA-256). Both peers must agree.
	Hash crypto.Hash
}

// New builds the named source. A comma separated list builds a Chain
// that tries each source in order.
func New(name string, opts Options) (Source, error) {
	names := strings.Split(name, ",")
	if len(names) > 1 {
		sources := make([]Source, 0, len(names))
		for _, n := range names {
			src, err := New(strings.TrimSpace(n), opts)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
		return NewChain(sources...)
	}

	var (
		src Source
		err error
	)
	cfg := binding.Config{SubkeySize: opts.SubkeySize, Hash: opts.Hash}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameMLKEM, "mlkem", "ml-kem-768":
		src, err = newMLKEM(opts.PeerPublicKey, cfg)
	case NameEntropy, "random":
		src, err = newEntropy(cfg)
	case NameOQS, "oqs":
		src, err = newOQS(opts.PeerPublicKey, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Chain tries its sources in order and returns the first subkey produced.
type Chain struct {
	sources []Source
}

// NewChain creates a chain over sources.
func NewChain(sources ...Source) (*Chain, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return &Chain{sources: sources}, nil
}

// Name joins the member names.
func (c *Chain) Name() string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

// Generate returns the first successful subkey. When every source fails
// the errors are joined.
func (c *Chain) Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	return first(c.GenerateBundle(ctx, []qkd.Purpose{purpose}, bindCtx))
}

// GenerateBundle returns the first successful bundle. A bundle never mixes
// sources.
func (c *Chain) GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error) {
	var errs []error
	for _, s := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		subkeys, err := s.GenerateBundle(ctx, purposes, bindCtx)
		if err == nil {
			return subkeys, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return nil, errors.Join(errs...)
}

// bindAll derives one subkey per purpose from secret and attaches the
// KEM ciphertext, if any, to each.
func bindAll(b *binding.Binder, secret []byte, purposes []qkd.Purpose, bindCtx, encapsulation []byte) ([]*qkd.DerivedSubkey, error) {
	if len(purposes) == 0 {
		return nil, fmt.Errorf("%w: no purposes given", qkd.ErrInvalidArgument)
	}
	subkeys := make([]*qkd.DerivedSubkey, 0, len(purposes))
	for _, p := range purposes {
		subkey, err := b.Derive("", secret, p, bindCtx)
		if err != nil {
			for _, s := range subkeys {
				s.Destroy()
			}
			return nil, err
		}
		if encapsulation != nil {
			subkey.Encapsulation = append([]byte(nil), encapsulation...)
		}
		subkeys = append(subkeys, subkey)
	}
	return subkeys, nil
}

func first(subkeys []*qkd.DerivedSubkey, err error) (*qkd.DerivedSubkey, error) {
	if err != nil {
		return nil, err
	}
	return subkeys[0], nil
}
