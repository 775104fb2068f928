//go:build !quantum

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

	"github.com/jeremyhahn/go-qkd/pkg/binding"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// OQS is unavailable without the quantum build tag.
type OQS struct{}

// NewOQS returns ErrOQSUnavailable.
func NewOQS(peerPublicKey []byte, subkeySize int) (*OQS, error) {
	return nil, ErrOQSUnavailable
}

func newOQS(peerPublicKey []byte, cfg binding.Config) (*OQS, error) {
	return nil, ErrOQSUnavailable
}

// Name implements Source.
func (o *OQS) Name() string {
	return NameOQS
}

// Generate implements Source.
func (o *OQS) Generate(ctx context.Context, purpose qkd.Purpose, bindCtx []byte) (*qkd.DerivedSubkey, error) {
	return nil, ErrOQSUnavailable
}

// GenerateBundle implements Source.
func (o *OQS) GenerateBundle(ctx context.Context, purposes []qkd.Purpose, bindCtx []byte) ([]*qkd.DerivedSubkey, error) {
	return nil, ErrOQSUnavailable
}

// Close is a no-op.
func (o *OQS) Close() {}
