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

package logger

import "context"

// Noop discards everything. Fatal still exits.
type Noop struct{}

// NewNoop returns a logger that discards all records.
func NewNoop() Logger { return Noop{} }

func (Noop) Debug(string, ...Field) {}
func (Noop) Info(string, ...Field) {}
func (Noop) Warn(string, ...Field) {}
func (Noop) Error(string, ...Field) {}
func (Noop) Fatal(msg string, fields ...Field) { NewSlogAdapter(nil).Fatal(msg, fields...) }
func (n Noop) With(...Field) Logger { return n }
func (n Noop) WithError(error) Logger { return n }
func (Noop) DebugContext(context.Context, string, ...Field) {}
func (Noop) InfoContext(context.Context, string, ...Field) {}
func (Noop) WarnContext(context.Context, string, ...Field) {}
func (Noop) ErrorContext(context.Context, string, ...Field) {}
