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

package validation

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateSAEID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "sae-alice", false},
		{"vendor style", "SAE_01.node:a", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", MaxIDLength), false},

		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"slash", "sae/../bob", true},
		{"leading dash", "-sae", true},
		{"space", "sae alice", true},
		{"query", "sae?x=1", true},
		{"null byte", "sae\x00", true},
		{"newline", "sae\nbob", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSAEID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSAEID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateKeyID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "6e1a41ba-0d2c-4b6e-9f1e-2d3c4b5a6978", false},
		{"short", "k1", false},
		{"dotted", "batch.7_k-1", false},

		{"empty", "", true},
		{"colon", "k:1", true},
		{"traversal", "../k", true},
		{"pipe", "k|peer-handshake", true},
		{"tab", "k\t1", true},
		{"del", "k\x7f", true},
		{"too long", strings.Repeat("k", MaxIDLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateKeyIDs(t *testing.T) {
	if err := ValidateKeyIDs([]string{"a", "b"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateKeyIDs(nil); err == nil {
		t.Error("expected error for empty batch")
	}
	if err := ValidateKeyIDs([]string{"a", "a"}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if err := ValidateKeyIDs([]string{"a", "b c"}); err == nil || !strings.Contains(err.Error(), "key ID 1") {
		t.Errorf("expected indexed error, got %v", err)
	}

	many := make([]string, MaxKeyIDs+1)
	for i := range many {
		many[i] = fmt.Sprintf("k%d", i)
	}
	if err := ValidateKeyIDs(many); err == nil {
		t.Error("expected error for oversized batch")
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := SanitizeForLog("KME rekeyed\n[ERROR] forged"); got != "KME rekeyed[ERROR] forged" {
		t.Errorf("SanitizeForLog() = %q", got)
	}
	long := SanitizeForLog(strings.Repeat("x", 2000))
	if !strings.HasSuffix(long, "...[truncated]") || len(long) != maxLogLength+len("...[truncated]") {
		t.Errorf("unexpected truncation: %d bytes", len(long))
	}
}
