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

// Package validation checks identifiers that cross a trust boundary: SAE
// IDs from configuration, key_IDs returned by the KME and key IDs a peer
// agent announces over the operator API.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxIDLength bounds SAE IDs and key IDs. ETSI key_IDs are UUIDs
	// (36 characters); the limit leaves room for vendor formats.
	MaxIDLength = 128

	// MaxKeyIDs bounds the key IDs accepted in one import.
	MaxKeyIDs = 4096

	maxLogLength = 1000
)

var (
	// saeIDPattern allows the separators KME vendors use in SAE names
	saeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

	keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)
)

// ValidateSAEID validates a secure application entity identifier. SAE IDs
// become URL path segments of ETSI requests.
func ValidateSAEID(id string) error {
	if err := checkID("SAE ID", id); err != nil {
		return err
	}
	if !saeIDPattern.MatchString(id) {
		return fmt.Errorf("SAE ID %q contains invalid characters (allowed: a-z, A-Z, 0-9, ., _, :, -)", id)
	}
	return nil
}

// ValidateKeyID validates a single key identifier.
func ValidateKeyID(id string) error {
	if err := checkID("key ID", id); err != nil {
		return err
	}
	if !keyIDPattern.MatchString(id) {
		return fmt.Errorf("key ID %q contains invalid characters (allowed: a-z, A-Z, 0-9, ., _, -)", SanitizeForLog(id))
	}
	return nil
}

// ValidateKeyIDs validates a batch of key identifiers and rejects
// duplicates within the batch.
func ValidateKeyIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("no key IDs")
	}
	if len(ids) > MaxKeyIDs {
		return fmt.Errorf("too many key IDs: %d (max %d)", len(ids), MaxKeyIDs)
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if err := ValidateKeyID(id); err != nil {
			return fmt.Errorf("key ID %d: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate key ID %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	// length first, before any pattern matching
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s too long (max %d characters)", kind, MaxIDLength)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%s contains null byte", kind)
	}
	for _, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("%s contains control characters", kind)
		}
	}
	return nil
}

// SanitizeForLog strips control characters and truncates s so operator
// supplied text cannot forge log lines or event messages.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
