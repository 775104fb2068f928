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

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// RecordPath returns the storage key for an identifier inside namespace:
// {namespace}/{sha256(id)}.rec. Hashing keeps arbitrary identifiers safe
// as file names; the identifier itself is the stored value.
func RecordPath(namespace, id string) string {
	sum := sha256.Sum256([]byte(id))
	return namespace + "/" + hex.EncodeToString(sum[:]) + ".rec"
}

// PutRecord stores id under namespace.
func PutRecord(backend Backend, namespace, id string) error {
	return backend.Put(RecordPath(namespace, id), []byte(id), DefaultOptions())
}

// DeleteRecord removes id from namespace. A missing record is not an error.
func DeleteRecord(backend Backend, namespace, id string) error {
	err := backend.Delete(RecordPath(namespace, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ListRecords returns every identifier stored under namespace.
// Records that vanish between List and Get are skipped.
func ListRecords(backend Backend, namespace string) ([]string, error) {
	keys, err := backend.List(namespace + "/")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, ".rec") {
			continue
		}
		value, err := backend.Get(k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: failed to read record %q: %w", k, err)
		}
		if len(value) > 0 {
			ids = append(ids, string(value))
		}
	}
	return ids, nil
}

// ClearRecords deletes every record under namespace.
func ClearRecords(backend Backend, namespace string) error {
	keys, err := backend.List(namespace + "/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := backend.Delete(k); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}
