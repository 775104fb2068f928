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

package storage_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/pkg/storage"
	"github.com/jeremyhahn/go-qkd/pkg/storage/memory"
)

func TestRecordPath(t *testing.T) {
	p := storage.RecordPath("spent", "../../etc/passwd")
	assert.True(t, strings.HasPrefix(p, "spent/"))
	assert.True(t, strings.HasSuffix(p, ".rec"))
	assert.NotContains(t, strings.TrimPrefix(p, "spent/"), "/")
	assert.Equal(t, p, storage.RecordPath("spent", "../../etc/passwd"))
	assert.NotEqual(t, p, storage.RecordPath("derived", "../../etc/passwd"))
}

func TestRecords(t *testing.T) {
	backend := memory.New()
	ids := []string{"6e1a41ba-0d2c-4b6e-9f1e-2d3c4b5a6978", "peer-handshake|k1"}
	for _, id := range ids {
		require.NoError(t, storage.PutRecord(backend, "spent", id))
	}
	require.NoError(t, storage.PutRecord(backend, "derived", "other"))
	require.NoError(t, backend.Put("spent/stray", []byte("ignored"), nil))

	got, err := storage.ListRecords(backend, "spent")
	require.NoError(t, err)
	sort.Strings(got)
	want := append([]string(nil), ids...)
	sort.Strings(want)
	assert.Equal(t, want, got)

	require.NoError(t, storage.DeleteRecord(backend, "spent", ids[0]))
	require.NoError(t, storage.DeleteRecord(backend, "spent", ids[0]))
	got, _ = storage.ListRecords(backend, "spent")
	assert.Equal(t, []string{ids[1]}, got)

	require.NoError(t, storage.ClearRecords(backend, "spent"))
	got, _ = storage.ListRecords(backend, "spent")
	assert.Empty(t, got)
	other, _ := storage.ListRecords(backend, "derived")
	assert.Equal(t, []string{"other"}, other)
}
