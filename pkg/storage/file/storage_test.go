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

package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-qkd/pkg/storage"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}

	dir := filepath.Join(t.TempDir(), "ledger", "nested")
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("directory mode = %o, want 700", info.Mode().Perm())
	}
	keys, err := store.List("")
	if err != nil || len(keys) != 0 {
		t.Errorf("List() = %v, %v", keys, err)
	}
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Put("spent/a.rec", []byte("key-1"), nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put("spent/a.rec", []byte("key-2"), nil); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	got, err := store.Get("spent/a.rec")
	if err != nil || string(got) != "key-2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	info, err := os.Stat(filepath.Join(dir, "spent", "a.rec"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 600", info.Mode().Perm())
	}

	if ok, _ := store.Exists("spent/a.rec"); !ok {
		t.Error("Exists() = false after Put")
	}
	if err := store.Delete("spent/a.rec"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete("spent/a.rec"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if _, err := store.Get("spent/a.rec"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPermissionsFromOptions(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	if err := store.Put("r", []byte("x"), &storage.Options{Permissions: 0640}); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(filepath.Join(dir, "r"))
	if info.Mode().Perm() != 0640 {
		t.Errorf("file mode = %o, want 640", info.Mode().Perm())
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	_ = store.Put("spent/b.rec", []byte("b"), nil)
	_ = store.Put("spent/a.rec", []byte("a"), nil)
	_ = store.Put("derived/c.rec", []byte("c"), nil)
	if err := os.WriteFile(filepath.Join(dir, "spent", tempPrefix+"123"), []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List("spent/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "spent/a.rec" || keys[1] != "spent/b.rec" {
		t.Errorf("List() = %v", keys)
	}
}

func TestRejectsUnsafeKeys(t *testing.T) {
	store, _ := New(t.TempDir())
	for _, key := range []string{"", "/etc/passwd", "../escape", "spent/../../x", "a\x00b", "spent/" + tempPrefix + "x"} {
		if err := store.Put(key, []byte("x"), nil); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
		if _, err := store.Get(key); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Get(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)
	_ = store.Put("spent/a.rec", []byte("key-1"), nil)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("spent/a.rec"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Get() after Close error = %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get("spent/a.rec")
	if err != nil || string(got) != "key-1" {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}
}
