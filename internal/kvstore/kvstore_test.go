package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestStorePutGetDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var got record
	found, err := s.Get("vault_meta", &got)
	if err != nil {
		t.Fatalf("Get() on empty store error = %v", err)
	}
	if found {
		t.Fatal("Get() found a key that was never written")
	}

	if err := s.Put("vault_meta", record{Version: 1, Name: "a"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put("vault_meta", record{Version: 2, Name: "b"}); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	found, err = s.Get("vault_meta", &got)
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if got.Version != 2 || got.Name != "b" {
		t.Errorf("Get() = %+v, want version 2", got)
	}

	if err := s.Delete("vault_meta"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("vault_meta"); err != nil {
		t.Fatalf("Delete() of missing key error = %v", err)
	}
	found, _ = s.Get("vault_meta", &got)
	if found {
		t.Error("key still present after Delete()")
	}
}

func TestStoreFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if err := s.Put("secret", record{Version: 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "secret.json"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	s, _ := Open(t.TempDir())
	for _, key := range []string{"", "../escape", "UPPER", "a/b"} {
		if err := s.Put(key, record{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}
