// Package kvstore is a small file-backed JSON key-value store used for
// records that live outside the structured database, such as vault meta.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"dailyvault/internal/domain"
)

var validKey = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ErrInvalidKey is returned for keys outside [a-z0-9_-].
var ErrInvalidKey = errors.New("kvstore: invalid key")

type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.NewStorageError("kv open", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Get decodes the value stored under key into v. It reports false if the
// key does not exist.
func (s *Store) Get(key string, v interface{}) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(p)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewStorageError("kv get", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, domain.NewStorageError("kv decode", err)
	}
	return true, nil
}

func (s *Store) Put(key string, v interface{}) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWriteFile(p, data, 0o600); err != nil {
		return domain.NewStorageError("kv put", err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewStorageError("kv delete", err)
	}
	return nil
}

// atomicWriteFile writes to a temp file in the same directory and renames it
// over path, so readers see either the old or the new content.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kv-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
