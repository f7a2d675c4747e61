// Package keyring keeps every DEK a user has used, indexed by key id, and
// merges the device's keys with the cloud keyring on sign in.
package keyring

import (
	"errors"
	"sort"
	"sync"

	"dailyvault/pkg/crypto"
)

var ErrUnknownKey = errors.New("keyring: unknown key id")

// Keyring is a concurrency-safe map of key id to DEK with one primary key.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[string][]byte
	primary string
}

func New() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// FromKey returns a keyring holding dek as its primary key.
func FromKey(dek []byte) *Keyring {
	k := New()
	id := k.Add(dek)
	k.primary = id
	return k
}

// Add stores a copy of dek and returns its id.
func (k *Keyring) Add(dek []byte) string {
	id := crypto.KeyID(dek)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		k.keys[id] = append([]byte(nil), dek...)
	}
	return id
}

func (k *Keyring) Get(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	dek, ok := k.keys[id]
	return dek, ok
}

func (k *Keyring) SetPrimary(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		return ErrUnknownKey
	}
	k.primary = id
	return nil
}

// Primary returns the key new notes are encrypted with.
func (k *Keyring) Primary() (string, []byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	dek, ok := k.keys[k.primary]
	return k.primary, dek, ok
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// IDs returns the key ids in sorted order.
func (k *Keyring) IDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge adds every key of other. The primary is unchanged.
func (k *Keyring) Merge(other *Keyring) {
	if other == nil || other == k {
		return
	}
	other.mu.RLock()
	keys := make([][]byte, 0, len(other.keys))
	for _, dek := range other.keys {
		keys = append(keys, dek)
	}
	other.mu.RUnlock()

	for _, dek := range keys {
		k.Add(dek)
	}
}

// Wipe zeroes and forgets every key.
func (k *Keyring) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, dek := range k.keys {
		crypto.Zero(dek)
		delete(k.keys, id)
	}
	k.primary = ""
}
