// Package devicekey holds a device-bound wrapping key used for silent unlock.
// The raw key never leaves this package: callers can only ask it to wrap or
// unwrap a DEK.
package devicekey

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dailyvault/internal/domain"
	"dailyvault/pkg/crypto"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

const (
	wrappingKeyName = "wrapping_key"
	wrappedDEKName  = "wrapped_dek"
)

// Backend is durable storage for named blobs.
type Backend interface {
	Get(ctx context.Context, name string) ([]byte, bool, error)
	Put(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, names ...string) error
}

type Store struct {
	backend Backend
	log     *logrus.Entry
	mu      sync.Mutex
}

func New(backend Backend, log *logrus.Entry) *Store {
	return &Store{
		backend: backend,
		log:     logger.OrDiscard(log).WithField("component", "devicekey"),
	}
}

// Available reports whether the backing storage can be read.
func (s *Store) Available(ctx context.Context) bool {
	if s == nil || s.backend == nil {
		return false
	}
	_, _, err := s.backend.Get(ctx, wrappingKeyName)
	return err == nil
}

func (s *Store) wrappingKey(ctx context.Context, create bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok, err := s.backend.Get(ctx, wrappingKeyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceKeyUnavailable, err)
	}
	if ok && len(key) == crypto.KeySize {
		return key, nil
	}
	if !create {
		return nil, domain.ErrDeviceKeyUnavailable
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := s.backend.Put(ctx, wrappingKeyName, key); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceKeyUnavailable, err)
	}
	s.log.Info("created device wrapping key")
	return key, nil
}

// Wrap encrypts dek under the device key, creating the key on first use.
func (s *Store) Wrap(ctx context.Context, dek []byte) (*domain.WrappedKey, error) {
	key, err := s.wrappingKey(ctx, true)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	iv, data, err := crypto.WrapKey(key, dek)
	if err != nil {
		return nil, err
	}
	return &domain.WrappedKey{IV: iv, Data: data}, nil
}

// Unwrap reverses Wrap. It fails with ErrDeviceKeyUnavailable if this
// device has no wrapping key.
func (s *Store) Unwrap(ctx context.Context, w *domain.WrappedKey) ([]byte, error) {
	if w == nil {
		return nil, domain.ErrDeviceKeyUnavailable
	}
	key, err := s.wrappingKey(ctx, false)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	return crypto.UnwrapKey(key, w.IV, w.Data)
}

func (s *Store) SaveWrappedDEK(ctx context.Context, w *domain.WrappedKey) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, wrappedDEKName, data)
}

// LoadWrappedDEK returns the stored blob, or nil if there is none.
func (s *Store) LoadWrappedDEK(ctx context.Context) (*domain.WrappedKey, error) {
	data, ok, err := s.backend.Get(ctx, wrappedDEKName)
	if err != nil || !ok {
		return nil, err
	}
	var w domain.WrappedKey
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode wrapped dek: %w", err)
	}
	return &w, nil
}

// Clear forgets the wrapping key and the wrapped DEK.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, wrappingKeyName, wrappedDEKName)
}
