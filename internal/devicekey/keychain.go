package devicekey

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// platformBackends are the OS secret stores. The encrypted file backend is
// left out so the wrapping key never lands next to the data it protects.
var platformBackends = []keyring.BackendType{
	keyring.KeychainBackend,
	keyring.WinCredBackend,
	keyring.SecretServiceBackend,
	keyring.KWalletBackend,
}

// Keychain keeps blobs in the platform secret store. Items are scoped so
// several data dirs on one machine do not share keys.
type Keychain struct {
	ring  keyring.Keyring
	scope string
}

// OpenKeychain opens the first platform secret store that answers.
func OpenKeychain(service, scope string) (*Keychain, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          platformBackends,
		KeychainName:             "login",
		KeychainTrustApplication: true,
		LibSecretCollectionName:  "login",
		KWalletAppID:             service,
		KWalletFolder:            service,
		WinCredPrefix:            service,
	})
	if err != nil {
		return nil, fmt.Errorf("open platform keychain: %w", err)
	}
	return NewKeychain(ring, scope), nil
}

func NewKeychain(ring keyring.Keyring, scope string) *Keychain {
	return &Keychain{ring: ring, scope: scope}
}

func (k *Keychain) key(name string) string {
	return k.scope + "/" + name
}

func (k *Keychain) Get(ctx context.Context, name string) ([]byte, bool, error) {
	item, err := k.ring.Get(k.key(name))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Data, true, nil
}

func (k *Keychain) Put(ctx context.Context, name string, value []byte) error {
	return k.ring.Set(keyring.Item{
		Key:         k.key(name),
		Data:        value,
		Label:       "dailyvault " + name,
		Description: "dailyvault device key material",
	})
}

func (k *Keychain) Delete(ctx context.Context, names ...string) error {
	for _, n := range names {
		if err := k.ring.Remove(k.key(n)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// MoveBlobs copies the device key material from one backend to another and
// removes it from the source. Blobs already present in dst are kept.
func MoveBlobs(ctx context.Context, src, dst Backend) (int, error) {
	moved := 0
	for _, name := range []string{wrappingKeyName, wrappedDEKName} {
		value, ok, err := src.Get(ctx, name)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}
		if _, exists, err := dst.Get(ctx, name); err != nil {
			return moved, err
		} else if !exists {
			if err := dst.Put(ctx, name, value); err != nil {
				return moved, err
			}
			moved++
		}
		if err := src.Delete(ctx, name); err != nil {
			return moved, err
		}
	}
	return moved, nil
}
