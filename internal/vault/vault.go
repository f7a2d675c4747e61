// Package vault owns the lifecycle of the device-local DEK: creation, the
// password wrapping, the optional device wrapping and password rotation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dailyvault/internal/domain"
	"dailyvault/pkg/crypto"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

const metaKey = "vault_meta"

// MetaStore is the key-value storage holding the vault meta record.
type MetaStore interface {
	Get(key string, v interface{}) (bool, error)
	Put(key string, v interface{}) error
	Delete(key string) error
}

// DeviceKeys is the device-bound key store. It may be absent or unusable on
// some devices; the vault then works with the password wrapping alone.
type DeviceKeys interface {
	Available(ctx context.Context) bool
	Wrap(ctx context.Context, dek []byte) (*domain.WrappedKey, error)
	Unwrap(ctx context.Context, w *domain.WrappedKey) ([]byte, error)
	SaveWrappedDEK(ctx context.Context, w *domain.WrappedKey) error
	LoadWrappedDEK(ctx context.Context) (*domain.WrappedKey, error)
	Clear(ctx context.Context) error
}

type Options struct {
	KDFIterations int
}

type Vault struct {
	meta       MetaStore
	device     DeviceKeys
	iterations int
	log        *logrus.Entry
	mu         sync.Mutex
}

// New builds a vault. device may be nil. iterations <= 0 selects the default.
func New(meta MetaStore, device DeviceKeys, iterations int, log *logrus.Entry) *Vault {
	if iterations <= 0 {
		iterations = crypto.DefaultKDFIterations
	}
	return &Vault{
		meta:       meta,
		device:     device,
		iterations: iterations,
		log:        logger.OrDiscard(log).WithField("component", "vault"),
	}
}

func (v *Vault) iterationsFor(opts *Options) int {
	if opts != nil && opts.KDFIterations > 0 {
		return opts.KDFIterations
	}
	return v.iterations
}

func (v *Vault) loadMeta() (*domain.VaultMeta, error) {
	var meta domain.VaultMeta
	ok, err := v.meta.Get(metaKey, &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrVaultNotFound
	}
	return &meta, nil
}

// Exists reports whether a vault meta record is present on this device.
func (v *Vault) Exists() (bool, error) {
	_, err := v.loadMeta()
	if errors.Is(err, domain.ErrVaultNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Create generates a new DEK and persists it wrapped by password, and by the
// device key when one is usable. It returns the DEK.
func (v *Vault) Create(ctx context.Context, password string, opts *Options) ([]byte, error) {
	dek, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := v.Install(ctx, dek, password, opts); err != nil {
		crypto.Zero(dek)
		return nil, err
	}
	return dek, nil
}

// Install persists an existing DEK as this device's vault, replacing any
// previous meta. Used by Create and when a cloud primary key is adopted.
func (v *Vault) Install(ctx context.Context, dek []byte, password string, opts *Options) error {
	wrapped, kdf, err := v.wrapWithPassword(ctx, dek, password, v.iterationsFor(opts))
	if err != nil {
		return err
	}

	meta := &domain.VaultMeta{
		Version: domain.VaultMetaVersion,
		KDF:     *kdf,
		Wrapped: domain.WrappedKeys{Password: *wrapped},
	}
	meta.Wrapped.Device = v.deviceWrap(ctx, dek)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.meta.Put(metaKey, meta); err != nil {
		return fmt.Errorf("persist vault meta: %w", err)
	}
	v.log.WithField("device_wrapped", meta.Wrapped.Device != nil).Info("vault created")
	return nil
}

func (v *Vault) wrapWithPassword(ctx context.Context, dek []byte, password string, iterations int) (*domain.WrappedKey, *domain.KDFParams, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	kek, err := crypto.DeriveKEKContext(ctx, password, salt, iterations)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(kek)

	iv, data, err := crypto.WrapKey(kek, dek)
	if err != nil {
		return nil, nil, err
	}
	return &domain.WrappedKey{IV: iv, Data: data}, &domain.KDFParams{Salt: salt, Iterations: iterations}, nil
}

// deviceWrap wraps dek with the device key and stores the blob. Any failure
// is logged and yields nil.
func (v *Vault) deviceWrap(ctx context.Context, dek []byte) *domain.WrappedKey {
	if v.device == nil || !v.device.Available(ctx) {
		return nil
	}
	w, err := v.device.Wrap(ctx, dek)
	if err != nil {
		v.log.WithError(err).Warn("device wrapping unavailable, continuing with password only")
		return nil
	}
	if err := v.device.SaveWrappedDEK(ctx, w); err != nil {
		v.log.WithError(err).Warn("failed to store device wrapped key")
		return nil
	}
	return w
}

// UnlockWithPassword re-derives the KEK from the stored parameters and
// unwraps the DEK. A wrong password yields domain.ErrAuthentication.
func (v *Vault) UnlockWithPassword(ctx context.Context, password string) ([]byte, error) {
	meta, err := v.loadMeta()
	if err != nil {
		return nil, err
	}

	kek, err := crypto.DeriveKEKContext(ctx, password, meta.KDF.Salt, meta.KDF.Iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(kek)

	dek, err := crypto.UnwrapKey(kek, meta.Wrapped.Password.IV, meta.Wrapped.Password.Data)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			return nil, domain.ErrAuthentication
		}
		return nil, fmt.Errorf("unwrap password key: %w", err)
	}
	return dek, nil
}

// TryUnlockWithDeviceKey attempts a silent unlock. It returns nil when the
// device key is unavailable, absent or the blob is corrupted.
func (v *Vault) TryUnlockWithDeviceKey(ctx context.Context) []byte {
	if v.device == nil {
		return nil
	}

	candidates := make([]*domain.WrappedKey, 0, 2)
	if w, err := v.device.LoadWrappedDEK(ctx); err == nil && w != nil {
		candidates = append(candidates, w)
	}
	if meta, err := v.loadMeta(); err == nil && meta.Wrapped.Device != nil {
		candidates = append(candidates, meta.Wrapped.Device)
	}

	for _, w := range candidates {
		dek, err := v.device.Unwrap(ctx, w)
		if err == nil {
			return dek
		}
		v.log.WithError(err).Debug("device unlock attempt failed")
	}
	return nil
}

// UpdatePasswordWrappedKey replaces the password wrapping with one derived
// from newPassword and a fresh salt. The device wrapping is left alone.
func (v *Vault) UpdatePasswordWrappedKey(ctx context.Context, dek []byte, newPassword string, opts *Options) error {
	wrapped, kdf, err := v.wrapWithPassword(ctx, dek, newPassword, v.iterationsFor(opts))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	meta, err := v.loadMeta()
	if err != nil {
		return err
	}
	meta.KDF = *kdf
	meta.Wrapped.Password = *wrapped
	if err := v.meta.Put(metaKey, meta); err != nil {
		return fmt.Errorf("persist vault meta: %w", err)
	}
	v.log.Info("password wrapping rotated")
	return nil
}

// EnsureDeviceWrappedKey (re)creates the device wrapping for dek so later
// sessions can skip the password. It is best effort.
func (v *Vault) EnsureDeviceWrappedKey(ctx context.Context, dek []byte) error {
	w := v.deviceWrap(ctx, dek)
	if w == nil {
		return domain.ErrDeviceKeyUnavailable
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	meta, err := v.loadMeta()
	if err != nil {
		return err
	}
	meta.Wrapped.Device = w
	return v.meta.Put(metaKey, meta)
}

// Destroy removes the vault meta and the device key material.
func (v *Vault) Destroy(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.device != nil {
		if err := v.device.Clear(ctx); err != nil {
			v.log.WithError(err).Warn("failed to clear device key")
		}
	}
	return v.meta.Delete(metaKey)
}
