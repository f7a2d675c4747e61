package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"dailyvault/internal/devicekey"
	"dailyvault/internal/domain"
)

const testIterations = 1000

type mockMetaStore struct {
	data map[string][]byte
}

func newMockMetaStore() *mockMetaStore {
	return &mockMetaStore{data: make(map[string][]byte)}
}

func (m *mockMetaStore) Get(key string, v interface{}) (bool, error) {
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *mockMetaStore) Put(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *mockMetaStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

type mockBackend struct {
	values map[string][]byte
	err    error
}

func newMockBackend() *mockBackend {
	return &mockBackend{values: make(map[string][]byte)}
}

func (m *mockBackend) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.values[name]
	return append([]byte(nil), v...), ok, nil
}

func (m *mockBackend) Put(ctx context.Context, name string, value []byte) error {
	if m.err != nil {
		return m.err
	}
	m.values[name] = append([]byte(nil), value...)
	return nil
}

func (m *mockBackend) Delete(ctx context.Context, names ...string) error {
	for _, n := range names {
		delete(m.values, n)
	}
	return nil
}

func newTestVault(backend *mockBackend) (*Vault, *mockMetaStore) {
	meta := newMockMetaStore()
	var device DeviceKeys
	if backend != nil {
		device = devicekey.New(backend, nil)
	}
	return New(meta, device, testIterations, nil), meta
}

func TestCreateAndUnlockWithPassword(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(newMockBackend())

	dek, err := v.Create(ctx, "hunter2", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := v.UnlockWithPassword(ctx, "hunter2")
	if err != nil {
		t.Fatalf("UnlockWithPassword() error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("unlocked key differs from created key")
	}

	if _, err := v.UnlockWithPassword(ctx, "wrong"); !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("UnlockWithPassword(wrong) error = %v, want ErrAuthentication", err)
	}
}

func TestUnlockWithoutVault(t *testing.T) {
	v, _ := newTestVault(nil)
	if _, err := v.UnlockWithPassword(context.Background(), "x"); !errors.Is(err, domain.ErrVaultNotFound) {
		t.Errorf("error = %v, want ErrVaultNotFound", err)
	}
	if ok, err := v.Exists(); err != nil || ok {
		t.Errorf("Exists() = %v, %v", ok, err)
	}
}

func TestCreateWithoutDeviceStorage(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		backend *mockBackend
	}{
		{name: "no device store", backend: nil},
		{name: "failing device store", backend: &mockBackend{values: map[string][]byte{}, err: errors.New("sealed")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, meta := newTestVault(tt.backend)

			dek, err := v.Create(ctx, "hunter2", nil)
			if err != nil {
				t.Fatalf("Create() must not fail without device key: %v", err)
			}

			var m domain.VaultMeta
			meta.Get(metaKey, &m)
			if m.Wrapped.Device != nil {
				t.Error("device wrapping recorded although device store is unusable")
			}
			if got := v.TryUnlockWithDeviceKey(ctx); got != nil {
				t.Error("device unlock succeeded without device store")
			}
			got, err := v.UnlockWithPassword(ctx, "hunter2")
			if err != nil || !bytes.Equal(got, dek) {
				t.Errorf("password unlock failed: %v", err)
			}
		})
	}
}

func TestTryUnlockWithDeviceKey(t *testing.T) {
	ctx := context.Background()
	backend := newMockBackend()
	v, _ := newTestVault(backend)

	dek, _ := v.Create(ctx, "hunter2", nil)

	got := v.TryUnlockWithDeviceKey(ctx)
	if !bytes.Equal(got, dek) {
		t.Fatal("device unlock did not return the vault key")
	}

	// Corrupt both copies of the device wrapped blob.
	backend.values["wrapped_dek"] = []byte("not json")
	v2, meta := newTestVault(backend)
	var m domain.VaultMeta
	v.meta.Get(metaKey, &m)
	m.Wrapped.Device.Data[0] ^= 0xFF
	meta.Put(metaKey, &m)

	if got := v2.TryUnlockWithDeviceKey(ctx); got != nil {
		t.Error("corrupted device blob should yield nil, not a key")
	}
}

func TestUpdatePasswordWrappedKey(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(newMockBackend())

	dek, _ := v.Create(ctx, "old-password", nil)

	if err := v.UpdatePasswordWrappedKey(ctx, dek, "new-password", &Options{KDFIterations: 1200}); err != nil {
		t.Fatalf("UpdatePasswordWrappedKey() error = %v", err)
	}

	got, err := v.UnlockWithPassword(ctx, "new-password")
	if err != nil || !bytes.Equal(got, dek) {
		t.Errorf("unlock with new password = %v", err)
	}
	if _, err := v.UnlockWithPassword(ctx, "old-password"); !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("old password still works: %v", err)
	}
	if got := v.TryUnlockWithDeviceKey(ctx); !bytes.Equal(got, dek) {
		t.Error("device wrapping disturbed by password rotation")
	}
}

func TestEnsureDeviceWrappedKey(t *testing.T) {
	ctx := context.Background()
	backend := newMockBackend()
	backend.err = errors.New("sealed")
	v, _ := newTestVault(backend)

	dek, _ := v.Create(ctx, "pw", nil)
	if v.TryUnlockWithDeviceKey(ctx) != nil {
		t.Fatal("unexpected device unlock")
	}

	backend.err = nil
	if err := v.EnsureDeviceWrappedKey(ctx, dek); err != nil {
		t.Fatalf("EnsureDeviceWrappedKey() error = %v", err)
	}
	if got := v.TryUnlockWithDeviceKey(ctx); !bytes.Equal(got, dek) {
		t.Error("device unlock failed after EnsureDeviceWrappedKey()")
	}
}

func TestUnlockCancelled(t *testing.T) {
	v, _ := newTestVault(nil)
	v.Create(context.Background(), "pw", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.UnlockWithPassword(ctx, "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
