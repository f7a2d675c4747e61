package keyring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/crypto"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

// RemoteStore is the server side keyring, one row per (user, key id).
type RemoteStore interface {
	FetchEntries(ctx context.Context, userID string) ([]*domain.KeyringEntry, error)
	UploadEntry(ctx context.Context, userID string, entry *domain.KeyringEntry) error
	SetPrimary(ctx context.Context, userID, keyID string) error
}

type UnlockParams struct {
	UserID       string
	Password     string
	LocalDEK     []byte
	LocalKeyring *Keyring
}

type UnlockResult struct {
	VaultKey     []byte
	Keyring      *Keyring
	PrimaryKeyID string
}

// CloudUnlocker unlocks the cloud vault and reconciles it with local keys.
type CloudUnlocker struct {
	store      RemoteStore
	iterations int
	log        *logrus.Entry
	now        func() time.Time
}

func NewCloudUnlocker(store RemoteStore, iterations int, log *logrus.Entry) *CloudUnlocker {
	if iterations <= 0 {
		iterations = crypto.DefaultKDFIterations
	}
	return &CloudUnlocker{
		store:      store,
		iterations: iterations,
		log:        logger.OrDiscard(log).WithField("component", "keyring"),
		now:        time.Now,
	}
}

// Unlock fetches the user's keyring and unwraps it with password.
//
// Every entry is unwrapped with a KEK derived from its own salt and
// iteration count. If none unwraps the password is wrong. Entries that fail
// while others succeed are treated as corrupted and skipped. With no primary
// entry the first unwrappable entry is promoted and the promotion persisted;
// if several entries claim primary the first in fetch order wins.
//
// An empty remote keyring adopts p.LocalDEK (or a new key) as the sole
// primary entry. Finally any local key missing remotely is uploaded as a
// non-primary entry so notes written under it stay readable elsewhere.
func (u *CloudUnlocker) Unlock(ctx context.Context, p UnlockParams) (*UnlockResult, error) {
	entries, err := u.store.FetchEntries(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch keyring: %w", err)
	}

	local := localKeys(p)
	defer local.Wipe()

	ring := New()
	remoteIDs := make(map[string]bool, len(entries))
	var primaryID string

	if len(entries) > 0 {
		primaryID, err = u.unwrapEntries(ctx, p, entries, ring, remoteIDs, local)
		if err != nil {
			ring.Wipe()
			return nil, err
		}
	} else {
		primaryID, err = u.seed(ctx, p, ring)
		if err != nil {
			ring.Wipe()
			return nil, err
		}
		remoteIDs[primaryID] = true
	}

	if err := ring.SetPrimary(primaryID); err != nil {
		ring.Wipe()
		return nil, err
	}

	u.reconcile(ctx, p, ring, remoteIDs, local)

	_, vaultKey, _ := ring.Primary()
	return &UnlockResult{
		VaultKey:     append([]byte(nil), vaultKey...),
		Keyring:      ring,
		PrimaryKeyID: primaryID,
	}, nil
}

// unwrapEntries loads every readable entry into ring. Only entries that
// unwrapped are recorded in remoteIDs.
func (u *CloudUnlocker) unwrapEntries(ctx context.Context, p UnlockParams, entries []*domain.KeyringEntry, ring *Keyring, remoteIDs map[string]bool, local *Keyring) (string, error) {
	keks := make(map[string][]byte)
	defer func() {
		for _, k := range keks {
			crypto.Zero(k)
		}
	}()

	var (
		declared   []string
		firstValid string
		failed     int
	)

	for _, e := range entries {
		if e.IsPrimary {
			declared = append(declared, e.KeyID)
		}

		cacheKey := fmt.Sprintf("%x/%d", e.KDFSalt, e.KDFIterations)
		kek, ok := keks[cacheKey]
		if !ok {
			derived, err := crypto.DeriveKEKContext(ctx, p.Password, e.KDFSalt, e.KDFIterations)
			if err != nil {
				if ctx.Err() != nil {
					return "", err
				}
				failed++
				u.log.WithField("key_id", e.KeyID).WithError(err).Warn("keyring entry has invalid kdf parameters")
				continue
			}
			keks[cacheKey] = derived
			kek = derived
		}

		dek, err := crypto.UnwrapKey(kek, e.DEKIV, e.WrappedDEK)
		if err != nil {
			failed++
			continue
		}
		if crypto.KeyID(dek) != e.KeyID {
			failed++
			crypto.Zero(dek)
			u.log.WithField("key_id", e.KeyID).Warn("keyring entry key id mismatch, skipping")
			continue
		}
		ring.Add(dek)
		crypto.Zero(dek)
		remoteIDs[e.KeyID] = true
		if firstValid == "" {
			firstValid = e.KeyID
		}
	}

	if ring.Len() == 0 {
		return "", domain.ErrAuthentication
	}
	if failed > 0 {
		u.log.WithFields(logger.Fields{
			"skipped": failed,
			"loaded":  ring.Len(),
		}).Warn("skipping corrupted keyring entries")
	}

	switch {
	case len(declared) == 0:
		if err := u.store.SetPrimary(ctx, p.UserID, firstValid); err != nil {
			u.log.WithError(err).Warn("failed to persist promoted primary key")
		} else {
			u.log.WithField("key_id", firstValid).Info("promoted keyring entry to primary")
		}
		return firstValid, nil
	case len(declared) > 1:
		u.log.WithFields(logger.Fields{
			"primaries": len(declared),
			"chosen":    declared[0],
		}).Warn("multiple primary keyring entries, using the first")
	}

	if _, ok := ring.Get(declared[0]); !ok {
		dek, held := local.Get(declared[0])
		if !held {
			return "", fmt.Errorf("primary key %.12s: %w", declared[0], domain.ErrCorruptedEntry)
		}
		ring.Add(dek)
		u.log.WithField("key_id", declared[0]).Warn("remote primary entry is unreadable, using the local copy")
	}
	return declared[0], nil
}

// seed creates the first remote entry from the local key or a new one.
func (u *CloudUnlocker) seed(ctx context.Context, p UnlockParams, ring *Keyring) (string, error) {
	dek := append([]byte(nil), p.LocalDEK...)
	if len(dek) == 0 {
		var err error
		if dek, err = crypto.GenerateKey(); err != nil {
			return "", err
		}
	}
	defer crypto.Zero(dek)

	entry, err := u.wrap(ctx, p.Password, dek, true)
	if err != nil {
		return "", err
	}
	if err := u.store.UploadEntry(ctx, p.UserID, entry); err != nil {
		return "", fmt.Errorf("upload primary key: %w", err)
	}

	u.log.WithFields(logger.Fields{
		"key_id":  entry.KeyID,
		"adopted": len(p.LocalDEK) > 0,
	}).Info("created cloud keyring")
	return ring.Add(dek), nil
}

// localKeys collects the caller's DEK and local keyring into one ring.
func localKeys(p UnlockParams) *Keyring {
	local := New()
	if len(p.LocalDEK) > 0 {
		local.Add(p.LocalDEK)
	}
	local.Merge(p.LocalKeyring)
	return local
}

// reconcile adds every local key to ring and uploads the ones the remote
// keyring could not provide. An unreadable remote entry for a local key
// cannot be replaced since uploads are append-only; the local copy keeps
// its notes readable on this device.
func (u *CloudUnlocker) reconcile(ctx context.Context, p UnlockParams, ring *Keyring, remoteIDs map[string]bool, local *Keyring) {
	for _, id := range local.IDs() {
		dek, _ := local.Get(id)
		ring.Add(dek)
		if remoteIDs[id] {
			continue
		}

		entry, err := u.wrap(ctx, p.Password, dek, false)
		if err == nil {
			err = u.store.UploadEntry(ctx, p.UserID, entry)
		}
		switch {
		case errors.Is(err, domain.ErrKeyringEntryExists):
			u.log.WithField("key_id", id).Warn("remote keyring entry is unreadable, keeping the local key")
			continue
		case err != nil:
			u.log.WithField("key_id", id).WithError(err).Warn("failed to upload local key")
			continue
		}
		remoteIDs[id] = true
		u.log.WithField("key_id", id).Info("uploaded local key to cloud keyring")
	}
}

func (u *CloudUnlocker) wrap(ctx context.Context, password string, dek []byte, primary bool) (*domain.KeyringEntry, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKEKContext(ctx, password, salt, u.iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(kek)

	iv, wrapped, err := crypto.WrapKey(kek, dek)
	if err != nil {
		return nil, err
	}
	return &domain.KeyringEntry{
		KeyID:         crypto.KeyID(dek),
		WrappedDEK:    wrapped,
		DEKIV:         iv,
		KDFSalt:       salt,
		KDFIterations: u.iterations,
		Version:       domain.KeyringEntryVersion,
		IsPrimary:     primary,
		CreatedAt:     u.now().UTC(),
	}, nil
}
