// Package session supervises unlock and restore attempts. Each new attempt
// cancels the previous one, every attempt runs under a timeout, and a result
// whose attempt was superseded (by a newer attempt or a sign out) is wiped
// instead of applied.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/keyring"
	"dailyvault/internal/notes"
	"dailyvault/internal/vault"
	"dailyvault/pkg/crypto"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 30 * time.Second

// ErrTimeout means an attempt ran past the session timeout.
var ErrTimeout = errors.New("unlock timed out")

type Vault interface {
	Exists() (bool, error)
	Install(ctx context.Context, dek []byte, password string, opts *vault.Options) error
	UnlockWithPassword(ctx context.Context, password string) ([]byte, error)
	TryUnlockWithDeviceKey(ctx context.Context) []byte
	UpdatePasswordWrappedKey(ctx context.Context, dek []byte, newPassword string, opts *vault.Options) error
	EnsureDeviceWrappedKey(ctx context.Context, dek []byte) error
}

type CloudUnlocker interface {
	Unlock(ctx context.Context, p keyring.UnlockParams) (*keyring.UnlockResult, error)
}

// Target receives the keys once an attempt is committed.
type Target interface {
	Unlock(keys notes.Keys)
	Lock()
}

type Session struct {
	vault   Vault
	cloud   CloudUnlocker
	targets []Target
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	ring   *keyring.Keyring
	userID string
}

// New builds a session. cloud may be nil when no server account is used.
func New(vault Vault, cloud CloudUnlocker, timeout time.Duration, log *logrus.Entry, targets ...Target) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{
		vault:   vault,
		cloud:   cloud,
		targets: targets,
		timeout: timeout,
		log:     logger.OrDiscard(log).WithField("component", "session"),
	}
}

// begin supersedes any running attempt and starts a new one.
func (s *Session) begin(parent context.Context) (context.Context, uint64, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	s.cancel = cancel
	return ctx, s.gen, cancel
}

// commit applies ring if gen is still the current attempt.
func (s *Session) commit(gen uint64, ring *keyring.Keyring, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		ring.Wipe()
		return domain.ErrSuperseded
	}
	for _, t := range s.targets {
		t.Unlock(ring)
	}
	if s.ring != nil && s.ring != ring {
		s.ring.Wipe()
	}
	s.ring = ring
	if userID != "" {
		s.userID = userID
	}
	s.cancel = nil
	return nil
}

// settle maps the error of an attempt that did not commit.
func (s *Session) settle(ctx context.Context, gen uint64, err error) error {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	switch {
	case stale:
		return domain.ErrSuperseded
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	return err
}

// await runs fn and returns when it finishes or ctx ends, whichever is
// first. A result arriving after ctx ended is zeroed.
func await(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := fn(ctx)
		ch <- result{key, err}
	}()

	select {
	case r := <-ch:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.key != nil {
				crypto.Zero(r.key)
			}
		}()
		return nil, ctx.Err()
	}
}

// Restore tries to unlock silently with the device key. It reports whether
// the session is now unlocked.
func (s *Session) Restore(parent context.Context) (bool, error) {
	ctx, gen, cancel := s.begin(parent)
	defer cancel()

	dek, err := await(ctx, func(ctx context.Context) ([]byte, error) {
		return s.vault.TryUnlockWithDeviceKey(ctx), nil
	})
	if err != nil {
		return false, s.settle(ctx, gen, err)
	}
	if dek == nil {
		return false, nil
	}
	defer crypto.Zero(dek)
	if err := s.commit(gen, keyring.FromKey(dek), ""); err != nil {
		return false, err
	}
	s.log.Info("restored with device key")
	return true, nil
}

// Unlock opens the local vault with password.
func (s *Session) Unlock(parent context.Context, password string) error {
	ctx, gen, cancel := s.begin(parent)
	defer cancel()

	dek, err := await(ctx, func(ctx context.Context) ([]byte, error) {
		return s.vault.UnlockWithPassword(ctx, password)
	})
	if err != nil {
		return s.settle(ctx, gen, err)
	}
	defer crypto.Zero(dek)

	if err := s.vault.EnsureDeviceWrappedKey(ctx, dek); err != nil {
		s.log.WithError(err).Debug("device wrapping not refreshed")
	}
	return s.commit(gen, keyring.FromKey(dek), "")
}

// UnlockCloud unlocks the account keyring on the server with password and
// merges it with whatever is unlocked locally. The local vault is then
// pointed at the cloud primary key so later local unlocks use it.
func (s *Session) UnlockCloud(parent context.Context, userID, password string) (*keyring.UnlockResult, error) {
	if s.cloud == nil {
		return nil, errors.New("no cloud keyring configured")
	}
	ctx, gen, cancel := s.begin(parent)
	defer cancel()

	local := s.Keyring()
	var localDEK []byte
	if local != nil {
		_, localDEK, _ = local.Primary()
	} else if dek, err := s.vault.UnlockWithPassword(ctx, password); err == nil {
		localDEK = dek
		defer crypto.Zero(dek)
	} else if !errors.Is(err, domain.ErrVaultNotFound) {
		s.log.WithError(err).Debug("local vault not unlocked with account password")
	}

	type outcome struct {
		res *keyring.UnlockResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.cloud.Unlock(ctx, keyring.UnlockParams{
			UserID:       userID,
			Password:     password,
			LocalDEK:     localDEK,
			LocalKeyring: local,
		})
		ch <- outcome{res, err}
	}()

	var res *keyring.UnlockResult
	select {
	case o := <-ch:
		if o.err != nil {
			return nil, s.settle(ctx, gen, o.err)
		}
		res = o.res
	case <-ctx.Done():
		return nil, s.settle(ctx, gen, ctx.Err())
	}

	if err := s.adoptLocally(ctx, res.VaultKey, localDEK, password); err != nil {
		s.log.WithError(err).Warn("local vault not updated with cloud key")
	}
	if err := s.commit(gen, res.Keyring, userID); err != nil {
		return nil, err
	}
	s.log.WithFields(logger.Fields{
		"user_id": userID,
		"keys":    res.Keyring.Len(),
		"primary": res.PrimaryKeyID,
	}).Info("cloud keyring unlocked")
	return res, nil
}

func (s *Session) adoptLocally(ctx context.Context, vaultKey, localDEK []byte, password string) error {
	exists, err := s.vault.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return s.vault.Install(ctx, vaultKey, password, nil)
	}
	if bytes.Equal(vaultKey, localDEK) {
		return nil
	}
	if err := s.vault.UpdatePasswordWrappedKey(ctx, vaultKey, password, nil); err != nil {
		return err
	}
	return s.vault.EnsureDeviceWrappedKey(ctx, vaultKey)
}

// SignOut cancels any running attempt, wipes the keys and locks every target.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	if s.ring != nil {
		s.ring.Wipe()
		s.ring = nil
	}
	s.userID = ""
	for _, t := range s.targets {
		t.Lock()
	}
	s.log.Info("signed out")
}

// Keyring returns the unlocked keyring, or nil when locked.
func (s *Session) Keyring() *keyring.Keyring {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Unlocked() bool {
	return s.Keyring() != nil
}
