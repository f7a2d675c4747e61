// Package notes is the plaintext view over the local envelope store: it
// encrypts on write with the primary key and decrypts on read with whichever
// key the envelope names.
package notes

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"dailyvault/internal/connectivity"
	"dailyvault/internal/domain"
	"dailyvault/internal/keyring"
	"dailyvault/pkg/crypto"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

// Store is the envelope persistence the service writes through.
type Store interface {
	GetEnvelope(ctx context.Context, date string) (*domain.NoteEnvelope, error)
	Lookup(ctx context.Context, date string) (*domain.NoteEnvelope, error)
	SaveEnvelope(ctx context.Context, env *domain.NoteEnvelope) (int64, error)
	Dates(ctx context.Context, year int) ([]string, error)
}

// Keys is the read side of a keyring.
type Keys interface {
	Primary() (string, []byte, bool)
	Get(id string) ([]byte, bool)
}

type Service struct {
	store Store
	clock connectivity.Clock
	log   *logrus.Entry

	keysMu sync.RWMutex
	keys   Keys

	// writeMu orders saves so writes for a date apply in issue order.
	writeMu  sync.Mutex
	onChange func(date string)
}

func NewService(store Store, clock connectivity.Clock, log *logrus.Entry) *Service {
	if clock == nil {
		clock = connectivity.SystemClock{}
	}
	return &Service{
		store: store,
		clock: clock,
		log:   logger.OrDiscard(log).WithField("component", "notes"),
	}
}

// Unlock makes keys available for reads and writes.
func (s *Service) Unlock(keys Keys) {
	s.keysMu.Lock()
	s.keys = keys
	s.keysMu.Unlock()
}

func (s *Service) Lock() {
	s.keysMu.Lock()
	s.keys = nil
	s.keysMu.Unlock()
}

func (s *Service) Unlocked() bool {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	return s.keys != nil
}

// OnChange registers fn to be called after every accepted local save.
func (s *Service) OnChange(fn func(date string)) {
	s.writeMu.Lock()
	s.onChange = fn
	s.writeMu.Unlock()
}

func (s *Service) currentKeys() (Keys, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	if s.keys == nil {
		return nil, domain.ErrNotUnlocked
	}
	return s.keys, nil
}

func noteAAD(date string) []byte {
	return []byte("dailyvault/note/v1|" + date)
}

// Get returns the plaintext for date. A missing note is ErrNoteNotFound; a
// note that exists but cannot be opened is a *domain.DecryptError.
func (s *Service) Get(ctx context.Context, date string) (string, error) {
	if err := domain.ValidateDate(date); err != nil {
		return "", err
	}
	keys, err := s.currentKeys()
	if err != nil {
		return "", err
	}

	env, err := s.store.GetEnvelope(ctx, date)
	if err != nil {
		return "", err
	}
	if env == nil {
		return "", domain.ErrNoteNotFound
	}

	pt, err := Open(keys, env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Open decrypts env with the matching key from keys.
func Open(keys Keys, env *domain.NoteEnvelope) ([]byte, error) {
	decryptErr := func(err error) error {
		return &domain.DecryptError{Date: env.Date, KeyID: env.KeyID, Err: err}
	}

	key, ok := keys.Get(env.KeyID)
	if !ok {
		return nil, decryptErr(keyring.ErrUnknownKey)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, decryptErr(fmt.Errorf("decode nonce: %w", err))
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, decryptErr(fmt.Errorf("decode ciphertext: %w", err))
	}
	pt, err := crypto.Decrypt(key, nonce, ct, noteAAD(env.Date))
	if err != nil {
		return nil, decryptErr(err)
	}
	return pt, nil
}

// Set stores content for date. Whitespace-only content deletes the note:
// the local row becomes a tombstone and the deletion syncs like an edit.
func (s *Service) Set(ctx context.Context, date, content string) error {
	if err := domain.ValidateDate(date); err != nil {
		return err
	}
	keys, err := s.currentKeys()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.store.Lookup(ctx, date)
	if err != nil {
		return err
	}

	var env *domain.NoteEnvelope
	if strings.TrimSpace(content) == "" {
		if prev == nil || prev.Deleted {
			return nil
		}
		env = &domain.NoteEnvelope{
			Date:            date,
			RemoteID:        prev.RemoteID,
			KeyID:           prev.KeyID,
			UpdatedAt:       s.clock.Now().UTC(),
			Revision:        prev.Revision + 1,
			ServerUpdatedAt: prev.ServerUpdatedAt,
			Deleted:         true,
		}
	} else {
		env, err = s.seal(keys, date, content, prev)
		if err != nil {
			return err
		}
	}

	seq, err := s.store.SaveEnvelope(ctx, env)
	if err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{
		"date":    date,
		"seq":     seq,
		"deleted": env.Deleted,
	}).Debug("note saved")

	if s.onChange != nil {
		s.onChange(date)
	}
	return nil
}

func (s *Service) seal(keys Keys, date, content string, prev *domain.NoteEnvelope) (*domain.NoteEnvelope, error) {
	keyID, key, ok := keys.Primary()
	if !ok {
		return nil, domain.ErrNotUnlocked
	}
	nonce, ct, err := crypto.Encrypt(key, []byte(content), noteAAD(date))
	if err != nil {
		return nil, err
	}

	env := &domain.NoteEnvelope{
		Date:       date,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KeyID:      keyID,
		UpdatedAt:  s.clock.Now().UTC(),
		Revision:   1,
	}
	if prev != nil {
		env.RemoteID = prev.RemoteID
		env.Revision = prev.Revision + 1
		env.ServerUpdatedAt = prev.ServerUpdatedAt
	}
	return env, nil
}

// Dates lists the days with a live local note.
func (s *Service) Dates(ctx context.Context, year int) ([]string, error) {
	return s.store.Dates(ctx, year)
}
