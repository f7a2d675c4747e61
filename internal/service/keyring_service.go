package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/repository"
)

var ErrInvalidKeyID = errors.New("key id must be 64 hex characters")

type KeyringService struct {
	keyringRepo repository.KeyringRepository
	now         func() time.Time
}

func NewKeyringService(keyringRepo repository.KeyringRepository) *KeyringService {
	return &KeyringService{
		keyringRepo: keyringRepo,
		now:         time.Now,
	}
}

func validKeyID(keyID string) bool {
	if len(keyID) != 64 {
		return false
	}
	_, err := hex.DecodeString(keyID)
	return err == nil
}

func (s *KeyringService) List(ctx context.Context, userID string) ([]*domain.KeyringEntry, error) {
	return s.keyringRepo.List(ctx, userID)
}

// Upload appends a wrapped key. An existing entry is never rewritten and
// yields domain.ErrKeyringEntryExists. A primary upload demotes the others.
func (s *KeyringService) Upload(ctx context.Context, userID, keyID string, req *domain.UploadKeyringEntryRequest) (*domain.KeyringEntry, error) {
	if !validKeyID(keyID) {
		return nil, ErrInvalidKeyID
	}

	entry := &domain.KeyringEntry{
		UserID:        userID,
		KeyID:         keyID,
		WrappedDEK:    req.WrappedDEK,
		DEKIV:         req.DEKIV,
		KDFSalt:       req.KDFSalt,
		KDFIterations: req.KDFIterations,
		Version:       req.Version,
		IsPrimary:     req.IsPrimary,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.keyringRepo.Create(ctx, entry); err != nil {
		return nil, err
	}

	if entry.IsPrimary {
		if err := s.keyringRepo.SetPrimary(ctx, userID, keyID); err != nil {
			return nil, fmt.Errorf("failed to demote previous primary: %w", err)
		}
	}
	return entry, nil
}

func (s *KeyringService) SetPrimary(ctx context.Context, userID, keyID string) error {
	if !validKeyID(keyID) {
		return ErrInvalidKeyID
	}
	return s.keyringRepo.SetPrimary(ctx, userID, keyID)
}
