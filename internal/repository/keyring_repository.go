package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"dailyvault/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const keyringDocType = "keyring_entry"

// KeyringRepository stores password-wrapped DEKs, one document per user and
// key id. Entries are append-only: only the primary flag ever changes.
type KeyringRepository interface {
	Create(ctx context.Context, entry *domain.KeyringEntry) error
	// List returns the user's entries ordered by creation time, then key id.
	List(ctx context.Context, userID string) ([]*domain.KeyringEntry, error)
	SetPrimary(ctx context.Context, userID, keyID string) error
}

type keyringDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.KeyringEntry
}

type keyringRepository struct {
	client *kivik.Client
	dbName string
}

func NewKeyringRepository(client *kivik.Client, dbName string) KeyringRepository {
	return &keyringRepository{
		client: client,
		dbName: dbName,
	}
}

func keyringDocID(userID, keyID string) string {
	return fmt.Sprintf("keyring:%s:%s", userID, keyID)
}

func (r *keyringRepository) Create(ctx context.Context, entry *domain.KeyringEntry) error {
	db := r.client.DB(r.dbName)

	doc := keyringDoc{
		ID:           keyringDocID(entry.UserID, entry.KeyID),
		Type:         keyringDocType,
		KeyringEntry: *entry,
	}
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return domain.ErrKeyringEntryExists
		}
		return fmt.Errorf("failed to create keyring entry: %w", err)
	}
	return nil
}

func (r *keyringRepository) list(ctx context.Context, userID string) ([]keyringDoc, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"type":    keyringDocType,
			"user_id": userID,
		},
	}

	var docs []keyringDoc
	err := findAll(ctx, db, query, func(rows *kivik.ResultSet) {
		var doc keyringDoc
		if err := rows.ScanDoc(&doc); err == nil {
			docs = append(docs, doc)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keyring: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i].KeyringEntry, docs[j].KeyringEntry
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.KeyID < b.KeyID
	})
	return docs, nil
}

func (r *keyringRepository) List(ctx context.Context, userID string) ([]*domain.KeyringEntry, error) {
	docs, err := r.list(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries := make([]*domain.KeyringEntry, 0, len(docs))
	for i := range docs {
		entry := docs[i].KeyringEntry
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (r *keyringRepository) SetPrimary(ctx context.Context, userID, keyID string) error {
	docs, err := r.list(ctx, userID)
	if err != nil {
		return err
	}

	found := false
	for _, doc := range docs {
		if doc.KeyID == keyID {
			found = true
			break
		}
	}
	if !found {
		return domain.ErrKeyringEntryNotFound
	}

	db := r.client.DB(r.dbName)
	// Set the new primary before clearing the others so a failure midway
	// leaves at least one primary behind.
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].KeyID == keyID && docs[j].KeyID != keyID })
	for _, doc := range docs {
		want := doc.KeyID == keyID
		if doc.IsPrimary == want {
			continue
		}
		doc.IsPrimary = want
		if _, err := db.Put(ctx, doc.ID, doc); err != nil {
			return fmt.Errorf("failed to update keyring entry %s: %w", doc.KeyID, err)
		}
	}
	return nil
}
