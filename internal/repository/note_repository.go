package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"dailyvault/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const noteDocType = "note"

// NoteRepository stores one document per user and day.
type NoteRepository interface {
	// Get returns the row for date and its document revision.
	Get(ctx context.Context, userID, date string) (*domain.RemoteNote, string, error)
	// Save writes note over document revision rev, or inserts it when rev is
	// empty. A concurrent writer makes it fail with domain.ErrConflict.
	Save(ctx context.Context, note *domain.RemoteNote, rev string) error
	ListDates(ctx context.Context, userID string, year int) ([]string, error)
	// ChangesSince returns rows stamped after since, oldest first.
	ChangesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error)
}

type noteDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	// ChangedAt mirrors server_updated_at in unix microseconds so selectors
	// can compare it numerically.
	ChangedAt int64 `json:"changed_at"`
	domain.RemoteNote
}

type noteRepository struct {
	client *kivik.Client
	dbName string
}

func NewNoteRepository(client *kivik.Client, dbName string) NoteRepository {
	return &noteRepository{
		client: client,
		dbName: dbName,
	}
}

func noteDocID(userID, date string) string {
	return fmt.Sprintf("note:%s:%s", userID, date)
}

func (r *noteRepository) Get(ctx context.Context, userID, date string) (*domain.RemoteNote, string, error) {
	db := r.client.DB(r.dbName)

	var doc noteDoc
	if err := db.Get(ctx, noteDocID(userID, date)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, "", domain.ErrNoteNotFound
		}
		return nil, "", fmt.Errorf("failed to find note: %w", err)
	}

	note := doc.RemoteNote
	return &note, doc.Rev, nil
}

func (r *noteRepository) Save(ctx context.Context, note *domain.RemoteNote, rev string) error {
	db := r.client.DB(r.dbName)

	doc := noteDoc{
		ID:         noteDocID(note.UserID, note.Date),
		Rev:        rev,
		Type:       noteDocType,
		ChangedAt:  note.ServerUpdatedAt.UnixMicro(),
		RemoteNote: *note,
	}
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return &domain.RevisionConflictError{Date: note.Date}
		}
		return fmt.Errorf("failed to save note: %w", err)
	}
	return nil
}

func (r *noteRepository) ListDates(ctx context.Context, userID string, year int) ([]string, error) {
	db := r.client.DB(r.dbName)

	selector := map[string]interface{}{
		"type":    noteDocType,
		"user_id": userID,
		"deleted": false,
	}
	if year > 0 {
		selector["date"] = map[string]interface{}{"$regex": fmt.Sprintf("-%04d$", year)}
	}
	query := map[string]interface{}{
		"selector": selector,
		"fields":   []string{"date"},
	}

	dates := []string{}
	err := findAll(ctx, db, query, func(rows *kivik.ResultSet) {
		var doc struct {
			Date string `json:"date"`
		}
		if err := rows.ScanDoc(&doc); err == nil {
			dates = append(dates, doc.Date)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list note dates: %w", err)
	}

	domain.SortDates(dates)
	return dates, nil
}

func (r *noteRepository) ChangesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error) {
	db := r.client.DB(r.dbName)

	var after int64
	if !since.IsZero() {
		after = since.UnixMicro()
	}
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"type":       noteDocType,
			"user_id":    userID,
			"changed_at": map[string]interface{}{"$gt": after},
		},
		"sort":      noteChangesSort,
		"use_index": []string{indexDesignDoc, noteChangesIndex},
	}

	var docs []noteDoc
	err := findAll(ctx, db, query, func(rows *kivik.ResultSet) {
		var doc noteDoc
		if err := rows.ScanDoc(&doc); err == nil {
			docs = append(docs, doc)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list note changes: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ChangedAt < docs[j].ChangedAt })
	notes := make([]*domain.RemoteNote, 0, len(docs))
	for i := range docs {
		note := docs[i].RemoteNote
		notes = append(notes, &note)
	}
	return notes, nil
}
