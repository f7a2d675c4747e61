// Package localstore is the device's structured database: note envelopes,
// pending edits, the pull cursor and the device key table, in one sqlite file.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type OpenOptions struct {
	// Retries is the number of extra attempts after a failed open.
	Retries int
	// Backoff is the delay before the first retry; it doubles each attempt.
	Backoff time.Duration
	Log     *logrus.Entry
	// Now stamps pending edits. Defaults to time.Now.
	Now func() time.Time
}

func DefaultOpenOptions() OpenOptions {
	return OpenOptions{Retries: 4, Backoff: 50 * time.Millisecond}
}

// DB is the single shared handle for a local database file.
type DB struct {
	db   *sql.DB
	path string
	log  *logrus.Entry
	now  func() time.Time
}

// Open opens (creating if needed) the database at path. Opening right after
// the file was deleted or while a stale handle is closing can fail
// transiently, so failed opens are retried with exponential backoff.
func Open(ctx context.Context, path string, opts OpenOptions) (*DB, error) {
	log := logger.OrDiscard(opts.Log).WithField("component", "localstore")
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domain.NewStorageError("open", err)
	}

	backoff := opts.Backoff
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			log.WithFields(logger.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   lastErr.Error(),
			}).Warn("retrying database open")

			select {
			case <-ctx.Done():
				return nil, domain.NewStorageError("open", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		db, err := openOnce(ctx, path)
		if err == nil {
			return &DB{db: db, path: path, log: log, now: now}, nil
		}
		lastErr = err
	}

	return nil, domain.NewStorageError("open", fmt.Errorf("after %d attempts: %w", opts.Retries+1, lastErr))
}

func openOnce(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Notes() *NoteStore {
	return &NoteStore{db: d.db, log: d.log, now: d.now}
}

func (d *DB) DeviceKeys() *DeviceKeyTable {
	return &DeviceKeyTable{db: d.db, now: d.now}
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError(op, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
