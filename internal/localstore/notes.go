package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dailyvault/internal/domain"

	"github.com/sirupsen/logrus"
)

const syncStateID = "notes"

// NoteStore persists envelopes and the sync bookkeeping that goes with them.
// Deleted notes keep their row as a tombstone so the server token survives.
type NoteStore struct {
	db  *sql.DB
	log *logrus.Entry
	now func() time.Time
}

const envelopeColumns = `date, remote_id, ciphertext, nonce, key_id, updated_at, revision, server_updated_at, deleted`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row rowScanner) (*domain.NoteEnvelope, error) {
	var (
		env       domain.NoteEnvelope
		updatedAt string
		sua       sql.NullString
		deleted   int
	)
	if err := row.Scan(&env.Date, &env.RemoteID, &env.Ciphertext, &env.Nonce, &env.KeyID,
		&updatedAt, &env.Revision, &sua, &deleted); err != nil {
		return nil, err
	}

	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	env.UpdatedAt = t
	if env.ServerUpdatedAt, err = parseTimePtr(sua); err != nil {
		return nil, fmt.Errorf("parse server_updated_at: %w", err)
	}
	env.Deleted = deleted != 0
	return &env, nil
}

func lookup(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, date string) (*domain.NoteEnvelope, error) {
	row := q.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE date = ?`, date)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("lookup", err)
	}
	return env, nil
}

// GetEnvelope returns the live envelope for date, or nil if there is none
// or it is a tombstone. It never decrypts.
func (s *NoteStore) GetEnvelope(ctx context.Context, date string) (*domain.NoteEnvelope, error) {
	env, err := s.Lookup(ctx, date)
	if err != nil || env == nil || env.Deleted {
		return nil, err
	}
	return env, nil
}

// Lookup returns the row for date including tombstones.
func (s *NoteStore) Lookup(ctx context.Context, date string) (*domain.NoteEnvelope, error) {
	return lookup(ctx, s.db, date)
}

func upsert(ctx context.Context, tx *sql.Tx, env *domain.NoteEnvelope) error {
	deleted := 0
	if env.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO envelopes (`+envelopeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			remote_id = excluded.remote_id,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at,
			revision = excluded.revision,
			server_updated_at = excluded.server_updated_at,
			deleted = excluded.deleted`,
		env.Date, env.RemoteID, env.Ciphertext, env.Nonce, env.KeyID,
		formatTime(env.UpdatedAt), env.Revision, formatTimePtr(env.ServerUpdatedAt), deleted)
	return err
}

// SaveEnvelope upserts env and marks the date pending. It returns the new
// pending sequence number for the date.
func (s *NoteStore) SaveEnvelope(ctx context.Context, env *domain.NoteEnvelope) (int64, error) {
	var seq int64
	err := inTx(ctx, s.db, "save", func(tx *sql.Tx) error {
		if err := upsert(ctx, tx, env); err != nil {
			return domain.NewStorageError("save", err)
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO pending (date, seq, queued_at) VALUES (?, 1, ?)
			ON CONFLICT(date) DO UPDATE SET seq = pending.seq + 1, queued_at = excluded.queued_at
			RETURNING seq`,
			env.Date, s.now().UnixNano()).Scan(&seq)
		if err != nil {
			return domain.NewStorageError("save pending", err)
		}
		return nil
	})
	return seq, err
}

// Pending lists unconfirmed local edits, oldest first.
func (s *NoteStore) Pending(ctx context.Context) ([]domain.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, seq, queued_at, attempts, last_error FROM pending ORDER BY queued_at, date`)
	if err != nil {
		return nil, domain.NewStorageError("pending", err)
	}
	defer rows.Close()

	var out []domain.PendingChange
	for rows.Next() {
		var (
			p        domain.PendingChange
			queuedAt int64
		)
		if err := rows.Scan(&p.Date, &p.Seq, &queuedAt, &p.Attempts, &p.LastError); err != nil {
			return nil, domain.NewStorageError("pending scan", err)
		}
		p.QueuedAt = time.Unix(0, queuedAt).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("pending", err)
	}
	return out, nil
}

// PendingSeq returns the pending sequence for date, or 0 if nothing is pending.
func (s *NoteStore) PendingSeq(ctx context.Context, date string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM pending WHERE date = ?`, date).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewStorageError("pending seq", err)
	}
	return seq, nil
}

// ApplyPushResult records the server's canonical row for a pushed envelope.
// If the date was saved again after seq was pushed, the newer local content
// is kept and stays pending but adopts the fresh token so the next push does
// not conflict. It reports whether the pending entry was cleared.
func (s *NoteStore) ApplyPushResult(ctx context.Context, date string, seq int64, remote *domain.RemoteNote) (bool, error) {
	var confirmed bool
	err := inTx(ctx, s.db, "apply push", func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT seq FROM pending WHERE date = ?`, date).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.NewStorageError("apply push", err)
		}

		if current == seq {
			if err := upsert(ctx, tx, remote.Envelope()); err != nil {
				return domain.NewStorageError("apply push", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE date = ?`, date); err != nil {
				return domain.NewStorageError("apply push", err)
			}
			confirmed = true
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE envelopes SET remote_id = ?, revision = ?, server_updated_at = ? WHERE date = ?`,
			remote.ID, remote.Revision, formatTime(remote.ServerUpdatedAt), date)
		if err != nil {
			return domain.NewStorageError("apply push", err)
		}
		return nil
	})
	return confirmed, err
}

// AdoptToken refreshes the concurrency token of a pending envelope without
// touching its content. Used when rebasing onto a freshly fetched row.
func (s *NoteStore) AdoptToken(ctx context.Context, date string, remote *domain.RemoteNote) error {
	var sua sql.NullString
	var id string
	var rev int64
	if remote != nil {
		sua = sql.NullString{String: formatTime(remote.ServerUpdatedAt), Valid: true}
		id = remote.ID
		rev = remote.Revision
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET remote_id = CASE WHEN ? = '' THEN remote_id ELSE ? END,
		 revision = ?, server_updated_at = ? WHERE date = ?`,
		id, id, rev, sua, date)
	if err != nil {
		return domain.NewStorageError("adopt token", err)
	}
	return nil
}

// RecordPushFailure bumps the attempt counter of a pending date.
func (s *NoteStore) RecordPushFailure(ctx context.Context, date string, cause error) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending SET attempts = attempts + 1, last_error = ? WHERE date = ?`, cause.Error(), date)
	if err != nil {
		return domain.NewStorageError("record failure", err)
	}
	return nil
}

// ApplyRemote merges a pulled row. Dates with a pending local edit are left
// alone, as are rows older than what the store already holds. It reports
// whether the row was written.
func (s *NoteStore) ApplyRemote(ctx context.Context, remote *domain.RemoteNote) (bool, error) {
	var applied bool
	err := inTx(ctx, s.db, "apply remote", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending WHERE date = ?`, remote.Date).Scan(&n); err != nil {
			return domain.NewStorageError("apply remote", err)
		}
		if n > 0 {
			s.log.WithField("date", remote.Date).Debug("skipping pulled row, local edit pending")
			return nil
		}

		local, err := lookup(ctx, tx, remote.Date)
		if err != nil {
			return err
		}
		if local != nil && local.Revision > remote.Revision {
			return nil
		}

		if err := upsert(ctx, tx, remote.Envelope()); err != nil {
			return domain.NewStorageError("apply remote", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// Cursor returns the last pulled server timestamp, or nil before the first pull.
func (s *NoteStore) Cursor(ctx context.Context) (*time.Time, error) {
	var c sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_state WHERE id = ?`, syncStateID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("cursor", err)
	}
	t, err := parseTimePtr(c)
	if err != nil {
		return nil, domain.NewStorageError("cursor", err)
	}
	return t, nil
}

// AdvanceCursor moves the cursor forward to t. It never moves backwards.
func (s *NoteStore) AdvanceCursor(ctx context.Context, t time.Time) error {
	return inTx(ctx, s.db, "advance cursor", func(tx *sql.Tx) error {
		var c sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT cursor FROM sync_state WHERE id = ?`, syncStateID).Scan(&c)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.NewStorageError("advance cursor", err)
		}
		if cur, _ := parseTimePtr(c); cur != nil && !t.After(*cur) {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_state (id, cursor) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor`,
			syncStateID, formatTime(t))
		if err != nil {
			return domain.NewStorageError("advance cursor", err)
		}
		return nil
	})
}

// Dates lists live note dates for year in calendar order. Year 0 lists all.
func (s *NoteStore) Dates(ctx context.Context, year int) ([]string, error) {
	query := `SELECT date FROM envelopes WHERE deleted = 0`
	var args []interface{}
	if year > 0 {
		query += ` AND substr(date, 7, 4) = ?`
		args = append(args, fmt.Sprintf("%04d", year))
	}
	query += ` ORDER BY substr(date, 7, 4), substr(date, 4, 2), substr(date, 1, 2)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("dates", err)
	}
	defer rows.Close()

	dates := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, domain.NewStorageError("dates", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("dates", err)
	}
	return dates, nil
}

// Owner returns the account the local data belongs to, or "" if it was
// never bound to one.
func (s *NoteStore) Owner(ctx context.Context) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM sync_state WHERE id = ?`, syncStateID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", domain.NewStorageError("owner", err)
	}
	return owner, nil
}

// ClaimOwner binds the local data to userID. Unowned data is adopted as is.
// Data owned by another account is dropped along with its cursor, unless it
// still has pending edits, in which case ErrUnsyncedChanges is returned and
// nothing changes. It reports whether the previous account's data was dropped.
func (s *NoteStore) ClaimOwner(ctx context.Context, userID string) (bool, error) {
	var switched bool
	err := inTx(ctx, s.db, "claim owner", func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM sync_state WHERE id = ?`, syncStateID).Scan(&owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.NewStorageError("claim owner", err)
		}
		if owner == userID {
			return nil
		}

		if owner != "" {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n); err != nil {
				return domain.NewStorageError("claim owner", err)
			}
			if n > 0 {
				return fmt.Errorf("%d edits of another account: %w", n, domain.ErrUnsyncedChanges)
			}
			for _, stmt := range []string{`DELETE FROM envelopes`, `DELETE FROM sync_state`} {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return domain.NewStorageError("claim owner", err)
				}
			}
			switched = true
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_state (id, owner) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner`,
			syncStateID, userID)
		if err != nil {
			return domain.NewStorageError("claim owner", err)
		}
		return nil
	})
	if switched {
		s.log.WithField("user_id", userID).Info("dropped local data of the previous account")
	}
	return switched, err
}

// Reset drops every envelope, pending edit and the cursor. Used on sign out.
func (s *NoteStore) Reset(ctx context.Context) error {
	return inTx(ctx, s.db, "reset", func(tx *sql.Tx) error {
		for _, stmt := range []string{`DELETE FROM envelopes`, `DELETE FROM pending`, `DELETE FROM sync_state`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return domain.NewStorageError("reset", err)
			}
		}
		return nil
	})
}
