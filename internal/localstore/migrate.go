package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version     int
	description string
	stmts       []string
}

// migrations are applied in order and recorded in schema_migrations.
// Append only: an applied version is never edited.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS envelopes (
				date TEXT PRIMARY KEY,
				remote_id TEXT NOT NULL DEFAULT '',
				ciphertext TEXT NOT NULL,
				nonce TEXT NOT NULL,
				key_id TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				revision INTEGER NOT NULL DEFAULT 0,
				server_updated_at TEXT,
				deleted INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS pending (
				date TEXT PRIMARY KEY,
				seq INTEGER NOT NULL,
				queued_at TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS sync_state (
				id TEXT PRIMARY KEY,
				cursor TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS device_keys (
				name TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version:     2,
		description: "sync owner and integer queued_at",
		stmts: []string{
			`ALTER TABLE sync_state ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
			`CREATE TABLE pending_v2 (
				date TEXT PRIMARY KEY,
				seq INTEGER NOT NULL,
				queued_at INTEGER NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT ''
			)`,
			`INSERT INTO pending_v2 (date, seq, queued_at, attempts, last_error)
				SELECT date, seq, COALESCE(CAST(strftime('%s', queued_at) AS INTEGER), 0) * 1000000000,
					attempts, last_error
				FROM pending`,
			`DROP TABLE pending`,
			`ALTER TABLE pending_v2 RENAME TO pending`,
		},
	},
}

// migrate brings the schema up to the latest version. Each migration runs
// in its own transaction together with its schema_migrations row.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY CHECK(version > 0),
			applied_at INTEGER NOT NULL,
			description TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
		m.version, time.Now().Unix(), m.description)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// schemaVersion reports the highest applied migration.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
