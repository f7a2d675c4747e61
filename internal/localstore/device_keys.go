package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dailyvault/internal/domain"
)

// DeviceKeyTable stores the opaque blobs owned by the device key store.
type DeviceKeyTable struct {
	db  *sql.DB
	now func() time.Time
}

func (t *DeviceKeyTable) Get(ctx context.Context, name string) ([]byte, bool, error) {
	var v []byte
	err := t.db.QueryRowContext(ctx, `SELECT value FROM device_keys WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewStorageError("device key get", err)
	}
	return v, true, nil
}

func (t *DeviceKeyTable) Put(ctx context.Context, name string, value []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO device_keys (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, formatTime(t.now()))
	if err != nil {
		return domain.NewStorageError("device key put", err)
	}
	return nil
}

func (t *DeviceKeyTable) Delete(ctx context.Context, names ...string) error {
	return inTx(ctx, t.db, "device key delete", func(tx *sql.Tx) error {
		for _, n := range names {
			if _, err := tx.ExecContext(ctx, `DELETE FROM device_keys WHERE name = ?`, n); err != nil {
				return domain.NewStorageError("device key delete", err)
			}
		}
		return nil
	})
}
