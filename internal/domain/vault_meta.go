package domain

import "time"

const VaultMetaVersion = 1

// VaultMeta is the device-local vault record: one DEK wrapped by a
// password KEK and, optionally, by the device key.
type VaultMeta struct {
	Version int         `json:"version"`
	KDF     KDFParams   `json:"kdf"`
	Wrapped WrappedKeys `json:"wrapped"`
}

type KDFParams struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
}

type WrappedKeys struct {
	Password WrappedKey  `json:"password"`
	Device   *WrappedKey `json:"device,omitempty"`
}

type WrappedKey struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

// SyncState is the single local row recording how far pulls have progressed.
type SyncState struct {
	ID     string     `json:"id"`
	Cursor *time.Time `json:"cursor,omitempty"`
}

// PendingChange is a local edit not yet confirmed by the server. Seq grows
// on every save of the date so a confirm for an older save can be detected.
type PendingChange struct {
	Date      string    `json:"date"`
	Seq       int64     `json:"seq"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}
