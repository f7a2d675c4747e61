package domain

import "time"

// KeyringEntryVersion is the wrapping format written by this build.
const KeyringEntryVersion = 1

// KeyringEntry is one password-wrapped DEK. Each entry carries its own KDF
// parameters so entries written with older settings stay unwrappable.
type KeyringEntry struct {
	UserID        string    `json:"user_id"`
	KeyID         string    `json:"key_id"`
	WrappedDEK    []byte    `json:"wrapped_dek"`
	DEKIV         []byte    `json:"dek_iv"`
	KDFSalt       []byte    `json:"kdf_salt"`
	KDFIterations int       `json:"kdf_iterations"`
	Version       int       `json:"version"`
	IsPrimary     bool      `json:"is_primary"`
	CreatedAt     time.Time `json:"created_at"`
}

type UploadKeyringEntryRequest struct {
	WrappedDEK    []byte `json:"wrapped_dek" validate:"required"`
	DEKIV         []byte `json:"dek_iv" validate:"required,len=12"`
	KDFSalt       []byte `json:"kdf_salt" validate:"required,min=16"`
	KDFIterations int    `json:"kdf_iterations" validate:"required,gt=0"`
	Version       int    `json:"version" validate:"required,gte=1"`
	IsPrimary     bool   `json:"is_primary"`
}

type KeyringResponse struct {
	Entries []*KeyringEntry `json:"entries"`
}
