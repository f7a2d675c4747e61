package domain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

var (
	// ErrAuthentication means a password did not unwrap any key. It is the
	// only vault failure meant to reach the user as "wrong password".
	ErrAuthentication = errors.New("authentication failed")

	// ErrConflict is returned by a push whose token no longer matches.
	ErrConflict = errors.New("revision conflict")

	ErrNoteNotFound         = errors.New("note not found")
	ErrDecrypt              = errors.New("note could not be decrypted")
	ErrCorruptedEntry       = errors.New("corrupted keyring entry")
	ErrVaultNotFound        = errors.New("vault not found")
	ErrDeviceKeyUnavailable = errors.New("device key unavailable")
	ErrInvalidDate          = errors.New("invalid date, expected DD-MM-YYYY")
	ErrNotUnlocked          = errors.New("vault is locked")
	ErrSuperseded           = errors.New("operation superseded")

	// ErrUnsyncedChanges guards local edits that were never pushed from
	// being dropped or pushed into the wrong account.
	ErrUnsyncedChanges = errors.New("local edits not yet synced")
)

// Server side.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailTaken           = errors.New("email already registered")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrKeyringEntryNotFound = errors.New("keyring entry not found")
	ErrKeyringEntryExists   = errors.New("keyring entry already exists")
)

type StorageKind string

const (
	StorageIO      StorageKind = "io"
	StorageUnknown StorageKind = "unknown"
)

// StorageError is a local durable storage failure.
type StorageError struct {
	Kind StorageKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *StorageError) Transient() bool {
	return e.Kind == StorageIO
}

// NewStorageError classifies err. Filesystem failures and sqlite lock
// contention are IO; everything else is Unknown.
func NewStorageError(op string, err error) *StorageError {
	kind := StorageUnknown
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, os.ErrDeadlineExceeded):
		kind = StorageIO
	default:
		msg := strings.ToLower(err.Error())
		for _, s := range []string{"database is locked", "busy", "disk i/o", "unable to open"} {
			if strings.Contains(msg, s) {
				kind = StorageIO
				break
			}
		}
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// RevisionConflictError carries the row the server currently holds, when
// the server returned it.
type RevisionConflictError struct {
	Date    string
	Current *RemoteNote
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s", e.Date)
}

func (e *RevisionConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DecryptError means a note exists but its ciphertext could not be opened,
// either because the key is missing from the keyring or the tag failed.
type DecryptError struct {
	Date  string
	KeyID string
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt note %s with key %.12s: %v", e.Date, e.KeyID, e.Err)
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrDecrypt
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}
