// Package hash stores account passwords for the sync server. It has nothing
// to do with vault passwords, which never leave the client.
package hash

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultCost = 12
	MinLength   = 8
	// bcrypt ignores input past 72 bytes.
	MaxLength = 72
)

var (
	ErrTooShort = fmt.Errorf("password must be at least %d characters", MinLength)
	ErrTooLong  = fmt.Errorf("password must be at most %d bytes", MaxLength)
	ErrMismatch = errors.New("password does not match")
)

func Hash(password string) (string, error) {
	return HashWithCost(password, DefaultCost)
}

func HashWithCost(password string, cost int) (string, error) {
	if len(password) < MinLength {
		return "", ErrTooShort
	}
	if len(password) > MaxLength {
		return "", ErrTooLong
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare returns ErrMismatch when password does not produce hashedPassword.
func Compare(hashedPassword, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

// NeedsRehash reports whether hashedPassword was made with a cost other than cost.
func NeedsRehash(hashedPassword string, cost int) bool {
	c, err := bcrypt.Cost([]byte(hashedPassword))
	return err != nil || c != cost
}
