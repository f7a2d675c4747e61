// Package crypto holds the primitives the vault is built on: PBKDF2 key
// derivation, AES-256-GCM sealing, DEK wrapping and content-derived key ids.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize   = 32
	SaltSize  = 16
	NonceSize = 12

	// DefaultKDFIterations is the PBKDF2-SHA256 work factor for new wrappings.
	DefaultKDFIterations = 600000
)

var (
	// ErrAuthFailed is returned when an AEAD tag does not verify. With a
	// password derived key this almost always means a wrong password.
	ErrAuthFailed = errors.New("crypto: message authentication failed")
	// ErrInvalidKey is returned for keys that are not KeySize bytes.
	ErrInvalidKey = errors.New("crypto: invalid key length")
	// ErrInvalidNonce is returned for nonces that are not NonceSize bytes.
	ErrInvalidNonce = errors.New("crypto: invalid nonce length")
	// ErrInvalidKDFParams is returned for a missing salt or a non-positive iteration count.
	ErrInvalidKDFParams = errors.New("crypto: invalid kdf parameters")
)

var wrapAAD = []byte("dailyvault/dek-wrap/v1")

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: read random: %w", err)
	}
	return b, nil
}

// GenerateKey returns a fresh random DEK.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// DeriveKEK stretches a password into a key encryption key.
func DeriveKEK(password string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) == 0 || iterations <= 0 {
		return nil, ErrInvalidKDFParams
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New), nil
}

// DeriveKEKContext is DeriveKEK that returns early when ctx is done. The
// derivation itself keeps running in the background until it finishes.
func DeriveKEKContext(ctx context.Context, password string, salt []byte, iterations int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		k, err := DeriveKEK(password, salt, iterations)
		ch <- result{k, err}
	}()

	select {
	case <-ctx.Done():
		go func() { Zero((<-ch).key) }()
		return nil, ctx.Err()
	case r := <-ch:
		return r.key, r.err
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh random nonce. Every call
// draws a new nonce; callers must never supply their own.
func Encrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

// WrapKey encrypts a DEK under a KEK.
func WrapKey(kek, dek []byte) (iv, wrapped []byte, err error) {
	if len(dek) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	return Encrypt(kek, dek, wrapAAD)
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(kek, iv, wrapped []byte) ([]byte, error) {
	dek, err := Decrypt(kek, iv, wrapped, wrapAAD)
	if err != nil {
		return nil, err
	}
	if len(dek) != KeySize {
		Zero(dek)
		return nil, ErrInvalidKey
	}
	return dek, nil
}

// KeyID is the hex SHA-256 of the raw key, so the same DEK has the same id
// on every device.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
