package hash

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"valid password", "SecurePass123!", nil},
		{"minimum length", "Pass123!", nil},
		{"too short", "short", ErrTooShort},
		{"empty", "", ErrTooShort},
		{"too long", strings.Repeat("a", MaxLength+1), ErrTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HashWithCost(tt.password, bcrypt.MinCost)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HashWithCost() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if h == tt.password || !strings.HasPrefix(h, "$2a$04$") {
				t.Errorf("HashWithCost() = %q, not a bcrypt hash", h)
			}
		})
	}
}

func TestHashDefaultCost(t *testing.T) {
	h, err := Hash("SamePassword123!")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(h, "$2a$12$") {
		t.Errorf("Hash() = %q, want cost 12", h[:7])
	}
	if NeedsRehash(h, DefaultCost) {
		t.Error("NeedsRehash() = true for a default cost hash")
	}
	if !NeedsRehash(h, 13) {
		t.Error("NeedsRehash() = false for a different cost")
	}
}

func TestHashSalted(t *testing.T) {
	h1, _ := HashWithCost("SamePassword123!", bcrypt.MinCost)
	h2, _ := HashWithCost("SamePassword123!", bcrypt.MinCost)
	if h1 == h2 {
		t.Error("same password produced the same hash")
	}
}

func TestCompare(t *testing.T) {
	password := "MySecurePassword123!"
	h, err := HashWithCost(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashWithCost() error = %v", err)
	}

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"correct", password, nil},
		{"incorrect", "WrongPassword", ErrMismatch},
		{"empty", "", ErrMismatch},
		{"case sensitive", strings.ToUpper(password), ErrMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Compare(h, tt.password); !errors.Is(err, tt.wantErr) {
				t.Errorf("Compare() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := Compare("not-a-hash", password); err == nil || errors.Is(err, ErrMismatch) {
		t.Errorf("Compare() with malformed hash error = %v", err)
	}
}

func BenchmarkHash(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := Hash("BenchmarkPassword123!"); err != nil {
			b.Fatalf("Hash() error = %v", err)
		}
	}
}
