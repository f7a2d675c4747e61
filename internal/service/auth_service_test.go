package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/pkg/hash"
	. "dailyvault/pkg/jwt"
)

type mockUserRepository struct {
	users map[string]*domain.User
}

func newMockUserRepository(users ...*domain.User) *mockUserRepository {
	m := &mockUserRepository{users: make(map[string]*domain.User)}
	for _, u := range users {
		m.Create(u)
	}
	return m
}

func (m *mockUserRepository) Create(user *domain.User) error {
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *mockUserRepository) find(match func(*domain.User) bool) (*domain.User, error) {
	for _, user := range m.users {
		if match(user) {
			copied := *user
			return &copied, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (m *mockUserRepository) FindByEmail(email string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *mockUserRepository) FindByID(id string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return u.ID == id })
}

func (m *mockUserRepository) FindByUsername(username string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return u.Username == username })
}

func (m *mockUserRepository) Update(user *domain.User) error {
	if _, ok := m.users[user.ID]; !ok {
		return domain.ErrUserNotFound
	}
	return m.Create(user)
}

func (m *mockUserRepository) EmailExists(email string) (bool, error) {
	_, err := m.FindByEmail(email)
	return err == nil, nil
}

func (m *mockUserRepository) UsernameExists(username string) (bool, error) {
	_, err := m.FindByUsername(username)
	return err == nil, nil
}

const testPassword = "UserPassword123!"

// existingUser is stored with a cheap hash so tests stay fast.
func existingUser(t *testing.T) *domain.User {
	t.Helper()
	hashed, err := hash.HashWithCost(testPassword, 4)
	if err != nil {
		t.Fatalf("HashWithCost() error = %v", err)
	}
	return &domain.User{ID: "user-1", Username: "journaler", Email: "writer@example.com", Password: hashed}
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.RegisterRequest
		wantErr error
	}{
		{
			name: "new account",
			req:  domain.RegisterRequest{Username: "newuser", Email: "new@example.com", Password: "Password123!"},
		},
		{
			name:    "email taken",
			req:     domain.RegisterRequest{Username: "other", Email: "writer@example.com", Password: "Password123!"},
			wantErr: domain.ErrEmailTaken,
		},
		{
			name:    "username taken",
			req:     domain.RegisterRequest{Username: "journaler", Email: "unique@example.com", Password: "Password123!"},
			wantErr: domain.ErrUsernameTaken,
		},
		{
			name:    "short password",
			req:     domain.RegisterRequest{Username: "shorty", Email: "short@example.com", Password: "weak"},
			wantErr: hash.ErrTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockUserRepository(existingUser(t))
			service := NewAuthService(repo, "test-secret", 15*time.Minute, 7*24*time.Hour, nil)

			user, err := service.Register(&tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() unexpected error = %v", err)
			}
			if user.Password != "" {
				t.Error("Register() returned the password hash")
			}

			stored, err := repo.FindByID(user.ID)
			if err != nil {
				t.Fatalf("registered user not stored: %v", err)
			}
			if err := hash.Compare(stored.Password, tt.req.Password); err != nil {
				t.Errorf("stored hash does not match password: %v", err)
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	repo := newMockUserRepository(existingUser(t))
	service := NewAuthService(repo, "test-secret-key", 15*time.Minute, 7*24*time.Hour, nil)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  bool
	}{
		{name: "correct password", email: "writer@example.com", password: testPassword},
		{name: "email is case insensitive", email: "Writer@Example.com", password: testPassword},
		{name: "wrong password", email: "writer@example.com", password: "WrongPassword", wantErr: true},
		{name: "unknown email", email: "nobody@example.com", password: testPassword, wantErr: true},
		{name: "empty password", email: "writer@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := service.Login(&domain.LoginRequest{Email: tt.email, Password: tt.password})
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidCredentials) {
					t.Errorf("Login() error = %v, want %v", err, domain.ErrInvalidCredentials)
				}
				return
			}
			if err != nil {
				t.Fatalf("Login() unexpected error = %v", err)
			}

			if resp.User == nil || resp.User.ID != "user-1" || resp.User.Password != "" {
				t.Errorf("Login() user = %+v", resp.User)
			}
			if resp.ExpiresIn != 15*60 {
				t.Errorf("Login() expiresIn = %d, want %d", resp.ExpiresIn, 15*60)
			}

			access, err := service.ValidateToken(resp.AccessToken)
			if err != nil || access.UserID != "user-1" {
				t.Errorf("access token claims = %+v, %v", access, err)
			}
			refresh, err := ValidateToken(resp.RefreshToken, "test-secret-key")
			if err != nil || !refresh.IsRefresh() {
				t.Errorf("refresh token claims = %+v, %v", refresh, err)
			}
		})
	}
}

func TestAuthService_RefreshToken(t *testing.T) {
	secret := "refresh-test-secret-key"
	service := NewAuthService(newMockUserRepository(), secret, 15*time.Minute, 7*24*time.Hour, nil)

	valid, _ := GenerateRefreshToken("user-1", 7*24*time.Hour, secret)
	expired, _ := GenerateRefreshToken("user-1", -time.Hour, secret)
	foreign, _ := GenerateRefreshToken("user-1", time.Hour, "other-secret")
	access, _ := GenerateToken("user-1", time.Hour, secret)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid refresh token", token: valid},
		{name: "expired", token: expired, wantErr: true},
		{name: "signed with another secret", token: foreign, wantErr: true},
		{name: "access token", token: access, wantErr: true},
		{name: "garbage", token: "invalid.token.here", wantErr: true},
		{name: "empty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := service.RefreshToken(&domain.RefreshTokenRequest{RefreshToken: tt.token})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("RefreshToken() error = %v, want %v", err, ErrInvalidToken)
				}
				return
			}
			if err != nil {
				t.Fatalf("RefreshToken() unexpected error = %v", err)
			}

			claims, err := service.ValidateToken(resp.AccessToken)
			if err != nil || claims.UserID != "user-1" {
				t.Errorf("new access token claims = %+v, %v", claims, err)
			}
		})
	}
}

func TestAuthService_ValidateToken(t *testing.T) {
	secret := "validation-test-secret"
	service := NewAuthService(newMockUserRepository(), secret, 15*time.Minute, 7*24*time.Hour, nil)

	access, _ := GenerateToken("user-1", time.Hour, secret)
	refresh, _ := GenerateRefreshToken("user-1", time.Hour, secret)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "access token", token: access},
		{name: "refresh token rejected", token: refresh, wantErr: true},
		{name: "malformed", token: "invalid.token.format", wantErr: true},
		{name: "empty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
				}
				return
			}
			if err != nil || claims.UserID != "user-1" {
				t.Errorf("ValidateToken() = %+v, %v", claims, err)
			}
		})
	}
}

func TestUserService_UpdateUsername(t *testing.T) {
	taken := &domain.User{ID: "user-2", Username: "taken", Email: "two@example.com"}

	tests := []struct {
		name     string
		username string
		wantErr  error
	}{
		{name: "free name", username: "renamed"},
		{name: "same name", username: "journaler"},
		{name: "name in use", username: "taken", wantErr: domain.ErrUsernameTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockUserRepository(existingUser(t), taken)
			service := NewUserService(repo)

			user, err := service.UpdateUsername("user-1", tt.username)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("UpdateUsername() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateUsername() error = %v", err)
			}
			if user.Username != tt.username || user.Password != "" {
				t.Errorf("UpdateUsername() = %+v", user)
			}
			if stored, _ := repo.FindByID("user-1"); stored.Username != tt.username || stored.Password == "" {
				t.Errorf("stored user = %+v", stored)
			}
		})
	}

	if _, err := NewUserService(newMockUserRepository()).GetByID("missing"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("GetByID(missing) error = %v, want %v", err, domain.ErrUserNotFound)
	}
}
