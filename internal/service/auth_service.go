package service

import (
	"errors"
	"fmt"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/repository"
	"dailyvault/pkg/hash"
	"dailyvault/pkg/jwt"
	"dailyvault/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrInvalidToken = errors.New("invalid token")

type AuthService struct {
	userRepo          repository.UserRepository
	jwtSecret         string
	jwtExpiration     time.Duration
	refreshExpiration time.Duration
	log               *logrus.Entry
}

func NewAuthService(userRepo repository.UserRepository, jwtSecret string, jwtExp, refreshExp time.Duration, log *logrus.Entry) *AuthService {
	return &AuthService{
		userRepo:          userRepo,
		jwtSecret:         jwtSecret,
		jwtExpiration:     jwtExp,
		refreshExpiration: refreshExp,
		log:               logger.OrDiscard(log).WithField("component", "auth"),
	}
}

// Register creates an account. Email and username must both be unused.
func (s *AuthService) Register(req *domain.RegisterRequest) (*domain.User, error) {
	if taken, err := s.userRepo.EmailExists(req.Email); err != nil {
		return nil, fmt.Errorf("failed to check email existence: %w", err)
	} else if taken {
		return nil, domain.ErrEmailTaken
	}
	if taken, err := s.userRepo.UsernameExists(req.Username); err != nil {
		return nil, fmt.Errorf("failed to check username existence: %w", err)
	} else if taken {
		return nil, domain.ErrUsernameTaken
	}

	hashed, err := hash.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Email:     req.Email,
		Password:  hashed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.WithField("user_id", user.ID).Info("account registered")
	return user.Public(), nil
}

// Login checks the password and issues an access/refresh token pair. Unknown
// email and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(req *domain.LoginRequest) (*domain.LoginResponse, error) {
	user, err := s.userRepo.FindByEmail(req.Email)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := hash.Compare(user.Password, req.Password); err != nil {
		s.log.WithField("user_id", user.ID).Warn("login rejected")
		return nil, domain.ErrInvalidCredentials
	}

	access, err := s.accessToken(user.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := jwt.GenerateRefreshToken(user.ID, s.refreshExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &domain.LoginResponse{
		User:         user.Public(),
		AccessToken:  access.AccessToken,
		RefreshToken: refresh,
		ExpiresIn:    access.ExpiresIn,
	}, nil
}

// RefreshToken trades a refresh token for a new access token. The refresh
// token itself is not rotated.
func (s *AuthService) RefreshToken(req *domain.RefreshTokenRequest) (*domain.TokenResponse, error) {
	claims, err := jwt.ValidateToken(req.RefreshToken, s.jwtSecret)
	if err != nil || !claims.IsRefresh() {
		return nil, ErrInvalidToken
	}
	return s.accessToken(claims.UserID)
}

func (s *AuthService) accessToken(userID string) (*domain.TokenResponse, error) {
	token, err := jwt.GenerateToken(userID, s.jwtExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	return &domain.TokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(s.jwtExpiration.Seconds()),
	}, nil
}

// ValidateToken accepts access tokens only.
func (s *AuthService) ValidateToken(token string) (*jwt.Claims, error) {
	claims, err := jwt.ValidateToken(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.IsAccess() {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}
