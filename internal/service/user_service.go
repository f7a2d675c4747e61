package service

import (
	"fmt"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/repository"
)

type UserService struct {
	userRepo repository.UserRepository
}

func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

func (s *UserService) GetByID(id string) (*domain.User, error) {
	user, err := s.userRepo.FindByID(id)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

// UpdateUsername renames the account. Keeping the current name is a no-op.
func (s *UserService) UpdateUsername(userID, username string) (*domain.User, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	if user.Username == username {
		return user.Public(), nil
	}

	taken, err := s.userRepo.UsernameExists(username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if taken {
		return nil, domain.ErrUsernameTaken
	}

	user.Username = username
	user.UpdatedAt = time.Now().UTC()
	if err := s.userRepo.Update(user); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user.Public(), nil
}
