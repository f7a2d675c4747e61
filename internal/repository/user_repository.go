package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dailyvault/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const userDocType = "user"

type UserRepository interface {
	Create(user *domain.User) error
	FindByEmail(email string) (*domain.User, error)
	FindByID(id string) (*domain.User, error)
	FindByUsername(username string) (*domain.User, error)
	Update(user *domain.User) error
	EmailExists(email string) (bool, error)
	UsernameExists(username string) (bool, error)
}

type userDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.User
}

type userRepository struct {
	client *kivik.Client
	dbName string
}

func NewUserRepository(client *kivik.Client, dbName string) UserRepository {
	return &userRepository{
		client: client,
		dbName: dbName,
	}
}

func userDocID(id string) string {
	return fmt.Sprintf("user:%s", id)
}

func (r *userRepository) Create(user *domain.User) error {
	db := r.client.DB(r.dbName)

	user.Email = strings.ToLower(user.Email)
	doc := userDoc{ID: userDocID(user.ID), Type: userDocType, User: *user}
	if _, err := db.Put(context.Background(), doc.ID, doc); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) findOne(field, value string) (*domain.User, error) {
	db := r.client.DB(r.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"type": userDocType,
			field:  value,
		},
		"limit": 1,
	}

	rows := db.Find(context.Background(), query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query user by %s: %w", field, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, domain.ErrUserNotFound
	}

	var doc userDoc
	if err := rows.ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &doc.User, nil
}

func (r *userRepository) FindByEmail(email string) (*domain.User, error) {
	return r.findOne("email", strings.ToLower(email))
}

func (r *userRepository) FindByUsername(username string) (*domain.User, error) {
	return r.findOne("username", username)
}

func (r *userRepository) FindByID(id string) (*domain.User, error) {
	db := r.client.DB(r.dbName)

	var doc userDoc
	if err := db.Get(context.Background(), userDocID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return &doc.User, nil
}

func (r *userRepository) Update(user *domain.User) error {
	db := r.client.DB(r.dbName)

	var existing userDoc
	if err := db.Get(context.Background(), userDocID(user.ID)).ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("failed to fetch user for update: %w", err)
	}

	existing.User = *user
	if _, err := db.Put(context.Background(), existing.ID, existing); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (r *userRepository) EmailExists(email string) (bool, error) {
	return exists(r.FindByEmail(email))
}

func (r *userRepository) UsernameExists(username string) (bool, error) {
	return exists(r.FindByUsername(username))
}

func exists(_ *domain.User, err error) (bool, error) {
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}
