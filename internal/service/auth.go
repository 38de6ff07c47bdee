// Package service provides the API server's business logic, delegating
// persistence to repository interfaces.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quanta/habitsync/internal/repository"
)

var (
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create collides with an existing id or
	// an update targets an entity the caller cannot overwrite.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid")
	// ErrUnauthorized is returned for an unknown bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthRepository defines the persistence operations required by the
// authentication service.
type AuthRepository interface {
	// UserExists returns true if a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser creates a user with the given id, login and token.
	RegisterUser(ctx context.Context, id, login, token string) error
	// UserIDByToken resolves a bearer token.
	UserIDByToken(ctx context.Context, token string) (string, error)
}

// Session is what a client needs to authenticate.
type Session struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Service implements authentication operations by delegating to an
// AuthRepository.
type Service struct {
	repo     AuthRepository
	newToken func() string
}

// NewAuthService constructs a new Service using the provided repository.
func NewAuthService(repo AuthRepository) *Service {
	return &Service{repo: repo, newToken: rand.Text}
}

// UserExists checks whether a user with the specified login exists.
func (s *Service) UserExists(ctx context.Context, login string) (bool, error) {
	return s.repo.UserExists(ctx, login)
}

// Register creates an account for login and issues its bearer token.
func (s *Service) Register(ctx context.Context, login string) (Session, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return Session{}, fmt.Errorf("%w: login is required", ErrInvalid)
	}

	exists, err := s.repo.UserExists(ctx, login)
	if err != nil {
		return Session{}, err
	}
	if exists {
		return Session{}, fmt.Errorf("%w: user %q already exists", ErrConflict, login)
	}

	sess := Session{UserID: uuid.NewString(), Token: s.newToken()}
	if err := s.repo.RegisterUser(ctx, sess.UserID, login, sess.Token); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return Session{}, fmt.Errorf("%w: user %q already exists", ErrConflict, login)
		}
		return Session{}, err
	}
	return sess, nil
}

// ResolveToken returns the user owning token.
func (s *Service) ResolveToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	id, err := s.repo.UserIDByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrUnauthorized
	}
	return id, err
}
