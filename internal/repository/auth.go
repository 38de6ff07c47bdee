// Package repository provides PostgreSQL persistence for the API server.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate")
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// PostgresAuthRepository stores users and their bearer tokens.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a PostgresAuthRepository with the given
// database connection.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// UserExists checks whether a user with the specified login exists.
func (s *PostgresAuthRepository) UserExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`,
		login,
	).Scan(&exists)
	return exists, err
}

// RegisterUser creates a user. It returns ErrDuplicate when the login or
// token is already taken.
func (s *PostgresAuthRepository) RegisterUser(ctx context.Context, id, login, token string) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT INTO users (id, login, token) VALUES ($1, $2, $3)`,
		id, login, token,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("register %q: %w", login, ErrDuplicate)
	}
	return err
}

// UserIDByToken resolves a bearer token to its user id.
func (s *PostgresAuthRepository) UserIDByToken(ctx context.Context, token string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM users WHERE token = $1`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("UserIDByToken: %w", err)
	}
	return id, nil
}
