// Package credentials stores the API session of the signed-in user.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

var (
	// ErrNotFound is returned when no session is stored.
	ErrNotFound = errors.New("no session stored in keyring")
	// ErrKeyringUnavailable is returned when the OS keyring cannot be used.
	ErrKeyringUnavailable = errors.New("OS keyring is not available")
)

// DefaultService is the keyring service name sessions are stored under.
const DefaultService = "habitsync"

// Session identifies the signed-in user to the API.
type Session struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Static is a fixed bearer token, e.g. from configuration.
type Static string

// Token returns s.
func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// Keyring keeps the session in the OS keyring.
type Keyring struct {
	Service string
	Account string
}

// NewKeyring returns a keyring store for account under DefaultService.
func NewKeyring(account string) *Keyring {
	return &Keyring{Service: DefaultService, Account: account}
}

// Save stores the session, replacing any previous one.
func (k *Keyring) Save(s Session) error {
	if s.Token == "" {
		return errors.New("token cannot be empty")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := keyring.Set(k.Service, k.Account, string(b)); err != nil {
		return fmt.Errorf("failed to store session in keyring: %w", err)
	}
	return nil
}

// Load returns the stored session.
func (k *Keyring) Load() (Session, error) {
	raw, err := keyring.Get(k.Service, k.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// Token implements remote.TokenProvider.
func (k *Keyring) Token(context.Context) (string, error) {
	s, err := k.Load()
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Clear removes the stored session. Clearing an empty keyring is not an
// error.
func (k *Keyring) Clear() error {
	err := keyring.Delete(k.Service, k.Account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete session from keyring: %w", err)
	}
	return nil
}
