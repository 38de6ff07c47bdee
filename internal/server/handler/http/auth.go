package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quanta/habitsync/internal/service"
)

// AuthService defines the authentication operations required by the HTTP
// handlers.
type AuthService interface {
	// Register creates an account and issues its bearer token.
	Register(ctx context.Context, login string) (service.Session, error)
}

// AuthHandler handles HTTP requests for user registration.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	// Login is the username to register.
	Login string `json:"login"`
}

// Register handles POST /api/register. It expects a JSON body with a
// non-empty "login" and answers 201 with the new user id and token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	sess, err := h.AuthService.Register(r.Context(), req.Login)
	switch {
	case errors.Is(err, service.ErrInvalid):
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrConflict):
		http.Error(w, "user already exists", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
