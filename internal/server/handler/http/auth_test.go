package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quanta/habitsync/internal/service"
)

// fakeAuthService implements AuthService for testing.
type fakeAuthService struct {
	session     service.Session
	registerErr error
}

func (f *fakeAuthService) Register(ctx context.Context, login string) (service.Session, error) {
	return f.session, f.registerErr
}

func TestAuthHandler_Register(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		service        *fakeAuthService
		expectedCode   int
		expectedSubstr string
	}{
		{
			name:           "invalid JSON",
			body:           `not a json`,
			service:        &fakeAuthService{},
			expectedCode:   http.StatusBadRequest,
			expectedSubstr: "invalid request",
		},
		{
			name:           "empty login",
			body:           `{"login":""}`,
			service:        &fakeAuthService{},
			expectedCode:   http.StatusBadRequest,
			expectedSubstr: "invalid request",
		},
		{
			name:           "rejected login",
			body:           `{"login":" "}`,
			service:        &fakeAuthService{registerErr: fmt.Errorf("%w: login is required", service.ErrInvalid)},
			expectedCode:   http.StatusBadRequest,
			expectedSubstr: "invalid request",
		},
		{
			name:           "User already exists",
			body:           `{"login":"bob"}`,
			service:        &fakeAuthService{registerErr: service.ErrConflict},
			expectedCode:   http.StatusConflict,
			expectedSubstr: "user already exists",
		},
		{
			name:           "repository failure",
			body:           `{"login":"charlie"}`,
			service:        &fakeAuthService{registerErr: errors.New("db error")},
			expectedCode:   http.StatusInternalServerError,
			expectedSubstr: "internal error",
		},
		{
			name:           "Successful registration",
			body:           `{"login":"dave"}`,
			service:        &fakeAuthService{session: service.Session{UserID: "u1", Token: "tok"}},
			expectedCode:   http.StatusCreated,
			expectedSubstr: `"token":"tok"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/register", bytes.NewBufferString(tt.body))
			h := &AuthHandler{AuthService: tt.service}
			h.Register(rec, req)
			res := rec.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.expectedCode {
				t.Fatalf("expected status %d, got %d", tt.expectedCode, res.StatusCode)
			}

			buf := new(bytes.Buffer)
			if _, err := buf.ReadFrom(res.Body); err != nil {
				t.Fatalf("failed to read body: %v", err)
			}
			if !bytes.Contains(buf.Bytes(), []byte(tt.expectedSubstr)) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedSubstr, buf.String())
			}
		})
	}
}

func TestAuthHandler_RegisterResponseShape(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/register", bytes.NewBufferString(`{"login":"erin"}`))
	h := &AuthHandler{AuthService: &fakeAuthService{session: service.Session{UserID: "u9", Token: "t9"}}}
	h.Register(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q; want application/json", ct)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if payload["user_id"] != "u9" || payload["token"] != "t9" {
		t.Errorf("unexpected payload %v", payload)
	}
}
