package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// dummyHandler is a placeholder that records if it was called and the context it received.
type dummyHandler struct {
	called bool
	ctx    context.Context
}

func (d *dummyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.ctx = r.Context()
	w.WriteHeader(http.StatusOK)
}

type resolverFunc func(ctx context.Context, token string) (string, error)

func (f resolverFunc) ResolveToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

var tokens = resolverFunc(func(_ context.Context, token string) (string, error) {
	if token == "secret" {
		return "alice", nil
	}
	return "", errors.New("unknown token")
})

func TestBearerAuth_PublicPathsBypass(t *testing.T) {
	for _, path := range []string{"/api/register", "/api/health/"} {
		dummy := &dummyHandler{}
		h := BearerAuth(tokens)(dummy)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if !dummy.called {
			t.Errorf("expected next handler to be called for %s", path)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200 OK, got %d", path, rec.Code)
		}
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "no header"},
		{name: "wrong scheme", header: "Basic c2VjcmV0"},
		{name: "empty token", header: "Bearer  "},
		{name: "unknown token", header: "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dummy := &dummyHandler{}
			h := BearerAuth(tokens)(dummy)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/habits/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			h.ServeHTTP(rec, req)

			if dummy.called {
				t.Error("did not expect next handler to be called")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401 Unauthorized, got %d", rec.Code)
			}
		})
	}
}

func TestBearerAuth_ValidToken(t *testing.T) {
	dummy := &dummyHandler{}
	h := BearerAuth(tokens)(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/habits/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)

	if !dummy.called {
		t.Fatal("expected next handler to be called when a valid token is provided")
	}
	if user := GetUserIDFromContext(dummy.ctx); user != "alice" {
		t.Errorf("expected context user 'alice', got '%s'", user)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	if empty := GetUserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string for missing user, got '%s'", empty)
	}
	ctx := context.WithValue(context.Background(), userKey, "bob")
	if val := GetUserIDFromContext(ctx); val != "bob" {
		t.Errorf("expected 'bob', got '%s'", val)
	}
}

func TestWithRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := WithRequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/habits/", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != http.MethodPost || fields["path"] != "/api/habits/" {
		t.Errorf("unexpected fields %v", fields)
	}
	if fields["status"] != int64(http.StatusCreated) || fields["size"] != int64(5) {
		t.Errorf("status/size = %v/%v; want 201/5", fields["status"], fields["size"])
	}
}
