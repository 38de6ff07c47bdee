package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quanta/habitsync/internal/models"
	handler "github.com/quanta/habitsync/internal/server/handler/http"
	"github.com/quanta/habitsync/internal/service"
)

// memoryEntityService is an in-memory EntityService keyed by user.
type memoryEntityService struct {
	mu       sync.Mutex
	entities map[string]models.Entity
	err      error
}

func newMemoryEntityService() *memoryEntityService {
	return &memoryEntityService{entities: make(map[string]models.Entity)}
}

func key(userID string, kind models.Kind, id string) string {
	return userID + "/" + string(kind) + "/" + id
}

func (m *memoryEntityService) Create(_ context.Context, userID string, e models.Entity) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Entity{}, m.err
	}
	if e.Kind == models.KindHabit && len(e.Data) == 0 {
		return models.Entity{}, fmt.Errorf("%w: habit title is required", service.ErrInvalid)
	}
	k := key(userID, e.Kind, e.ID)
	if _, ok := m.entities[k]; ok {
		return models.Entity{}, service.ErrConflict
	}
	e.OwnerID = userID
	e.CreatedAt = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e.UpdatedAt = e.CreatedAt
	m.entities[k] = e
	return e, nil
}

func (m *memoryEntityService) Update(_ context.Context, userID string, e models.Entity) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.OwnerID = userID
	m.entities[key(userID, e.Kind, e.ID)] = e
	return e, nil
}

func (m *memoryEntityService) Delete(_ context.Context, userID string, kind models.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, kind, id)
	if _, ok := m.entities[k]; !ok {
		return service.ErrNotFound
	}
	delete(m.entities, k)
	return nil
}

func (m *memoryEntityService) Get(_ context.Context, userID string, kind models.Kind, id string) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[key(userID, kind, id)]
	if !ok {
		return models.Entity{}, service.ErrNotFound
	}
	return e, nil
}

func (m *memoryEntityService) List(_ context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []models.Entity{}
	for _, e := range m.entities {
		if e.OwnerID == userID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

type staticResolver map[string]string

func (r staticResolver) ResolveToken(_ context.Context, token string) (string, error) {
	if id, ok := r[token]; ok {
		return id, nil
	}
	return "", service.ErrUnauthorized
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, entities *memoryEntityService, db handler.Pinger) *httptest.Server {
	t.Helper()
	router := handler.NewRouter(
		&handler.AuthHandler{},
		&handler.EntityHandler{EntityService: entities},
		&handler.HealthHandler{DB: db},
		staticResolver{"alice-token": "alice", "bob-token": "bob"},
		zap.NewNop(),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestEntityRoutes_Lifecycle(t *testing.T) {
	entities := newMemoryEntityService()
	srv := newTestServer(t, entities, nil)

	res := call(t, srv, http.MethodPost, "/api/habits/", "alice-token", `{"id":"h1","title":"Read"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d; want 201", res.StatusCode)
	}
	var created models.Entity
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.ID != "h1" || created.OwnerID != "alice" {
		t.Errorf("unexpected created entity %+v", created)
	}

	if res := call(t, srv, http.MethodPost, "/api/habits/", "alice-token", `{"id":"h1","title":"Read"}`); res.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d; want 409", res.StatusCode)
	}

	res = call(t, srv, http.MethodPut, "/api/habits/h1/", "alice-token", `{"title":"Read more"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d; want 200", res.StatusCode)
	}

	res = call(t, srv, http.MethodGet, "/api/habits/?user_id=alice", "alice-token", "")
	var list []models.Entity
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %+v; want one habit", list)
	}
	var h models.Habit
	if err := list[0].Decode(&h); err != nil || h.Title != "Read more" {
		t.Errorf("listed habit = %+v, %v", h, err)
	}

	if res := call(t, srv, http.MethodGet, "/api/habits/h1/", "bob-token", ""); res.StatusCode != http.StatusNotFound {
		t.Errorf("other user's get status = %d; want 404", res.StatusCode)
	}

	if res := call(t, srv, http.MethodDelete, "/api/habits/h1/", "alice-token", ""); res.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d; want 204", res.StatusCode)
	}
	if res := call(t, srv, http.MethodDelete, "/api/habits/h1/", "alice-token", ""); res.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d; want 404", res.StatusCode)
	}
}

func TestEntityRoutes_Errors(t *testing.T) {
	entities := newMemoryEntityService()
	srv := newTestServer(t, entities, nil)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/habits/", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/api/habits/", token: "nope", want: http.StatusUnauthorized},
		{name: "unknown kind", method: http.MethodGet, path: "/api/widgets/", token: "alice-token", want: http.StatusNotFound},
		{name: "other user's list", method: http.MethodGet, path: "/api/habits/?user_id=bob", token: "alice-token", want: http.StatusForbidden},
		{name: "malformed body", method: http.MethodPost, path: "/api/habits/", token: "alice-token", body: `{"id":`, want: http.StatusBadRequest},
		{name: "invalid entity", method: http.MethodPost, path: "/api/habits/", token: "alice-token", body: `{"id":"h2"}`, want: http.StatusUnprocessableEntity},
		{name: "id mismatch", method: http.MethodPut, path: "/api/habits/h1/", token: "alice-token", body: `{"id":"h2","title":"x"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, srv, tt.method, tt.path, tt.token, tt.body)
			if res.StatusCode != tt.want {
				t.Errorf("status = %d; want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestEntityRoutes_NonJSONBodyRejected(t *testing.T) {
	srv := newTestServer(t, newMemoryEntityService(), nil)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/habits/", bytes.NewBufferString("title=Read"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer alice-token")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d; want 415", res.StatusCode)
	}
}

func TestEntityRoutes_ServiceFailure(t *testing.T) {
	entities := newMemoryEntityService()
	entities.err = errors.New("db down")
	srv := newTestServer(t, entities, nil)

	res := call(t, srv, http.MethodGet, "/api/moods/", "alice-token", "")
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", res.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	var down atomic.Bool
	srv := newTestServer(t, newMemoryEntityService(), pingFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	}))

	if res := call(t, srv, http.MethodGet, "/api/health/", "", ""); res.StatusCode != http.StatusOK {
		t.Errorf("healthy status = %d; want 200", res.StatusCode)
	}
	down.Store(true)
	if res := call(t, srv, http.MethodGet, "/api/health/", "", ""); res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d; want 503", res.StatusCode)
	}
}
