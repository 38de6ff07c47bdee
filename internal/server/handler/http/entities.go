package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quanta/habitsync/internal/middleware"
	"github.com/quanta/habitsync/internal/models"
	"github.com/quanta/habitsync/internal/service"
)

// EntityService defines the entity operations required by the
// EntityHandler.
type EntityService interface {
	Create(ctx context.Context, userID string, e models.Entity) (models.Entity, error)
	Update(ctx context.Context, userID string, e models.Entity) (models.Entity, error)
	Delete(ctx context.Context, userID string, kind models.Kind, id string) error
	Get(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error)
	List(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error)
}

// EntityHandler serves the REST collections of every entity kind.
type EntityHandler struct {
	EntityService EntityService
}

// List handles GET /api/{kind}/. The optional user_id query parameter must
// name the authenticated user.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	userID := middleware.GetUserIDFromContext(r.Context())
	if q := r.URL.Query().Get("user_id"); q != "" && q != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	list, err := h.EntityService.List(r.Context(), userID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Create handles POST /api/{kind}/.
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	e, ok := decodeEntity(w, r)
	if !ok {
		return
	}
	out, err := h.EntityService.Create(r.Context(), middleware.GetUserIDFromContext(r.Context()), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// Update handles PUT /api/{kind}/{id}/.
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	e, ok := decodeEntity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if e.ID != "" && e.ID != id {
		http.Error(w, "id does not match path", http.StatusBadRequest)
		return
	}
	e.ID = id

	out, err := h.EntityService.Update(r.Context(), middleware.GetUserIDFromContext(r.Context()), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/{kind}/{id}/.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	e, err := h.EntityService.Get(r.Context(), middleware.GetUserIDFromContext(r.Context()), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Delete handles DELETE /api/{kind}/{id}/ and answers 204.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	err := h.EntityService.Delete(r.Context(), middleware.GetUserIDFromContext(r.Context()), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.Kind, bool) {
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return "", false
	}
	return kind, true
}

func decodeEntity(w http.ResponseWriter, r *http.Request) (models.Entity, bool) {
	kind, ok := kindParam(w, r)
	if !ok {
		return models.Entity{}, false
	}
	var e models.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return models.Entity{}, false
	}
	e.Kind = kind
	return e, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalid):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
