package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/quanta/habitsync/internal/models"
	"github.com/quanta/habitsync/internal/repository"
)

// EntityRepository defines the persistence operations needed by the
// EntityService.
type EntityRepository interface {
	Create(ctx context.Context, e models.Entity) error
	Upsert(ctx context.Context, e models.Entity) (models.Entity, error)
	Delete(ctx context.Context, userID string, kind models.Kind, id string) error
	DeleteMany(ctx context.Context, userID string, kind models.Kind, ids []string) (int64, error)
	Get(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error)
	List(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error)
}

// EntityService implements CRUD over synchronized entities, scoped to the
// authenticated user.
type EntityService struct {
	repo EntityRepository
	now  func() time.Time
}

// NewEntityService constructs an EntityService with the provided repository.
func NewEntityService(repo EntityRepository) *EntityService {
	return &EntityService{repo: repo, now: time.Now}
}

// Create stores a new entity. A client-chosen id is kept so that a retried
// create is detected as a conflict; a missing one is generated.
func (s *EntityService) Create(ctx context.Context, userID string, e models.Entity) (models.Entity, error) {
	if err := s.prepare(userID, &e); err != nil {
		return models.Entity{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := s.repo.Create(ctx, e); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return models.Entity{}, fmt.Errorf("%w: %s already exists", ErrConflict, e.Key())
		}
		return models.Entity{}, err
	}
	return e, nil
}

// Update replaces an entity, creating it when missing.
func (s *EntityService) Update(ctx context.Context, userID string, e models.Entity) (models.Entity, error) {
	if e.ID == "" {
		return models.Entity{}, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if err := s.prepare(userID, &e); err != nil {
		return models.Entity{}, err
	}
	out, err := s.repo.Upsert(ctx, e)
	if errors.Is(err, repository.ErrDuplicate) {
		return models.Entity{}, fmt.Errorf("%w: %s cannot be overwritten", ErrConflict, e.Key())
	}
	return out, err
}

// Delete removes an entity.
func (s *EntityService) Delete(ctx context.Context, userID string, kind models.Kind, id string) error {
	err := s.repo.Delete(ctx, userID, kind, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	if err != nil || kind != models.KindHabit {
		return err
	}
	return s.deleteCheckIns(ctx, userID, id)
}

// deleteCheckIns tombstones the check-ins of a deleted habit.
func (s *EntityService) deleteCheckIns(ctx context.Context, userID, habitID string) error {
	checkIns, err := s.repo.List(ctx, userID, models.KindCheckIn)
	if err != nil {
		return fmt.Errorf("list check-ins of habit %s: %w", habitID, err)
	}
	var ids []string
	for _, c := range checkIns {
		if gjson.GetBytes(c.Data, "habit_id").String() == habitID {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.repo.DeleteMany(ctx, userID, models.KindCheckIn, ids); err != nil {
		return fmt.Errorf("delete check-ins of habit %s: %w", habitID, err)
	}
	return nil
}

// Get returns one entity.
func (s *EntityService) Get(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error) {
	e, err := s.repo.Get(ctx, userID, kind, id)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Entity{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return e, err
}

// List returns every entity of kind owned by userID.
func (s *EntityService) List(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
	return s.repo.List(ctx, userID, kind)
}

// prepare checks ownership and content and stamps the timestamps.
func (s *EntityService) prepare(userID string, e *models.Entity) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	if e.OwnerID == "" {
		e.OwnerID = userID
	}
	if e.OwnerID != userID {
		return fmt.Errorf("%w: entity belongs to another user", ErrInvalid)
	}
	if err := validate(*e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return nil
}

func validate(e models.Entity) error {
	switch e.Kind {
	case models.KindHabit:
		var h models.Habit
		if err := e.Decode(&h); err != nil {
			return err
		}
		if h.Title == "" {
			return errors.New("habit title is required")
		}
	case models.KindCheckIn:
		var c models.CheckIn
		if err := e.Decode(&c); err != nil {
			return err
		}
		if c.HabitID == "" {
			return errors.New("check-in habit_id is required")
		}
		if _, err := time.Parse(models.DateLayout, c.Date); err != nil {
			return fmt.Errorf("check-in date: %w", err)
		}
	case models.KindMood:
		var m models.Mood
		if err := e.Decode(&m); err != nil {
			return err
		}
		if _, err := time.Parse(models.DateLayout, m.Date); err != nil {
			return fmt.Errorf("mood date: %w", err)
		}
	}
	return nil
}
