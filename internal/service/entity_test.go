package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quanta/habitsync/internal/models"
	"github.com/quanta/habitsync/internal/repository"
)

type mockEntityRepo struct {
	CreateFunc     func(ctx context.Context, e models.Entity) error
	UpsertFunc     func(ctx context.Context, e models.Entity) (models.Entity, error)
	DeleteFunc     func(ctx context.Context, userID string, kind models.Kind, id string) error
	DeleteManyFunc func(ctx context.Context, userID string, kind models.Kind, ids []string) (int64, error)
	GetFunc        func(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error)
	ListFunc       func(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error)
}

func (m *mockEntityRepo) Create(ctx context.Context, e models.Entity) error {
	return m.CreateFunc(ctx, e)
}
func (m *mockEntityRepo) Upsert(ctx context.Context, e models.Entity) (models.Entity, error) {
	return m.UpsertFunc(ctx, e)
}
func (m *mockEntityRepo) Delete(ctx context.Context, userID string, kind models.Kind, id string) error {
	return m.DeleteFunc(ctx, userID, kind, id)
}
func (m *mockEntityRepo) DeleteMany(ctx context.Context, userID string, kind models.Kind, ids []string) (int64, error) {
	return m.DeleteManyFunc(ctx, userID, kind, ids)
}
func (m *mockEntityRepo) Get(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error) {
	return m.GetFunc(ctx, userID, kind, id)
}
func (m *mockEntityRepo) List(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
	return m.ListFunc(ctx, userID, kind)
}

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newEntityService(repo EntityRepository) *EntityService {
	svc := NewEntityService(repo)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func habit(data string) models.Entity {
	return models.Entity{Kind: models.KindHabit, Data: []byte(data)}
}

func TestEntityCreate_StampsOwnerIDAndTimes(t *testing.T) {
	var got models.Entity
	repo := &mockEntityRepo{CreateFunc: func(ctx context.Context, e models.Entity) error {
		got = e
		return nil
	}}

	out, err := newEntityService(repo).Create(context.Background(), "u1", habit(`{"title":"Read"}`))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if got.OwnerID != "u1" || got.ID == "" {
		t.Errorf("stored %+v; want owner u1 and a generated id", got)
	}
	if !got.CreatedAt.Equal(fixedNow) || !got.UpdatedAt.Equal(fixedNow) {
		t.Errorf("timestamps = %v/%v; want %v", got.CreatedAt, got.UpdatedAt, fixedNow)
	}
	if out.ID != got.ID {
		t.Errorf("returned id %q; stored %q", out.ID, got.ID)
	}
}

func TestEntityCreate_KeepsClientIDAndCreatedAt(t *testing.T) {
	created := fixedNow.Add(-48 * time.Hour)
	repo := &mockEntityRepo{CreateFunc: func(context.Context, models.Entity) error { return nil }}

	e := habit(`{"title":"Read"}`)
	e.ID = "client-id"
	e.CreatedAt = created
	out, err := newEntityService(repo).Create(context.Background(), "u1", e)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if out.ID != "client-id" || !out.CreatedAt.Equal(created) {
		t.Errorf("got %+v; want client id and creation time preserved", out)
	}
}

func TestEntityCreate_Errors(t *testing.T) {
	dbErr := errors.New("db down")
	tests := []struct {
		name    string
		entity  models.Entity
		repoErr error
		wantErr error
	}{
		{name: "unknown kind", entity: models.Entity{Kind: "widgets"}, wantErr: ErrInvalid},
		{name: "other owner", entity: models.Entity{Kind: models.KindHabit, OwnerID: "u2", Data: []byte(`{"title":"x"}`)}, wantErr: ErrInvalid},
		{name: "habit without title", entity: habit(`{"is_active":true}`), wantErr: ErrInvalid},
		{name: "check-in bad date", entity: models.Entity{Kind: models.KindCheckIn, Data: []byte(`{"habit_id":"h1","date":"10/03/2024"}`)}, wantErr: ErrInvalid},
		{name: "check-in without habit", entity: models.Entity{Kind: models.KindCheckIn, Data: []byte(`{"date":"2024-03-10"}`)}, wantErr: ErrInvalid},
		{name: "mood without date", entity: models.Entity{Kind: models.KindMood, Data: []byte(`{"score":3}`)}, wantErr: ErrInvalid},
		{name: "duplicate id", entity: habit(`{"title":"Read"}`), repoErr: repository.ErrDuplicate, wantErr: ErrConflict},
		{name: "repository failure", entity: habit(`{"title":"Read"}`), repoErr: dbErr, wantErr: dbErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockEntityRepo{CreateFunc: func(context.Context, models.Entity) error { return tt.repoErr }}
			_, err := newEntityService(repo).Create(context.Background(), "u1", tt.entity)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Create error = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEntityUpdate(t *testing.T) {
	repo := &mockEntityRepo{UpsertFunc: func(ctx context.Context, e models.Entity) (models.Entity, error) {
		if e.ID == "taken" {
			return models.Entity{}, repository.ErrDuplicate
		}
		return e, nil
	}}
	svc := newEntityService(repo)

	e := habit(`{"title":"Read more"}`)
	if _, err := svc.Update(context.Background(), "u1", e); !errors.Is(err, ErrInvalid) {
		t.Errorf("Update without id error = %v; want ErrInvalid", err)
	}

	e.ID = "h1"
	out, err := svc.Update(context.Background(), "u1", e)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !out.UpdatedAt.Equal(fixedNow) || out.OwnerID != "u1" {
		t.Errorf("unexpected entity %+v", out)
	}

	e.ID = "taken"
	if _, err := svc.Update(context.Background(), "u1", e); !errors.Is(err, ErrConflict) {
		t.Errorf("Update error = %v; want ErrConflict", err)
	}
}

func TestEntityDeleteAndGet_NotFound(t *testing.T) {
	repo := &mockEntityRepo{
		DeleteFunc: func(context.Context, string, models.Kind, string) error { return repository.ErrNotFound },
		GetFunc: func(context.Context, string, models.Kind, string) (models.Entity, error) {
			return models.Entity{}, repository.ErrNotFound
		},
	}
	svc := newEntityService(repo)

	if err := svc.Delete(context.Background(), "u1", models.KindHabit, "h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete error = %v; want ErrNotFound", err)
	}
	if _, err := svc.Get(context.Background(), "u1", models.KindHabit, "h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v; want ErrNotFound", err)
	}
}

func TestEntityDelete_HabitCascadesToCheckIns(t *testing.T) {
	var deleted []string
	repo := &mockEntityRepo{
		DeleteFunc: func(context.Context, string, models.Kind, string) error { return nil },
		ListFunc: func(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
			if kind != models.KindCheckIn {
				t.Errorf("List kind = %q; want check-ins", kind)
			}
			return []models.Entity{
				{ID: "c1", Data: []byte(`{"habit_id":"h1","date":"2024-03-09"}`)},
				{ID: "c2", Data: []byte(`{"habit_id":"h2","date":"2024-03-09"}`)},
				{ID: "c3", Data: []byte(`{"habit_id":"h1","date":"2024-03-10"}`)},
			}, nil
		},
		DeleteManyFunc: func(ctx context.Context, userID string, kind models.Kind, ids []string) (int64, error) {
			if userID != "u1" || kind != models.KindCheckIn {
				t.Errorf("DeleteMany(%q, %q); want u1, check-ins", userID, kind)
			}
			deleted = ids
			return int64(len(ids)), nil
		},
	}
	svc := newEntityService(repo)

	if err := svc.Delete(context.Background(), "u1", models.KindHabit, "h1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "c1" || deleted[1] != "c3" {
		t.Errorf("deleted check-ins %v; want [c1 c3]", deleted)
	}
}

func TestEntityDelete_NonHabitDoesNotCascade(t *testing.T) {
	repo := &mockEntityRepo{
		DeleteFunc: func(context.Context, string, models.Kind, string) error { return nil },
		ListFunc: func(context.Context, string, models.Kind) ([]models.Entity, error) {
			t.Error("List must not be called")
			return nil, nil
		},
	}
	if err := newEntityService(repo).Delete(context.Background(), "u1", models.KindMood, "m1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
}

func TestEntityList_ScopedToUser(t *testing.T) {
	repo := &mockEntityRepo{ListFunc: func(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
		if userID != "u1" || kind != models.KindMood {
			t.Errorf("List(%q, %q); want u1, moods", userID, kind)
		}
		return []models.Entity{{ID: "m1"}}, nil
	}}
	list, err := newEntityService(repo).List(context.Background(), "u1", models.KindMood)
	if err != nil || len(list) != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
}
