package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/quanta/habitsync/internal/models"
)

// PostgresEntityRepository stores synchronized entities. Deletes are soft:
// the row is kept as a tombstone until the cleaner purges it.
type PostgresEntityRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresEntityRepository creates a PostgresEntityRepository using the
// provided *sql.DB.
func NewPostgresEntityRepository(db *sql.DB) *PostgresEntityRepository {
	return &PostgresEntityRepository{DB: db}
}

const entityColumns = `kind, id, user_id, data, created_at, updated_at`

// jsonData is passed as a string since lib/pq sends []byte as bytea.
func jsonData(e models.Entity) string {
	if len(e.Data) == 0 {
		return "{}"
	}
	return string(e.Data)
}

// Create inserts e. It returns ErrDuplicate when an entity (live or
// tombstoned) with the same kind and id exists.
func (s *PostgresEntityRepository) Create(ctx context.Context, e models.Entity) error {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO entities (kind, id, user_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO NOTHING
	`, string(e.Kind), e.ID, e.OwnerID, jsonData(e), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("Create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Upsert replaces e, or inserts it when missing. An existing row owned by
// another user, or a tombstone, is left alone and ErrDuplicate returned.
// created_at of an existing row never changes.
func (s *PostgresEntityRepository) Upsert(ctx context.Context, e models.Entity) (models.Entity, error) {
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO entities (kind, id, user_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		WHERE entities.user_id = EXCLUDED.user_id AND entities.deleted = false
		RETURNING `+entityColumns,
		string(e.Kind), e.ID, e.OwnerID, jsonData(e), e.CreatedAt, e.UpdatedAt)
	out, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entity{}, ErrDuplicate
	}
	if err != nil {
		return models.Entity{}, fmt.Errorf("Upsert: %w", err)
	}
	return out, nil
}

// Delete tombstones the entity. It returns ErrNotFound when no live entity
// owned by userID matches.
func (s *PostgresEntityRepository) Delete(ctx context.Context, userID string, kind models.Kind, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entities SET deleted = true, deleted_at = $1
		WHERE user_id = $2 AND kind = $3 AND id = $4 AND deleted = false
	`, time.Now().UTC(), userID, string(kind), id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany tombstones every listed entity of kind owned by userID and
// returns how many were live.
func (s *PostgresEntityRepository) DeleteMany(ctx context.Context, userID string, kind models.Kind, ids []string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entities SET deleted = true, deleted_at = $1
		WHERE user_id = $2 AND kind = $3 AND id = ANY($4) AND deleted = false
	`, time.Now().UTC(), userID, string(kind), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("DeleteMany: %w", err)
	}
	return res.RowsAffected()
}

// Get retrieves one live entity owned by userID.
func (s *PostgresEntityRepository) Get(ctx context.Context, userID string, kind models.Kind, id string) (models.Entity, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = $1 AND kind = $2 AND id = $3 AND deleted = false
	`, userID, string(kind), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entity{}, ErrNotFound
	}
	if err != nil {
		return models.Entity{}, fmt.Errorf("Get: %w", err)
	}
	return e, nil
}

// List returns the live entities of kind owned by userID, oldest first.
func (s *PostgresEntityRepository) List(ctx context.Context, userID string, kind models.Kind) ([]models.Entity, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = $1 AND kind = $2 AND deleted = false
		ORDER BY created_at, id
	`, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	entities := []models.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return entities, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (models.Entity, error) {
	var (
		e    models.Entity
		kind string
		data []byte
	)
	if err := row.Scan(&kind, &e.ID, &e.OwnerID, &data, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.Entity{}, err
	}
	e.Kind = models.Kind(kind)
	if len(data) > 0 && string(data) != "{}" {
		e.Data = data
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}
