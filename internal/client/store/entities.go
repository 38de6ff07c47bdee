package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/quanta/habitsync/internal/models"
)

// timeLayout keeps sub-second precision so that timestamps round-trip.
const timeLayout = time.RFC3339Nano

// Filter narrows a Query after the owner filter.
type Filter struct {
	// HabitID restricts check-ins to one habit.
	HabitID string
	// From and To bound the "date" field, inclusive. Zero means unbounded.
	From, To time.Time
	// Match is applied last, in Go, to every remaining entity.
	Match func(models.Entity) bool
}

const entityColumns = `kind, id, owner_id, data, created_at, updated_at, synced`

// Put inserts e or fully replaces the entity with the same kind and id.
// A missing ID is generated, a zero UpdatedAt becomes now, and CreatedAt is
// kept from the first write of the entity. The stored entity is returned.
func (s *Store) Put(ctx context.Context, e models.Entity) (models.Entity, error) {
	var out models.Entity
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Put(ctx, e)
		return err
	})
	return out, err
}

// PutMany puts every entity in one transaction.
func (s *Store) PutMany(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(entities))
	err := s.InTx(ctx, func(tx *Tx) error {
		for _, e := range entities {
			stored, err := tx.Put(ctx, e)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put is Store.Put inside a transaction.
func (t *Tx) Put(ctx context.Context, e models.Entity) (models.Entity, error) {
	if !e.Kind.Valid() {
		return e, fmt.Errorf("put: unknown entity kind %q", e.Kind)
	}
	if e.OwnerID == "" {
		return e, fmt.Errorf("put %s: owner id is required", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		e.Data = nil
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	e.UpdatedAt = e.UpdatedAt.UTC()

	var existing string
	err := t.tx.QueryRowContext(ctx,
		`SELECT created_at FROM entities WHERE kind = ? AND id = ?`, e.Kind, e.ID,
	).Scan(&existing)
	switch {
	case err == nil:
		created, perr := time.Parse(timeLayout, existing)
		if perr != nil {
			return e, storageErr("put", fmt.Errorf("parse created_at: %w", perr))
		}
		e.CreatedAt = created
	case errors.Is(err, sql.ErrNoRows):
		if e.CreatedAt.IsZero() {
			e.CreatedAt = e.UpdatedAt
		}
		e.CreatedAt = e.CreatedAt.UTC()
	default:
		return e, storageErr("put", err)
	}

	habitID, date := secondaryKeys(e.Data)
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, owner_id, habit_id, date, data, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			owner_id   = excluded.owner_id,
			habit_id   = excluded.habit_id,
			date       = excluded.date,
			data       = excluded.data,
			updated_at = excluded.updated_at,
			synced     = excluded.synced
	`,
		e.Kind, e.ID, e.OwnerID,
		nullString(habitID), nullString(date), nullBytes(e.Data),
		e.CreatedAt.Format(timeLayout), e.UpdatedAt.Format(timeLayout),
		boolInt(e.Synced),
	)
	if err != nil {
		return e, storageErr("put", err)
	}
	return e, nil
}

// Delete is Store.Delete inside a transaction.
func (t *Tx) Delete(ctx context.Context, kind models.Kind, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// Get returns the entity with the given key or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error) {
	return get(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, kind, id))
}

// Get is Store.Get inside a transaction.
func (t *Tx) Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error) {
	return get(t.tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, kind, id))
}

func get(row *sql.Row) (models.Entity, error) {
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entity{}, ErrNotFound
	}
	if err != nil {
		return models.Entity{}, storageErr("get", err)
	}
	return e, nil
}

// Query returns the entities of kind owned by ownerID that pass filter,
// ordered by creation time. Each call runs a fresh query; nothing is
// retained between calls.
func (s *Store) Query(ctx context.Context, kind models.Kind, ownerID string, filter Filter) ([]models.Entity, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("query %s: owner id is required", kind)
	}

	conditions := []string{"kind = ?", "owner_id = ?"}
	args := []any{kind, ownerID}
	if filter.HabitID != "" {
		conditions = append(conditions, "habit_id = ?")
		args = append(args, filter.HabitID)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "date >= ?")
		args = append(args, filter.From.Format(models.DateLayout))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "date <= ?")
		args = append(args, filter.To.Format(models.DateLayout))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("query", err)
		}
		if filter.Match != nil && !filter.Match(e) {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", err)
	}
	return out, nil
}

// All adapts Query to a range-over-func sequence. Every iteration re-runs
// the query, so the sequence can be ranged over any number of times.
func (s *Store) All(ctx context.Context, kind models.Kind, ownerID string, filter Filter) iter.Seq2[models.Entity, error] {
	return func(yield func(models.Entity, error) bool) {
		entities, err := s.Query(ctx, kind, ownerID, filter)
		if err != nil {
			yield(models.Entity{}, err)
			return
		}
		for _, e := range entities {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (s *Store) Delete(ctx context.Context, kind models.Kind, id string) error {
	return s.InTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, kind, id) })
}

// ClearAll wipes every entity and every queued mutation in one
// transaction. Used on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.InTx(ctx, func(tx *Tx) error { return clearTx(ctx, tx) })
}

func clearTx(ctx context.Context, tx *Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return storageErr("clear", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations`); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

// MarkSynced flags a single entity as accepted by the server.
func (t *Tx) MarkSynced(ctx context.Context, kind models.Kind, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET synced = 1 WHERE kind = ? AND id = ?`, kind, id)
	return storageErr("mark synced", err)
}

// MarkSyncedExceptQueued flags every entity as synced unless a mutation
// for it is still in the queue, live or dead-lettered. It returns the
// number of entities that changed.
func (s *Store) MarkSyncedExceptQueued(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET synced = 1
		WHERE synced = 0
		  AND NOT EXISTS (
			SELECT 1 FROM mutations m
			WHERE m.kind = entities.kind AND m.entity_id = entities.id
		  )
	`)
	if err != nil {
		return 0, storageErr("mark synced", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountUnsynced returns how many entities have local changes the server
// has not confirmed.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE synced = 0`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (models.Entity, error) {
	var (
		e                    models.Entity
		kind                 string
		data                 sql.NullString
		createdAt, updatedAt string
		synced               int
	)
	if err := row.Scan(&kind, &e.ID, &e.OwnerID, &data, &createdAt, &updatedAt, &synced); err != nil {
		return e, err
	}
	e.Kind = models.Kind(kind)
	if data.Valid && data.String != "" {
		e.Data = []byte(data.String)
	}
	var err error
	if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return e, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return e, fmt.Errorf("parse updated_at: %w", err)
	}
	e.Synced = synced != 0
	return e, nil
}

// secondaryKeys pulls the indexed natural keys out of the kind-specific
// payload. Dates are cut to their day so that range filters compare days.
func secondaryKeys(data []byte) (habitID, date string) {
	if len(data) == 0 {
		return "", ""
	}
	res := gjson.GetManyBytes(data, "habit_id", "date")
	habitID = res[0].String()
	date = res[1].String()
	if len(date) > len(models.DateLayout) {
		date = date[:len(models.DateLayout)]
	}
	return habitID, date
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
