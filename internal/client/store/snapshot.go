package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/quanta/habitsync/internal/models"
)

// SnapshotVersion is the format version written by Export.
const SnapshotVersion = 1

// Snapshot is a portable copy of the whole local state.
type Snapshot struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Entities   []SnapshotEntry   `json:"entities"`
	Mutations  []models.Mutation `json:"mutations,omitempty"`
}

// SnapshotEntry carries the local-only fields the wire form of an entity
// leaves out.
type SnapshotEntry struct {
	Kind   models.Kind   `json:"kind"`
	Synced bool          `json:"synced"`
	Entity models.Entity `json:"entity"`
}

// Export reads every entity and every queued mutation in one
// transaction.
func (s *Store) Export(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Version: SnapshotVersion, ExportedAt: time.Now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, storageErr("export", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities ORDER BY kind, created_at, id`)
	if err != nil {
		return snap, storageErr("export", err)
	}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return snap, storageErr("export", err)
		}
		snap.Entities = append(snap.Entities, SnapshotEntry{Kind: e.Kind, Synced: e.Synced, Entity: e})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, storageErr("export", err)
	}

	mrows, err := tx.QueryContext(ctx, `
		SELECT seq, kind, entity_id, op, payload, enqueued_at, retry_count,
		       next_attempt_at, last_error, dead
		FROM mutations ORDER BY seq`)
	if err != nil {
		return snap, storageErr("export", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		m, err := ScanMutation(mrows)
		if err != nil {
			return snap, storageErr("export", err)
		}
		snap.Mutations = append(snap.Mutations, m)
	}
	if err := mrows.Err(); err != nil {
		return snap, storageErr("export", err)
	}
	return snap, nil
}

// Import replaces the whole local state with snap in one transaction.
func (s *Store) Import(ctx context.Context, snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("import: unsupported snapshot version %d", snap.Version)
	}
	return s.InTx(ctx, func(tx *Tx) error {
		if err := clearTx(ctx, tx); err != nil {
			return err
		}
		for _, entry := range snap.Entities {
			e := entry.Entity
			e.Kind = entry.Kind
			e.Synced = entry.Synced
			if _, err := tx.Put(ctx, e); err != nil {
				return fmt.Errorf("import %s: %w", e.Key(), err)
			}
		}
		for _, m := range snap.Mutations {
			var next sql.NullString
			if !m.NextAttemptAt.IsZero() {
				next = nullString(m.NextAttemptAt.UTC().Format(timeLayout))
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO mutations (seq, kind, entity_id, op, payload, enqueued_at,
				                       retry_count, next_attempt_at, last_error, dead)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.Seq, m.Kind, m.EntityID, m.Op, nullBytes(m.Payload),
				m.EnqueuedAt.UTC().Format(timeLayout), m.RetryCount, next,
				nullString(m.LastError), boolInt(m.DeadLettered),
			)
			if err != nil {
				return storageErr("import", err)
			}
		}
		return nil
	})
}

// WriteSnapshot encodes snap as indented JSON.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// ScanMutation scans a mutations row selected in the column order
// seq, kind, entity_id, op, payload, enqueued_at, retry_count,
// next_attempt_at, last_error, dead.
func ScanMutation(row interface{ Scan(...any) error }) (models.Mutation, error) {
	var (
		m                  models.Mutation
		kind, op, enqueued string
		payload, next, msg sql.NullString
		dead               int
	)
	if err := row.Scan(&m.Seq, &kind, &m.EntityID, &op, &payload, &enqueued,
		&m.RetryCount, &next, &msg, &dead); err != nil {
		return m, err
	}
	m.Kind = models.Kind(kind)
	m.Op = models.Operation(op)
	if payload.Valid && payload.String != "" {
		m.Payload = []byte(payload.String)
	}
	var err error
	if m.EnqueuedAt, err = time.Parse(timeLayout, enqueued); err != nil {
		return m, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if next.Valid && next.String != "" {
		if m.NextAttemptAt, err = time.Parse(timeLayout, next.String); err != nil {
			return m, fmt.Errorf("parse next_attempt_at: %w", err)
		}
	}
	m.LastError = msg.String
	m.DeadLettered = dead != 0
	return m, nil
}

// FormatTime renders t the way timestamps are stored.
func FormatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
