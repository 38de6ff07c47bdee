// Package queue is the durable FIFO of local writes awaiting replay
// against the API.
//
// Entries share the database file of the entity store, so a local write
// and its queue entry can be committed in a single transaction.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/models"
)

// ErrNotFound is returned when a sequence id names no queued entry.
var ErrNotFound = errors.New("mutation not found")

const mutationColumns = `seq, kind, entity_id, op, payload, enqueued_at, retry_count,
	next_attempt_at, last_error, dead`

// Queue is a persistent mutation queue. It is safe for concurrent use.
type Queue struct {
	store *store.Store
	db    *sql.DB
	now   func() time.Time

	mu      sync.Mutex
	claimed map[int64]struct{}
}

// New returns a queue backed by the database of s.
func New(s *store.Store) *Queue {
	return &Queue{store: s, db: s.DB(), now: time.Now, claimed: make(map[int64]struct{})}
}

// Claim marks an entry as being sent by its writer. The sync engine
// leaves claimed entries, and everything queued after them for the same
// entity, alone until Release.
func (q *Queue) Claim(seq int64) {
	q.mu.Lock()
	q.claimed[seq] = struct{}{}
	q.mu.Unlock()
}

// Release drops a claim.
func (q *Queue) Release(seq int64) {
	q.mu.Lock()
	delete(q.claimed, seq)
	q.mu.Unlock()
}

// Claimed reports whether seq is claimed.
func (q *Queue) Claimed(seq int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.claimed[seq]
	return ok
}

// Enqueue appends a mutation and returns it with its assigned sequence id.
func (q *Queue) Enqueue(ctx context.Context, kind models.Kind, id string, op models.Operation, payload []byte) (models.Mutation, error) {
	var m models.Mutation
	err := q.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		m, err = q.EnqueueTx(ctx, tx, kind, id, op, payload)
		return err
	})
	return m, err
}

// EnqueueTx is Enqueue inside a store transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, kind models.Kind, id string, op models.Operation, payload []byte) (models.Mutation, error) {
	if !kind.Valid() {
		return models.Mutation{}, fmt.Errorf("enqueue: unknown entity kind %q", kind)
	}
	if _, err := models.ParseOperation(string(op)); err != nil {
		return models.Mutation{}, fmt.Errorf("enqueue: %w", err)
	}
	if id == "" {
		return models.Mutation{}, errors.New("enqueue: entity id is required")
	}

	m := models.Mutation{
		Kind:       kind,
		EntityID:   id,
		Op:         op,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}
	if op == models.OpDelete || len(m.Payload) == 0 {
		m.Payload = nil
	}

	var payloadCol sql.NullString
	if m.Payload != nil {
		payloadCol = sql.NullString{String: string(m.Payload), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO mutations (kind, entity_id, op, payload, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		kind, id, op, payloadCol, store.FormatTime(m.EnqueuedAt))
	if err != nil {
		return m, &store.StorageError{Op: "enqueue", Err: err}
	}
	if m.Seq, err = res.LastInsertId(); err != nil {
		return m, &store.StorageError{Op: "enqueue", Err: err}
	}
	return m, nil
}

// PeekAll returns every live entry in sequence order without removing any.
func (q *Queue) PeekAll(ctx context.Context) ([]models.Mutation, error) {
	return q.list(ctx, "peek", `WHERE dead = 0 ORDER BY seq ASC`)
}

// DeadLetters returns the entries that are no longer replayed.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.Mutation, error) {
	return q.list(ctx, "dead letters", `WHERE dead = 1 ORDER BY seq ASC`)
}

func (q *Queue) list(ctx context.Context, op, where string, args ...any) ([]models.Mutation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutations `+where, args...)
	if err != nil {
		return nil, &store.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []models.Mutation
	for rows.Next() {
		m, err := store.ScanMutation(rows)
		if err != nil {
			return nil, &store.StorageError{Op: op, Err: err}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: op, Err: err}
	}
	return out, nil
}

// Remove deletes one entry. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, seq int64) error {
	return q.RemoveBatch(ctx, []int64{seq})
}

// RemoveTx is Remove inside a store transaction.
func (q *Queue) RemoveTx(ctx context.Context, tx *store.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, seq); err != nil {
		return &store.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// RemoveBatch deletes exactly the given entries in one statement.
func (q *Queue) RemoveBatch(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		placeholders[i] = "?"
		args[i] = seq
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE seq IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return &store.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// RecordFailure counts a failed replay and defers the entry until next.
func (q *Queue) RecordFailure(ctx context.Context, seq int64, cause error, next time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.update(ctx, "record failure", `
		UPDATE mutations
		   SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
		 WHERE seq = ?`,
		msg, store.FormatTime(next), seq)
}

// DeadLetter stops replaying an entry. It stays queued until requeued or
// purged so that its entity keeps reporting unsynced.
func (q *Queue) DeadLetter(ctx context.Context, seq int64, reason string) error {
	return q.update(ctx, "dead letter", `
		UPDATE mutations
		   SET dead = 1, dead_at = ?, last_error = ?, next_attempt_at = NULL
		 WHERE seq = ?`,
		store.FormatTime(q.now()), reason, seq)
}

// Requeue returns a dead-lettered entry to the live queue with a fresh
// retry budget. The entry is appended at the tail under a new sequence id
// and carries the entity as it is stored now, so replaying it cannot
// overwrite later writes. An entity that no longer exists locally is
// requeued as a delete.
func (q *Queue) Requeue(ctx context.Context, seq int64) (models.Mutation, error) {
	var out models.Mutation
	err := q.store.InTx(ctx, func(tx *store.Tx) error {
		dead, err := store.ScanMutation(tx.QueryRowContext(ctx,
			`SELECT `+mutationColumns+` FROM mutations WHERE seq = ? AND dead = 1`, seq))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("requeue: %w", ErrNotFound)
		}
		if err != nil {
			return &store.StorageError{Op: "requeue", Err: err}
		}

		op, payload := models.OpDelete, []byte(nil)
		current, err := tx.Get(ctx, dead.Kind, dead.EntityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			op = dead.Op
			if op == models.OpDelete {
				op = models.OpUpdate
			}
			if payload, err = json.Marshal(current); err != nil {
				return fmt.Errorf("requeue: encode %s: %w", current.Key(), err)
			}
		}

		if err := q.RemoveTx(ctx, tx, seq); err != nil {
			return err
		}
		out, err = q.EnqueueTx(ctx, tx, dead.Kind, dead.EntityID, op, payload)
		return err
	})
	return out, err
}

func (q *Queue) update(ctx context.Context, op, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &store.StorageError{Op: op, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// PurgeDeadLetters drops dead-lettered entries older than cutoff.
func (q *Queue) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE dead = 1 AND dead_at < ?`, store.FormatTime(cutoff))
	if err != nil {
		return 0, &store.StorageError{Op: "purge", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingKeys lists the entities that have live entries.
func (q *Queue) PendingKeys(ctx context.Context) ([]models.Key, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT kind, entity_id FROM mutations WHERE dead = 0 ORDER BY kind, entity_id`)
	if err != nil {
		return nil, &store.StorageError{Op: "pending keys", Err: err}
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		var kind string
		if err := rows.Scan(&kind, &k.ID); err != nil {
			return nil, &store.StorageError{Op: "pending keys", Err: err}
		}
		k.Kind = models.Kind(kind)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "pending keys", Err: err}
	}
	return keys, nil
}

// HasPendingAfter reports whether the entity has a live entry newer than
// seq. Seq 0 asks for any live entry.
func (q *Queue) HasPendingAfter(ctx context.Context, kind models.Kind, id string, seq int64) (bool, error) {
	return hasPendingAfter(q.db.QueryRowContext(ctx, hasPendingQuery, kind, id, seq))
}

// HasPendingAfterTx is HasPendingAfter inside a store transaction.
func (q *Queue) HasPendingAfterTx(ctx context.Context, tx *store.Tx, kind models.Kind, id string, seq int64) (bool, error) {
	return hasPendingAfter(tx.QueryRowContext(ctx, hasPendingQuery, kind, id, seq))
}

const hasPendingQuery = `
	SELECT EXISTS (
		SELECT 1 FROM mutations
		WHERE kind = ? AND entity_id = ? AND dead = 0 AND seq > ?
	)`

func hasPendingAfter(row *sql.Row) (bool, error) {
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, &store.StorageError{Op: "has pending", Err: err}
	}
	return exists, nil
}

// Len returns the number of live entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE dead = 0`).Scan(&n); err != nil {
		return 0, &store.StorageError{Op: "len", Err: err}
	}
	return n, nil
}
