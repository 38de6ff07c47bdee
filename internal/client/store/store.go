// Package store is the client-resident entity database.
//
// Entities of every kind and the pending mutation queue live in one SQLite
// file so that a write and its queue entry can be committed together and
// survive restarts. The database runs in WAL mode so readers never observe
// a half-applied transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no entity has the requested key.
var ErrNotFound = errors.New("entity not found")

// StorageError reports a failure of the local persistence layer
// (quota, corruption, closed database).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	habit_id   TEXT,
	date       TEXT,
	data       TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	synced     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, id)
);

CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(kind, owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_habit ON entities(kind, habit_id, date);
CREATE INDEX IF NOT EXISTS idx_entities_unsynced ON entities(synced) WHERE synced = 0;

CREATE TABLE IF NOT EXISTS mutations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	op              TEXT NOT NULL,
	payload         TEXT,
	enqueued_at     TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT,
	last_error      TEXT,
	dead            INTEGER NOT NULL DEFAULT 0,
	dead_at         TEXT
);

CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(kind, entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_mutations_dead ON mutations(dead, seq);
`

// Store is the local entity database. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema. The caller must Close the store.
func Open(path string) (*Store, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with a context for the schema setup.
func OpenContext(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storageErr("open", fmt.Errorf("create data directory: %w", err))
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("open", fmt.Errorf("ping: %w", err))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storageErr("open", fmt.Errorf("create schema: %w", err))
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	s.db = nil
	return nil
}

// Tx is a store transaction. Everything executed through it commits or
// rolls back together.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn in a single transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// DB exposes the underlying handle for packages that share the file, such
// as the mutation queue.
func (s *Store) DB() *sql.DB { return s.db }
