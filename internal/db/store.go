// Package db provides the durable local cache for tasks and pending deletes.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WASM build)
// opened once per process and passed explicitly to every component that
// needs it. There is no package-level handle.
//
// Architecture:
//   - Database file: ~/.prepsync/tasks.db (configurable)
//   - WAL mode: readers never block the sync pass and vice versa
//   - Schema: tasks, deletes, meta tables
//   - Indexes: user_id and synced on tasks, (user_id, id) key on deletes
//
// Every write runs as a single transaction scoped to one entity group (one
// task row, or one tombstone, or the pair for SaveLocal) so a concurrent
// reader never observes a half-applied mutation.
//
// All failures of the underlying medium wrap ErrStorage. Callers must treat
// them as "local state unknown" and not assume the write happened.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SchemaVersion is the version written to the meta table by InitSchema.
const SchemaVersion = 1

var (
	// ErrStorage marks failures of the local medium: unavailable, full or
	// corrupted. Use errors.Is(err, ErrStorage) to detect them.
	ErrStorage = errors.New("local storage failure")

	// ErrNotFound is returned when a task does not exist for the identity.
	ErrNotFound = errors.New("task not found")

	// ErrIDConflict is returned when a task id is already owned by another
	// identity on this device.
	ErrIDConflict = errors.New("task id owned by another identity")

	// ErrSchemaVersion is returned when the file was written by a newer
	// schema than this build understands.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// StorageError wraps a failed database operation. It matches both ErrStorage
// and the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

// Unwrap exposes ErrStorage and the cause to errors.Is and errors.As.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path.
//
// Connection pragmas are passed in the DSN so that every pooled connection
// gets them, and write transactions start with BEGIN IMMEDIATE to avoid
// lock upgrade failures under WAL.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "tasks.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(on)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return storageErr("close database", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		folder TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deletes (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_synced ON tasks(synced);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_folder ON tasks(user_id, folder);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return storageErr("initialize schema", err)
	}

	var version int
	err := db.conn.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(SchemaVersion))
		if err != nil {
			return storageErr("record schema version", err)
		}
	case err != nil:
		return storageErr("read schema version", err)
	case version > SchemaVersion:
		return fmt.Errorf("%w: database has %d, this build supports %d", ErrSchemaVersion, version, SchemaVersion)
	}

	return nil
}

// withTx runs fn inside a write transaction. Any error from fn rolls back.
// Errors returned by fn are passed through unchanged; driver errors from
// begin and commit are wrapped as storage errors.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op+": begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op+": commit transaction", err)
	}
	return nil
}

// Stats summarizes one identity's cached state.
type Stats struct {
	Tasks          int `json:"tasks"`
	Unsynced       int `json:"unsynced"`
	PendingDeletes int `json:"pending_deletes"`

	// OldestPendingDelete is the time of the oldest unconfirmed deletion,
	// zero if there is none.
	OldestPendingDelete time.Time `json:"oldest_pending_delete,omitempty"`
}

// Pending is the number of local changes not yet confirmed remotely.
func (s Stats) Pending() int {
	return s.Unsynced + s.PendingDeletes
}

// Stats returns task, unsynced and tombstone counts for userID.
func (db *DB) Stats(ctx context.Context, userID string) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE user_id = ?`, userID).Scan(&s.Tasks, &s.Unsynced)
	if err != nil {
		return Stats{}, storageErr("count tasks", err)
	}

	var oldest sql.NullInt64
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(deleted_at) FROM deletes WHERE user_id = ?`, userID).Scan(&s.PendingDeletes, &oldest)
	if err != nil {
		return Stats{}, storageErr("count pending deletes", err)
	}
	if oldest.Valid {
		s.OldestPendingDelete = time.UnixMilli(oldest.Int64)
	}

	return s, nil
}

// Identities returns every user id with cached tasks or pending deletes.
func (db *DB) Identities(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id FROM tasks
		UNION
		SELECT user_id FROM deletes
		ORDER BY user_id`)
	if err != nil {
		return nil, storageErr("list identities", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan identity", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate identities", err)
	}
	return ids, nil
}
