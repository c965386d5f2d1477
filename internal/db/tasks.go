package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emergencyprep/prepsync/internal/schema"
)

const taskColumns = `id, user_id, title, description, folder, updated_at, synced`

const upsertTaskQuery = `
	INSERT INTO tasks (id, user_id, title, description, folder, updated_at, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		folder = excluded.folder,
		updated_at = excluded.updated_at,
		synced = excluded.synced
	WHERE tasks.user_id = excluded.user_id
	`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertTask inserts or overwrites a task by id.
//
// Overwriting is not an error. An id already owned by a different identity
// fails with ErrIDConflict and leaves the other identity's row untouched.
func (db *DB) UpsertTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return upsertTask(ctx, db.conn, task)
}

func upsertTask(ctx context.Context, ex execer, task *schema.Task) error {
	res, err := ex.ExecContext(ctx, upsertTaskQuery,
		task.ID,
		task.UserID,
		task.Title,
		task.Description,
		task.Folder,
		task.UpdatedAt,
		boolToInt(task.Synced),
	)
	if err != nil {
		return storageErr("upsert task "+task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("upsert task "+task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrIDConflict, task.ID)
	}
	return nil
}

// GetTask returns the task with id owned by userID.
//
// Rows owned by other identities are invisible: looking one up returns
// ErrNotFound.
func (db *DB) GetTask(ctx context.Context, userID, id string) (*schema.Task, error) {
	return getTask(ctx, db.conn, userID, id)
}

func getTask(ctx context.Context, ex execer, userID, id string) (*schema.Task, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get task "+id, err)
	}
	return task, nil
}

// ListTasks returns every task owned by userID.
func (db *DB) ListTasks(ctx context.Context, userID string) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE user_id = ?
		ORDER BY folder, updated_at DESC, id`, userID)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListUnsynced returns the tasks owned by userID that have not been
// confirmed written to the remote store since their last mutation.
func (db *DB) ListUnsynced(ctx context.Context, userID string) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE synced = 0 AND user_id = ?
		ORDER BY updated_at, id`, userID)
	if err != nil {
		return nil, storageErr("list unsynced tasks", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListByFolder returns the tasks owned by userID filed under folder.
func (db *DB) ListByFolder(ctx context.Context, userID, folder string) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE user_id = ? AND folder = ?
		ORDER BY updated_at DESC, id`, userID, folder)
	if err != nil {
		return nil, storageErr("list folder "+folder, err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// DeleteTask removes a task. Returns nil if it doesn't exist (idempotent).
func (db *DB) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return storageErr("delete task "+id, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*schema.Task, error) {
	var task schema.Task
	var synced int
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&task.Folder,
		&task.UpdatedAt,
		&synced,
	)
	if err != nil {
		return nil, err
	}
	task.Synced = synced != 0
	return &task, nil
}

// scanTasks is a helper function to scan multiple tasks from query results.
func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	tasks := make([]*schema.Task, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}

	return tasks, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
