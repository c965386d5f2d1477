package db

import (
	"context"
	"database/sql"
	"time"
)

// RecordPendingDelete upserts a tombstone for (userID, id).
//
// Re-recording an existing tombstone keeps its original deletion time so the
// age of an unconfirmed deletion stays meaningful.
func (db *DB) RecordPendingDelete(ctx context.Context, userID, id string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO deletes (user_id, id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, id) DO NOTHING`,
		userID, id, time.Now().UnixMilli())
	if err != nil {
		return storageErr("record pending delete "+id, err)
	}
	return nil
}

// ListPendingDeletes returns the tombstoned ids of userID, oldest first.
func (db *DB) ListPendingDeletes(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id FROM deletes WHERE user_id = ? ORDER BY deleted_at, id`, userID)
	if err != nil {
		return nil, storageErr("list pending deletes", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan pending delete", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending deletes", err)
	}
	return ids, nil
}

// HasPendingDelete reports whether (userID, id) is tombstoned.
func (db *DB) HasPendingDelete(ctx context.Context, userID, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deletes WHERE user_id = ? AND id = ?`, userID, id).Scan(&n)
	if err != nil {
		return false, storageErr("check pending delete "+id, err)
	}
	return n > 0, nil
}

// ClearPendingDelete removes a tombstone. Returns nil if none exists.
func (db *DB) ClearPendingDelete(ctx context.Context, userID, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM deletes WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return storageErr("clear pending delete "+id, err)
	}
	return nil
}

// ConfirmDelete finishes a deletion the remote store acknowledged: it removes
// any cached row for id and clears the tombstone, in one transaction, but
// only while the tombstone still exists. A SaveLocal that landed after the
// tombstone was read clears it, and its row is left alone. Reports whether
// the tombstone was found and confirmed.
func (db *DB) ConfirmDelete(ctx context.Context, userID, id string) (bool, error) {
	confirmed := false
	err := db.withTx(ctx, "confirm delete "+id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM deletes WHERE user_id = ? AND id = ?`, userID, id)
		if err != nil {
			return storageErr("clear pending delete "+id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("clear pending delete "+id, err)
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE user_id = ? AND id = ?`, userID, id); err != nil {
			return storageErr("delete task "+id, err)
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return confirmed, nil
}
