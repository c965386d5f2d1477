package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emergencyprep/prepsync/internal/schema"
)

// MergeOutcome describes what ApplyRemote did with one remote document.
type MergeOutcome int

const (
	// Inserted means the task was absent locally and was created synced.
	Inserted MergeOutcome = iota
	// Overwritten means the remote copy replaced an older or equal local one.
	Overwritten
	// Unchanged means the local copy already matched the remote one.
	Unchanged
	// KeptLocal means a newer unsynced local copy was kept.
	KeptLocal
	// Tombstoned means the id has a pending delete and was skipped.
	Tombstoned
	// Foreign means the id belongs to another identity on this device.
	Foreign
)

// String returns a human-readable representation of the outcome.
func (o MergeOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Overwritten:
		return "overwritten"
	case Unchanged:
		return "unchanged"
	case KeptLocal:
		return "kept-local"
	case Tombstoned:
		return "tombstoned"
	case Foreign:
		return "foreign"
	default:
		return "unknown"
	}
}

// SaveLocal upserts a locally edited task and clears any tombstone for the
// same id in one transaction, so saving over a deleted id re-creates it
// rather than leaving a delete queued behind the new row.
//
// task.UpdatedAt is the edit time. If the cached row already carries that
// time or a later one (a merge can land between the caller's read and this
// write) the saved value is moved just past it. task.UpdatedAt is set to the
// value actually stored.
func (db *DB) SaveLocal(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	row := *task
	err := db.withTx(ctx, "save task "+task.ID, func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRowContext(ctx,
			`SELECT updated_at FROM tasks WHERE user_id = ? AND id = ?`,
			row.UserID, row.ID).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return storageErr("read task "+row.ID, err)
		default:
			row.UpdatedAt = schema.NextTimestamp(stored, time.UnixMilli(task.UpdatedAt))
		}

		if err := upsertTask(ctx, tx, &row); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM deletes WHERE user_id = ? AND id = ?`, row.UserID, row.ID)
		if err != nil {
			return storageErr("clear pending delete "+row.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	task.UpdatedAt = row.UpdatedAt
	return nil
}

// MarkSynced flags a pushed task as synced, but only if its updated_at still
// equals the pushed value. An edit that landed while the push was in flight
// keeps the row unsynced. Reports whether the row was updated.
func (db *DB) MarkSynced(ctx context.Context, userID, id string, updatedAt int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET synced = 1
		WHERE user_id = ? AND id = ? AND updated_at = ?`,
		userID, id, updatedAt)
	if err != nil {
		return false, storageErr("mark task synced "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("mark task synced "+id, err)
	}
	return n > 0, nil
}

// ApplyRemote merges one remote task into the cache.
//
// The whole decision runs in one transaction:
//   - a pending delete for the id wins over the remote copy (Tombstoned)
//   - a row owned by another identity is left alone (Foreign)
//   - an absent row is inserted as synced (Inserted)
//   - a strictly newer unsynced local row is kept (KeptLocal)
//   - otherwise the remote copy overwrites the local one and the row
//     becomes synced (Overwritten, or Unchanged if nothing differed)
func (db *DB) ApplyRemote(ctx context.Context, remote *schema.Task) (MergeOutcome, error) {
	if err := remote.ValidateRemote(); err != nil {
		return 0, fmt.Errorf("invalid remote task: %w", err)
	}

	incoming := *remote
	incoming.Synced = true

	var outcome MergeOutcome
	err := db.withTx(ctx, "merge task "+remote.ID, func(tx *sql.Tx) error {
		var tombstones int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM deletes WHERE user_id = ? AND id = ?`,
			incoming.UserID, incoming.ID).Scan(&tombstones)
		if err != nil {
			return storageErr("check pending delete "+incoming.ID, err)
		}
		if tombstones > 0 {
			outcome = Tombstoned
			return nil
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, incoming.ID)
		local, err := scanTask(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := upsertTask(ctx, tx, &incoming); err != nil {
				return err
			}
			outcome = Inserted
			return nil
		case err != nil:
			return storageErr("read task "+incoming.ID, err)
		}

		if local.UserID != incoming.UserID {
			outcome = Foreign
			return nil
		}
		if !schema.RemoteWins(local, &incoming) {
			outcome = KeptLocal
			return nil
		}
		if local.Synced && schema.SameContent(local, &incoming) {
			outcome = Unchanged
			return nil
		}
		if err := upsertTask(ctx, tx, &incoming); err != nil {
			return err
		}
		outcome = Overwritten
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// DeleteSyncedTask removes a task only while it is marked synced. It is used
// to prune rows the remote store no longer lists; an unsynced row holds local
// edits and is never pruned. Reports whether a row was removed.
func (db *DB) DeleteSyncedTask(ctx context.Context, userID, id string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE user_id = ? AND id = ? AND synced = 1`, userID, id)
	if err != nil {
		return false, storageErr("prune task "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("prune task "+id, err)
	}
	return n > 0, nil
}
