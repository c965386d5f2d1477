// Package tombstone guarantees that deletions made offline survive until the
// remote store confirms them, and are not undone by a stale remote listing.
package tombstone

import (
	"context"
	"fmt"

	"github.com/emergencyprep/prepsync/internal/remote"
)

// Store is the subset of the local cache the tracker needs.
// *db.DB satisfies it.
type Store interface {
	RecordPendingDelete(ctx context.Context, userID, id string) error
	ListPendingDeletes(ctx context.Context, userID string) ([]string, error)
	ConfirmDelete(ctx context.Context, userID, id string) (bool, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

// Tracker records and confirms deletions.
type Tracker struct {
	store Store
}

// New creates a Tracker over store.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

// Delete removes a task locally and queues its remote deletion.
//
// The tombstone is written first: if the process dies between the two
// writes the task may still be cached, but the next pass deletes it remotely
// and then locally. Once Delete returns nil, no later merge can resurrect id.
// Deleting an id twice is the same as deleting it once.
func (t *Tracker) Delete(ctx context.Context, userID, id string) error {
	if err := t.store.RecordPendingDelete(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to record delete of %s: %w", id, err)
	}
	if err := t.store.DeleteTask(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to delete %s locally: %w", id, err)
	}
	return nil
}

// Confirm finishes a deletion the remote store acknowledged. The cached row
// and the tombstone go together, and only if the tombstone is still there:
// a task re-saved while the remote delete was in flight is kept and
// published by a later push. Reports whether the deletion was confirmed.
func (t *Tracker) Confirm(ctx context.Context, userID, id string) (bool, error) {
	confirmed, err := t.store.ConfirmDelete(ctx, userID, id)
	if err != nil {
		return false, fmt.Errorf("failed to confirm delete of %s: %w", id, err)
	}
	return confirmed, nil
}

// Pending returns the set of tombstoned ids for userID.
func (t *Tracker) Pending(ctx context.Context, userID string) (map[string]struct{}, error) {
	ids, err := t.store.ListPendingDeletes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletes: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Filter drops remote documents that have a pending local delete.
func (t *Tracker) Filter(ctx context.Context, userID string, docs []remote.Document) ([]remote.Document, error) {
	pending, err := t.Pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return docs, nil
	}

	out := make([]remote.Document, 0, len(docs))
	for _, doc := range docs {
		if _, ok := pending[doc.ID]; ok {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}
