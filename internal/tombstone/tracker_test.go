package tombstone

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func seed(t *testing.T, store *db.DB, userID, id string) {
	t.Helper()
	task := &schema.Task{ID: id, UserID: userID, Title: "Task " + id, Folder: "Supplies", UpdatedAt: 10, Synced: true}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("UpsertTask(%s) failed: %v", id, err)
	}
}

func TestTracker_DeleteThenConfirm(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)
	seed(t, store, "u1", "t1")

	if err := tr.Delete(ctx, "u1", "t1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.GetTask(ctx, "u1", "t1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetTask() after Delete error = %v, want ErrNotFound", err)
	}

	pending, err := tr.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if _, ok := pending["t1"]; !ok || len(pending) != 1 {
		t.Errorf("Pending() = %v, want {t1}", pending)
	}

	confirmed, err := tr.Confirm(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Confirm() failed: %v", err)
	}
	if !confirmed {
		t.Error("Confirm() = false, want true")
	}
	pending, err = tr.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() after Confirm = %v, want empty", pending)
	}
}

func TestTracker_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)
	seed(t, store, "u1", "t1")

	for i := 0; i < 2; i++ {
		if err := tr.Delete(ctx, "u1", "t1"); err != nil {
			t.Fatalf("Delete() #%d failed: %v", i+1, err)
		}
	}

	ids, err := store.ListPendingDeletes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingDeletes() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"t1"}, ids); diff != "" {
		t.Errorf("pending deletes mismatch (-want +got):\n%s", diff)
	}
}

func TestTracker_DeleteUnknownID(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)

	if err := tr.Delete(ctx, "u1", "never-cached"); err != nil {
		t.Fatalf("Delete() of uncached id failed: %v", err)
	}
	ok, err := store.HasPendingDelete(ctx, "u1", "never-cached")
	if err != nil {
		t.Fatalf("HasPendingDelete() failed: %v", err)
	}
	if !ok {
		t.Error("uncached id was not tombstoned")
	}
}

func TestTracker_ConfirmRemovesResurrectedRow(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)

	// A crash after the tombstone write leaves the row cached.
	if err := store.RecordPendingDelete(ctx, "u1", "t1"); err != nil {
		t.Fatalf("RecordPendingDelete() failed: %v", err)
	}
	seed(t, store, "u1", "t1")

	if _, err := tr.Confirm(ctx, "u1", "t1"); err != nil {
		t.Fatalf("Confirm() failed: %v", err)
	}
	if _, err := store.GetTask(ctx, "u1", "t1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("row survived Confirm: %v", err)
	}
}

func TestTracker_ConfirmKeepsResavedRow(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)
	seed(t, store, "u1", "t1")

	if err := tr.Delete(ctx, "u1", "t1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	// The user restores the task before the remote delete is acknowledged.
	resaved := &schema.Task{ID: "t1", UserID: "u1", Title: "Restored", Folder: "Supplies", UpdatedAt: 20}
	if err := store.SaveLocal(ctx, resaved); err != nil {
		t.Fatalf("SaveLocal() failed: %v", err)
	}

	confirmed, err := tr.Confirm(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("Confirm() failed: %v", err)
	}
	if confirmed {
		t.Error("Confirm() = true for a re-saved task")
	}
	got, err := store.GetTask(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("re-saved task lost: %v", err)
	}
	if got.Title != "Restored" || got.Synced {
		t.Errorf("task = {%q synced=%v}, want unsynced Restored", got.Title, got.Synced)
	}
}

func TestTracker_Filter(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	tr := New(store)

	docs := []remote.Document{
		{ID: "a", Fields: schema.Fields{Title: "A", Folder: "F", UpdatedAt: 1}},
		{ID: "b", Fields: schema.Fields{Title: "B", Folder: "F", UpdatedAt: 1}},
		{ID: "c", Fields: schema.Fields{Title: "C", Folder: "F", UpdatedAt: 1}},
	}

	got, err := tr.Filter(ctx, "u1", docs)
	if err != nil {
		t.Fatalf("Filter() failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Filter() with no tombstones kept %d docs, want 3", len(got))
	}

	if err := tr.Delete(ctx, "u1", "b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	// Tombstones of another identity do not apply.
	if err := tr.Delete(ctx, "u2", "c"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err = tr.Filter(ctx, "u1", docs)
	if err != nil {
		t.Fatalf("Filter() failed: %v", err)
	}
	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]string{"a", "c"}, ids); diff != "" {
		t.Errorf("Filter() ids mismatch (-want +got):\n%s", diff)
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) RecordPendingDelete(ctx context.Context, userID, id string) error {
	return f.err
}

func (f failingStore) DeleteTask(ctx context.Context, userID, id string) error {
	panic("DeleteTask called after tombstone write failed")
}

func TestTracker_DeleteStopsWhenTombstoneFails(t *testing.T) {
	tr := New(failingStore{err: db.ErrStorage})
	err := tr.Delete(context.Background(), "u1", "t1")
	if !errors.Is(err, db.ErrStorage) {
		t.Errorf("Delete() error = %v, want ErrStorage", err)
	}
}
