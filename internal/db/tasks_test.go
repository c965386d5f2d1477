package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUpsertTask_InsertAndOverwrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	task := newTask("u1", "t1", 100, false)
	mustUpsert(t, db, task)

	got, err := db.GetTask(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("GetTask() mismatch (-want +got):\n%s", diff)
	}

	task.Title = "Renamed"
	task.UpdatedAt = 200
	task.Synced = true
	mustUpsert(t, db, task)

	got, err = db.GetTask(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("GetTask() after overwrite failed: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("overwritten task mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertTask_InvalidTask(t *testing.T) {
	db := openTestDB(t)

	task := newTask("u1", "t1", 1, false)
	task.Folder = ""

	err := db.UpsertTask(context.Background(), task)
	if err == nil {
		t.Fatal("UpsertTask() with missing folder succeeded")
	}
	if errors.Is(err, ErrStorage) {
		t.Errorf("validation error %v should not be a storage error", err)
	}
}

func TestUpsertTask_ForeignIDConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustUpsert(t, db, newTask("u1", "shared", 100, true))

	err := db.UpsertTask(ctx, newTask("u2", "shared", 200, false))
	if !errors.Is(err, ErrIDConflict) {
		t.Fatalf("UpsertTask() error = %v, want ErrIDConflict", err)
	}

	got, err := db.GetTask(ctx, "u1", "shared")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.UpdatedAt != 100 {
		t.Errorf("owner's row was modified: UpdatedAt = %d, want 100", got.UpdatedAt)
	}
}

func TestGetTask_ScopedByIdentity(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustUpsert(t, db, newTask("u1", "t1", 100, false))

	_, err := db.GetTask(ctx, "u2", "t1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(other identity) error = %v, want ErrNotFound", err)
	}

	_, err = db.GetTask(ctx, "u1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListTasks_AndUnsynced(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustUpsert(t, db, newTask("u1", "a", 1, true))
	mustUpsert(t, db, newTask("u1", "b", 2, false))
	mustUpsert(t, db, newTask("u2", "c", 3, false))

	all, err := db.ListTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListTasks(u1) returned %d tasks, want 2", len(all))
	}
	for _, task := range all {
		if task.UserID != "u1" {
			t.Errorf("ListTasks(u1) leaked task of %s", task.UserID)
		}
	}

	unsynced, err := db.ListUnsynced(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].ID != "b" {
		t.Errorf("ListUnsynced(u1) = %v, want [b]", unsynced)
	}

	none, err := db.ListTasks(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListTasks(nobody) failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("ListTasks(nobody) = %v, want empty non-nil slice", none)
	}
}

func TestListByFolder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	water := newTask("u1", "w", 1, true)
	water.Folder = "Water"
	mustUpsert(t, db, water)
	mustUpsert(t, db, newTask("u1", "s", 2, true))

	got, err := db.ListByFolder(ctx, "u1", "Water")
	if err != nil {
		t.Fatalf("ListByFolder() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w" {
		t.Errorf("ListByFolder(Water) = %v, want [w]", got)
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustUpsert(t, db, newTask("u1", "t1", 1, true))

	for i := 0; i < 2; i++ {
		if err := db.DeleteTask(ctx, "u1", "t1"); err != nil {
			t.Fatalf("DeleteTask() call %d failed: %v", i+1, err)
		}
	}

	if _, err := db.GetTask(ctx, "u1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTask_OtherIdentityUntouched(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	mustUpsert(t, db, newTask("u1", "t1", 1, true))

	if err := db.DeleteTask(ctx, "u2", "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := db.GetTask(ctx, "u1", "t1"); err != nil {
		t.Errorf("u1's task removed by u2's delete: %v", err)
	}
}

func TestPendingDeletes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"a", "b", "a"} {
		if err := db.RecordPendingDelete(ctx, "u1", id); err != nil {
			t.Fatalf("RecordPendingDelete(%s) failed: %v", id, err)
		}
	}
	if err := db.RecordPendingDelete(ctx, "u2", "c"); err != nil {
		t.Fatalf("RecordPendingDelete(u2) failed: %v", err)
	}

	ids, err := db.ListPendingDeletes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingDeletes() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ListPendingDeletes(u1) = %v, want 2 ids", ids)
	}

	has, err := db.HasPendingDelete(ctx, "u1", "a")
	if err != nil || !has {
		t.Errorf("HasPendingDelete(a) = %v, %v; want true, nil", has, err)
	}

	for i := 0; i < 2; i++ {
		if err := db.ClearPendingDelete(ctx, "u1", "a"); err != nil {
			t.Fatalf("ClearPendingDelete() call %d failed: %v", i+1, err)
		}
	}

	ids, err = db.ListPendingDeletes(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingDeletes() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b"}, ids); diff != "" {
		t.Errorf("pending deletes after clear mismatch (-want +got):\n%s", diff)
	}
}
