package offline

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
	"github.com/emergencyprep/prepsync/internal/testutil"
)

type staticIdentities struct {
	local   string
	current string
}

func (s *staticIdentities) LocalUserID() string   { return s.local }
func (s *staticIdentities) CurrentUserID() string { return s.current }

type fixture struct {
	store  *db.DB
	remote *testutil.FakeRemote
	ids    *staticIdentities
	client *Client
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	rs := testutil.NewFakeRemote()
	ids := &staticIdentities{local: "u1", current: "u1"}
	c := New(store, psync.New(store, rs, psync.Config{Logger: quiet}), ids, quiet)
	t.Cleanup(c.Close)

	return &fixture{store: store, remote: rs, ids: ids, client: c}
}

func TestClient_OfflineScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.remote.Offline(true)

	saved, err := f.client.SaveTaskLocally(ctx, &schema.Task{ID: "t1", UserID: "u1", Title: "Check flashlight", Folder: "Supplies"})
	if err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}

	tasks, err := f.client.ListTasksLocally(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTasksLocally() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" || tasks[0].Synced {
		t.Fatalf("ListTasksLocally() = %+v, want one unsynced t1", tasks)
	}

	f.remote.Offline(false)
	if _, err := f.client.TriggerSync(ctx, "u1"); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	fields, ok := f.remote.Get("u1", "t1")
	if !ok || fields.Title != "Check flashlight" || fields.UpdatedAt != saved.UpdatedAt {
		t.Errorf("remote t1 = %+v (present %v)", fields, ok)
	}
	got, err := f.client.GetTask(ctx, "u1", "t1")
	if err != nil || !got.Synced {
		t.Errorf("GetTask() = %+v, %v; want synced", got, err)
	}

	f.remote.Offline(true)
	if err := f.client.DeleteTaskLocally(ctx, "u1", "t1"); err != nil {
		t.Fatalf("DeleteTaskLocally() failed: %v", err)
	}
	st, err := f.client.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if st.PendingDeletes != 1 || st.Tasks != 0 {
		t.Errorf("Pending() = %+v, want one pending delete and no tasks", st)
	}

	f.remote.Offline(false)
	if _, err := f.client.TriggerSync(ctx, "u1"); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if _, ok := f.remote.Get("u1", "t1"); ok {
		t.Error("t1 still present remotely")
	}
	st, err = f.client.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if st.Pending() != 0 {
		t.Errorf("Pending() = %d after final pass, want 0", st.Pending())
	}
}

func TestClient_SaveAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	now := time.UnixMilli(5000)
	f.client.now = func() time.Time { return now }

	in := &schema.Task{Title: "  Water  ", Folder: "Supplies"}
	first, err := f.client.SaveTaskLocally(ctx, in)
	if err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}
	if first.ID == "" || first.UserID != "u1" {
		t.Errorf("saved = %+v, want generated id for u1", first)
	}
	if first.UpdatedAt != 5000 || first.Synced {
		t.Errorf("UpdatedAt=%d Synced=%v, want 5000 and false", first.UpdatedAt, first.Synced)
	}
	if in.ID != "" {
		t.Error("SaveTaskLocally modified the caller's task")
	}

	// A second save within the same millisecond still moves forward.
	edit := *first
	edit.Title = "Water, 4 gallons"
	second, err := f.client.SaveTaskLocally(ctx, &edit)
	if err != nil {
		t.Fatalf("SaveTaskLocally() edit failed: %v", err)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Errorf("edit UpdatedAt = %d, want > %d", second.UpdatedAt, first.UpdatedAt)
	}
}

// mergeFirstStore applies a remote copy right before each SaveLocal, the way
// a pass merging between the client's read and its write would.
type mergeFirstStore struct {
	*db.DB
	t      *testing.T
	remote *schema.Task
}

func (m *mergeFirstStore) SaveLocal(ctx context.Context, task *schema.Task) error {
	if m.remote != nil {
		if _, err := m.DB.ApplyRemote(ctx, m.remote); err != nil {
			m.t.Errorf("ApplyRemote() failed: %v", err)
		}
		m.remote = nil
	}
	return m.DB.SaveLocal(ctx, task)
}

func TestClient_SaveNeverMovesTimestampBack(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	quiet := log.New(io.Discard, "", 0)

	store := &mergeFirstStore{DB: f.store, t: t}
	c := New(store, psync.New(f.store, f.remote, psync.Config{Logger: quiet}), f.ids, quiet)
	t.Cleanup(c.Close)
	c.now = func() time.Time { return time.UnixMilli(1000) }

	first, err := c.SaveTaskLocally(ctx, &schema.Task{ID: "t1", Title: "Water", Folder: "Supplies"})
	if err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}

	// Another device's newer copy lands between the read and the write.
	store.remote = &schema.Task{ID: "t1", UserID: "u1", Title: "Water (remote)", Folder: "Supplies", UpdatedAt: 5000}
	edit := *first
	edit.Title = "Water, 4 gallons"
	second, err := c.SaveTaskLocally(ctx, &edit)
	if err != nil {
		t.Fatalf("SaveTaskLocally() edit failed: %v", err)
	}
	if second.UpdatedAt <= 5000 {
		t.Errorf("edit UpdatedAt = %d, want > 5000", second.UpdatedAt)
	}

	got, err := f.store.GetTask(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.UpdatedAt != second.UpdatedAt || got.Title != "Water, 4 gallons" || got.Synced {
		t.Errorf("stored = %+v, want the edit at %d, unsynced", got, second.UpdatedAt)
	}
}

func TestClient_SaveRejectsInvalid(t *testing.T) {
	f := setup(t)
	_, err := f.client.SaveTaskLocally(context.Background(), &schema.Task{Title: "", Folder: "Supplies"})
	if !errors.Is(err, schema.ErrInvalidTask) {
		t.Errorf("SaveTaskLocally() error = %v, want ErrInvalidTask", err)
	}
}

func TestClient_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	saved, err := f.client.SaveTaskLocally(ctx, &schema.Task{Title: "Radio", Folder: "Comms"})
	if err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.client.DeleteTaskLocally(ctx, "u1", saved.ID); err != nil {
			t.Fatalf("DeleteTaskLocally() #%d failed: %v", i+1, err)
		}
	}
	st, err := f.client.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if st.PendingDeletes != 1 {
		t.Errorf("PendingDeletes = %d, want 1", st.PendingDeletes)
	}
	if _, err := f.client.GetTask(ctx, "u1", saved.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetTask() after delete error = %v, want ErrNotFound", err)
	}
}

func TestClient_AuthRequired(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	if _, err := f.client.ListTasksLocally(ctx, "u2"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("ListTasksLocally(other) error = %v, want ErrAuthRequired", err)
	}
	if _, err := f.client.SaveTaskLocally(ctx, &schema.Task{UserID: "u2", Title: "x", Folder: "y"}); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("SaveTaskLocally(other) error = %v, want ErrAuthRequired", err)
	}
	if err := f.client.DeleteTaskLocally(ctx, "u2", "t1"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("DeleteTaskLocally(other) error = %v, want ErrAuthRequired", err)
	}

	// An expired token still allows local work but not a sync.
	f.ids.current = ""
	if _, err := f.client.ListTasksLocally(ctx, "u1"); err != nil {
		t.Errorf("ListTasksLocally() with expired token failed: %v", err)
	}
	if _, err := f.client.TriggerSync(ctx, "u1"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("TriggerSync() with expired token error = %v, want ErrAuthRequired", err)
	}

	f.ids.local = ""
	if _, err := f.client.ListTasksLocally(ctx, "u1"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("ListTasksLocally() signed out error = %v, want ErrAuthRequired", err)
	}
}

func TestClient_FoldersAndListByFolder(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, in := range []schema.Task{
		{Title: "Water", Folder: "Supplies"},
		{Title: "Radio", Folder: "Comms"},
		{Title: "Batteries", Folder: "Supplies"},
	} {
		if _, err := f.client.SaveTaskLocally(ctx, &in); err != nil {
			t.Fatalf("SaveTaskLocally(%s) failed: %v", in.Title, err)
		}
	}

	folders, err := f.client.Folders(ctx, "u1")
	if err != nil {
		t.Fatalf("Folders() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"Comms", "Supplies"}, folders); diff != "" {
		t.Errorf("Folders() mismatch (-want +got):\n%s", diff)
	}

	supplies, err := f.client.ListByFolder(ctx, "u1", "Supplies")
	if err != nil {
		t.Fatalf("ListByFolder() failed: %v", err)
	}
	if len(supplies) != 2 {
		t.Errorf("ListByFolder(Supplies) = %d tasks, want 2", len(supplies))
	}
}

func TestClient_OnChange(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var kinds []ChangeKind
	unregister := f.client.OnChange(func(c Change) { kinds = append(kinds, c.Kind) })

	saved, err := f.client.SaveTaskLocally(ctx, &schema.Task{Title: "Water", Folder: "Supplies"})
	if err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}
	if err := f.client.DeleteTaskLocally(ctx, "u1", saved.ID); err != nil {
		t.Fatalf("DeleteTaskLocally() failed: %v", err)
	}
	if _, err := f.client.TriggerSync(ctx, "u1"); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}

	unregister()
	if _, err := f.client.SaveTaskLocally(ctx, &schema.Task{Title: "Radio", Folder: "Comms"}); err != nil {
		t.Fatalf("SaveTaskLocally() failed: %v", err)
	}

	want := []ChangeKind{ChangeSaved, ChangeDeleted, ChangeSynced}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("change kinds mismatch (-want +got):\n%s", diff)
	}
}
