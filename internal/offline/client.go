// Package offline is the API a user interface calls. Every mutation lands in
// the local cache first and is published by a later sync pass, so all of it
// works without a network connection.
package offline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
	"github.com/emergencyprep/prepsync/internal/tombstone"
)

// ErrAuthRequired is returned for operations on an identity that is not the
// signed-in one. It matches remote.ErrAuthRequired.
var ErrAuthRequired = remote.ErrAuthRequired

// Store is the local cache the client reads and writes. *db.DB satisfies it.
type Store interface {
	tombstone.Store
	SaveLocal(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, userID, id string) (*schema.Task, error)
	ListTasks(ctx context.Context, userID string) ([]*schema.Task, error)
	ListByFolder(ctx context.Context, userID, folder string) ([]*schema.Task, error)
	Stats(ctx context.Context, userID string) (db.Stats, error)
}

// Identities supplies the signed-in identity. *identity.Provider satisfies
// it.
type Identities interface {
	// LocalUserID owns the cache; it stays set after the token expires.
	LocalUserID() string
	// CurrentUserID is set only while the token is valid for remote calls.
	CurrentUserID() string
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
	ChangeSynced  ChangeKind = "synced"
)

// Change is delivered to OnChange observers.
type Change struct {
	Kind   ChangeKind    `json:"kind"`
	UserID string        `json:"user_id"`
	ID     string        `json:"id,omitempty"`
	Task   *schema.Task  `json:"task,omitempty"`
	Report *psync.Report `json:"report,omitempty"`
}

type changeObserver struct {
	id int
	fn func(Change)
}

// Client implements the task operations. All methods are safe to call while
// a sync pass is running.
type Client struct {
	store   Store
	tracker *tombstone.Tracker
	syncer  psync.Syncer
	ids     Identities
	logger  *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	observers []changeObserver
	nextID    int

	stopPass func()
}

// New creates a Client. Sync passes run by syncer, whoever started them,
// are forwarded to OnChange observers as ChangeSynced until Close.
func New(store Store, syncer psync.Syncer, ids Identities, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[offline] ", log.LstdFlags)
	}
	c := &Client{
		store:   store,
		tracker: tombstone.New(store),
		syncer:  syncer,
		ids:     ids,
		logger:  logger,
		now:     time.Now,
	}
	c.stopPass = syncer.OnPass(func(r *psync.Report) {
		c.emit(Change{Kind: ChangeSynced, UserID: r.UserID, Report: r})
	})
	return c
}

// Close stops forwarding sync reports.
func (c *Client) Close() {
	c.stopPass()
}

// OnChange registers fn for every local mutation and finished pass.
// Observers run synchronously, in registration order.
func (c *Client) OnChange(fn func(Change)) (unregister func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, changeObserver{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Client) emit(ch Change) {
	c.mu.Lock()
	observers := make([]changeObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.fn(ch)
	}
}

func (c *Client) authorizeLocal(userID string) error {
	local := c.ids.LocalUserID()
	if local == "" || local != userID {
		return ErrAuthRequired
	}
	return nil
}

// SaveTaskLocally creates or updates a task in the local cache and marks it
// unsynced.
//
// An empty ID gets a fresh one and an empty UserID means the signed-in
// identity. UpdatedAt is set to now, but always past the cached copy's value
// (the store raises it inside the write) so the edit wins last-writer-wins
// against what it replaced. The caller's
// task is not modified; the saved copy is returned.
func (c *Client) SaveTaskLocally(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	t := *task
	if t.UserID == "" {
		t.UserID = c.ids.LocalUserID()
	}
	if err := c.authorizeLocal(t.UserID); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = schema.NewID()
	}
	t.Normalize()

	t.UpdatedAt = c.now().UnixMilli()
	t.Synced = false

	if err := c.store.SaveLocal(ctx, &t); err != nil {
		return nil, err
	}

	saved := t
	c.emit(Change{Kind: ChangeSaved, UserID: t.UserID, ID: t.ID, Task: &saved})
	return &t, nil
}

// DeleteTaskLocally removes a task from the cache and queues its remote
// deletion. Deleting the same id twice is the same as deleting it once.
func (c *Client) DeleteTaskLocally(ctx context.Context, userID, id string) error {
	if err := c.authorizeLocal(userID); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: id is required", schema.ErrInvalidTask)
	}
	if err := c.tracker.Delete(ctx, userID, id); err != nil {
		return err
	}
	c.emit(Change{Kind: ChangeDeleted, UserID: userID, ID: id})
	return nil
}

// ListTasksLocally returns the cached tasks of userID ordered by folder,
// then most recently updated first.
func (c *Client) ListTasksLocally(ctx context.Context, userID string) ([]*schema.Task, error) {
	if err := c.authorizeLocal(userID); err != nil {
		return nil, err
	}
	return c.store.ListTasks(ctx, userID)
}

// GetTask returns one cached task. Missing ids return db.ErrNotFound.
func (c *Client) GetTask(ctx context.Context, userID, id string) (*schema.Task, error) {
	if err := c.authorizeLocal(userID); err != nil {
		return nil, err
	}
	return c.store.GetTask(ctx, userID, id)
}

// ListByFolder returns the cached tasks of userID in folder.
func (c *Client) ListByFolder(ctx context.Context, userID, folder string) ([]*schema.Task, error) {
	if err := c.authorizeLocal(userID); err != nil {
		return nil, err
	}
	return c.store.ListByFolder(ctx, userID, folder)
}

// Folders returns the sorted distinct folders of userID's cached tasks.
func (c *Client) Folders(ctx context.Context, userID string) ([]string, error) {
	tasks, err := c.ListTasksLocally(ctx, userID)
	if err != nil {
		return nil, err
	}
	return schema.Folders(tasks), nil
}

// Pending returns the cache state of userID. Its Pending() count drives
// the "changes pending" indicator.
func (c *Client) Pending(ctx context.Context, userID string) (db.Stats, error) {
	if err := c.authorizeLocal(userID); err != nil {
		return db.Stats{}, err
	}
	return c.store.Stats(ctx, userID)
}

// TriggerSync runs a pass now. It needs a valid, unexpired sign-in for
// userID.
func (c *Client) TriggerSync(ctx context.Context, userID string) (*psync.Report, error) {
	current := c.ids.CurrentUserID()
	if current == "" || current != userID {
		return nil, ErrAuthRequired
	}
	return c.syncer.Sync(ctx, userID)
}
