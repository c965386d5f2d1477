package sync

import (
	"context"
	"errors"
	"log"
	"os"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/metrics"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
	"github.com/emergencyprep/prepsync/internal/tombstone"
)

// Store is the local cache the engine reconciles. *db.DB satisfies it.
type Store interface {
	tombstone.Store
	ListTasks(ctx context.Context, userID string) ([]*schema.Task, error)
	ListUnsynced(ctx context.Context, userID string) ([]*schema.Task, error)
	MarkSynced(ctx context.Context, userID, id string, updatedAt int64) (bool, error)
	ApplyRemote(ctx context.Context, task *schema.Task) (db.MergeOutcome, error)
	DeleteSyncedTask(ctx context.Context, userID, id string) (bool, error)
	Stats(ctx context.Context, userID string) (db.Stats, error)
}

// Config holds optional engine collaborators.
type Config struct {
	// Logger receives progress and per-item warnings. Defaults to stderr.
	Logger *log.Logger

	// Metrics records pass results. Nil records nothing.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config logging to stderr without metrics.
func DefaultConfig() Config {
	return Config{Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags)}
}

type observer struct {
	id int
	fn func(*Report)
}

// engine implements the Syncer interface.
type engine struct {
	store   Store
	remote  remote.Store
	tracker *tombstone.Tracker
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	passes singleflight.Group

	mu        stdsync.Mutex
	observers []observer
	nextID    int
}

// New creates a Syncer over a local store and a remote store.
//
// The store must have its schema initialized.
//
// Example:
//
//	database, err := db.Open(path)
//	if err != nil {
//	    return err
//	}
//	syncer := sync.New(database, client, sync.DefaultConfig())
func New(store Store, rs remote.Store, cfg Config) Syncer {
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	return &engine{
		store:   store,
		remote:  rs,
		tracker: tombstone.New(store),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Sync implements Syncer.Sync.
func (e *engine) Sync(ctx context.Context, userID string) (*Report, error) {
	if userID == "" {
		return nil, remote.ErrAuthRequired
	}

	started := false
	ch := e.passes.DoChan(userID, func() (interface{}, error) {
		started = true
		return e.run(context.WithoutCancel(ctx), userID), nil
	})

	select {
	case res := <-ch:
		r := res.Val.(*Report).clone()
		r.Joined = !started
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnPass implements Syncer.OnPass.
func (e *engine) OnPass(fn func(*Report)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.observers = append(e.observers, observer{id: id, fn: fn})
	e.mu.Unlock()

	var once stdsync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, o := range e.observers {
				if o.id == id {
					e.observers = append(e.observers[:i], e.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// pass tracks state shared between the steps of one run.
type pass struct {
	userID string
	report *Report

	// authLost is set once the remote store rejects the identity; later
	// remote calls in the same pass are skipped.
	authLost bool
}

func (p *pass) remoteFailed(step, id string, err error) {
	p.report.fail(step, id, err)
	if errors.Is(err, remote.ErrAuthRequired) {
		p.authLost = true
	}
}

func (e *engine) run(ctx context.Context, userID string) *Report {
	p := &pass{
		userID: userID,
		report: &Report{UserID: userID, Started: e.now()},
	}
	e.logger.Printf("Starting sync pass for %s", userID)

	e.drainDeletes(ctx, p)
	e.pushUnsynced(ctx, p)
	if docs, ok := e.pull(ctx, p); ok {
		e.merge(ctx, p, docs)
		e.prune(ctx, p, docs)
	}

	r := p.report
	if st, err := e.store.Stats(ctx, userID); err != nil {
		e.logger.Printf("WARNING: Failed to count pending changes: %v", err)
		r.fail(StepStats, "", err)
		r.Pending = -1
	} else {
		r.Pending = st.Pending()
		e.metrics.SetPending(userID, r.Pending)
	}
	r.Duration = e.now().Sub(r.Started)

	e.record(r)
	if r.OK() {
		e.logger.Printf("Sync pass for %s finished in %s: %s", userID, r.Duration, r.Summary())
	} else {
		e.logger.Printf("Sync pass for %s finished with failures in %s: %s", userID, r.Duration, r.Summary())
	}

	e.notify(r)
	return r
}

// drainDeletes asks the remote store to delete every tombstoned id and
// confirms the ones it acknowledged.
func (e *engine) drainDeletes(ctx context.Context, p *pass) {
	ids, err := e.store.ListPendingDeletes(ctx, p.userID)
	if err != nil {
		e.logger.Printf("WARNING: Failed to list pending deletes: %v", err)
		p.report.fail(StepDrain, "", err)
		return
	}

	for _, id := range ids {
		if p.authLost {
			return
		}
		err := e.remote.Delete(ctx, p.userID, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			e.logger.Printf("WARNING: Failed to delete %s remotely: %v", id, err)
			p.remoteFailed(StepDrain, id, err)
			continue
		}
		confirmed, err := e.tracker.Confirm(ctx, p.userID, id)
		if err != nil {
			e.logger.Printf("WARNING: Failed to confirm delete of %s: %v", id, err)
			p.report.fail(StepDrain, id, err)
			continue
		}
		if !confirmed {
			// Saved again while the delete was in flight; the push
			// step writes it back.
			e.logger.Printf("Delete of %s superseded by a local save", id)
			continue
		}
		p.report.Deleted++
	}
}

// pushUnsynced writes every unsynced task and marks the ones whose content
// did not change while the write was in flight.
func (e *engine) pushUnsynced(ctx context.Context, p *pass) {
	if p.authLost {
		return
	}
	tasks, err := e.store.ListUnsynced(ctx, p.userID)
	if err != nil {
		e.logger.Printf("WARNING: Failed to list unsynced tasks: %v", err)
		p.report.fail(StepPush, "", err)
		return
	}

	for _, task := range tasks {
		if p.authLost {
			return
		}
		if err := e.remote.Write(ctx, p.userID, task.ID, task.Fields()); err != nil {
			e.logger.Printf("WARNING: Failed to push %s: %v", task.ID, err)
			p.remoteFailed(StepPush, task.ID, err)
			continue
		}
		marked, err := e.store.MarkSynced(ctx, p.userID, task.ID, task.UpdatedAt)
		if err != nil {
			e.logger.Printf("WARNING: Failed to mark %s synced: %v", task.ID, err)
			p.report.fail(StepPush, task.ID, err)
			continue
		}
		if !marked {
			e.logger.Printf("Task %s changed during push, left unsynced", task.ID)
		}
		p.report.Pushed++
	}
}

func (e *engine) pull(ctx context.Context, p *pass) ([]remote.Document, bool) {
	if p.authLost {
		return nil, false
	}
	docs, err := e.remote.ListAll(ctx, p.userID)
	if err != nil {
		e.logger.Printf("WARNING: Failed to pull remote tasks: %v", err)
		p.remoteFailed(StepPull, "", err)
		return nil, false
	}
	p.report.Pulled = len(docs)
	return docs, true
}

// merge applies pulled documents to the cache. Tombstoned ids are filtered
// out up front; ApplyRemote checks again inside its transaction, which
// covers deletes made while the pass is running.
func (e *engine) merge(ctx context.Context, p *pass, docs []remote.Document) {
	live, err := e.tracker.Filter(ctx, p.userID, docs)
	if err != nil {
		e.logger.Printf("WARNING: Failed to read tombstones before merge: %v", err)
		live = docs
	}
	p.report.Tombstoned += len(docs) - len(live)

	for _, doc := range live {
		outcome, err := e.store.ApplyRemote(ctx, doc.Task(p.userID))
		if err != nil {
			e.logger.Printf("WARNING: Failed to merge %s: %v", doc.ID, err)
			p.report.fail(StepMerge, doc.ID, err)
			continue
		}

		switch outcome {
		case db.Inserted:
			p.report.Inserted++
		case db.Overwritten:
			p.report.Overwritten++
		case db.Unchanged:
			p.report.Unchanged++
		case db.KeptLocal:
			p.report.KeptLocal++
		case db.Tombstoned:
			p.report.Tombstoned++
		case db.Foreign:
			e.logger.Printf("WARNING: Task %s is cached for another identity, skipped", doc.ID)
		}
	}
}

// prune removes synced local tasks the remote store no longer lists.
// Unsynced tasks are never pruned.
func (e *engine) prune(ctx context.Context, p *pass, docs []remote.Document) {
	listed := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		listed[doc.ID] = struct{}{}
	}

	tasks, err := e.store.ListTasks(ctx, p.userID)
	if err != nil {
		e.logger.Printf("WARNING: Failed to list tasks for pruning: %v", err)
		p.report.fail(StepPrune, "", err)
		return
	}

	for _, task := range tasks {
		if !task.Synced {
			continue
		}
		if _, ok := listed[task.ID]; ok {
			continue
		}
		removed, err := e.store.DeleteSyncedTask(ctx, p.userID, task.ID)
		if err != nil {
			e.logger.Printf("WARNING: Failed to prune %s: %v", task.ID, err)
			p.report.fail(StepPrune, task.ID, err)
			continue
		}
		if removed {
			p.report.Pruned++
		}
	}
}

func (e *engine) record(r *Report) {
	if e.metrics == nil {
		return
	}

	result := metrics.ResultOK
	switch {
	case r.AuthFailed():
		result = metrics.ResultAuth
	case !r.OK():
		result = metrics.ResultPartial
	}
	e.metrics.PassCompleted(result, r.Duration)

	for _, step := range []string{StepDrain, StepPush, StepPull, StepMerge, StepPrune, StepStats} {
		e.metrics.StepFailed(step, len(r.FailuresIn(step)))
	}

	e.metrics.Add("deleted", r.Deleted)
	e.metrics.Add("pushed", r.Pushed)
	e.metrics.Add("pulled", r.Pulled)
	e.metrics.Add("inserted", r.Inserted)
	e.metrics.Add("overwritten", r.Overwritten)
	e.metrics.Add("kept_local", r.KeptLocal)
	e.metrics.Add("tombstoned", r.Tombstoned)
	e.metrics.Add("pruned", r.Pruned)
}

func (e *engine) notify(r *Report) {
	e.mu.Lock()
	observers := make([]observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, o := range observers {
		o.fn(r.clone())
	}
}
