// Package loadtest simulates several devices of one account editing tasks
// concurrently against a shared in-memory remote store, with injected
// network failures, and checks that every device converges to the remote
// state once the network recovers.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/offline"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
	"github.com/emergencyprep/prepsync/internal/testutil"
)

// UserID owns every simulated task.
const UserID = "loadtest-user"

var folders = []string{"Water", "Food", "Supplies", "Comms", "Documents", "First Aid"}

// Options configures a simulation.
type Options struct {
	// Dir holds one database file per device.
	Dir string

	Devices      int
	OpsPerDevice int

	// SyncEvery runs a pass after this many operations on a device.
	SyncEvery int

	// FailRate is the probability that a remote call fails as unreachable
	// before the settle phase.
	FailRate float64

	// DeleteRatio is the share of operations that delete a known task.
	DeleteRatio float64

	Seed int64

	// Logger receives engine logs. Nil discards them.
	Logger *log.Logger
}

// DefaultOptions returns a small simulation writing into dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:          dir,
		Devices:      3,
		OpsPerDevice: 40,
		SyncEvery:    5,
		FailRate:     0.1,
		DeleteRatio:  0.2,
		Seed:         42,
	}
}

// PassStats captures pass latency.
type PassStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Result summarizes a simulation.
type Result struct {
	Devices     int       `json:"devices"`
	Ops         int       `json:"ops"`
	Saves       int       `json:"saves"`
	Deletes     int       `json:"deletes"`
	ItemFailure int       `json:"item_failures"`
	RemoteTasks int       `json:"remote_tasks"`
	Passes      PassStats `json:"passes"`

	// Mismatches lists every difference between a device and the remote
	// after settling. Empty means converged.
	Mismatches []string `json:"mismatches,omitempty"`
}

// Converged reports whether every device matched the remote store.
func (r *Result) Converged() bool {
	return len(r.Mismatches) == 0
}

type device struct {
	n      int
	store  *db.DB
	remote *flakyRemote
	client *offline.Client
	rng    *rand.Rand
}

type fixedIdentity string

func (f fixedIdentity) LocalUserID() string   { return string(f) }
func (f fixedIdentity) CurrentUserID() string { return string(f) }

// Run executes the simulation.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Devices < 1 || opts.OpsPerDevice < 0 || opts.SyncEvery < 1 {
		return nil, fmt.Errorf("invalid options: need at least one device and SyncEvery >= 1")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	shared := testutil.NewFakeRemote()
	devices := make([]*device, 0, opts.Devices)
	defer func() {
		for _, d := range devices {
			d.client.Close()
			_ = d.store.Close()
		}
	}()

	for i := 0; i < opts.Devices; i++ {
		store, err := db.Open(filepath.Join(opts.Dir, fmt.Sprintf("device-%d.db", i)))
		if err != nil {
			return nil, err
		}
		if err := store.InitSchemaContext(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		seed := opts.Seed + int64(i)
		rs := &flakyRemote{Store: shared, rng: rand.New(rand.NewSource(seed * 7919)), rate: opts.FailRate}
		syncer := psync.New(store, rs, psync.Config{Logger: logger})
		devices = append(devices, &device{
			n:      i,
			store:  store,
			remote: rs,
			client: offline.New(store, syncer, fixedIdentity(UserID), logger),
			rng:    rand.New(rand.NewSource(seed)),
		})
	}

	res := &Result{Devices: opts.Devices}
	var mu sync.Mutex
	var durations []time.Duration
	record := func(d time.Duration, r *psync.Report) {
		mu.Lock()
		defer mu.Unlock()
		durations = append(durations, d)
		res.ItemFailure += len(r.Failures)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		g.Go(func() error {
			saves, deletes, err := d.churn(gctx, opts, record)
			mu.Lock()
			res.Saves += saves
			res.Deletes += deletes
			res.Ops += saves + deletes
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Settle: the network recovers, every device publishes, then every
	// device pulls the final state.
	for round := 0; round < 2; round++ {
		for _, d := range devices {
			d.remote.setRate(0)
			start := time.Now()
			r, err := d.client.TriggerSync(ctx, UserID)
			if err != nil {
				return nil, fmt.Errorf("device %d settle pass: %w", d.n, err)
			}
			record(time.Since(start), r)
		}
	}

	docs, err := shared.ListAll(ctx, UserID)
	if err != nil {
		return nil, err
	}
	res.RemoteTasks = len(docs)
	for _, d := range devices {
		mismatches, err := d.compare(ctx, docs)
		if err != nil {
			return nil, err
		}
		res.Mismatches = append(res.Mismatches, mismatches...)
	}

	res.Passes = computePassStats(durations)
	return res, nil
}

// churn performs random saves and deletes, syncing every SyncEvery ops.
func (d *device) churn(ctx context.Context, opts Options, record func(time.Duration, *psync.Report)) (saves, deletes int, err error) {
	for op := 1; op <= opts.OpsPerDevice; op++ {
		if err := ctx.Err(); err != nil {
			return saves, deletes, err
		}

		known, err := d.client.ListTasksLocally(ctx, UserID)
		if err != nil {
			return saves, deletes, err
		}

		roll := d.rng.Float64()
		switch {
		case len(known) > 0 && roll < opts.DeleteRatio:
			victim := known[d.rng.Intn(len(known))]
			if err := d.client.DeleteTaskLocally(ctx, UserID, victim.ID); err != nil {
				return saves, deletes, fmt.Errorf("device %d delete: %w", d.n, err)
			}
			deletes++

		case len(known) > 0 && roll < 0.6:
			edit := *known[d.rng.Intn(len(known))]
			edit.Title = fmt.Sprintf("%s (edited by device %d)", baseTitle(edit.Title), d.n)
			if _, err := d.client.SaveTaskLocally(ctx, &edit); err != nil {
				return saves, deletes, fmt.Errorf("device %d edit: %w", d.n, err)
			}
			saves++

		default:
			task := &schema.Task{
				Title:  fmt.Sprintf("Task %d-%d", d.n, op),
				Folder: folders[d.rng.Intn(len(folders))],
			}
			if _, err := d.client.SaveTaskLocally(ctx, task); err != nil {
				return saves, deletes, fmt.Errorf("device %d save: %w", d.n, err)
			}
			saves++
		}

		if op%opts.SyncEvery == 0 {
			start := time.Now()
			r, err := d.client.TriggerSync(ctx, UserID)
			if err != nil {
				return saves, deletes, fmt.Errorf("device %d pass: %w", d.n, err)
			}
			record(time.Since(start), r)
		}
	}
	return saves, deletes, nil
}

// compare lists differences between the device cache and the remote docs.
func (d *device) compare(ctx context.Context, docs []remote.Document) ([]string, error) {
	var out []string

	local, err := d.client.ListTasksLocally(ctx, UserID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*schema.Task, len(local))
	for _, t := range local {
		byID[t.ID] = t
		if !t.Synced {
			out = append(out, fmt.Sprintf("device %d: %s still unsynced", d.n, t.ID))
		}
	}

	for _, doc := range docs {
		t, ok := byID[doc.ID]
		if !ok {
			out = append(out, fmt.Sprintf("device %d: missing %s", d.n, doc.ID))
			continue
		}
		delete(byID, doc.ID)
		if t.Fields() != doc.Fields {
			out = append(out, fmt.Sprintf("device %d: %s differs (local %+v, remote %+v)", d.n, doc.ID, t.Fields(), doc.Fields))
		}
	}
	for id := range byID {
		out = append(out, fmt.Sprintf("device %d: %s not on remote", d.n, id))
	}

	st, err := d.client.Pending(ctx, UserID)
	if err != nil {
		return nil, err
	}
	if st.PendingDeletes > 0 {
		out = append(out, fmt.Sprintf("device %d: %d deletions unconfirmed", d.n, st.PendingDeletes))
	}

	sort.Strings(out)
	return out, nil
}

func baseTitle(title string) string {
	if i := strings.Index(title, " (edited"); i >= 0 {
		return title[:i]
	}
	return title
}

// flakyRemote fails a share of calls as unreachable.
type flakyRemote struct {
	remote.Store

	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

func (f *flakyRemote) setRate(rate float64) {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
}

func (f *flakyRemote) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rate > 0 && f.rng.Float64() < f.rate {
		return fmt.Errorf("%w: simulated outage", remote.ErrNetwork)
	}
	return nil
}

func (f *flakyRemote) Write(ctx context.Context, userID, id string, fields schema.Fields) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.Write(ctx, userID, id, fields)
}

func (f *flakyRemote) Delete(ctx context.Context, userID, id string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.Delete(ctx, userID, id)
}

func (f *flakyRemote) ListAll(ctx context.Context, userID string) ([]remote.Document, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListAll(ctx, userID)
}

func computePassStats(durations []time.Duration) PassStats {
	if len(durations) == 0 {
		return PassStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return PassStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}
