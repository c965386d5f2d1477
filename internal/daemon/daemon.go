// Package daemon schedules sync passes in the background.
//
// The daemon:
//  1. Runs a pass at startup and whenever an identity signs in
//  2. Runs a pass when connectivity to the remote store returns
//  3. Watches the database for writes by other processes
//  4. Retries passes that hit network failures when no prober is configured
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/identity"
	"github.com/emergencyprep/prepsync/internal/metrics"
	psync "github.com/emergencyprep/prepsync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long requests must be quiet before a pass
	// runs. A flurry of reconnects or edits coalesces into one pass.
	DebounceInterval time.Duration

	// ProbeInterval is how often the Prober is polled.
	ProbeInterval time.Duration

	// RetryInterval is the first retry delay after a network failure in
	// fallback mode. Each further failure doubles it up to RetryMax.
	RetryInterval time.Duration
	RetryMax      time.Duration

	// Prober enables connectivity mode. Nil selects fallback mode.
	Prober Prober

	// DBPath, if set, is watched for writes made by other processes.
	DBPath string

	// Metrics records connectivity state. Nil records nothing.
	Metrics *metrics.Metrics

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		ProbeInterval:    10 * time.Second,
		RetryInterval:    30 * time.Second,
		RetryMax:         5 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// PendingCounter reports an identity's unconfirmed local changes.
// *db.DB satisfies it.
type PendingCounter interface {
	Stats(ctx context.Context, userID string) (db.Stats, error)
}

// Identities is the signed-in identity source. *identity.Provider
// satisfies it.
type Identities interface {
	CurrentUserID() string
	OnChange(fn func(*identity.Identity)) (unregister func())
}

// Daemon decides when passes run.
type Daemon struct {
	syncer psync.Syncer
	store  PendingCounter
	ids    Identities
	config *Config

	scheduler *Scheduler
	monitor   *Monitor
	watcher   *FileWatcher

	mu         sync.Mutex
	backoff    map[string]time.Duration
	unregister []func()
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a Daemon instance.
//
// The daemon requires:
//   - syncer: runs the passes
//   - store: counts pending changes for watcher-triggered passes
//   - ids: supplies the signed-in identity and sign-in events
//
// Use Start() to begin scheduling.
func New(syncer psync.Syncer, store PendingCounter, ids Identities, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ids == nil {
		return nil, fmt.Errorf("identities cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.RetryMax < config.RetryInterval {
		config.RetryMax = config.RetryInterval
	}

	d := &Daemon{
		syncer:  syncer,
		store:   store,
		ids:     ids,
		config:  config,
		backoff: make(map[string]time.Duration),
	}
	d.scheduler = NewScheduler(d.runPass, config.DebounceInterval, config.Logger)

	if config.Prober != nil {
		d.monitor = NewMonitor(config.Prober, config.ProbeInterval, config.Logger, config.Metrics)
	}

	if config.DBPath != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}

	return d, nil
}

// Fallback reports whether the daemon runs without a connectivity signal.
func (d *Daemon) Fallback() bool {
	return d.monitor == nil
}

// Monitor returns the connectivity monitor, or nil in fallback mode.
func (d *Daemon) Monitor() *Monitor {
	return d.monitor
}

// Request queues a pass for userID.
func (d *Daemon) Request(userID string, reason Reason) {
	d.scheduler.Request(userID, reason)
}

// LocalChange reports a local mutation by userID. In connectivity mode the
// pass is only queued while online; the reconnect pass picks the change up
// otherwise.
func (d *Daemon) LocalChange(userID string) {
	if d.monitor != nil && !d.monitor.Online() {
		return
	}
	d.scheduler.Request(userID, ReasonLocalChange)
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	mode := "fallback"
	if d.monitor != nil {
		mode = "connectivity"
	}
	d.config.Logger.Printf("Starting daemon (%s mode)", mode)

	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	runCtx := d.ctx
	d.mu.Unlock()

	if d.watcher != nil {
		if err := d.watcher.WatchDatabase(d.config.DBPath); err != nil {
			d.cancel()
			return err
		}
		d.config.Logger.Printf("Watching: %s", d.config.DBPath)
		d.wg.Add(1)
		go d.watchFileEvents(runCtx)
	}

	d.addUnregister(d.ids.OnChange(d.identityChanged))
	d.addUnregister(d.syncer.OnPass(d.afterPass))

	d.scheduler.Start(runCtx)
	if d.monitor != nil {
		d.addUnregister(d.monitor.OnOnline(func() {
			d.scheduler.Request(d.ids.CurrentUserID(), ReasonReconnect)
		}))
		d.monitor.Start(runCtx)
	}

	d.scheduler.Request(d.ids.CurrentUserID(), ReasonStartup)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-runCtx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A pass in progress finishes first.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.mu.Lock()
		cancel := d.cancel
		unregister := d.unregister
		d.unregister = nil
		d.mu.Unlock()

		for _, fn := range unregister {
			fn()
		}
		if cancel != nil {
			cancel()
		}

		if d.monitor != nil {
			d.monitor.Stop()
		}
		d.scheduler.Stop()
		if d.watcher != nil {
			if cerr := d.watcher.Stop(); cerr != nil {
				d.config.Logger.Printf("Error closing watcher: %v", cerr)
				err = cerr
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

func (d *Daemon) addUnregister(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregister = append(d.unregister, fn)
}

func (d *Daemon) identityChanged(id *identity.Identity) {
	if id == nil {
		d.config.Logger.Println("Signed out")
		return
	}
	d.config.Logger.Printf("Signed in as %s", id.UserID)
	d.scheduler.Request(id.UserID, ReasonSignIn)
}

// runPass is the scheduler callback.
func (d *Daemon) runPass(ctx context.Context, userID string, reasons []Reason) {
	if current := d.ids.CurrentUserID(); current != userID {
		d.config.Logger.Printf("Skipping pass for %s: not the signed-in identity", userID)
		return
	}
	if d.monitor != nil && !d.monitor.Online() && !slices.Contains(reasons, ReasonManual) {
		d.config.Logger.Printf("Skipping pass for %s while offline", userID)
		return
	}

	names := make([]string, len(reasons))
	for i, r := range reasons {
		names[i] = string(r)
	}
	d.config.Logger.Printf("Running pass for %s (%s)", userID, strings.Join(names, ", "))

	if _, err := d.syncer.Sync(ctx, userID); err != nil {
		d.config.Logger.Printf("Pass for %s not run: %v", userID, err)
	}
}

// afterPass reacts to every finished pass, scheduled or not.
func (d *Daemon) afterPass(r *psync.Report) {
	switch {
	case r.NetworkFailed():
		if d.monitor != nil {
			d.monitor.MarkOffline()
			return
		}
		delay := d.nextBackoff(r.UserID)
		d.config.Logger.Printf("Network failure for %s, retrying in %s", r.UserID, delay)
		d.scheduler.RequestAfter(r.UserID, ReasonRetry, delay)

	case r.AuthFailed():
		d.resetBackoff(r.UserID)
		d.config.Logger.Printf("WARNING: Remote store rejected %s, sign in again", r.UserID)

	default:
		d.resetBackoff(r.UserID)
	}
}

func (d *Daemon) nextBackoff(userID string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.backoff[userID] * 2
	if next == 0 {
		next = d.config.RetryInterval
	}
	if next > d.config.RetryMax {
		next = d.config.RetryMax
	}
	d.backoff[userID] = next
	return next
}

func (d *Daemon) resetBackoff(userID string) {
	d.mu.Lock()
	_, retrying := d.backoff[userID]
	delete(d.backoff, userID)
	d.mu.Unlock()

	if retrying {
		d.scheduler.CancelDelayed(userID)
	}
}

// watchFileEvents turns database writes into local-change requests.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.databaseChanged(ctx)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// databaseChanged queues a pass only when the signed-in identity has
// pending changes; the daemon's own pass writes then settle without
// triggering further passes.
func (d *Daemon) databaseChanged(ctx context.Context) {
	userID := d.ids.CurrentUserID()
	if userID == "" {
		return
	}
	st, err := d.store.Stats(ctx, userID)
	if err != nil {
		d.config.Logger.Printf("WARNING: Failed to count pending changes: %v", err)
		return
	}
	if st.Pending() > 0 {
		d.LocalChange(userID)
	}
}
