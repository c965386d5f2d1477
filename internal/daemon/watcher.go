package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one watched file.
type FileEvent struct {
	Path string
	Op   EventOp
}

// FileWatcher reports changes to the database files so writes made by
// other processes reach the daemon. fsnotify watches directories, so the
// watcher watches the database directory and filters by file name.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	names   map[string]struct{}
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// WatchDatabase starts watching the SQLite database at dbPath and its WAL.
func (fw *FileWatcher) WatchDatabase(dbPath string) error {
	base := filepath.Base(dbPath)
	return fw.Start(filepath.Dir(dbPath), base, base+"-wal")
}

// Start begins watching dir for events on the named files.
func (fw *FileWatcher) Start(dir string, names ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if len(names) == 0 {
		return fmt.Errorf("no file names to watch")
	}

	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	fw.names = make(map[string]struct{}, len(names))
	for _, name := range names {
		fw.names[name] = struct{}{}
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited. Stop on a watcher that never started releases the
// fsnotify handle.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fileEvent, ok := fw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case fw.events <- fileEvent:
			case <-fw.done:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if _, ok := fw.names[filepath.Base(event.Name)]; !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Op: op}, true
}
