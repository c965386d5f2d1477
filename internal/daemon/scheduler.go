package daemon

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reason says why a pass was requested.
type Reason string

const (
	ReasonStartup     Reason = "startup"
	ReasonReconnect   Reason = "reconnect"
	ReasonManual      Reason = "manual"
	ReasonSignIn      Reason = "sign-in"
	ReasonLocalChange Reason = "local-change"
	ReasonRetry       Reason = "retry"
)

// RunFunc runs one pass for userID. reasons lists every request the pass
// coalesced, in arrival order.
type RunFunc func(ctx context.Context, userID string, reasons []Reason)

type request struct {
	queuedAt time.Time
	reasons  []Reason
}

// Scheduler is a debounced per-identity queue of pass requests.
//
// Requests for the same identity coalesce until none has arrived for the
// debounce interval; then one pass runs. Requests arriving while that pass
// runs queue a follow-up pass.
type Scheduler struct {
	run      RunFunc
	debounce time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	queue  map[string]*request
	timers map[string]*time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler calling run for due identities.
func NewScheduler(run RunFunc, debounce time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if debounce <= 0 {
		debounce = DefaultConfig().DebounceInterval
	}
	return &Scheduler{
		run:      run,
		debounce: debounce,
		logger:   logger,
		queue:    make(map[string]*request),
		timers:   make(map[string]*time.Timer),
	}
}

// Request queues a pass for userID. Empty identities are ignored.
func (s *Scheduler) Request(userID string, reason Reason) {
	if userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.queue[userID]
	if req == nil {
		req = &request{}
		s.queue[userID] = req
	}
	req.queuedAt = time.Now()
	if !slices.Contains(req.reasons, reason) {
		req.reasons = append(req.reasons, reason)
	}
}

// RequestAfter queues a pass for userID once delay has elapsed, replacing
// any earlier delayed request for the same identity.
func (s *Scheduler) RequestAfter(userID string, reason Reason, delay time.Duration) {
	if userID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.timers[userID]; t != nil {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[userID] == t {
			delete(s.timers, userID)
		}
		s.mu.Unlock()
		s.Request(userID, reason)
	})
	s.timers[userID] = t
}

// CancelDelayed drops a pending RequestAfter for userID.
func (s *Scheduler) CancelDelayed(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.timers[userID]; t != nil {
		t.Stop()
		delete(s.timers, userID)
	}
}

// Queued returns the number of identities waiting for a pass.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start runs the queue until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processQueue(ctx)
}

// Stop halts the queue and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// processQueue runs due passes with debouncing.
func (s *Scheduler) processQueue(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs one pass per identity whose last request is at least one
// debounce interval old. Different identities run concurrently.
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	due := make(map[string][]Reason)

	s.mu.Lock()
	for userID, req := range s.queue {
		if now.Sub(req.queuedAt) < s.debounce {
			continue
		}
		due[userID] = req.reasons
		delete(s.queue, userID)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	for userID, reasons := range due {
		g.Go(func() error {
			s.run(ctx, userID, reasons)
			return nil
		})
	}
	_ = g.Wait()
}
