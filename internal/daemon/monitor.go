package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/emergencyprep/prepsync/internal/metrics"
	"github.com/emergencyprep/prepsync/internal/remote"
)

// Prober checks whether the remote store is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes with a HEAD request. Any HTTP response below 500 counts
// as reachable; the request only has to make it through the network.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates an HTTPProber for url with a 5 second timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrNetwork, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: probe returned %s", remote.ErrNetwork, resp.Status)
	}
	return nil
}

type connListener struct {
	id int
	fn func(online bool)
}

// Monitor polls a Prober and reports connectivity transitions.
//
// The initial state is offline, so the first successful probe counts as a
// reconnect.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	online    bool
	listeners []connListener
	nextID    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor probing every interval.
func NewMonitor(prober Prober, interval time.Duration, logger *log.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}
	if interval <= 0 {
		interval = DefaultConfig().ProbeInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

// Online reports the last observed state.
func (mon *Monitor) Online() bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.online
}

// OnChange registers fn for every connectivity transition. Listeners run
// in registration order on the probing goroutine.
func (mon *Monitor) OnChange(fn func(online bool)) (unregister func()) {
	mon.mu.Lock()
	mon.nextID++
	id := mon.nextID
	mon.listeners = append(mon.listeners, connListener{id: id, fn: fn})
	mon.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			mon.mu.Lock()
			defer mon.mu.Unlock()
			for i, l := range mon.listeners {
				if l.id == id {
					mon.listeners = append(mon.listeners[:i], mon.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnOnline registers fn for offline to online transitions only.
func (mon *Monitor) OnOnline(fn func()) (unregister func()) {
	return mon.OnChange(func(online bool) {
		if online {
			fn()
		}
	})
}

// Check probes once and updates the state.
func (mon *Monitor) Check(ctx context.Context) bool {
	err := mon.prober.Probe(ctx)
	if ctx.Err() != nil {
		return mon.Online()
	}
	if err != nil && mon.Online() {
		mon.logger.Printf("Probe failed: %v", err)
	}
	mon.set(err == nil)
	return err == nil
}

// MarkOffline records an observed network failure, so the next successful
// probe is reported as a reconnect.
func (mon *Monitor) MarkOffline() {
	mon.set(false)
}

func (mon *Monitor) set(online bool) {
	mon.mu.Lock()
	changed := mon.online != online
	mon.online = online
	listeners := make([]connListener, len(mon.listeners))
	copy(listeners, mon.listeners)
	mon.mu.Unlock()

	mon.metrics.SetOnline(online)
	if !changed {
		return
	}

	if online {
		mon.logger.Println("Remote store reachable")
	} else {
		mon.logger.Println("Remote store unreachable")
	}
	for _, l := range listeners {
		l.fn(online)
	}
}

// Start probes immediately and then every interval until Stop.
func (mon *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	mon.mu.Lock()
	mon.cancel = cancel
	mon.mu.Unlock()

	mon.wg.Add(1)
	go mon.poll(ctx)
}

// Stop ends polling.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	cancel := mon.cancel
	mon.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	mon.wg.Wait()
}

func (mon *Monitor) poll(ctx context.Context) {
	defer mon.wg.Done()

	mon.Check(ctx)

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Check(ctx)
		}
	}
}
