package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/emergencyprep/prepsync/internal/metrics"
	"github.com/emergencyprep/prepsync/internal/remote"
)

// fakeProber reports whatever error it was last given.
type fakeProber struct {
	mu  sync.Mutex
	err error
}

func newFakeProber(online bool) *fakeProber {
	p := &fakeProber{}
	p.setOnline(online)
	return p
}

func (p *fakeProber) setOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if online {
		p.err = nil
	} else {
		p.err = remote.ErrNetwork
	}
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestMonitor_Transitions(t *testing.T) {
	ctx := context.Background()
	prober := newFakeProber(false)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mon := NewMonitor(prober, time.Hour, quietLogger(), m)

	var changes []bool
	onlineCalls := 0
	mon.OnChange(func(online bool) { changes = append(changes, online) })
	unregister := mon.OnOnline(func() { onlineCalls++ })

	if mon.Check(ctx) {
		t.Error("Check() = true while prober is offline")
	}
	if len(changes) != 0 {
		t.Errorf("offline at start fired %v", changes)
	}

	prober.setOnline(true)
	mon.Check(ctx)
	mon.Check(ctx)
	if onlineCalls != 1 {
		t.Errorf("OnOnline fired %d times for one reconnect", onlineCalls)
	}
	if got := promtest.ToFloat64(m.Online); got != 1 {
		t.Errorf("online gauge = %v, want 1", got)
	}

	mon.MarkOffline()
	if mon.Online() {
		t.Error("Online() = true after MarkOffline")
	}
	mon.Check(ctx)
	if onlineCalls != 2 {
		t.Errorf("OnOnline fired %d times after second reconnect, want 2", onlineCalls)
	}

	unregister()
	mon.MarkOffline()
	mon.Check(ctx)
	if onlineCalls != 2 {
		t.Errorf("unregistered listener fired: %d calls", onlineCalls)
	}

	want := []bool{true, false, true, false, true}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
	}
}

func TestMonitor_StartProbesImmediately(t *testing.T) {
	mon := NewMonitor(newFakeProber(true), time.Hour, quietLogger(), nil)

	fired := make(chan struct{}, 1)
	mon.OnOnline(func() { fired <- struct{}{} })

	mon.Start(context.Background())
	defer mon.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("first probe did not report online")
	}
}

func TestHTTPProber(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	var method string
	setStatus := func(code int) {
		mu.Lock()
		defer mu.Unlock()
		status = code
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL)
	ctx := context.Background()

	if err := p.Probe(ctx); err != nil {
		t.Errorf("Probe() 200 error = %v", err)
	}
	mu.Lock()
	gotMethod := method
	mu.Unlock()
	if gotMethod != http.MethodHead {
		t.Errorf("method = %s, want HEAD", gotMethod)
	}

	setStatus(http.StatusNotFound)
	if err := p.Probe(ctx); err != nil {
		t.Errorf("Probe() 404 error = %v, want reachable", err)
	}

	setStatus(http.StatusServiceUnavailable)
	if err := p.Probe(ctx); !errors.Is(err, remote.ErrNetwork) {
		t.Errorf("Probe() 503 error = %v, want ErrNetwork", err)
	}

	srv.Close()
	if err := p.Probe(ctx); !errors.Is(err, remote.ErrNetwork) {
		t.Errorf("Probe() closed server error = %v, want ErrNetwork", err)
	}
}
