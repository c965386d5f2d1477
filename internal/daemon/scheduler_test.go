package daemon

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type runRecord struct {
	userID  string
	reasons []Reason
}

// recorder collects scheduler runs on a channel.
type recorder struct {
	runs chan runRecord
	// block, if set, is waited on inside every run.
	block chan struct{}
}

func newRecorder() *recorder {
	return &recorder{runs: make(chan runRecord, 16)}
}

func (r *recorder) run(ctx context.Context, userID string, reasons []Reason) {
	r.runs <- runRecord{userID: userID, reasons: append([]Reason(nil), reasons...)}
	if r.block != nil {
		<-r.block
	}
}

func (r *recorder) next(t *testing.T) runRecord {
	t.Helper()
	select {
	case rec := <-r.runs:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run")
		return runRecord{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-r.runs:
		t.Fatalf("unexpected run %+v", rec)
	case <-time.After(wait):
	}
}

func startScheduler(t *testing.T, rec *recorder) *Scheduler {
	t.Helper()
	s := NewScheduler(rec.run, 10*time.Millisecond, quietLogger())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_CoalescesRequests(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, rec)

	s.Request("u1", ReasonReconnect)
	s.Request("u1", ReasonReconnect)
	s.Request("u1", ReasonLocalChange)
	s.Request("u1", ReasonReconnect)

	got := rec.next(t)
	if got.userID != "u1" {
		t.Errorf("userID = %q, want u1", got.userID)
	}
	want := []Reason{ReasonReconnect, ReasonLocalChange}
	if len(got.reasons) != len(want) || got.reasons[0] != want[0] || got.reasons[1] != want[1] {
		t.Errorf("reasons = %v, want %v", got.reasons, want)
	}
	rec.none(t, 60*time.Millisecond)
}

func TestScheduler_IgnoresEmptyIdentity(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, rec)

	s.Request("", ReasonManual)
	if s.Queued() != 0 {
		t.Errorf("Queued() = %d, want 0", s.Queued())
	}
	rec.none(t, 40*time.Millisecond)
}

func TestScheduler_RequestDuringRunQueuesFollowUp(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s := startScheduler(t, rec)

	s.Request("u1", ReasonStartup)
	rec.next(t)

	s.Request("u1", ReasonLocalChange)
	close(rec.block)

	got := rec.next(t)
	if len(got.reasons) != 1 || got.reasons[0] != ReasonLocalChange {
		t.Errorf("follow-up reasons = %v, want [local-change]", got.reasons)
	}
}

func TestScheduler_IdentitiesRunConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	started := make(chan string, 2)

	run := func(ctx context.Context, userID string, reasons []Reason) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		started <- userID
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	s := NewScheduler(run, 10*time.Millisecond, quietLogger())
	s.Start(context.Background())

	s.Request("u1", ReasonManual)
	s.Request("u2", ReasonManual)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both identities to start")
		}
	}
	close(release)
	s.Stop()

	if peak != 2 {
		t.Errorf("peak concurrent runs = %d, want 2", peak)
	}
}

func TestScheduler_RequestAfter(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, rec)

	s.RequestAfter("u1", ReasonRetry, time.Hour)
	s.RequestAfter("u1", ReasonRetry, 20*time.Millisecond)

	got := rec.next(t)
	if got.reasons[0] != ReasonRetry {
		t.Errorf("reasons = %v, want [retry]", got.reasons)
	}

	s.RequestAfter("u1", ReasonRetry, 20*time.Millisecond)
	s.CancelDelayed("u1")
	rec.none(t, 80*time.Millisecond)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := NewScheduler(newRecorder().run, 0, nil)
	s.RequestAfter("u1", ReasonRetry, time.Hour)
	s.Stop()
}
