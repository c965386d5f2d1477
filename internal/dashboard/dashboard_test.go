package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emergencyprep/prepsync/internal/metrics"
	"github.com/emergencyprep/prepsync/internal/offline"
	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = quietLogger()

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, addr string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

func decode[T any](t *testing.T, msg Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		t.Fatalf("Unmarshal(%s data) failed: %v", msg.Type, err)
	}
	return v
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Errorf("Addr() = %q, want bound port", s.Addr())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(&Config{Logger: quietLogger()})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	// Broadcasting after stop must not block.
	s.Broadcast(Message{Type: MessageTypePending})
}

func TestServer_ReplaysRetained(t *testing.T) {
	// Served without Start, so queued broadcasts never reach the client and
	// only the replay does.
	s := NewServer(&Config{Logger: quietLogger()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()
	h := NewHandler(s, quietLogger())

	h.OnConnectivity(false)
	h.OnPending("u1", 3)
	h.OnConnectivity(true)

	conn, ctx := dial(t, strings.TrimPrefix(ts.URL, "http://"))

	first := readMessage(t, ctx, conn)
	if first.Type != MessageTypeConnectivity {
		t.Fatalf("first message = %s, want connectivity", first.Type)
	}
	if got := decode[ConnectivityData](t, first); !got.Online {
		t.Error("replayed connectivity is stale, want online")
	}

	second := readMessage(t, ctx, conn)
	if second.Type != MessageTypePending {
		t.Fatalf("second message = %s, want pending", second.Type)
	}
	if diff := cmp.Diff(PendingData{UserID: "u1", Pending: 3}, decode[PendingData](t, second)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	if n := s.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestHandler_Broadcasts(t *testing.T) {
	s := startServer(t, nil)
	h := NewHandler(s, quietLogger())

	conn, ctx := dial(t, s.Addr())
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.OnPass(&psync.Report{UserID: "u1", Pushed: 2, Pulled: 5, Pending: 0, Duration: 1500 * time.Millisecond})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("message = %s, want sync_complete", msg.Type)
	}
	want := SyncCompleteData{UserID: "u1", OK: true, Pushed: 2, Pulled: 5, DurationMS: 1500}
	if diff := cmp.Diff(want, decode[SyncCompleteData](t, msg)); diff != "" {
		t.Errorf("sync_complete mismatch (-want +got):\n%s", diff)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypePending {
		t.Fatalf("message = %s, want pending", msg.Type)
	}

	h.OnChange(offline.Change{Kind: offline.ChangeSynced, UserID: "u1"})
	h.OnChange(offline.Change{
		Kind:   offline.ChangeSaved,
		UserID: "u1",
		ID:     "t1",
		Task:   &schema.Task{ID: "t1", UserID: "u1", Title: "Check flashlight", Folder: "Supplies", UpdatedAt: 42},
	})

	// The synced change is skipped, so the next message is the save.
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeTaskUpdate {
		t.Fatalf("message = %s, want task_update", msg.Type)
	}
	wantTask := TaskUpdateData{UserID: "u1", TaskID: "t1", Action: "saved", Title: "Check flashlight", Folder: "Supplies", UpdatedAt: 42}
	if diff := cmp.Diff(wantTask, decode[TaskUpdateData](t, msg)); diff != "" {
		t.Errorf("task_update mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_UnknownPendingNotPublished(t *testing.T) {
	s := NewServer(&Config{Logger: quietLogger()})
	h := NewHandler(s, quietLogger())

	h.OnPass(&psync.Report{UserID: "u1", Pending: -1})
	if got := s.snapshot(); len(got) != 0 {
		t.Errorf("retained = %v, want none for unknown pending", got)
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer(&Config{Logger: quietLogger()})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if body["status"] != "ok" || body["clients"] != float64(0) {
		t.Errorf("health = %v", body)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.PassCompleted(metrics.ResultOK, time.Second)

	tests := []struct {
		name     string
		gatherer prometheus.Gatherer
		want     int
	}{
		{name: "enabled", gatherer: reg, want: http.StatusOK},
		{name: "disabled", gatherer: nil, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&Config{Gatherer: tt.gatherer, Logger: quietLogger()})
			ts := httptest.NewServer(s.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/metrics")
			if err != nil {
				t.Fatalf("GET /metrics failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(string(body), "prepsync_passes_total") {
				t.Error("metrics output missing prepsync_passes_total")
			}
		})
	}
}
