package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/emergencyprep/prepsync/internal/offline"
	psync "github.com/emergencyprep/prepsync/internal/sync"
)

// SyncCompleteData summarizes a finished pass
type SyncCompleteData struct {
	UserID      string `json:"user_id"`
	OK          bool   `json:"ok"`
	Deleted     int    `json:"deleted"`
	Pushed      int    `json:"pushed"`
	Pulled      int    `json:"pulled"`
	Inserted    int    `json:"inserted"`
	Overwritten int    `json:"overwritten"`
	KeptLocal   int    `json:"kept_local"`
	Pruned      int    `json:"pruned"`
	Failures    int    `json:"failures"`
	DurationMS  int64  `json:"duration_ms"`
}

// TaskUpdateData contains task change information
type TaskUpdateData struct {
	UserID    string `json:"user_id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"` // saved, deleted
	Title     string `json:"title,omitempty"`
	Folder    string `json:"folder,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// PendingData carries an identity's unconfirmed change count
type PendingData struct {
	UserID  string `json:"user_id"`
	Pending int    `json:"pending"`
}

// ConnectivityData carries the remote reachability state
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Handler turns sync, client and connectivity events into dashboard
// messages. Its methods match the observer signatures they are registered
// with and are safe for concurrent use.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// OnPass publishes a finished pass and, when known, the pending count it
// left behind.
func (h *Handler) OnPass(r *psync.Report) {
	h.publish(MessageTypeSyncComplete, "", SyncCompleteData{
		UserID:      r.UserID,
		OK:          r.OK(),
		Deleted:     r.Deleted,
		Pushed:      r.Pushed,
		Pulled:      r.Pulled,
		Inserted:    r.Inserted,
		Overwritten: r.Overwritten,
		KeptLocal:   r.KeptLocal,
		Pruned:      r.Pruned,
		Failures:    len(r.Failures),
		DurationMS:  r.Duration.Milliseconds(),
	})

	if r.Pending >= 0 {
		h.OnPending(r.UserID, r.Pending)
	}
}

// OnChange publishes local saves and deletes. Synced changes are covered by
// OnPass.
func (h *Handler) OnChange(c offline.Change) {
	if c.Kind == offline.ChangeSynced {
		return
	}

	data := TaskUpdateData{
		UserID: c.UserID,
		TaskID: c.ID,
		Action: string(c.Kind),
	}
	if c.Task != nil {
		data.Title = c.Task.Title
		data.Folder = c.Task.Folder
		data.UpdatedAt = c.Task.UpdatedAt
	}
	h.publish(MessageTypeTaskUpdate, "", data)
}

// OnPending publishes userID's unconfirmed change count.
func (h *Handler) OnPending(userID string, pending int) {
	h.publish(MessageTypePending, "pending:"+userID, PendingData{UserID: userID, Pending: pending})
}

// OnConnectivity publishes a reachability transition.
func (h *Handler) OnConnectivity(online bool) {
	h.publish(MessageTypeConnectivity, "connectivity", ConnectivityData{Online: online})
}

// publish marshals data into a message, retaining it under key when key is
// set.
func (h *Handler) publish(t MessageType, key string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("WARNING: Failed to marshal %s data: %v", t, err)
		return
	}

	msg := Message{Type: t, Timestamp: time.Now(), Data: raw}
	if key != "" {
		h.server.Retain(key, msg)
		return
	}
	h.server.Broadcast(msg)
}
