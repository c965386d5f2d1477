// Package dashboard serves a live view of sync activity.
//
// Connected WebSocket clients receive pass results, local task changes,
// pending counts and connectivity transitions as JSON messages. The latest
// pending and connectivity messages are retained and replayed to each new
// client so it starts with current state. The server also exposes /health
// and, when given a gatherer, Prometheus metrics on /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncComplete reports a finished pass
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeTaskUpdate reports a local save or delete
	MessageTypeTaskUpdate MessageType = "task_update"

	// MessageTypePending reports an identity's unconfirmed change count
	MessageTypePending MessageType = "pending"

	// MessageTypeConnectivity reports an online/offline transition
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	gatherer prometheus.Gatherer
	started  time.Time

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// retained holds the latest message per key, replayed on connect.
	retained   map[string]Message
	retainedMu sync.Mutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		gatherer:  config.Gatherer,
		clients:   make(map[*websocket.Conn]bool),
		retained:  make(map[string]Message),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins the HTTP server and the broadcast loop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.started = time.Now()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. Messages are dropped
// when the queue is full.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Printf("WARNING: broadcast queue full, dropping %s message", msg.Type)
	}
}

// Retain stores msg under key for replay to future clients, then
// broadcasts it.
func (s *Server) Retain(key string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.retainedMu.Lock()
	s.retained[key] = msg
	s.retainedMu.Unlock()
	s.Broadcast(msg)
}

func (s *Server) snapshot() []Message {
	s.retainedMu.Lock()
	defer s.retainedMu.Unlock()

	keys := make([]string, 0, len(s.retained))
	for k := range s.retained {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Message, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.retained[k])
	}
	return out
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("WARNING: Failed to marshal %s message: %v", msg.Type, err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("WARNING: Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	for _, msg := range s.snapshot() {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := s.write(conn, data); err != nil {
			s.removeClient(conn)
			return
		}
	}

	go s.readLoop(conn)
}

// readLoop drains client frames until the client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if !s.started.IsZero() {
		resp["uptime_seconds"] = int(time.Since(s.started).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>prepsync</title>
</head>
<body>
    <h1>prepsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
