// Package channel implements the bidirectional plugin socket: one
// WebSocket per session carrying JSON request/response frames plus
// server-pushed events. Each accepted socket is owned by a writer
// goroutine; all outbound frames funnel through its send channel, so
// socket writes are never concurrent.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/observe"
)

// sendTimeout bounds every socket write. On expiry the socket is dropped
// and unbound.
const sendTimeout = 5 * time.Second

// sendBuffer is the outbound frame queue per socket.
const sendBuffer = 32

// Frame is the wire format in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Response fields.
	OK    *bool     `json:"ok,omitempty"`
	Data  any       `json:"data,omitempty"`
	Error *ErrorObj `json:"error,omitempty"`
}

// ErrorObj carries a machine-readable failure on ok=false frames.
type ErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// conn is one bound socket. The writer goroutine draining send is the only
// goroutine that touches sock for writes.
type conn struct {
	sessionID string
	sock      *websocket.Conn
	send      chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close(code, reason)
	})
}

// enqueue queues a frame for the writer. Returns false when the socket is
// closed or its queue is full.
func (c *conn) enqueue(f Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Hub accepts plugin sockets and owns the session -> socket binding table.
// It implements [app.EventSink].
type Hub struct {
	manager *app.Manager

	mu    sync.Mutex
	conns map[string]*conn
}

// Compile-time interface assertion.
var _ app.EventSink = (*Hub)(nil)

// NewHub creates a Hub and registers it as the manager's event sink.
func NewHub(manager *app.Manager) *Hub {
	h := &Hub{
		manager: manager,
		conns:   make(map[string]*conn),
	}
	manager.SetEventSink(h)
	return h
}

// Handler returns the WebSocket endpoint, mounted at
// /ws/tavern/{session_id}.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/tavern/{session_id}", h.handleSocket)
	return mux
}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	// Gate: with tavern mode off, sockets are accepted then immediately
	// closed with a policy code.
	if !h.manager.TavernModeActive() {
		_ = sock.Close(websocket.StatusPolicyViolation, "policy")
		return
	}

	c := &conn{
		sessionID: sessionID,
		sock:      sock,
		send:      make(chan Frame, sendBuffer),
		closed:    make(chan struct{}),
	}
	h.bind(c)

	c.enqueue(Frame{
		Type: "connection_established",
		Data: map[string]any{"session_id": sessionID},
	})

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

// bind stores the socket, closing any previous socket for the session with
// a "replaced" code first.
func (h *Hub) bind(c *conn) {
	h.mu.Lock()
	prev := h.conns[c.sessionID]
	h.conns[c.sessionID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.close(websocket.StatusServiceRestart, "replaced")
		slog.Info("plugin socket replaced", "session_id", c.sessionID)
	} else {
		observe.DefaultMetrics().ActiveSockets.Add(context.Background(), 1)
	}
	slog.Info("plugin socket bound", "session_id", c.sessionID)
}

// unbind removes the mapping only if it still points at this socket, so a
// late close of a superseded socket never drops its replacement.
func (h *Hub) unbind(c *conn) {
	h.mu.Lock()
	current := h.conns[c.sessionID] == c
	if current {
		delete(h.conns, c.sessionID)
	}
	h.mu.Unlock()

	if current {
		observe.DefaultMetrics().ActiveSockets.Add(context.Background(), -1)
		h.manager.SocketClosed(c.sessionID)
		slog.Info("plugin socket unbound", "session_id", c.sessionID)
	}
}

// writeLoop is the socket's owning writer: every outbound frame goes
// through here with a bounded deadline.
func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				slog.Error("frame marshal failed", "session_id", c.sessionID, "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err = c.sock.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("socket write failed, dropping binding",
					"session_id", c.sessionID, "error", err)
				h.unbind(c)
				c.close(websocket.StatusNormalClosure, "write failed")
				return
			}
		}
	}
}

// readLoop reads request frames until the socket breaks. Dispatch errors
// become ok=false response frames; they never tear down the socket.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	defer func() {
		h.unbind(c)
		c.close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(errorFrame(f, "bad_frame", "frame is not valid JSON"))
			continue
		}
		if f.Type != "request" {
			continue
		}

		resp := h.dispatch(ctx, c.sessionID, f)
		c.enqueue(resp)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// EventSink

// PushEvent implements [app.EventSink]: it sends an unsolicited event
// frame to the socket bound to sessionID.
func (h *Hub) PushEvent(sessionID, event string, data any) bool {
	h.mu.Lock()
	c := h.conns[sessionID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.enqueue(Frame{Type: event, Data: data})
}

// HasSocket implements [app.EventSink].
func (h *Hub) HasSocket(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID] != nil
}

// CloseAll implements [app.EventSink]: every bound socket is closed with a
// normal code.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusNormalClosure, "reset")
	}
	observe.DefaultMetrics().ActiveSockets.Add(context.Background(), int64(-len(conns)))
}
