package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 256
)

// MessageHandler processes one inbound client message for a session.
type MessageHandler interface {
	Handle(sessionID string, raw []byte)
}

// clientConn owns one WebSocket connection. All frames are written by a
// single writer goroutine draining send, which preserves per-session order.
type clientConn struct {
	ws   *websocket.Conn
	send chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	broken bool
}

func (c *clientConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *clientConn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *clientConn) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// Manager is the connection registry. One session maps to at most one live
// connection; frames for a session are delivered in enqueue order.
type Manager struct {
	store      *session.Store
	controller *session.ExecutionController
	logger     logging.Logger
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*clientConn

	// onDrop observes frames that could not be delivered (tests, metrics).
	onDrop func(sessionID string, frame Frame)
}

// NewManager returns a connection manager bound to the session registry.
func NewManager(store *session.Store, controller *session.ExecutionController) *Manager {
	return &Manager{
		store:      store,
		controller: controller,
		logger:     logging.NewComponentLogger("ConnectionManager"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the editor origin; auth happens upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*clientConn),
	}
}

// SetDropObserver installs a callback invoked for every dropped frame.
func (m *Manager) SetDropObserver(fn func(sessionID string, frame Frame)) {
	m.onDrop = fn
}

// HandleConnection upgrades the request and pumps inbound messages through
// handler until the client goes away. A session_id query parameter reattaches
// the client to a surviving session record; otherwise a fresh session is
// allocated.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, handler MessageHandler) {
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	reattached := false
	if sessionID != "" {
		_, reattached = m.store.Snapshot(sessionID)
	} else {
		sessionID = uuid.NewString()
	}
	if !reattached {
		if _, err := m.store.Create(sessionID, "", "", nil); err != nil {
			m.logger.Error("Failed to create session %s: %v", sessionID, err)
			_ = wsConn.Close()
			return
		}
	}

	conn := &clientConn{
		ws:     wsConn,
		send:   make(chan Frame, sendBufferSize),
		closed: make(chan struct{}),
	}
	m.mu.Lock()
	prev := m.conns[sessionID]
	m.conns[sessionID] = conn
	m.mu.Unlock()
	if prev != nil {
		prev.markClosed()
		_ = prev.ws.Close()
	}

	go m.writeLoop(sessionID, conn)
	if reattached {
		m.logger.Info("WebSocket reattached to session %s", sessionID)
	} else {
		m.logger.Info("WebSocket connected, session %s", sessionID)
	}
	m.SendSync(sessionID, ConnectionFrame(sessionID))

	m.readLoop(sessionID, conn, handler)
	m.disconnect(sessionID, conn)
}

func (m *Manager) readLoop(sessionID string, conn *clientConn, handler MessageHandler) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("WebSocket read error for session %s: %v", sessionID, err)
			}
			return
		}
		handler.Handle(sessionID, raw)
	}
}

// writeLoop is the only goroutine that touches the socket for writes. A
// write failure marks the connection broken; subsequent frames are drained
// and dropped so senders never block on a dead peer.
func (m *Manager) writeLoop(sessionID string, conn *clientConn) {
	for {
		select {
		case frame := <-conn.send:
			if conn.isBroken() {
				m.dropFrame(sessionID, frame, "connection broken")
				continue
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteJSON(frame); err != nil {
				conn.markBroken()
				m.dropFrame(sessionID, frame, err.Error())
			}
		case <-conn.closed:
			return
		}
	}
}

// Send queues a frame without blocking. Frames are dropped when the session
// has no connection or the outbound buffer is full.
func (m *Manager) Send(sessionID string, frame Frame) {
	conn := m.conn(sessionID)
	if conn == nil {
		m.dropFrame(sessionID, frame, "no active connection")
		return
	}
	select {
	case conn.send <- frame:
	case <-conn.closed:
		m.dropFrame(sessionID, frame, "connection closed")
	default:
		m.dropFrame(sessionID, frame, "send buffer full")
	}
}

// SendSync queues a frame with backpressure: it blocks until the frame is
// accepted or the connection closes. Run workers use it so a slow client
// throttles log streaming instead of losing frames.
func (m *Manager) SendSync(sessionID string, frame Frame) {
	conn := m.conn(sessionID)
	if conn == nil {
		m.dropFrame(sessionID, frame, "no active connection")
		return
	}
	select {
	case conn.send <- frame:
	case <-conn.closed:
		m.dropFrame(sessionID, frame, "connection closed")
	}
}

// Broadcast queues a frame for every connected session.
func (m *Manager) Broadcast(frame Frame) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Send(id, frame)
	}
}

// IsConnected reports whether the session has a live connection.
func (m *Manager) IsConnected(sessionID string) bool {
	return m.conn(sessionID) != nil
}

// Disconnect tears down the connection state for a session. A disconnect
// mid-run cancels the run; the session record itself survives while an
// executor is still bound so the worker can finish cleanly.
func (m *Manager) Disconnect(sessionID string) {
	m.disconnect(sessionID, nil)
}

// disconnect detaches owner from the session. A reconnect that already
// replaced owner leaves the session untouched.
func (m *Manager) disconnect(sessionID string, owner *clientConn) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	if ok && owner != nil && conn != owner {
		m.mu.Unlock()
		owner.markClosed()
		_ = owner.ws.Close()
		return
	}
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.markClosed()
	_ = conn.ws.Close()

	snap, exists := m.store.Snapshot(sessionID)
	if !exists {
		return
	}
	if snap.Status == session.StatusRunning || snap.Status == session.StatusWaitingForInput {
		m.logger.Info("Client disconnected mid-run, cancelling session %s", sessionID)
		snap.Cancel.Set("client disconnected")
		if snap.Executor != nil {
			snap.Executor.RequestCancel("client disconnected")
		}
	}
	m.controller.Cleanup(sessionID)

	if snap.Executor == nil {
		m.store.Remove(sessionID)
		m.logger.Info("Removed session %s after disconnect", sessionID)
	}
}

func (m *Manager) conn(sessionID string) *clientConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[sessionID]
}

func (m *Manager) dropFrame(sessionID string, frame Frame, reason string) {
	frameType := frame.Type()
	// Connection greetings and pongs are chatty; keep the log signal for the
	// frames a client actually waits on.
	if strings.HasPrefix(frameType, "workflow") || frameType == "waiting_for_input" {
		m.logger.Warn("Dropped %s frame for session %s: %s", frameType, sessionID, reason)
	} else {
		m.logger.Debug("Dropped %s frame for session %s: %s", frameType, sessionID, reason)
	}
	if m.onDrop != nil {
		m.onDrop(sessionID, frame)
	}
}
