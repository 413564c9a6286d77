package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types pushed to a page session.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventState     = "state"
	EventResult    = "result"
	EventError     = "error"
)

const writeWait = 5 * time.Second

// Event is one update for a page session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Progress  int    `json:"progress"`
	Busy      bool   `json:"busy"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Hub fans events out to every websocket of a session.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string][]*conn
}

// NewHub creates an empty hub. checkOrigin may be nil to accept any origin.
func NewHub(logger *zap.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.Named("progress_hub"),
		conns:    make(map[string][]*conn),
	}
}

// Serve upgrades the request and keeps the socket registered until the
// peer goes away. It blocks for the lifetime of the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, initial Event) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	c := &conn{ws: ws}
	h.add(sessionID, c)
	defer func() {
		h.remove(sessionID, c)
		ws.Close()
	}()

	initial.Type = EventConnected
	initial.SessionID = sessionID
	if payload, err := json.Marshal(initial); err == nil {
		if err := c.write(payload); err != nil {
			return
		}
	}

	// Inbound frames are ignored; reading drives pings and close detection.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish sends event to every connection of sessionID.
func (h *Hub) Publish(sessionID string, event Event) {
	event.SessionID = sessionID
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode progress event", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := append([]*conn(nil), h.conns[sessionID]...)
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.logger.Debug("dropping websocket", zap.Error(err), zap.String("session_id", sessionID))
			h.remove(sessionID, c)
			c.ws.Close()
		}
	}
}

// Connections reports how many sockets are attached to sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Close disconnects every socket of sessionID.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	targets := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session expired"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.ws.Close()
	}
}

func (h *Hub) add(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sessionID] = append(h.conns[sessionID], c)
}

func (h *Hub) remove(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.conns[sessionID]
	for i, existing := range list {
		if existing == c {
			h.conns[sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
}
