package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/contentops/autopilot/logger"
	"github.com/contentops/autopilot/pulse/schedule"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4 << 10          // clients only send control frames
	sendBuffer     = 64
)

// RunEvent is one message on /ws/runs.
type RunEvent struct {
	Type      string        `json:"type"`
	Run       *schedule.Run `json:"run"`
	Timestamp int64         `json:"timestamp"`
}

// RunHub fans run transitions out to websocket clients. It implements
// schedule.RunObserver.
type RunHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	drops    atomic.Int64
}

type wsClient struct {
	id   string
	hub  *RunHub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewRunHub creates a hub. checkOrigin guards the upgrade.
func NewRunHub(checkOrigin func(*http.Request) bool, log *zap.SugaredLogger) *RunHub {
	return &RunHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: log,
	}
}

// RunUpdated broadcasts a run transition. Slow clients drop messages
// rather than stall the executor.
func (h *RunHub) RunUpdated(run *schedule.Run) {
	msg, err := json.Marshal(RunEvent{Type: "run_update", Run: run, Timestamp: time.Now().Unix()})
	if err != nil {
		h.logger.Warnw("Failed to encode run event", logger.FieldRunID, run.ID, logger.FieldError, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.drops.Add(1)
		}
	}
}

// ClientCount reports connected clients.
func (h *RunHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops reports messages skipped because a client was too slow.
func (h *RunHub) Drops() int64 { return h.drops.Load() }

// ServeWS upgrades the request and streams run events until the client
// goes away or the hub closes.
func (h *RunHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &wsClient{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Debugw("WebSocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (h *RunHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *RunHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Close disconnects every client and refuses new ones.
func (h *RunHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	if n := h.drops.Load(); n > 0 {
		h.logger.Infow("Run hub closed", "broadcast_drops", n)
	}
}

// close ends the write pump, which closes the connection.
func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// readPump discards client messages; it exists to process control frames
// and notice disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debugw("WebSocket write failed", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
