// Package wsocket implements the WebSocket broadcaster (spec §4.8 C9):
// periodic state/metrics/health envelopes and OTA progress events pushed
// to every connected client. Grounded on arx-os-arxos's
// internal/infra/messaging/websocket.go hub/client/register/unregister/
// broadcast shape and its ping/pong keep-alive, simplified: this system
// has no per-user rooms, every client receives every broadcast.
package wsocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config mirrors arx-os-arxos's WebSocketConfig defaults.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
}

// DefaultConfig returns sane keep-alive timings.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingPeriod:      54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  512,
	}
}

// EventKind names the envelope's payload type (spec §4.8: "periodic
// state/metrics/health envelopes and OTA progress events").
type EventKind string

const (
	EventState   EventKind = "state"
	EventMetrics EventKind = "metrics"
	EventHealth  EventKind = "health"
	EventOTA     EventKind = "ota_progress"
)

// Envelope wraps a payload with its kind so clients can dispatch on one
// JSON shape.
type Envelope struct {
	Kind EventKind   `json:"kind"`
	Data interface{} `json:"data"`
}

// Hub owns the set of connected clients and the broadcast channel feeding
// them, following arx-os-arxos's WebSocketHub shape without its room
// bookkeeping.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	cfg Config
	log *zap.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds a Hub; call Run in its own goroutine before Upgrade.
func NewHub(cfg Config, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		cfg:        cfg,
		log:        log,
	}
}

// Run drives the hub's register/unregister/broadcast loop until doneCh is
// closed.
func (h *Hub) Run(doneCh <-chan struct{}) {
	for {
		select {
		case <-doneCh:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop it rather than block the hub.
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast marshals v under kind and fans it out to every client.
func (h *Hub) Broadcast(kind EventKind, v interface{}) error {
	data, err := json.Marshal(Envelope{Kind: kind, Data: v})
	if err != nil {
		return err
	}
	h.broadcast <- data
	return nil
}

// ClientCount reports the number of connected clients, for health/metrics
// exposition.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a WebSocket connection and registers
// the resulting client with the hub.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	upgrader.ReadBufferSize = h.cfg.ReadBufferSize
	upgrader.WriteBufferSize = h.cfg.WriteBufferSize

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
