// Package server exposes the HTTP surface and the realtime socket layer:
// the gin router, the websocket hub, and the event router that binds socket
// frames to directory and registry operations.
package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Messages cap at 2000 runes, so 16KiB leaves generous envelope headroom.
	maxFrameBytes = 16 * 1024

	sendQueueDepth = 256
)

// Client is one live socket. Writes go through the buffered send queue so a
// slow reader never blocks a broadcast; the write pump owns the connection
// for outbound traffic.
type Client struct {
	ID       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
	teardown func()
}

// NewClient wraps an upgraded connection. The caller sets a teardown with
// OnClose, starts WritePump, then drives ReadPump on its own goroutine.
func NewClient(connectionID string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   connectionID,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
	}
}

// OnClose registers the session cleanup to run exactly once when the client
// goes away, whether the exit was clean, errored, or forced by the hub.
func (c *Client) OnClose(teardown func()) {
	c.teardown = teardown
}

// ReadPump reads frames until the peer goes away, handing each one to handle.
func (c *Client) ReadPump(handle func(frame []byte)) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(frame)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		if c.teardown != nil {
			c.teardown()
		}
		c.hub.Remove(c.ID)
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub indexes live clients by connection id and performs frame delivery.
// It knows nothing about rooms or users; the event router computes the
// recipient sets and the hub just moves bytes.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add registers a client for delivery.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Remove forgets a connection id. Safe to call more than once.
func (h *Hub) Remove(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connectionID)
}

// SendTo queues a frame for one connection. Unknown ids are dropped silently;
// a disconnect can race any broadcast and that is fine.
func (h *Hub) SendTo(connectionID string, frame []byte) {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(client, frame)
}

// SendToMany queues a frame for each listed connection.
func (h *Hub) SendToMany(connectionIDs []string, frame []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(connectionIDs))
	for _, connectionID := range connectionIDs {
		if client, ok := h.clients[connectionID]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range targets {
		h.deliver(client, frame)
	}
}

// BroadcastAll queues a frame for every live connection.
func (h *Hub) BroadcastAll(frame []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	for _, client := range targets {
		h.deliver(client, frame)
	}
}

// Online reports the number of live connections the hub tracks.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		// Queue full means the reader is gone or hopeless; cut it loose.
		h.logger.Warn("dropping slow client", zap.String("connection_id", client.ID))
		go client.close()
	}
}
