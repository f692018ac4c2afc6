package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans dashboard events out to every connected WebSocket client.
//
// Fan-out happens inline under the hub lock: each client owns a buffered
// send queue drained by its own write loop, so the only work done while
// holding the lock is a non-blocking channel send. A client whose queue is
// full is evicted on the spot — a stalled browser tab must never back up
// the engine's event stream.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// Client is one dashboard WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "ws-hub"),
	}
}

// ClientCount reports how many dashboard clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("dashboard client connected", "count", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if present {
		c.closeSend()
		h.logger.Info("dashboard client disconnected", "count", n)
	}
}

// BroadcastEvent serialises evt once and queues it to every client.
func (h *Hub) BroadcastEvent(evt DashboardEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal dashboard event", "error", err)
		return
	}

	var evicted []*Client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			evicted = append(evicted, c)
		}
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	for _, c := range evicted {
		c.closeSend()
		h.logger.Warn("dropped slow dashboard client", "count", remaining)
	}
}

// BroadcastSnapshot wraps a full snapshot as an event and broadcasts it.
func (h *Hub) BroadcastSnapshot(snapshot DashboardSnapshot) {
	h.BroadcastEvent(DashboardEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Data:      snapshot,
	})
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
	clientReadLimit  = 512 * 1024 // dashboard is read-only; anything big is garbage
)

// NewClient registers a connection with the hub and starts its read and
// write loops.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	hub.add(c)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// closeSend closes the send queue exactly once; the write loop sees the
// close and tears the connection down.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// writeLoop drains the send queue onto the wire and keeps the connection
// alive with periodic pings.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes (and discards) inbound frames so pong handling and
// close detection work; the dashboard protocol is strictly server-push.
func (c *Client) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(clientReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("dashboard websocket error", "error", err)
			}
			return
		}
	}
}
