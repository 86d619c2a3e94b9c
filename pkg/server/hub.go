package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/valandreev/sitecache/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBuffer = 32
)

// Hub keeps the connected control-channel clients and fans broadcasts out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends m to every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(m core.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		serverLog.Error().Err(err).Str("type", m.Type).Msg("encode broadcast")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			serverLog.Warn().Str("client", c.id).Msg("dropping slow control client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// deliver queues data for one client. send is only closed under the write
// lock, so holding the read lock makes the send safe.
func (h *Hub) deliver(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Client is one page connected over the control websocket.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	ctrl   Controller
	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(ctx context.Context, hub *Hub, ctrl Controller, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		ctrl:   ctrl,
		ctx:    ctx,
		cancel: cancel,
	}
}

// readPump handles requests from the page until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				serverLog.Warn().Err(err).Str("client", c.id).Msg("control connection error")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	msg, err := core.DecodeMessage(data)
	if err != nil {
		c.reply(&core.Message{Type: core.MsgError, Payload: errorPayload(err)})
		return
	}
	reply, err := c.ctrl.HandleMessage(c.ctx, msg)
	if err != nil {
		c.reply(&core.Message{Type: core.MsgError, ID: msg.ID, Payload: errorPayload(err)})
		return
	}
	if reply != nil {
		c.reply(reply)
	}
}

func (c *Client) reply(m *core.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !c.hub.deliver(c, data) {
		serverLog.Warn().Str("client", c.id).Str("type", m.Type).Msg("reply dropped")
	}
}

// writePump delivers replies and broadcasts and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func errorPayload(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}
