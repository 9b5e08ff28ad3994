package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig configures the event stream hub
type WebSocketConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultWebSocketConfig returns default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 256,
	}
}

// Hub streams bus events to connected WebSocket clients. It is both an
// Observer (subscribe it to the Bus) and an http.Handler.
type Hub struct {
	logger   *zap.Logger
	config   WebSocketConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id    uuid.UUID
	conn  *websocket.Conn
	send  chan []byte
	types map[Type]struct{}
}

// NewHub creates a hub. Origin checks are left to the fronting proxy.
func NewHub(logger *zap.Logger, config WebSocketConfig) *Hub {
	return &Hub{
		logger: logger,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*wsClient),
	}
}

// Notify implements Observer. Slow clients drop messages rather than block the bus.
func (h *Hub) Notify(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event for websocket", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.types != nil {
			if _, ok := c.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("WebSocket client buffer full, event dropped",
				zap.String("client_id", c.id.String()),
				zap.String("event_type", string(event.Type)))
		}
	}
}

// ServeHTTP upgrades the connection. An optional ?types=a,b query restricts
// the stream to those event types.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, h.config.SendBufferSize),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		client.types = make(map[Type]struct{})
		for _, t := range strings.Split(raw, ",") {
			client.types[Type(strings.TrimSpace(t))] = struct{}{}
		}
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Debug("WebSocket client connected", zap.String("client_id", client.id.String()))

	go h.writePump(client)
	h.readPump(client)
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump only services control frames; clients never send data.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
