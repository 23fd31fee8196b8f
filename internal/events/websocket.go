package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	clientQueueSize   = 64
)

// heartbeat is sent on idle connections so proxies keep them open.
type heartbeat struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WebSocketHub streams bus events to connected dashboards as JSON envelopes.
// It is both a Subscriber and an http.Handler.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewWebSocketHub creates a hub. allowedOrigins restricts the Origin header;
// an empty list accepts any origin.
func NewWebSocketHub(allowedOrigins []string, logger *zap.Logger) *WebSocketHub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowed) == 0 || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger:  logging.OrNop(logger).Named("websocket"),
		clients: make(map[string]*wsClient),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		id:     "ws-" + uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, clientQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
	h.logger.Debug("websocket connection established", zap.String("client", c.id))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleEvent queues the encoded event for every client. Slow clients whose
// queue is full miss the event.
func (h *WebSocketHub) HandleEvent(ctx context.Context, e Event) {
	data, err := Encode(e)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("kind", string(e.Kind())), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			metrics.EventsDropped.WithLabelValues(string(e.Kind())).Inc()
		}
	}
}

// Close disconnects every client.
func (h *WebSocketHub) Close() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}
}

// readLoop discards client messages and returns when the connection closes.
func (h *WebSocketHub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteJSON(heartbeat{Kind: "heartbeat", OccurredAt: time.Now().UTC()})
			c.mu.Unlock()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (h *WebSocketHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
	if ok {
		metrics.WebSocketConnections.Dec()
		h.logger.Debug("websocket connection closed", zap.String("client", c.id))
	}
}
