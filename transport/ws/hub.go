// Package ws holds the real-time invalidation channels.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/telemetry"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Hub tracks connected channels and fans signals out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *telemetry.Metrics
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity string
	send     chan []byte
	once     sync.Once
	done     chan struct{}
}

// NewHub creates an empty hub. checkOrigin may be nil to allow any origin.
func NewHub(checkOrigin func(r *http.Request) bool, log zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:     log.With().Str("component", "hub").Logger(),
		metrics: metrics,
	}
}

// Serve upgrades the request and registers the channel for identity. The
// caller must have authenticated identity already.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identity string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:      h,
		conn:     conn,
		identity: strings.ToLower(identity),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast queues signal on every channel. Channels whose queue is full are dropped.
func (h *Hub) Broadcast(_ context.Context, signal core.Signal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Debug().Str("address", c.identity).Msg("dropping slow channel")
		c.close()
	}
	return nil
}

// DisconnectIdentity closes every channel opened by address
func (h *Hub) DisconnectIdentity(address string) int {
	address = strings.ToLower(strings.TrimSpace(address))

	h.mu.RLock()
	var matched []*client
	for c := range h.clients {
		if c.identity == address {
			matched = append(matched, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range matched {
		c.close()
	}
	return len(matched)
}

// Count returns the number of open channels.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every channel.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ChannelsOpen.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.ChannelsOpen.Dec()
	}
}

// close unregisters the channel; writePump then sends a close frame and
// releases the connection.
func (c *client) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

// readPump discards client frames; it only services pongs and detects closure.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
