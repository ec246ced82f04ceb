// Package realtime pushes order activity to WebSocket clients.
//
// Every client sees the global feed (new orders, status changes) unless it
// opts out, and joins one room per order it tracks to receive that order's
// rider positions and detailed updates:
//
//	{"type":"track_order","orderId":"ord_..."}
//	{"type":"stop_tracking","orderId":"ord_..."}
//	{"type":"subscribe","feed":false,"eventTypes":["status_changed"]}
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/tracking"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a realtime event.
type EventType string

const (
	EventNewOrder          EventType = "new_order"
	EventOrderUpdate       EventType = "order_status_update"
	EventStatusChanged     EventType = "status_changed"
	EventDriverLocation    EventType = "driver_location_update"
	EventPaymentConfirmed  EventType = "payment_confirmed"
	EventDeliveryConfirmed EventType = "delivery_confirmed"
	EventDisputeOpened     EventType = "dispute_opened"
	EventDisputeResolved   EventType = "dispute_resolved"
)

// Event is one message pushed to clients. Events with Global set go to the
// feed; the rest only to clients tracking OrderID.
type Event struct {
	Type      EventType `json:"type"`
	OrderID   string    `json:"orderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Global    bool      `json:"-"`
}

// Client message types.
const (
	msgTrackOrder   = "track_order"
	msgStopTracking = "stop_tracking"
	msgSubscribe    = "subscribe"
)

type clientMessage struct {
	Type       string      `json:"type"`
	OrderID    string      `json:"orderId"`
	Feed       *bool       `json:"feed"`
	EventTypes []EventType `json:"eventTypes"`
}

// maxTrackedOrders caps the rooms one client may join.
const maxTrackedOrders = 100

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.RWMutex
	feed       bool
	eventTypes []EventType
	orders     map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		feed:   true,
		orders: make(map[string]bool),
	}
}

// Track joins the order's room. It reports false once the client is at
// the room limit.
func (c *Client) Track(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orders[orderID] {
		return true
	}
	if len(c.orders) >= maxTrackedOrders {
		return false
	}
	c.orders[orderID] = true
	return true
}

// Untrack leaves the order's room.
func (c *Client) Untrack(orderID string) {
	c.mu.Lock()
	delete(c.orders, orderID)
	c.mu.Unlock()
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients        map[*Client]bool
	broadcast      chan *Event
	register       chan *Client
	unregister     chan *Client
	mu             sync.RWMutex
	logger         *slog.Logger
	done           chan struct{} // closed when Run exits; prevents upgrade race
	maxClients     int
	allowedOrigins map[string]bool

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a new WebSocket hub. Browser connections are accepted from
// the same host and from allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" {
			origins[o] = true
		}
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan *Event, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		logger:         logger.With("component", "realtime"),
		done:           make(chan struct{}),
		maxClients:     MaxClients,
		allowedOrigins: origins,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("dropped slow websocket clients", "count", len(slow))
			}
		}
	}
}

// shouldSend checks if event reaches client: feed events need the feed
// enabled, room events need the order tracked, and an event type filter
// applies to both.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	if len(client.eventTypes) > 0 {
		matched := false
		for _, t := range client.eventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if event.Global {
		return client.feed
	}
	return event.OrderID != "" && client.orders[event.OrderID]
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Publish queues an event for delivery. It never blocks: when the queue is
// full the event is dropped.
func (h *Hub) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type, "order_id", event.OrderID)
	}
}

// PublishLocation sends a rider position to the order's room.
func (h *Hub) PublishLocation(ctx context.Context, s *tracking.Sample) {
	h.Publish(&Event{
		Type:      EventDriverLocation,
		OrderID:   s.OrderID,
		Timestamp: s.Timestamp,
		Data:      s,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedEvents":    h.dropped.Load(),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if h.allowedOrigins[origin] {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// HandleWebSocket upgrades HTTP to WebSocket. ?order_id= tracks an order
// from the start; ?feed=false skips the global feed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn)
	if id := r.URL.Query().Get("order_id"); id != "" {
		client.Track(id)
	}
	if r.URL.Query().Get("feed") == "false" {
		client.feed = false
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// handleMessage applies a client control message.
func (c *Client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Type {
	case msgTrackOrder:
		if msg.OrderID == "" {
			return
		}
		if !c.Track(msg.OrderID) {
			c.reply(map[string]any{"type": "error", "message": "tracking limit reached"})
			return
		}
		c.reply(map[string]any{"type": "tracking", "orderId": msg.OrderID})
	case msgStopTracking:
		c.Untrack(msg.OrderID)
	case msgSubscribe:
		c.mu.Lock()
		if msg.Feed != nil {
			c.feed = *msg.Feed
		}
		c.eventTypes = msg.EventTypes
		c.mu.Unlock()
	}
}

// reply sends a direct response without blocking the read loop.
func (c *Client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	defer func() { _ = recover() }() // send may be closed by the hub
	select {
	case c.send <- data:
	default:
	}
}

// readPump reads control messages and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
