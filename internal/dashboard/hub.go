// Package dashboard runs the WebSocket/HTTP surface for browser clients.
//
// The hub fans named events out to subscribers. Each subscriber owns a
// bounded outbound queue (drop-oldest on overflow — a live dashboard wants
// the newest state, and the producer must never block). Subscribers can also
// issue RPCs (get_settings, update_settings, manual_trade) that are answered
// with ack messages carrying the request's ack_id.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradebridge/internal/metrics"
	"tradebridge/internal/settings"
	"tradebridge/internal/trade"
	"tradebridge/pkg/types"
)

// RPC is the surface the supervisor exposes to dashboard clients.
type RPC interface {
	GetSettings() types.Settings
	UpdateSettings(patch settings.Patch) (types.Settings, error)
	ManualTrade(req trade.EntryRequest) (string, error)
}

// wsMessage is the wire shape in both directions: a named event plus
// payload, with ack_id set on RPC requests and their replies.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
	Ts    time.Time       `json:"ts,omitempty"`
}

// Hub manages subscribers and broadcasts events to them.
type Hub struct {
	clients    map[*Subscriber]bool
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan types.Event
	done       chan struct{}

	queueCap int
	rpc      RPC
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	dropped atomic.Int64
}

// NewHub creates a hub. rpc handles subscriber requests; metrics may be nil.
func NewHub(queueCap int, rpc RPC, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Subscriber]bool),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan types.Event, 256),
		done:       make(chan struct{}),
		queueCap:   queueCap,
		rpc:        rpc,
		metrics:    m,
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop (call in a goroutine).
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.gaugeSubscribers(n)
			h.logger.Info("subscriber connected", "count", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeQueue()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.gaugeSubscribers(n)
			h.logger.Info("subscriber disconnected", "count", n)

		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

// Broadcast queues an event for fan-out. Never blocks the caller.
func (h *Hub) Broadcast(evt types.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "channel", evt.Channel)
		h.countDrop()
	}
}

// deliver fans one event out to every subscribed client. A full subscriber
// queue loses its oldest entry, keeping per-channel order intact for what
// remains.
func (h *Hub) deliver(evt types.Event) {
	data, err := encodeEvent(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "channel", evt.Channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribedTo(evt.Channel) {
			continue
		}
		client.enqueue(data, h)
	}
}

func encodeEvent(evt types.Event) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsMessage{Event: evt.Channel, Data: payload, Ts: evt.Timestamp})
}

// SubscriberCount reports connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedEvents reports the total events dropped across all subscribers.
func (h *Hub) DroppedEvents() int64 {
	return h.dropped.Load()
}

// Shutdown notifies every subscriber, drains their queues up to the given
// budget, then stops the hub loop and closes connections.
func (h *Hub) Shutdown(drainBudget time.Duration) {
	h.Broadcast(types.NewEvent(types.ChannelConnectionStatus, map[string]string{"status": "shutdown"}))

	deadline := time.Now().Add(drainBudget)
	for time.Now().Before(deadline) {
		if h.queuesEmpty() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeQueue()
		delete(h.clients, client)
	}
}

func (h *Hub) queuesEmpty() bool {
	if len(h.broadcast) > 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if len(client.send) > 0 {
			return false
		}
	}
	return true
}

func (h *Hub) countDrop() {
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.DroppedEvents.Inc()
	}
}

func (h *Hub) gaugeSubscribers(n int) {
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Subscriber
// ————————————————————————————————————————————————————————————————————————

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxRPCSize = 64 * 1024
)

// Subscriber is one connected dashboard session.
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	qmu    sync.Mutex // guards send's lifecycle
	closed bool

	mu       sync.RWMutex
	channels map[string]bool // empty = all channels

	Dropped atomic.Int64
}

// NewSubscriber registers a connection with the hub and starts its pumps.
// A connection arriving after Shutdown is turned away without a panic.
func NewSubscriber(hub *Hub, conn *websocket.Conn) *Subscriber {
	s := &Subscriber{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, hub.queueCap),
		channels: make(map[string]bool),
	}
	select {
	case hub.register <- s:
	case <-hub.done:
		s.closeQueue()
		conn.Close()
		return s
	}

	go s.writePump()
	go s.readPump()
	return s
}

func (s *Subscriber) subscribedTo(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.channels) == 0 {
		return true
	}
	return s.channels[channel]
}

// enqueue is a non-blocking send with drop-oldest overflow: when the queue
// is full, the oldest entry is evicted so the newest always lands. After
// closeQueue it is a no-op — an RPC ack or the initial current_settings can
// race a disconnect, and a late message must not panic the process.
func (s *Subscriber) enqueue(data []byte, h *Hub) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
		return
	default:
	}
	select {
	case <-s.send:
		s.Dropped.Add(1)
		h.countDrop()
	default:
	}
	select {
	case s.send <- data:
	default:
		// Queue refilled under us; count the new message as the casualty.
		s.Dropped.Add(1)
		h.countDrop()
	}
}

// closeQueue closes the send channel exactly once.
func (s *Subscriber) closeQueue() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// detach hands the subscriber back to the hub loop, or closes the queue
// directly when the loop has already exited after Shutdown.
func (s *Subscriber) detach() {
	select {
	case s.hub.unregister <- s:
	case <-s.hub.done:
		s.closeQueue()
	}
}

// writePump pumps queued messages to the websocket connection.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound subscriber messages: channel subscriptions and
// RPCs with acks.
func (s *Subscriber) readPump() {
	defer func() {
		s.detach()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxRPCSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.logger.Debug("malformed subscriber message", "error", err)
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Subscriber) handleMessage(msg wsMessage) {
	switch msg.Event {
	case "subscribe":
		var req struct {
			Channels []string `json:"channels"`
		}
		if err := json.Unmarshal(msg.Data, &req); err == nil {
			s.mu.Lock()
			s.channels = make(map[string]bool, len(req.Channels))
			for _, ch := range req.Channels {
				s.channels[ch] = true
			}
			s.mu.Unlock()
		}

	case "get_settings":
		s.ack(msg.AckID, map[string]interface{}{
			"success":  true,
			"settings": s.hub.rpc.GetSettings(),
		})

	case "update_settings":
		var patch settings.Patch
		if err := json.Unmarshal(msg.Data, &patch); err != nil {
			s.ack(msg.AckID, map[string]interface{}{"success": false, "reason": err.Error()})
			return
		}
		effective, err := s.hub.rpc.UpdateSettings(patch)
		if err != nil {
			s.ack(msg.AckID, map[string]interface{}{"success": false, "reason": err.Error()})
			return
		}
		s.ack(msg.AckID, map[string]interface{}{"success": true, "effective": effective})

	case "manual_trade":
		var req trade.EntryRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.ack(msg.AckID, map[string]interface{}{"success": false, "reason": err.Error()})
			return
		}
		req.Source = types.SourceManual
		id, err := s.hub.rpc.ManualTrade(req)
		if err != nil {
			s.ack(msg.AckID, map[string]interface{}{"success": false, "reason": err.Error()})
			return
		}
		s.ack(msg.AckID, map[string]interface{}{"success": true, "trade_id": id})

	default:
		s.hub.logger.Debug("unknown subscriber event", "event", msg.Event)
	}
}

// ack replies to an RPC on this subscriber's own queue, which keeps the
// reply ordered after any events already queued.
func (s *Subscriber) ack(ackID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	out, err := json.Marshal(wsMessage{Event: "ack", AckID: ackID, Data: data, Ts: time.Now()})
	if err != nil {
		return
	}
	s.enqueue(out, s.hub)
}
