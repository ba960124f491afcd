// Package http provides WebSocket hub for real-time event broadcasting.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Size of the send buffer for each client.
	sendBufferSize = 256
)

// Event types that can be broadcasted to WebSocket clients.
const (
	EventTypeSnapshot    = "training.snapshot"
	EventTypeRunStarted  = "training.run.started"
	EventTypeRunFinished = "training.run.finished"
)

// WSMessage represents a WebSocket message sent to clients.
type WSMessage struct {
	Type      string          `json:"type"`
	Surface   string          `json:"surface,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscriptionMessage represents a subscription request from a client.
// Empty lists leave the corresponding filter untouched.
type SubscriptionMessage struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	EventTypes []string `json:"event_types"`
	Surfaces   []string `json:"surfaces"`
}

// RunFinishedMessage is the payload of a training.run.finished message.
type RunFinishedMessage struct {
	RunID      string            `json:"run_id"`
	Outcome    scheduler.Outcome `json:"outcome"`
	DurationMs int64             `json:"duration_ms"`
	Percent    int               `json:"percent"`
	Error      *string           `json:"error,omitempty"`
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// writeMu serializes writes; both pumps write to conn.
	writeMu sync.Mutex

	// Buffered channel of outbound messages.
	send chan []byte

	// Event type and surface filters. An empty filter matches everything.
	mu         sync.RWMutex
	eventTypes map[string]bool
	surfaces   map[string]bool

	logger *zap.Logger
}

// outbound is a message waiting for the hub loop. Data is encoded there.
type outbound struct {
	eventType string
	surface   string
	data      any
	at        time.Time
}

// Hub maintains the set of active clients and broadcasts messages to them.
// Queued messages are never dropped. A snapshot still waiting in the queue
// is replaced by a newer one for the same surface until it is terminal or a
// lifecycle message for that surface is queued behind it.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	queueMu sync.Mutex
	queue   []outbound
	latest  map[string]int
	wake    chan struct{}

	register   chan *Client
	unregister chan *Client

	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new Hub instance.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string]int),
		wake:       make(chan struct{}, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled or
// Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.Int("total_clients", total))

		case <-h.wake:
			for _, msg := range h.drain() {
				h.deliver(msg)
			}

		case <-ctx.Done():
			h.Shutdown()
			h.closeAll()
			return

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// deliver encodes msg once and queues it for every matching client.
func (h *Hub) deliver(out outbound) {
	raw, err := json.Marshal(out.data)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event_type", out.eventType), zap.Error(err))
		return
	}
	msg := WSMessage{Type: out.eventType, Surface: out.surface, Data: raw, Timestamp: out.at}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message for broadcasting",
			zap.String("event_type", msg.Type),
			zap.Error(err),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(msg.Type, msg.Surface) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop the connection rather than stall the hub.
			go func(c *Client) {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
			}(client)
		}
	}
}

// Broadcast queues a message for all interested clients without blocking.
// Data is encoded on the hub goroutine and must not be mutated afterwards.
func (h *Hub) Broadcast(eventType, surface string, data any) {
	h.queueMu.Lock()
	if h.stopped() {
		h.queueMu.Unlock()
		return
	}
	h.queue = append(h.queue, outbound{eventType: eventType, surface: surface, data: data, at: time.Now().UTC()})
	delete(h.latest, surface)
	h.queueMu.Unlock()
	h.notify()
}

// PublishSnapshot queues a snapshot, replacing one for the same surface that
// has not been delivered yet. Terminal snapshots are never replaced.
func (h *Hub) PublishSnapshot(snap progress.Snapshot) {
	out := outbound{eventType: EventTypeSnapshot, surface: snap.Surface, data: snap, at: time.Now().UTC()}

	h.queueMu.Lock()
	if h.stopped() {
		h.queueMu.Unlock()
		return
	}
	i, ok := h.latest[snap.Surface]
	if ok {
		h.queue[i] = out
	} else {
		i = len(h.queue)
		h.queue = append(h.queue, out)
	}
	if snap.State.IsTerminal() {
		delete(h.latest, snap.Surface)
	} else {
		h.latest[snap.Surface] = i
	}
	h.queueMu.Unlock()
	h.notify()
}

// Pending returns the number of messages waiting for the hub loop.
func (h *Hub) Pending() int {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	return len(h.queue)
}

func (h *Hub) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued message in order.
func (h *Hub) drain() []outbound {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	out := h.queue
	h.queue = nil
	clear(h.latest)
	return out
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown gracefully shuts down the hub.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

// closeAll closes all client connections and discards queued messages.
func (h *Hub) closeAll() {
	h.queueMu.Lock()
	h.queue = nil
	clear(h.latest)
	h.queueMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]struct{})
}

// Observer returns a run observer that streams every snapshot and
// lifecycle change of the sessions to the connected clients.
func (h *Hub) Observer() scheduler.RunObserver {
	return scheduler.ObserverFuncs{
		Started: func(_ context.Context, run scheduler.RunInfo) {
			h.Broadcast(EventTypeRunStarted, run.Surface, map[string]any{
				"run_id":  run.ID,
				"trigger": run.Trigger,
				"request": run.Request,
			})
		},
		Snapshot: h.PublishSnapshot,
		Finished: func(_ context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) {
			h.Broadcast(EventTypeRunFinished, run.Surface, RunFinishedMessage{
				RunID:      run.ID.String(),
				Outcome:    outcome,
				DurationMs: time.Since(run.StartedAt).Milliseconds(),
				Percent:    final.Percent,
				Error:      final.State.ErrorMessage,
			})
		},
	}
}

// wants reports whether the client's filters match a message.
func (c *Client) wants(eventType, surface string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.eventTypes) > 0 && !c.eventTypes[eventType] {
		return false
	}
	if surface != "" && len(c.surfaces) > 0 && !c.surfaces[surface] {
		return false
	}
	return true
}

// subscribe narrows the client's filters to the given values.
func (c *Client) subscribe(msg SubscriptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range msg.EventTypes {
		c.eventTypes[t] = true
	}
	for _, s := range msg.Surfaces {
		c.surfaces[s] = true
	}

	c.logger.Debug("Client subscribed",
		zap.Strings("event_types", msg.EventTypes),
		zap.Strings("surfaces", msg.Surfaces),
	)
}

// unsubscribe removes values from the client's filters.
func (c *Client) unsubscribe(msg SubscriptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range msg.EventTypes {
		delete(c.eventTypes, t)
	}
	for _, s := range msg.Surfaces {
		delete(c.surfaces, s)
	}

	c.logger.Debug("Client unsubscribed",
		zap.Strings("event_types", msg.EventTypes),
		zap.Strings("surfaces", msg.Surfaces),
	)
}

// handleText processes one inbound text frame. It returns the reply to
// send, if any.
func (c *Client) handleText(message []byte) []byte {
	if string(message) == "ping" {
		return []byte("pong")
	}

	var sub SubscriptionMessage
	if err := json.Unmarshal(message, &sub); err != nil {
		c.logger.Debug("Ignoring non-JSON message", zap.ByteString("message", message))
		return nil
	}

	switch sub.Action {
	case "subscribe":
		c.subscribe(sub)
	case "unsubscribe":
		c.unsubscribe(sub)
	default:
		c.logger.Debug("Unknown subscription action", zap.String("action", sub.Action))
	}
	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if reply := c.handleText(message); reply != nil {
			if err := c.write(websocket.TextMessage, reply); err != nil {
				c.logger.Debug("Failed to send pong response", zap.Error(err))
			}
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
// Each hub message is written as its own frame so clients can decode
// frames independently.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the client. Repeated
// surface query parameters preset the surface filter. The initial
// messages matching the filter are queued ahead of any broadcast.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, logger *zap.Logger, initial ...WSMessage) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		eventTypes: make(map[string]bool),
		surfaces:   make(map[string]bool),
		logger:     logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	for _, s := range r.URL.Query()["surface"] {
		client.surfaces[s] = true
	}

	for _, msg := range initial {
		if !client.wants(msg.Type, msg.Surface) {
			continue
		}
		if payload, err := json.Marshal(msg); err == nil && len(client.send) < sendBufferSize {
			client.send <- payload
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// snapshotMessage wraps a snapshot for direct delivery.
func snapshotMessage(snap progress.Snapshot) (WSMessage, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{
		Type:      EventTypeSnapshot,
		Surface:   snap.Surface,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
