// Package broadcaster fans out domain events to subscribed websocket clients.
// Publishing is best-effort and non-blocking: a slow or dead subscriber is
// dropped, never waited on.
package broadcaster

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event kinds pushed to subscribers.
const (
	EventTaskCreated            = "task_created"
	EventTaskStarted            = "task_started"
	EventTaskProgress           = "task_progress"
	EventTaskCompleted          = "task_completed"
	EventTaskFailed             = "task_failed"
	EventOrchestrationStarted   = "orchestration_started"
	EventOrchestrationCompleted = "orchestration_completed"
	EventOrchestrationFailed    = "orchestration_failed"
	EventStatsUpdated           = "stats_updated"
	EventHeartbeat              = "heartbeat"
)

// Event is one domain notification.
type Event struct {
	Type            string         `json:"type"`
	TaskID          *int64         `json:"task_id,omitempty"`
	OrchestrationID *int64         `json:"orchestration_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
}

// TaskEvent builds an event about one task.
func TaskEvent(kind string, taskID int64, payload map[string]any) Event {
	return Event{Type: kind, TaskID: &taskID, Payload: payload}
}

// OrchestrationEvent builds an event about one orchestration.
func OrchestrationEvent(kind string, orchestrationID int64, payload map[string]any) Event {
	return Event{Type: kind, OrchestrationID: &orchestrationID, Payload: payload}
}

// Sink is the publishing capability handed to executors and orchestrators.
type Sink interface {
	Publish(event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

const clientSendBuffer = 64

// client owns one websocket subscriber. The send channel is never closed;
// dropping a client closes done instead, so concurrent senders can never hit
// a closed channel. writePump is the only reader of both.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	dropOnce sync.Once
	done     chan struct{}
}

// drop signals writePump to stop and closes the connection, which unblocks a
// write stuck on a slow peer. Safe to call from any goroutine, any number of
// times.
func (c *client) drop() {
	c.dropOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Broadcaster is the shared subscriber registry.
type Broadcaster struct {
	heartbeatInterval time.Duration
	logger            *slog.Logger

	mu      sync.Mutex
	clients map[string]*client

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Broadcaster with the given heartbeat interval.
func New(heartbeatInterval time.Duration, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Broadcaster{
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		clients:           make(map[string]*client),
		done:              make(chan struct{}),
	}
}

// Run emits heartbeat frames until Close. Clients use them to detect dead
// sockets.
func (b *Broadcaster) Run() {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Publish(Event{Type: EventHeartbeat})
		}
	}
}

// Close drops all subscribers and stops the heartbeat.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, c := range b.clients {
			c.drop()
			delete(b.clients, id)
		}
	})
}

// Publish sends the event to every subscriber without blocking. A subscriber
// whose buffer is full is removed on the spot.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("broadcaster: failed to marshal event", "type", event.Type, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("broadcaster: dropping slow subscriber", "client_id", id)
			c.drop()
			delete(b.clients, id)
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// HandleConn registers the connection under clientID and blocks serving it
// until the peer disconnects. Incoming `{"type":"ping"}` frames are answered
// with `{"type":"pong"}`.
func (b *Broadcaster) HandleConn(conn *websocket.Conn, clientID string) {
	c := &client{
		id:   clientID,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.clients[clientID]; ok {
		old.drop()
	}
	b.clients[clientID] = c
	b.mu.Unlock()

	b.logger.Info("broadcaster: client connected", "client_id", clientID)

	go c.writePump(b)
	c.readPump(b)
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.clients[c.id]; ok && current == c {
		delete(b.clients, c.id)
	}
	c.drop()
}

// pong answers a ping frame. The membership check under the hub mutex keeps
// replies from racing a concurrent drop of the same client.
func (b *Broadcaster) pong(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.clients[c.id]; !ok || current != c {
		return
	}
	select {
	case c.send <- []byte(`{"type":"pong"}`):
	default:
	}
}

func (c *client) writePump(b *Broadcaster) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug("broadcaster: write failed, dropping client", "client_id", c.id, "error", err)
				b.unregister(c)
				return
			}
		}
	}
}

func (c *client) readPump(b *Broadcaster) {
	defer b.unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			b.pong(c)
		}
	}
}
