// Package uiqueue implements the bounded, best-effort fan-out queue that
// feeds HoneyGrid's live dashboard (spec §4.6 step 5b): a drop-when-full
// buffer consumed by a WebSocket hub, with an optional Redis publish for
// multi-instance deployments where dashboard clients may connect to a
// different collector process than the one that ingested the event.
package uiqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/honeygrid/honeygrid/internal/notify"
)

// RedisPublisher is the minimal seam onto github.com/redis/go-redis/v9's
// client, kept narrow so this package doesn't hard-depend on a live Redis
// connection being constructible in tests.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Queue is a bounded channel of events feeding the WebSocket hub. Pushes
// never block: a full queue drops the UI copy silently since persistence
// has already succeeded by the time anything reaches here.
type Queue struct {
	ch     chan notify.Event
	hub    *Hub
	redis  RedisPublisher
	prefix string
	logger *slog.Logger
}

// NewQueue builds a Queue with the given channel capacity, feeding hub.
// redis may be nil to disable cross-instance fan-out.
func NewQueue(capacity int, hub *Hub, redis RedisPublisher, redisChannel string) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if redisChannel == "" {
		redisChannel = "honeygrid:events"
	}
	q := &Queue{
		ch:     make(chan notify.Event, capacity),
		hub:    hub,
		redis:  redis,
		prefix: redisChannel,
		logger: slog.Default().With("component", "uiqueue"),
	}
	return q
}

// TryPush attempts a non-blocking enqueue, satisfying ingest.UIQueue.
func (q *Queue) TryPush(e notify.Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// Run drains the queue, broadcasting each event to the WebSocket hub and,
// if configured, publishing it to Redis for other collector instances.
// Blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			q.hub.Broadcast(e)
			if q.redis != nil {
				q.publishRedis(ctx, e)
			}
		}
	}
}

func (q *Queue) publishRedis(ctx context.Context, e notify.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		q.logger.Warn("marshal event for redis publish failed", "error", err)
		return
	}
	if err := q.redis.Publish(ctx, q.prefix, payload); err != nil {
		q.logger.Warn("redis publish failed", "error", err)
	}
}

// Hub manages WebSocket client registration and broadcast over a
// mutex-guarded client set, for live-update fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  slog.Default().With("component", "uiqueue.hub"),
	}
}

// Register adds a connected dashboard client.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

// Unregister removes a client, closing its connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast pushes e as JSON to every connected client, dropping and
// unregistering any client whose write fails.
func (h *Hub) Broadcast(e notify.Event) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.WriteJSON(e); err != nil {
			h.logger.Warn("ui client write failed, dropping", "error", err)
			h.Unregister(conn)
		}
	}
}
