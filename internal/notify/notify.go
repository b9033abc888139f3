// Package notify fans status events out to any number of listeners. Delivery
// is best effort: a listener that is not keeping up misses events.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one broadcast.
type Event struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub distributes events to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "notify"),
	}
}

// Publish sends an event to every subscriber without blocking.
func (h *Hub) Publish(kind, message string, data any) {
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Message: message,
		Data:    data,
		Time:    time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber", "subscriber", id, "kind", kind)
		}
	}
}

// Subscribe registers a listener with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
