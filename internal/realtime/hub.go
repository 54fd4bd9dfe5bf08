package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Live message types sent to observers.
const (
	MessageSubscribed   = "subscribed"
	MessageRefresh      = "refresh"
	MessageUnsubscribed = "unsubscribed"
)

// Message is one frame pushed to a live observer.
type Message struct {
	Type   string    `json:"type"`
	Family string    `json:"family,omitempty"`
	At     time.Time `json:"at"`
}

// Client is one registered live observer.
type Client struct {
	id   string
	send chan Message
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// Messages returns the outbound frames. The channel closes on unregister.
func (c *Client) Messages() <-chan Message { return c.send }

// Hub fans refresh signals out to live observers. Slow observers miss frames rather
// than block the cache; a refresh frame carries no data, so a later one covers it.
type Hub struct {
	bufferSize int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub constructs a hub.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
		clients:    make(map[*Client]struct{}),
	}
}

// Register adds a live observer. After Close the returned client's channel is
// already closed.
func (h *Hub) Register() *Client {
	c := &Client{id: uuid.NewString(), send: make(chan Message, h.bufferSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

// Unregister removes the observer and closes its channel.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every observer by closing their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of registered observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Refresh tells every observer that the family changed.
func (h *Hub) Refresh(family string) {
	h.Broadcast(Message{Type: MessageRefresh, Family: family, At: h.now().UTC()})
}

// Broadcast sends msg to every observer without blocking.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("dropping live frame for slow observer", zap.String("client_id", c.id), zap.String("type", msg.Type))
		}
	}
}
