package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nugget/homesim/internal/events"
)

// Message types pushed to live clients.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

// Message is the JSON envelope sent to live clients.
type Message struct {
	Type     string        `json:"type"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Event    *events.Event `json:"event,omitempty"`
}

// Client is one live subscriber. Encoded messages arrive on Send,
// which is closed when the hub drops the client.
type Client struct {
	send chan []byte
	once sync.Once
}

// Send returns the channel of encoded messages.
func (c *Client) Send() <-chan []byte {
	return c.send
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans messages out to live clients. A client whose buffer is full
// when a message arrives is disconnected rather than allowed to stall
// the others.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client with the given send buffer.
func (h *Hub) Register(buf int) *Client {
	if buf < 1 {
		buf = 1
	}
	c := &Client{send: make(chan []byte, buf)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister removes c and closes its channel. It is safe to call more
// than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes m once and offers it to every client.
func (h *Hub) Broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("encode live message failed", "type", m.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
			h.logger.Warn("dropping slow live client", "clients", len(h.clients))
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
