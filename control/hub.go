package control

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrClientBusy = errors.New("control: client inbox full")

// Hub fans notifications out to attached host clients.
// Broadcast never blocks: a client whose inbox is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  int
	closed  bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{clients: make(map[string]*Client), buffer: buffer}
}

// Client is one attached host context.
type Client struct {
	ID string

	hub  *Hub
	ch   chan Message
	once sync.Once
}

// Attach registers a new client. On a closed hub the client's channel is already closed.
func (h *Hub) Attach() *Client {
	c := &Client{ID: uuid.NewString(), hub: h, ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.once.Do(func() { close(c.ch) })
		return c
	}
	h.clients[c.ID] = c
	return c
}

// Messages is closed when the client detaches or the hub closes.
func (c *Client) Messages() <-chan Message { return c.ch }

func (c *Client) Detach() {
	c.hub.mu.Lock()
	delete(c.hub.clients, c.ID)
	c.hub.mu.Unlock()
	c.once.Do(func() { close(c.ch) })
}

// Broadcast queues m for every attached client and reports how many got it.
// Clients that could not take it are reported as joined ErrClientBusy errors.
func (h *Hub) Broadcast(m Message) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	var errs []error
	for id, c := range h.clients {
		select {
		case c.ch <- m:
			n++
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrClientBusy, id))
		}
	}
	return n, errors.Join(errs...)
}

// Len reports the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.closed = true
	h.mu.Unlock()
	for _, c := range clients {
		c.once.Do(func() { close(c.ch) })
	}
}
