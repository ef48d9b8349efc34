package push

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub maintains the set of active clients keyed by connection token and
// routes addressed frames to them
type Hub struct {
	// Registered clients by connection token
	clients map[string]*Client

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	// Logger
	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().
				Str("connection_id", client.id).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Info().
					Str("connection_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()
		}
	}
}

// Send delivers the frame to the connection named in its meta. A token
// with no live socket, or a socket too backed up to accept the frame,
// reports ErrStaleRecipient.
func (h *Hub) Send(ctx context.Context, frame Frame) error {
	if frame.Meta.ConnectionID == "" {
		return ErrStaleRecipient
	}

	h.mu.Lock()
	client, ok := h.clients[frame.Meta.ConnectionID]
	if !ok {
		h.mu.Unlock()
		return ErrStaleRecipient
	}

	data, err := frame.Encode(false)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	select {
	case client.send <- data:
		h.mu.Unlock()
		return nil
	default:
		// Client's send buffer is full, close and remove it
		delete(h.clients, client.id)
		close(client.send)
		h.mu.Unlock()
		h.logger.Warn().
			Str("connection_id", client.id).
			Msg("client send buffer full, closing connection")
		return ErrStaleRecipient
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
