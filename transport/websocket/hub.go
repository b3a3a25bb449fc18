// Package websocket implements the bidirectional ingestion endpoint:
// authenticated clients push notifications over a persistent connection
// and receive the accepted stream, filtered by tags.
package websocket

import (
	"sync"

	"github.com/kart-io/ingesthub/core/notification"
	"github.com/kart-io/ingesthub/logger"
)

// Hub tracks live connections and fans accepted notifications out to
// subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  logger.Logger

	// OnConnect and OnDisconnect, when set, fire once per connection
	// lifecycle. Set them before the gateway starts accepting upgrades.
	OnConnect    func()
	OnDisconnect func()
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  log,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect()
	}
	h.logger.Info("websocket client connected", "id", c.id, "ip", c.ip, "total", h.Count())
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
		h.logger.Info("websocket client disconnected", "id", c.id, "total", h.Count())
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an accepted notification to every subscriber whose
// tag filter matches. A slow subscriber drops the message rather than
// blocking the rest.
func (h *Hub) Broadcast(n *notification.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.wants(n) {
			continue
		}
		select {
		case c.send <- n.Clone():
		default:
			h.logger.Warn("websocket subscriber too slow, dropping broadcast", "id", c.id, "notification", n.ID)
		}
	}
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}
}
