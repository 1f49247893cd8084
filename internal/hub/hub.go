package hub

import (
	"log"
	"sync"
)

type Client struct {
	ID    string
	Send  chan []byte
	Topic string
}

// Hub fans change notifications out to connected clients. Delivery is
// best-effort: a client that cannot keep up loses messages, and recovers by
// reconciling against the store, never by replaying pushes.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// Broadcast delivers payload to every client whose topic matches eventType.
// An empty client topic matches everything.
func (h *Hub) Broadcast(payload []byte, eventType string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Topic != "" && client.Topic != eventType {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}
