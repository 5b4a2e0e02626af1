package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is the wire envelope for both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one connection's outbound side. Send is drained by the write
// pump; the hub drops messages when the buffer is full rather than block a
// broadcast on one slow client.
type Client struct {
	ConnID string
	Send   chan []byte
}

// Hub groups connections into rooms keyed by session id and fans events out
// to them. It knows nothing about session semantics; the coordinator decides
// who is in which room and what gets broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
	}
}

// Add registers a client with the hub.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	h.clients[client.ConnID] = client
	h.mu.Unlock()
}

// Remove drops a client from the hub and every room it joined, and closes its
// send channel so the write pump exits.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	delete(h.clients, connID)
	for sessionID, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	close(client.Send)
}

// Subscribe adds a connection to a session's room.
func (h *Hub) Subscribe(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[string]*Client)
	}
	h.rooms[sessionID][connID] = client
}

// Unsubscribe removes a connection from a session's room.
func (h *Hub) Unsubscribe(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, sessionID)
	}
}

// CloseRoom empties a room without touching the connections themselves.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	delete(h.rooms, sessionID)
	h.mu.Unlock()
}

// Send delivers an event to a single connection.
func (h *Hub) Send(connID, event string, payload interface{}) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if client, ok := h.clients[connID]; ok {
		deliver(client, data)
	}
}

// Broadcast delivers an event to every member of a session's room.
func (h *Hub) Broadcast(sessionID, event string, payload interface{}) {
	h.broadcast(sessionID, "", event, payload)
}

// BroadcastExcept delivers an event to every room member except one
// connection, typically the sender of the mutation being echoed.
func (h *Hub) BroadcastExcept(sessionID, exceptConnID, event string, payload interface{}) {
	h.broadcast(sessionID, exceptConnID, event, payload)
}

func (h *Hub) broadcast(sessionID, exceptConnID, event string, payload interface{}) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, client := range h.rooms[sessionID] {
		if connID == exceptConnID {
			continue
		}
		deliver(client, data)
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: data})
}

func deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		// Drop message if buffer full
	}
}
