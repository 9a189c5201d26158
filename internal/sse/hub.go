package sse

import (
	"sync"

	"github.com/google/uuid"

	"github.com/replyflow/replyflow-backend/internal/logger"
)

type Event string

const (
	EventSyncProgress        Event = "SyncProgress"
	EventConversationUpdated Event = "ConversationUpdated"
	EventMessageCreated      Event = "MessageCreated"
	EventHandoffCreated      Event = "HandoffCreated"
)

type Message struct {
	Event Event `json:"event"`
	Data  any   `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	OwnerID  uuid.UUID
	Outbound chan Message
	done     chan struct{}
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Hub fans events out to the dashboard clients of each owner. Delivery is
// best-effort: a client that cannot keep up drops events rather than blocking
// the ingestion paths.
type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	clients map[uuid.UUID]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "SSEHub"),
		clients: make(map[uuid.UUID]map[*Client]bool),
	}
}

func (h *Hub) Register(ownerID uuid.UUID) *Client {
	client := &Client{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Outbound: make(chan Message, 32),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[ownerID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[ownerID] = set
	}
	set[client] = true
	h.log.Debug("SSE client registered", "client_id", client.ID, "owner_id", ownerID)
	return client
}

func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[client.OwnerID]; ok {
		if set[client] {
			delete(set, client)
			close(client.done)
		}
		if len(set) == 0 {
			delete(h.clients, client.OwnerID)
		}
	}
	h.log.Debug("SSE client unregistered", "client_id", client.ID)
}

func (h *Hub) Broadcast(ownerID uuid.UUID, event Event, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[ownerID] {
		select {
		case client.Outbound <- Message{Event: event, Data: data}:
		default:
			h.log.Warn("SSE client slow, dropping event", "client_id", client.ID, "event", event)
		}
	}
}
