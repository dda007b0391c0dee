// Package websocket streams wallet events to connected members.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/commonfund/internal/fund"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type     string         `json:"type"`
	WalletID string         `json:"wallet_id"`
	Entity   string         `json:"entity"`
	Action   string         `json:"action"`
	ID       string         `json:"id,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func NewMessage(walletID, entity, action, id string, extra map[string]any) Message {
	return Message{
		Type:     entity + "_" + action,
		WalletID: walletID,
		Entity:   entity,
		Action:   action,
		ID:       id,
		Extra:    extra,
	}
}

// Hub tracks live clients and routes each message to the clients
// subscribed to its wallet.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes c and closes its send channel. Repeated calls are no-ops.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish implements fund.Publisher. Membership events also adjust the
// subscriptions of the affected user's connections: joining subscribes
// before the event goes out, suspension unsubscribes after it.
func (h *Hub) Publish(e fund.Event) {
	userID, _ := e.Extra["user_id"].(string)
	joins := (e.Entity == "wallet" && e.Action == "created") ||
		(e.Entity == "member" && (e.Action == "joined" || e.Action == "active"))
	leaves := e.Entity == "member" && e.Action == "suspended"

	if joins && userID != "" {
		h.forUser(userID, func(c *Client) { c.subscribe(e.WalletID) })
	}
	h.Broadcast(NewMessage(e.WalletID, e.Entity, e.Action, e.ID, e.Extra))
	if leaves && userID != "" {
		h.forUser(userID, func(c *Client) { c.unsubscribe(e.WalletID) })
	}
}

func (h *Hub) forUser(userID string, fn func(*Client)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID {
			fn(c)
		}
	}
}

// Broadcast queues msg for every client subscribed to msg.WalletID. Clients
// with a full buffer miss the message.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.subscribed(msg.WalletID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropped message for slow client", "user_id", c.userID, "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
