// Package fanout pushes status events to WebSocket subscribers in real time.
//
// Clients subscribe to conversation or user keys and receive every status
// event matching a subscription. Delivery here is ephemeral: a slow client's
// events are dropped rather than blocking the broadcaster, and anything a
// client misses is recoverable from the delivery record query surface.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chat4all/chat4all/internal/broker"
	"github.com/chat4all/chat4all/internal/model"
)

// Subscription key forms. A client may hold any mix of both.
func ConversationKey(id string) string { return "conv:" + id }
func UserKey(id string) string         { return "user:" + id }

// Hub tracks WebSocket clients by subscription key and fans status events out
// to them.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*client]struct{}
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Run consumes the status subject space and broadcasts every event until the
// returned stop function is called.
func (h *Hub) Run(sub broker.StatusSubscriber) (func(), error) {
	ch, cancel, err := sub.Subscribe(broker.StatusWildcard)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range ch {
			var ev model.StatusEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				slog.Warn("fanout: dropping malformed status event", "error", err)
				continue
			}
			h.Broadcast(&ev)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// Broadcast delivers a status event to every client subscribed to its
// conversation or sender. Slow clients are skipped.
func (h *Hub) Broadcast(ev *model.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("fanout: marshaling status event", "error", err)
		return
	}

	keys := []string{ConversationKey(ev.ConversationID)}
	if ev.SenderID != "" {
		keys = append(keys, UserKey(ev.SenderID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// A client subscribed to both keys gets one copy.
	seen := make(map[*client]struct{})
	for _, key := range keys {
		for c := range h.subs[key] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- payload:
			default:
				// Drop if client is slow; the query surface is the
				// catch-up path.
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) subscribe(c *client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[key] = set
	}
	set[c] = struct{}{}
	c.keys[key] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeKeyLocked(c, key)
}

// drop removes a client from every subscription set.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range c.keys {
		h.removeKeyLocked(c, key)
	}
	delete(h.clients, c)
}

func (h *Hub) removeKeyLocked(c *client, key string) {
	if set, ok := h.subs[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	delete(c.keys, key)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client. Used during shutdown. Clients leave the
// subscription sets before their send channels close, so a concurrent
// Broadcast can no longer reach them.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	for _, c := range clients {
		for key := range c.keys {
			h.removeKeyLocked(c, key)
		}
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
