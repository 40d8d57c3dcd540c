package notify

import (
	"log/slog"
	"sync"

	"callbridge/internal/metrics"
	"callbridge/pkg/logger"

	"github.com/google/uuid"
)

const defaultBuffer = 16

// Subscription is one open realtime connection. ID is the connection handle
// stored in the presence registry.
type Subscription struct {
	ID               string
	RepresentativeID string
	AccountID        string
	Events           <-chan Event

	ch chan Event
}

// Hub fans events out to subscriptions.
//
// Rules:
// - Send and Broadcast never block: a slow connection loses events instead
//   of stalling the webhook that produced them.
// - Unsubscribe closes the channel exactly once.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	log    *slog.Logger
}

func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer, log: logger.OrDefault(log)}
}

func (h *Hub) Subscribe(representativeID, accountID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{ID: uuid.NewString(), RepresentativeID: representativeID, AccountID: accountID, Events: ch, ch: ch}

	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()
	return s
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.ch)
	}
	h.mu.Unlock()
	if ok {
		metrics.RealtimeConnections.Dec()
	}
}

// Send delivers ev to one connection. It reports false when the connection
// is gone or its buffer is full.
func (h *Hub) Send(connectionID string, ev Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subs[connectionID]
	if !ok {
		return false
	}
	return h.offer(s, ev)
}

// Broadcast delivers ev to every connection and returns how many took it.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if h.offer(s, ev) {
			n++
		}
	}
	return n
}

// BroadcastAccount delivers ev to every connection of one account.
func (h *Hub) BroadcastAccount(accountID string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if s.AccountID == accountID && h.offer(s, ev) {
			n++
		}
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// offer must run under h.mu (read) so the channel cannot be closed meanwhile.
func (h *Hub) offer(s *Subscription, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		h.log.Warn("realtime event dropped", "connection_id", s.ID, "representative_id", s.RepresentativeID, "type", ev.Type)
		return false
	}
}
