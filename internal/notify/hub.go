package notify

import (
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 16

// Hub fans events out to per-call subscribers. Delivery is best effort: a
// subscriber that stops draining its channel loses events rather than
// blocking the listener, which is fine because the poll fallback re-reads
// authoritative state anyway.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

// Subscribe registers interest in one call's events. The returned cancel
// function must be called exactly once; it closes the channel.
func (h *Hub) Subscribe(callID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[callID] == nil {
		h.subs[callID] = make(map[chan Event]struct{})
	}
	h.subs[callID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[callID], ch)
			if len(h.subs[callID]) == 0 {
				delete(h.subs, callID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its call without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.CallID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the subscriber count for a call.
func (h *Hub) Subscribers(callID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[callID])
}
