package events

import (
	"context"
	"sync"
)

// Hub fans events out to in-process subscribers of a single session
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a channel of events for sessionID. The channel is
// closed when cancel is called.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 8)
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan Event)
	}
	h.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to the session's subscribers. Slow subscribers
// miss events rather than block the orchestrator.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}
