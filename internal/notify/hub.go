package notify

import (
	"sync"

	"garame-service/pkg/logger"

	"go.uber.org/zap"
)

// Hub delivers events to websocket subscribers, redacting other players' hands per user.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int64]chan Event
	last        map[string]Event
	buffer      int
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]chan Event),
		last:        make(map[string]Event),
		buffer:      16,
	}
}

// Subscribe registers userID on a session. The latest known event, if any, is delivered first.
// A second subscription for the same user replaces the first.
func (h *Hub) Subscribe(sessionID string, userID int64) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[sessionID]
	if !ok {
		subs = make(map[int64]chan Event)
		h.subscribers[sessionID] = subs
	}
	if old, ok := subs[userID]; ok {
		close(old)
	}
	ch := make(chan Event, h.buffer)
	subs[userID] = ch
	if ev, ok := h.last[sessionID]; ok {
		ch <- ev.redactedFor(userID)
	}
	return ch
}

func (h *Hub) Unsubscribe(sessionID string, userID int64, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sessionID]
	if cur, ok := subs[userID]; ok && cur == ch {
		delete(subs, userID)
		close(cur)
	}
	if len(subs) == 0 {
		delete(h.subscribers, sessionID)
	}
}

func (h *Hub) Notify(sessionID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if event.Terminal() {
		delete(h.last, sessionID)
	} else {
		h.last[sessionID] = event
	}
	for uid, ch := range h.subscribers[sessionID] {
		select {
		case ch <- event.redactedFor(uid):
		default:
			logger.Log.Warn("ws subscriber channel full", zap.Int64("userID", uid), zap.String("sessionID", sessionID))
		}
	}
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}
