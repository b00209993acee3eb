package broadcast

import (
	"sync"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

// History retains the most recent notifications per user so the polling
// fallback can serve the same events the live channel delivered. Older
// entries are evicted, never persisted.
type History struct {
	mu     sync.Mutex
	cap    int
	byUser map[string][]wire.Notification
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 50
	}
	return &History{
		cap:    capacity,
		byUser: make(map[string][]wire.Notification),
	}
}

func (h *History) Append(userID string, n wire.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	events := append(h.byUser[userID], n)
	if len(events) > h.cap {
		events = events[len(events)-h.cap:]
	}
	h.byUser[userID] = events
}

// Recent returns a copy of the user's buffer, oldest first.
func (h *History) Recent(userID string) []wire.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	events := h.byUser[userID]
	out := make([]wire.Notification, len(events))
	copy(out, events)
	return out
}

// Forget drops a user's buffer. Called when the user goes fully offline
// and their session history is no longer needed.
func (h *History) Forget(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byUser, userID)
}
