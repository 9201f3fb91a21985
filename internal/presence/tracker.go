// ABOUTME: Tracks which users are currently online from server snapshots.
// ABOUTME: Each onlineUsers broadcast replaces the whole set.

package presence

import "sync"

// Tracker holds the current online-user set.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// SetOnlineUsers replaces the set with the server's latest snapshot.
func (t *Tracker) SetOnlineUsers(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
}

// IsOnline reports whether the given user is in the current snapshot.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the current online-user IDs, in no particular order.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}
