// ABOUTME: Per-conversation throttle for markMessagesAsRead emissions.
// ABOUTME: One token per window per conversation via golang.org/x/time/rate.

package receipt

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the minimum interval between read-receipt emissions for
// one conversation.
const DefaultWindow = 3 * time.Second

// Throttler admits at most one mark-read emission per window per
// conversation. Calls inside the window are no-ops.
type Throttler struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// NewThrottler creates a throttler. A non-positive window falls back to
// DefaultWindow.
func NewThrottler(window time.Duration) *Throttler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttler{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a mark-read for the conversation may be emitted now.
// The first call for a conversation always passes; subsequent calls pass
// once per window.
func (t *Throttler) Allow(conversationID string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[conversationID] = lim
	}
	t.mu.Unlock()

	return lim.Allow()
}

// Reset forgets the limiter for one conversation, so the next Allow passes
// immediately. Called when the conversation is closed.
func (t *Throttler) Reset(conversationID string) {
	t.mu.Lock()
	delete(t.limiters, conversationID)
	t.mu.Unlock()
}
