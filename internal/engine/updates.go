// ABOUTME: In-memory fan-out of coarse state-change notifications to view subscribers.
// ABOUTME: Non-blocking publish; slow subscribers miss nudges, never block the event path.

package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// UpdateKind says which slice of engine state changed.
type UpdateKind string

const (
	UpdateMessages   UpdateKind = "messages"
	UpdateConnection UpdateKind = "connection"
	UpdateTyping     UpdateKind = "typing"
	UpdatePresence   UpdateKind = "presence"
)

// Update is one change notification. It carries no data; subscribers read
// the current state through the engine's getters.
type Update struct {
	Kind UpdateKind
}

// updateHub fans updates out to all registered subscribers.
type updateHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Update
	logger      *slog.Logger
}

func newUpdateHub(logger *slog.Logger) *updateHub {
	return &updateHub{
		subscribers: make(map[string]chan Update),
		logger:      logger.With("component", "updates"),
	}
}

// subscribe registers a subscriber, cleaned up when ctx is cancelled.
func (h *updateHub) subscribe(ctx context.Context) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[subID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(subID)
	}()

	return ch, subID
}

func (h *updateHub) unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[subID]; ok {
		delete(h.subscribers, subID)
		close(ch)
	}
}

func (h *updateHub) publish(kind UpdateKind) {
	h.mu.RLock()
	targets := make([]chan Update, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- Update{Kind: kind}:
		default:
			h.logger.Debug("dropped update for slow subscriber", "kind", kind)
		}
	}
}

func (h *updateHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subID, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, subID)
	}
}
