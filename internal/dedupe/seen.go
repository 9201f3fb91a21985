// ABOUTME: TTL and size-bounded cache of recently seen server message IDs.
// ABOUTME: Keeps redelivered events from notifying the view layer twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// seenEntry pairs an ID's sighting time with its position in arrival order.
type seenEntry struct {
	at      time.Time
	element *list.Element
}

// SeenCache remembers which server message IDs have already been surfaced.
// Oldest entries are evicted first when the cache is full; a background
// sweep drops expired entries.
type SeenCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // IDs in arrival order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewSeenCache creates a cache with the given TTL and capacity.
func NewSeenCache(ttl time.Duration, maxSize int) *SeenCache {
	c := &SeenCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark reports whether id was already seen within the TTL, marking
// it as seen either way. The check and the mark are one atomic step.
func (c *SeenCache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.seen[id]; ok {
		duplicate := now.Sub(entry.at) < c.ttl
		entry.at = now
		c.order.MoveToBack(entry.element)
		return duplicate
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[id] = &seenEntry{at: now, element: c.order.PushBack(id)}
	return false
}

// sweep periodically removes expired entries.
func (c *SeenCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *SeenCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.at) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *SeenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
