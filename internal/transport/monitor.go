// ABOUTME: Device connectivity reporting for the connection manager.
// ABOUTME: StaticMonitor covers tests and platforms without a reachability source.

package transport

import "sync"

// NetworkMonitor reports whether the device currently has connectivity.
// Changes returns a channel that receives the new online state whenever it
// flips; implementations may coalesce rapid transitions.
type NetworkMonitor interface {
	Online() bool
	Changes() <-chan bool
}

// StaticMonitor is a NetworkMonitor with a manually controlled state.
// The zero value reports offline; use NewStaticMonitor for an online one.
type StaticMonitor struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewStaticMonitor returns a monitor in the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{
		online:  online,
		changes: make(chan bool, 8),
	}
}

// Online reports the current state.
func (m *StaticMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes returns the state-change channel.
func (m *StaticMonitor) Changes() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.changes == nil {
		m.changes = make(chan bool, 8)
	}
	return m.changes
}

// SetOnline flips the state, notifying subscribers on an actual transition.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	if m.changes == nil {
		m.changes = make(chan bool, 8)
	}
	select {
	case m.changes <- online:
	default:
		// Slow consumer; latest state is still observable via Online.
	}
}
