// ABOUTME: Local and remote typing state machines with transition gating.
// ABOUTME: Transitions return true only on an actual idle<->typing flip.

package typing

import "sync"

// State is a typing indicator state.
type State string

const (
	// Idle means not typing.
	Idle State = "idle"
	// Typing means actively typing.
	Typing State = "typing"
)

// Coordinator tracks local and partner typing states independently.
type Coordinator struct {
	mu      sync.Mutex
	local   State
	partner State
}

// NewCoordinator creates a coordinator with both sides idle.
func NewCoordinator() *Coordinator {
	return &Coordinator{local: Idle, partner: Idle}
}

// StartTyping moves the local state to typing. Returns true only on the
// idle-to-typing transition, so the caller transmits at most one event per
// burst of keystrokes.
func (c *Coordinator) StartTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == Typing {
		return false
	}
	c.local = Typing
	return true
}

// StopTyping moves the local state to idle. Returns true only on the
// typing-to-idle transition.
func (c *Coordinator) StopTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.local == Idle {
		return false
	}
	c.local = Idle
	return true
}

// SetPartnerTyping records the partner's typing state. The caller is
// responsible for conversation scoping and the self-echo filter; this is
// pure state.
func (c *Coordinator) SetPartnerTyping(typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if typing {
		c.partner = Typing
	} else {
		c.partner = Idle
	}
}

// LocalTyping reports whether the local user is typing.
func (c *Coordinator) LocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local == Typing
}

// PartnerTyping reports whether the partner is typing.
func (c *Coordinator) PartnerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner == Typing
}

// Reset returns both state machines to idle. Called on conversation switch.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = Idle
	c.partner = Idle
}
