// ABOUTME: Tests for typing state transition gating
// ABOUTME: Covers one-event-per-burst semantics and partner state independence

package typing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_StartTyping_TransitionsOnce(t *testing.T) {
	c := NewCoordinator()

	assert.True(t, c.StartTyping(), "idle to typing transitions")
	assert.False(t, c.StartTyping(), "repeat while typing is a no-op")
	assert.False(t, c.StartTyping())
	assert.True(t, c.LocalTyping())
}

func TestCoordinator_StopTyping_TransitionsOnce(t *testing.T) {
	c := NewCoordinator()

	assert.False(t, c.StopTyping(), "already idle")

	c.StartTyping()
	assert.True(t, c.StopTyping())
	assert.False(t, c.StopTyping())
	assert.False(t, c.LocalTyping())
}

func TestCoordinator_PartnerStateIsIndependent(t *testing.T) {
	c := NewCoordinator()

	c.SetPartnerTyping(true)
	assert.True(t, c.PartnerTyping())
	assert.False(t, c.LocalTyping())

	c.StartTyping()
	c.SetPartnerTyping(false)
	assert.False(t, c.PartnerTyping())
	assert.True(t, c.LocalTyping())
}

func TestCoordinator_Reset(t *testing.T) {
	c := NewCoordinator()
	c.StartTyping()
	c.SetPartnerTyping(true)

	c.Reset()

	assert.False(t, c.LocalTyping())
	assert.False(t, c.PartnerTyping())
	assert.True(t, c.StartTyping(), "reset restores the idle-to-typing transition")
}
