// Package typing holds the two independent typing state machines of an open
// conversation: the local user's (gating outbound indicator events to actual
// idle/typing transitions) and the partner's (flipped only by events that
// passed the conversation filter and came from the partner, never from the
// user's own echoed-back actions). Both reset on conversation switch.
package typing
