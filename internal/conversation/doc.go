// Package conversation scopes inbound events to the conversation that is
// currently open.
//
// The transport multiplexes events for every conversation the user is a
// party to. Without a strict filter, switching conversations or having two
// chats with near-simultaneous activity corrupts the visible state. The
// Router decides, per event, whether it belongs to the open conversation:
// group-labeled events match the explicit group ID alone; otherwise the
// conversation ID is checked (both orientations of the locally derived pair
// ID plus any server-issued IDs learned from join acknowledgments), with
// participant matching when no ID is attached. Events failing every check
// are discarded silently.
//
// Pair-derived IDs are a fallback identity scheme; a server-issued ID is
// authoritative whenever one is available.
package conversation
