// Package transport provides the persistent bidirectional event channel.
//
// A Socket reads and writes wire.Envelope frames. The production
// implementation speaks JSON text frames over a websocket dialed with the
// session's bearer credential. A Dialer abstracts socket creation so the
// connection manager can be tested against fakes.
//
// A NetworkMonitor reports device connectivity so the connection manager can
// short-circuit attempts while the device is offline, independent of the
// transport's own failure modes.
package transport
