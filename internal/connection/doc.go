// Package connection owns the single logical transport connection of a chat
// session.
//
// # Lifecycle
//
// The Manager runs a four-state machine: disconnected, connecting,
// connected, error. Connect is non-blocking and single-flight per
// credential: a second Connect while an attempt is in flight for the same
// credential observes the existing attempt, and a Connect with a different
// credential fully tears the old connection down (handlers removed, socket
// forced closed) before the new attempt starts.
//
// Failed attempts retry with bounded exponential backoff up to a bounded
// retry count; each attempt has a hard timeout, and a watchdog forces a
// stuck "connecting" back to a retryable "disconnected" if neither success
// nor error arrives. When the device reports no connectivity the manager
// short-circuits to the error state without dialing, and re-attempts
// automatically once connectivity returns. A deferred disconnect with a
// grace period avoids disconnect/reconnect thrashing on brief app
// backgrounding.
//
// # Events
//
// Inbound envelopes and lifecycle signals (connected, disconnected, error,
// reconnected, reconnect_failed) dispatch through one handler table, one
// event at a time in arrival order. The manager knows nothing about
// conversations or messages; it moves envelopes.
package connection
