// Package dedupe suppresses duplicate processing of redelivered events.
//
// Mobile sockets redeliver: a reconnect replays recent newMessage events,
// and a resync snapshot repeats what a live event already carried. The
// message store itself is idempotent, so correctness never depends on this
// package; it exists so the view layer is not notified twice about the
// same message. Entries expire after a TTL and the cache is size-bounded
// with oldest-first eviction.
package dedupe
