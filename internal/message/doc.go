// Package message holds the in-memory message set for the open conversation
// and reconciles optimistic local echoes with server-confirmed messages.
//
// # Reconciliation
//
// A message sent while the server is unreachable (or simply unconfirmed) is
// appended immediately as a local echo with a temporary client-assigned ID
// and deliveryState pending. When the server later confirms it, either via a
// newMessage event or inside a previousMessages snapshot, there is no shared
// handle between client and server: the temp ID was assigned before the
// server ever saw the message. The bridge is content matching: the oldest
// pending echo with the same trimmed body and the same sender is replaced in
// place by the confirmed message, keeping its list position.
//
// Ingesting the same server message twice is a no-op; mobile sockets
// redeliver, and idempotence makes re-application safe.
//
// # Tombstones
//
// Deletion never removes an entry. The body is replaced with a sentinel and
// IsDeleted is set, so list positions and reply references stay stable.
//
// Entries are kept in arrival order; the newest-first display order is a
// derived view, never the authoritative one. Read accessors hand out
// detached copies: the live entries are mutated only under the store's lock
// as delivery states advance, and no caller ever holds a pointer into them.
package message
