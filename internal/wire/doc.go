// Package wire defines the logical events exchanged over the chat channel.
//
// Every frame on the transport is a JSON envelope:
//
//	{"type": "newMessage", "payload": {...}}
//
// The payload shape depends on the event type. Inbound events cover new
// messages, conversation snapshots, presence broadcasts, typing indicators,
// read receipts, and deletions. Outbound events cover joining a
// conversation, requesting history, sending, typing, marking read, and
// deleting.
//
// The transport multiplexes events for every conversation the user is a
// party to; scoping to the open conversation happens above this package.
package wire
