// Package presence maintains the authoritative online-user set. The server
// broadcasts full snapshots, not diffs, so each update replaces the set
// wholesale. The set is session-scoped and survives conversation switches.
package presence
