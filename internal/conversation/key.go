// ABOUTME: Canonical conversation identity derived from participant pairs.
// ABOUTME: Server-issued IDs are authoritative; pair-derived IDs are the fallback.

package conversation

import "strings"

// pairSeparator joins the two participant IDs of a derived conversation ID.
const pairSeparator = ":"

// PairID derives the canonical conversation ID for an unordered pair of
// participants by joining the IDs in lexical order.
func PairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// BothOrientations returns the two possible concatenations of a participant
// pair. The server is not guaranteed to echo the ordering the client
// assumed, so both must be checked against server-attached IDs.
func BothOrientations(a, b string) [2]string {
	return [2]string{a + pairSeparator + b, b + pairSeparator + a}
}

// IsPairID reports whether id looks like a locally derived pair ID.
func IsPairID(id string) bool {
	return strings.Contains(id, pairSeparator)
}
