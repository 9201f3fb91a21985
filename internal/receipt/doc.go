// Package receipt rate-limits mark-as-read emissions. Rapid scroll and
// foreground events can fire markRead many times a second; the throttler
// lets at most one emission through per fixed window per conversation,
// bounding server load without losing the receipt itself.
package receipt
