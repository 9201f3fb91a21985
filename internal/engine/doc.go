// Package engine composes the sync components into the façade the view
// layer consumes.
//
// # Composition
//
// The Engine owns one connection.Manager per session (constructed at New,
// torn down at Close, never an ambient singleton), and per open conversation a
// router, message store, typing coordinator, and read-receipt throttle.
// The presence tracker and the connection are session-scoped and survive
// conversation switches; everything else resets on Open.
//
// Control flow: the manager dispatches raw events in arrival order; the
// engine's handlers filter them through the conversation router and feed
// the store, typing coordinator, and presence tracker; user actions flow
// the other way: optimistic echo into the store, then an emit on the
// manager.
//
// # View updates
//
// The view layer reads state through snapshot getters and may subscribe to
// coarse change notifications. Publishing is non-blocking: a slow subscriber
// misses a nudge, never blocks the event path, and can always catch up from
// the getters.
package engine
