// Package dispatch delivers vsync events to client connections.
//
// ARCHITECTURE:
//
// A Dispatcher owns a run loop goroutine and a FIFO event queue. The
// scheduler enqueues one Event per vsync with Dispatch; the loop fans it out
// to every Enabled Connection in registration order.
//
// Callbacks run one at a time, in registration order, each under its own
// timeout that starts when its turn comes. A callback that overruns keeps
// running in the background but no longer holds up the round. Errors, panics and timeouts become DispatchFailures: logged, counted,
// traced and recorded, never returned to the caller and never affecting
// sibling connections. A connection whose previous callback is still
// running is skipped for that event and counted as dropped.
//
// Connection lifecycle:
//
//	Created -> Enabled <-> Disabled
//	   \__________\__________\______> Disconnected
//
// Disconnect does not wait for an in-flight callback, but it takes the same
// lock a delivery takes to start, so no delivery starts after Disconnect
// returns. The in-flight callback's context is cancelled.
package dispatch
