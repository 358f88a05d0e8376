// Package vsync models the display's vertical-sync timeline.
//
// Two narrow interfaces sit at the hardware boundary:
//
//   - Timeline: read side, used by the scheduler on every tick
//   - Controller: write side, fed with hardware vsync timestamps
//
// Tracker implements both. It estimates the vsync period from a ring buffer
// of recent intervals and publishes an immutable Model through an atomic
// pointer, so the measurement path and the dispatch path never share a lock.
package vsync
