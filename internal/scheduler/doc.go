// Package scheduler turns layer priorities and vsync timing into callback
// dispatch.
//
// ARCHITECTURE:
//
// A Scheduler is an explicit instance wired once with Setup: a vsync
// Controller and Timeline (normally the same *vsync.Tracker) and one or more
// EventDispatchers, each addressed by a Handle. Clients get connections
// through CreateConnection.
//
// On every vsync Tick the scheduler:
//
//  1. Arbitrates the refresh rate: visible layers that vote a frame rate
//     become Candidates, the RatePolicy picks a winner, and the vote is
//     quantized to a divisor of the display rate that programs the
//     Controller.
//  2. Computes the event timestamp as the next anticipated vsync and the
//     expected present time one render period later.
//  3. Enqueues the event on every dispatcher.
//
// Run drives Tick from a timer aligned to the timeline and runs every
// dispatcher loop, all under one errgroup.
//
// A Timeline reporting no period is a timing anomaly: the scheduler falls
// back to the last known good period (initially the configured fallback),
// logs a warning and counts a metric.
package scheduler
