// Package layer implements the scene tree used for refresh-rate selection.
//
// ARCHITECTURE:
//
// Arena Tree:
// Nodes live in a Tree arena keyed by ID. Parent and child links are IDs,
// never owning pointers, so removal order does not depend on link direction
// and cycle checks are O(depth) walks over the arena.
//
// Double-Buffered State:
// Every node holds a pending State (written by transactions) and a committed
// State (read by resolution and scheduling). Commit publishes a fresh copy of
// the pending State through an atomic pointer swap, so a reader sees either
// the old or the new State in full and never a mix of fields.
//
// Locking:
//   - pending state: per-node mutex, held only while copying a State value
//   - committed state: atomic.Pointer, no lock
//   - topology (parent/children, arena membership): one Tree RWMutex, written
//     by SetParent and Remove, read by resolver walks
//
// Commits never touch the topology lock, so a commit cannot block behind a
// resolver walk or a dispatch.
//
// Priority Resolution:
// The effective frame-rate-selection priority of a node is the first explicit
// (non-unset) committed value found walking from the node to its root,
// inclusive. Nothing is cached; every query walks the committed tree.
package layer
