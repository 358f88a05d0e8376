package layer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ID identifies a node inside its Tree. The zero ID means "no node".
type ID uint64

// Node is a layer in the scene tree.
//
// Thread-safety model:
//   - setters and Commit: safe from any goroutine, serialized per node
//   - CommittedState, FrameRateSelectionPriority: lock-free reads
//   - SetParent: serialized tree-wide through the topology lock
type Node struct {
	id   ID
	name string
	tree *Tree

	pendingMu sync.Mutex
	pending   State
	dirty     bool

	committed atomic.Pointer[State]
	removed   atomic.Bool

	// guarded by tree.mu
	parent   ID
	children []ID
}

func newNode(t *Tree, id ID, name string) *Node {
	n := &Node{
		id:      id,
		name:    name,
		tree:    t,
		pending: initialState(),
	}
	committed := initialState()
	n.committed.Store(&committed)
	return n
}

// ID returns the node's arena identifier.
func (n *Node) ID() ID { return n.id }

// Name returns the debug name given at creation.
func (n *Node) Name() string { return n.name }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%d)", n.name, n.id)
}

// Removed reports whether the node was removed from its tree.
func (n *Node) Removed() bool {
	return n.removed.Load()
}

// SetParent attaches n under parent. A nil parent detaches n.
// The node keeps its own children either way.
//
// Returns a *CycleError, leaving the tree unchanged, when parent is n or one
// of its descendants.
func (n *Node) SetParent(parent *Node) error {
	return n.tree.setParent(n, parent)
}

// Parent returns the current parent ID, or 0 for a root.
func (n *Node) Parent() ID {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.parent
}

// Children returns the child IDs in attach order.
func (n *Node) Children() []ID {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	out := make([]ID, len(n.children))
	copy(out, n.children)
	return out
}

// SetFrameRateSelectionPriority stores p in the pending state.
// It has no effect on resolution until Commit.
func (n *Node) SetFrameRateSelectionPriority(p Priority) error {
	if p < PriorityUnset {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	return n.mutate(func(s *State) { s.FrameRateSelectionPriority = p })
}

// ClearFrameRateSelectionPriority resets the pending priority to unset.
func (n *Node) ClearFrameRateSelectionPriority() error {
	return n.SetFrameRateSelectionPriority(PriorityUnset)
}

// SetFrameRate stores the node's frame rate vote (Hz) in the pending state.
func (n *Node) SetFrameRate(hz int) error {
	if hz < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFrameRate, hz)
	}
	return n.mutate(func(s *State) { s.FrameRate = hz })
}

// SetVisible stores the visibility flag in the pending state.
func (n *Node) SetVisible(visible bool) error {
	return n.mutate(func(s *State) { s.Visible = visible })
}

func (n *Node) mutate(fn func(*State)) error {
	if n.removed.Load() {
		return staleNode(n)
	}

	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	fn(&n.pending)
	n.dirty = true
	return nil
}

// Commit makes the pending state the committed state.
//
// The committed state is replaced by a fresh copy through a single atomic
// pointer store: concurrent readers observe the old or the new State, never a
// mix of fields. Pending state stays as is, so the next transaction starts
// from what was just committed.
func (n *Node) Commit() error {
	if n.removed.Load() {
		return staleNode(n)
	}

	n.pendingMu.Lock()
	next := n.pending
	n.dirty = false
	n.committed.Store(&next)
	n.pendingMu.Unlock()

	return nil
}

// HasPendingChanges reports whether a setter ran since the last Commit.
func (n *Node) HasPendingChanges() bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	return n.dirty
}

// CommittedState returns a copy of the committed state.
func (n *Node) CommittedState() State {
	return *n.committed.Load()
}

// PendingState returns a copy of the pending state.
func (n *Node) PendingState() State {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	return n.pending
}

// FrameRateSelectionPriority returns the effective priority: the nearest
// explicit committed value walking from n to its root, or PriorityUnset.
// A removed node reports PriorityUnset; use Tree.Resolve to tell it apart.
func (n *Node) FrameRateSelectionPriority() Priority {
	return n.tree.Resolve(n).Priority
}
