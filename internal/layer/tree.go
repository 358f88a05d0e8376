package layer

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Tree is the arena holding every live node.
//
// INVARIANTS:
//   - a node's parent, when non-zero, is a live node of the same tree
//   - a node appears in its parent's children exactly once
//   - following parent links from any node terminates
type Tree struct {
	mu     sync.RWMutex
	nodes  map[ID]*Node
	nextID atomic.Uint64
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{
		nodes: make(map[ID]*Node),
	}
}

// NewNode creates a detached node with unset priority, no frame rate vote
// and visible state.
func (t *Tree) NewNode(name string) *Node {
	id := ID(t.nextID.Add(1))
	n := newNode(t, id, name)

	t.mu.Lock()
	t.nodes[id] = n
	t.mu.Unlock()

	return n
}

// Node looks up a live node by ID.
func (t *Tree) Node(id ID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Roots returns the IDs of nodes without a parent, in creation order.
func (t *Tree) Roots() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var roots []ID
	for _, id := range t.sortedIDsLocked() {
		if t.nodes[id].parent == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Remove destroys n. It is detached from its parent and its children are
// orphaned: they become roots that keep their own subtrees. Every later
// operation on n fails with ErrStaleHandle.
func (t *Tree) Remove(n *Node) error {
	if n.tree != t {
		return ErrForeignNode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if n.removed.Load() {
		return staleNode(n)
	}

	t.unlinkLocked(n)
	for _, childID := range n.children {
		if child, ok := t.nodes[childID]; ok {
			child.parent = 0
		}
	}
	n.children = nil

	delete(t.nodes, n.id)
	n.removed.Store(true)
	return nil
}

// CommitAll commits every node with pending changes, in creation order.
// Commits are per node: a concurrent reader may observe some nodes
// committed and others not yet.
func (t *Tree) CommitAll() int {
	t.mu.RLock()
	nodes := make([]*Node, 0, len(t.nodes))
	for _, id := range t.sortedIDsLocked() {
		nodes = append(nodes, t.nodes[id])
	}
	t.mu.RUnlock()

	committed := 0
	for _, n := range nodes {
		if !n.HasPendingChanges() {
			continue
		}
		if err := n.Commit(); err == nil {
			committed++
		}
	}
	return committed
}

func (t *Tree) setParent(child, parent *Node) error {
	if child.tree != t || (parent != nil && parent.tree != t) {
		return ErrForeignNode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if child.removed.Load() {
		return staleNode(child)
	}
	if parent == nil {
		t.unlinkLocked(child)
		return nil
	}
	if parent.removed.Load() {
		return staleNode(parent)
	}
	if child.parent == parent.id {
		return nil
	}

	if t.isAncestorOrSelfLocked(child.id, parent) {
		return &CycleError{
			Child:      child.id,
			ChildName:  child.name,
			Parent:     parent.id,
			ParentName: parent.name,
		}
	}

	t.unlinkLocked(child)
	child.parent = parent.id
	parent.children = append(parent.children, child.id)
	return nil
}

// isAncestorOrSelfLocked reports whether id is n or one of n's ancestors.
func (t *Tree) isAncestorOrSelfLocked(id ID, n *Node) bool {
	limit := len(t.nodes) + 1
	for cur := n; cur != nil && limit > 0; limit-- {
		if cur.id == id {
			return true
		}
		if cur.parent == 0 {
			return false
		}
		cur = t.nodes[cur.parent]
	}
	// Unreachable while the invariants hold; refuse the link if they do not.
	return true
}

func (t *Tree) unlinkLocked(n *Node) {
	if n.parent == 0 {
		return
	}
	if old, ok := t.nodes[n.parent]; ok {
		old.children = slices.DeleteFunc(old.children, func(id ID) bool { return id == n.id })
	}
	n.parent = 0
}

func (t *Tree) sortedIDsLocked() []ID {
	ids := make([]ID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NodeSnapshot is a point-in-time view of one node, taken under the
// topology read lock.
type NodeSnapshot struct {
	ID        ID
	Name      string
	Parent    ID
	Depth     int
	Committed State

	// Effective is the resolved priority and Source the node that supplied
	// it (0 when unset).
	Effective Priority
	Source    ID

	// EffectiveVisible is false when the node or any ancestor is hidden.
	EffectiveVisible bool
}

// Snapshot returns every live node in creation order.
func (t *Tree) Snapshot() []NodeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.sortedIDsLocked()
	out := make([]NodeSnapshot, 0, len(ids))
	for _, id := range ids {
		n := t.nodes[id]
		res := t.resolveLocked(n)
		visible, depth := t.visibilityLocked(n)
		out = append(out, NodeSnapshot{
			ID:               n.id,
			Name:             n.name,
			Parent:           n.parent,
			Depth:            depth,
			Committed:        n.CommittedState(),
			Effective:        res.Priority,
			Source:           res.Source,
			EffectiveVisible: visible,
		})
	}
	return out
}

func (t *Tree) visibilityLocked(n *Node) (bool, int) {
	visible := true
	depth := 0
	limit := len(t.nodes) + 1
	for cur := n; cur != nil && limit > 0; limit-- {
		if !cur.committed.Load().Visible {
			visible = false
		}
		if cur.parent == 0 {
			break
		}
		depth++
		cur = t.nodes[cur.parent]
	}
	return visible, depth
}

func (t *Tree) String() string {
	return fmt.Sprintf("layer.Tree(%d nodes)", t.Len())
}
