package layer

// Resolution is the outcome of a priority walk.
type Resolution struct {
	Priority Priority

	// Source is the node whose committed value was used, 0 if none.
	Source ID

	// Hops is the number of parent links followed.
	Hops int

	// Stale is set when the queried node was removed. Priority is then
	// PriorityUnset.
	Stale bool
}

// Resolve computes the effective frame-rate-selection priority of n.
//
// Algorithm (nearest explicit ancestor wins):
//  1. Read n's committed priority.
//  2. If unset, move to the parent and repeat.
//  3. A root reached while still unset resolves to PriorityUnset.
//
// A removed node resolves to PriorityUnset with Stale set.
//
// Only committed state is read, so uncommitted changes are invisible. The
// walk is recomputed on every call; nothing is cached across commits.
func (t *Tree) Resolve(n *Node) Resolution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(n)
}

func (t *Tree) resolveLocked(n *Node) Resolution {
	res := Resolution{Priority: PriorityUnset}
	if n.removed.Load() {
		res.Stale = true
		return res
	}

	// Bounded by the arena size: a walk can never loop, even if a removed
	// node is queried or invariants are broken mid-update.
	limit := len(t.nodes) + 1
	for cur := n; cur != nil && limit > 0; limit-- {
		if p := cur.committed.Load().FrameRateSelectionPriority; p.IsSet() {
			res.Priority = p
			res.Source = cur.id
			return res
		}
		if cur.parent == 0 {
			break
		}
		next, ok := t.nodes[cur.parent]
		if !ok {
			break
		}
		cur = next
		res.Hops++
	}

	return res
}
