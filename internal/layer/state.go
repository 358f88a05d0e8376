package layer

import "strconv"

// Priority is a frame-rate-selection priority. PriorityUnset defers to the
// nearest ancestor with an explicit value.
type Priority int32

// PriorityUnset is the sentinel for "inherit from ancestors".
const PriorityUnset Priority = -1

// IsSet reports whether p is an explicit priority.
func (p Priority) IsSet() bool {
	return p != PriorityUnset
}

func (p Priority) String() string {
	if !p.IsSet() {
		return "unset"
	}
	return strconv.Itoa(int(p))
}

// State is one buffer of a node's transactional state.
// A node holds two: pending (being built) and committed (authoritative).
type State struct {
	// FrameRateSelectionPriority is the node's own priority, not the
	// effective one.
	FrameRateSelectionPriority Priority

	// FrameRate is the node's frame rate vote in Hz. 0 means no vote.
	FrameRate int

	// Visible marks the node as taking part in rate arbitration.
	Visible bool
}

func initialState() State {
	return State{
		FrameRateSelectionPriority: PriorityUnset,
		Visible:                    true,
	}
}
