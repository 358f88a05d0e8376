package layer

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle is matched by every CycleError through errors.Is.
	ErrCycle = errors.New("layer: reparent would create a cycle")

	// ErrStaleHandle is returned for operations on a removed node.
	ErrStaleHandle = errors.New("layer: stale handle")

	// ErrForeignNode is returned when linking nodes from different trees.
	ErrForeignNode = errors.New("layer: node belongs to another tree")

	// ErrInvalidPriority is returned for priorities below PriorityUnset.
	ErrInvalidPriority = errors.New("layer: invalid frame rate selection priority")

	// ErrInvalidFrameRate is returned for negative frame rate votes.
	ErrInvalidFrameRate = errors.New("layer: invalid frame rate")
)

// CycleError reports a rejected SetParent. The tree is left unchanged.
type CycleError struct {
	Child      ID
	ChildName  string
	Parent     ID
	ParentName string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("layer: cannot parent %s(%d) under %s(%d): target is a descendant",
		e.ChildName, e.Child, e.ParentName, e.Parent)
}

// Is lets errors.Is(err, ErrCycle) match.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// IsCycleError returns true if the error is a cycle rejection.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// IsStaleHandle returns true if the error reports a removed node.
func IsStaleHandle(err error) bool {
	return errors.Is(err, ErrStaleHandle)
}

func staleNode(n *Node) error {
	return fmt.Errorf("layer %s(%d): %w", n.name, n.id, ErrStaleHandle)
}
