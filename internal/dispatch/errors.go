package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleHandle is returned for operations on a disconnected connection.
	ErrStaleHandle = errors.New("dispatch: stale connection handle")

	// ErrInvalidTransition is returned for a state change the lifecycle does
	// not allow (e.g. Created -> Disabled).
	ErrInvalidTransition = errors.New("dispatch: invalid connection state transition")

	// ErrConnectionExists is returned when registering a connection twice.
	ErrConnectionExists = errors.New("dispatch: connection already registered")

	// ErrForeignConnection is returned when registering a connection created
	// by another dispatcher.
	ErrForeignConnection = errors.New("dispatch: connection belongs to another dispatcher")

	// ErrDispatcherStopped is returned when creating connections on a
	// stopped dispatcher.
	ErrDispatcherStopped = errors.New("dispatch: dispatcher stopped")

	// ErrCallbackTimeout is the cause of a DispatchFailure whose callback
	// overran its budget.
	ErrCallbackTimeout = errors.New("dispatch: callback timed out")

	// ErrInvalidRate is returned by SetVsyncRate for negative rates.
	ErrInvalidRate = errors.New("dispatch: invalid vsync rate")
)

// DispatchFailure describes one failed delivery. It is contained inside the
// dispatcher: logged and recorded, never returned to clients.
type DispatchFailure struct {
	Dispatcher string
	Token      string
	Owner      OwnerID
	Count      uint64

	// Cause is the callback error, a recovered panic, or ErrCallbackTimeout.
	Cause error

	TimedOut bool
	Panicked bool
}

func (f *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s: connection %s (owner %d) vsync %d: %v",
		f.Dispatcher, f.Token, f.Owner, f.Count, f.Cause)
}

func (f *DispatchFailure) Unwrap() error {
	return f.Cause
}

// IsDispatchFailure returns true if err is or wraps a *DispatchFailure.
func IsDispatchFailure(err error) bool {
	var f *DispatchFailure
	return errors.As(err, &f)
}

func staleConnection(c *Connection) error {
	return fmt.Errorf("connection %s: %w", c.token, ErrStaleHandle)
}

// panicError wraps a value recovered from a callback.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", p.value)
}
