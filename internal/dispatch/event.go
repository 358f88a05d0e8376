package dispatch

import (
	"context"
	"time"
)

// Event is one vsync as seen by clients.
type Event struct {
	// Count is the vsync sequence number, starting at 1.
	Count uint64

	// Timestamp is the anticipated vsync time the event stands for.
	Timestamp time.Time

	// ExpectedPresentTime is when a frame rendered for this vsync is
	// expected on screen.
	ExpectedPresentTime time.Time

	// VsyncPeriod is the render period in effect for this event.
	VsyncPeriod time.Duration
}

// OwnerID is the numeric identity of the client that owns a connection.
type OwnerID uint32

// VsyncHandler is invoked on a dispatcher goroutine for each delivered
// event. ctx is cancelled when the callback budget runs out or the
// connection is disconnected.
type VsyncHandler func(ctx context.Context, ev Event) error

// ResyncCallback asks the scheduler to resynchronize with hardware vsync.
type ResyncCallback func()
