package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection lifecycle state.
type State int

const (
	StateCreated State = iota
	StateEnabled
	StateDisabled
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats is a snapshot of a connection's delivery counters.
type Stats struct {
	// Delivered counts events whose callback returned nil.
	Delivered uint64

	// Failed counts callback errors, panics and timeouts.
	Failed uint64

	// Dropped counts events skipped because the previous callback was still
	// running.
	Dropped uint64
}

type connectionStats struct {
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Connection is a client's subscription to a dispatcher's vsync events.
//
// Thread-safety model:
//   - lifecycle methods and delivery starts are serialized by mu
//   - Latest and Stats are lock-free reads
type Connection struct {
	dispatcher *Dispatcher
	token      string
	owner      OwnerID
	resync     ResyncCallback
	handler    VsyncHandler

	mu        sync.Mutex
	state     State
	rate      int
	requested bool
	inFlight  bool
	cancel    context.CancelFunc

	latest atomic.Pointer[Event]
	stats  connectionStats
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithVsyncHandler sets the callback run for each delivered event. Without
// one, deliveries only update the Latest mailbox.
func WithVsyncHandler(h VsyncHandler) ConnectionOption {
	return func(c *Connection) {
		c.handler = h
	}
}

// WithVsyncRate sets the initial vsync rate (see SetVsyncRate).
func WithVsyncRate(n int) ConnectionOption {
	return func(c *Connection) {
		if n >= 0 {
			c.rate = n
		}
	}
}

// NewConnection creates a connection owned by d in the Created state. It is
// not registered; see Dispatcher.RegisterDisplayEventConnection.
func NewConnection(d *Dispatcher, owner OwnerID, resync ResyncCallback, opts ...ConnectionOption) *Connection {
	c := &Connection{
		dispatcher: d,
		token:      d.tokens.Generate(),
		owner:      owner,
		resync:     resync,
		state:      StateCreated,
		rate:       1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the connection's unique token.
func (c *Connection) Token() string { return c.token }

// Owner returns the calling identity that created the connection.
func (c *Connection) Owner() OwnerID { return c.owner }

// Dispatcher returns the owning dispatcher.
func (c *Connection) Dispatcher() *Dispatcher { return c.dispatcher }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VsyncRate returns the current vsync rate.
func (c *Connection) VsyncRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Latest returns the most recently delivered event.
func (c *Connection) Latest() (Event, bool) {
	ev := c.latest.Load()
	if ev == nil {
		return Event{}, false
	}
	return *ev, true
}

// Stats returns the delivery counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Delivered: c.stats.delivered.Load(),
		Failed:    c.stats.failed.Load(),
		Dropped:   c.stats.dropped.Load(),
	}
}

// Enable starts event delivery and asks for a hardware resync, since the
// client is about to render against the vsync timeline. Enabling an enabled
// connection is a no-op.
func (c *Connection) Enable() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return staleConnection(c)
	case StateEnabled:
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateEnabled
	c.mu.Unlock()

	c.dispatcher.connectionStateChanged(c, from, StateEnabled)
	c.Resync()
	return nil
}

// Disable pauses event delivery. Only an Enabled or Disabled connection can
// be disabled.
func (c *Connection) Disable() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return staleConnection(c)
	case StateDisabled:
		c.mu.Unlock()
		return nil
	case StateCreated:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateCreated, StateDisabled)
	}
	c.state = StateDisabled
	c.mu.Unlock()

	c.dispatcher.connectionStateChanged(c, StateEnabled, StateDisabled)
	return nil
}

// Disconnect ends the connection and unregisters it. An in-flight callback
// is not waited for; its context is cancelled. No delivery starts after
// Disconnect returns.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return staleConnection(c)
	}
	from := c.state
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.dispatcher.unregister(c, from)
	return nil
}

// SetVsyncRate sets how often the connection receives events: 1 for every
// vsync, N for every Nth, 0 for only after RequestNextVsync.
func (c *Connection) SetVsyncRate(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRate, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return staleConnection(c)
	}
	c.rate = n
	return nil
}

// RequestNextVsync asks for delivery of the next event regardless of the
// vsync rate.
func (c *Connection) RequestNextVsync() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return staleConnection(c)
	}
	c.requested = true
	c.mu.Unlock()
	return nil
}

// Resync invokes the resync callback, if any.
func (c *Connection) Resync() {
	if c.resync != nil {
		c.resync()
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection %s (owner %d)", c.token, c.owner)
}

type skipReason int

const (
	notSkipped skipReason = iota
	skipIneligible
	skipInFlight
)

// beginDelivery decides under mu whether ev goes to this connection and, if
// so, marks it in flight with a context bound to timeout.
func (c *Connection) beginDelivery(parent context.Context, ev Event, timeout time.Duration) (context.Context, skipReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEnabled || !c.wantsLocked(ev) {
		return nil, skipIneligible
	}
	if c.inFlight {
		return nil, skipInFlight
	}

	c.requested = false
	c.inFlight = true

	ctx, cancel := context.WithTimeout(parent, timeout)
	c.cancel = cancel
	return ctx, notSkipped
}

func (c *Connection) wantsLocked(ev Event) bool {
	if c.requested {
		return true
	}
	if c.rate == 0 {
		return false
	}
	return ev.Count%uint64(c.rate) == 0
}

// endDelivery clears the in-flight mark once the callback has returned.
func (c *Connection) endDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
