package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/framepace/internal/telemetry"
)

// DefaultCallbackTimeout is the per-callback budget, about half a frame at
// 60Hz.
const DefaultCallbackTimeout = 8 * time.Millisecond

// EventDispatcher is what the scheduler needs from a dispatcher.
// Implemented by *Dispatcher; tests wrap it to observe calls.
type EventDispatcher interface {
	Name() string
	CreateEventConnection(owner OwnerID, resync ResyncCallback, opts ...ConnectionOption) (*Connection, error)
	RegisterDisplayEventConnection(c *Connection) error
	Dispatch(ev Event) bool
	Run(ctx context.Context) error
	Stop()
}

// DeliveryRecord is one per-connection outcome, handed to a Recorder.
type DeliveryRecord struct {
	Dispatcher          string
	Token               string
	Owner               OwnerID
	Count               uint64
	Timestamp           time.Time
	ExpectedPresentTime time.Time
	Outcome             string
	Duration            time.Duration
	Error               string
}

// Recorder persists delivery outcomes. It is called from callback
// goroutines and must be safe for concurrent use.
type Recorder interface {
	RecordDelivery(rec DeliveryRecord)
}

// Dispatcher fans vsync events out to its connections.
//
// Thread-safety model:
//   - Dispatch, CreateEventConnection, RegisterDisplayEventConnection, Stop:
//     safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Dispatcher struct {
	name     string
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	recorder Recorder
	timeout  time.Duration
	tokens   TokenGenerator

	mu      sync.RWMutex
	conns   []*Connection // registration order
	byToken map[string]*Connection
	stopped bool

	queue *eventQueue
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithName sets the dispatcher name used in logs, metrics and traces.
func WithName(name string) Option {
	return func(d *Dispatcher) {
		d.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer used for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithRecorder sets where delivery outcomes are persisted.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithCallbackTimeout sets the per-callback budget.
//
// Default: 8ms (DefaultCallbackTimeout)
func WithCallbackTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTokenGenerator sets the connection token source.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.tokens = g
		}
	}
}

// New creates a dispatcher. Call Run to start delivering.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:    "app",
		logger:  slog.Default(),
		tracer:  telemetry.Tracer(),
		timeout: DefaultCallbackTimeout,
		tokens:  UUIDv7Generator{},
		byToken: make(map[string]*Connection),
		queue:   newEventQueue(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

// CreateEventConnection creates a connection and registers it.
func (d *Dispatcher) CreateEventConnection(owner OwnerID, resync ResyncCallback, opts ...ConnectionOption) (*Connection, error) {
	if d.Stopped() {
		return nil, ErrDispatcherStopped
	}
	c := NewConnection(d, owner, resync, opts...)
	if err := d.RegisterDisplayEventConnection(c); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterDisplayEventConnection adds c to the delivery list.
func (d *Dispatcher) RegisterDisplayEventConnection(c *Connection) error {
	if c == nil {
		return errors.New("dispatch: nil connection")
	}
	if c.dispatcher != d {
		return ErrForeignConnection
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	state := c.State()
	if state == StateDisconnected {
		return staleConnection(c)
	}
	if _, exists := d.byToken[c.token]; exists {
		return ErrConnectionExists
	}

	d.conns = append(d.conns, c)
	d.byToken[c.token] = c
	d.metrics.ConnectionState(d.name, "", state.String())

	d.logger.Debug("connection registered",
		"dispatcher", d.name,
		"connection", c.token,
		"owner", c.owner,
	)
	return nil
}

// Connection looks up a registered connection by token.
func (d *Dispatcher) Connection(token string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byToken[token]
	return c, ok
}

// Connections returns the registered connections in registration order.
func (d *Dispatcher) Connections() []*Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.conns)
}

// Dispatch enqueues ev for the Run loop. Returns false once stopped.
// Thread-safe: may be called from any goroutine.
func (d *Dispatcher) Dispatch(ev Event) bool {
	return d.queue.Enqueue(ev)
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Stopped reports whether Stop was called.
func (d *Dispatcher) Stopped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopped
}

// Run delivers queued events until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// A failing callback is logged and recorded; delivery continues with the
// next connection and the next event.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "dispatcher", d.name)

	for {
		if ev, ok := d.queue.TryDequeue(); ok {
			d.deliver(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping: context cancelled", "dispatcher", d.name)
			d.Stop()
			return ctx.Err()

		case <-d.queue.Wait():
			if d.queue.Closed() && d.queue.Len() == 0 {
				d.logger.Info("dispatcher stopping: stopped", "dispatcher", d.name)
				return nil
			}
		}
	}
}

// Stop rejects further events and disconnects every connection. Events
// already queued are still delivered by Run to connections that remain,
// which after Stop is none. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	conns := slices.Clone(d.conns)
	d.mu.Unlock()

	d.queue.Close()
	for _, c := range conns {
		if err := c.Disconnect(); err != nil && !errors.Is(err, ErrStaleHandle) {
			d.logger.Warn("disconnect on stop failed", "connection", c.token, "error", err)
		}
	}
}

func (d *Dispatcher) unregister(c *Connection, from State) {
	d.mu.Lock()
	if _, ok := d.byToken[c.token]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byToken, c.token)
	d.conns = slices.DeleteFunc(d.conns, func(x *Connection) bool { return x == c })
	d.mu.Unlock()

	d.metrics.ConnectionState(d.name, from.String(), "")
	d.logger.Debug("connection disconnected",
		"dispatcher", d.name,
		"connection", c.token,
		"owner", c.owner,
	)
}

func (d *Dispatcher) connectionStateChanged(c *Connection, from, to State) {
	d.metrics.ConnectionState(d.name, from.String(), to.String())
	d.logger.Debug("connection state changed",
		"dispatcher", d.name,
		"connection", c.token,
		"from", from.String(),
		"to", to.String(),
	)
}

// deliver runs the callback of every eligible connection, one after another
// in registration order. Each callback gets its own timeout budget, started
// when its turn comes, so a stalled callback delays the rest by at most the
// timeout.
// CRITICAL: Called only from the Run goroutine.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	ctx, span := d.tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String(telemetry.AttrDispatcher, d.name),
		attribute.Int64(telemetry.AttrVsyncCount, int64(ev.Count)),
		attribute.Int64(telemetry.AttrTimestamp, ev.Timestamp.UnixNano()),
		attribute.Int64(telemetry.AttrExpected, ev.ExpectedPresentTime.UnixNano()),
	))
	defer span.End()

	d.metrics.EventDispatched(d.name)

	d.mu.RLock()
	conns := slices.Clone(d.conns)
	d.mu.RUnlock()

	tally := map[string]int{}
	for _, c := range conns {
		cbCtx, skip := c.beginDelivery(ctx, ev, d.timeout)
		switch skip {
		case skipIneligible:
			continue
		case skipInFlight:
			c.stats.dropped.Add(1)
			d.metrics.Delivery(d.name, telemetry.OutcomeDropped, 0)
			d.record(c, ev, telemetry.OutcomeDropped, 0, nil)
			tally[telemetry.OutcomeDropped]++
			continue
		}

		evCopy := ev
		c.latest.Store(&evCopy)
		tally[d.invoke(cbCtx, c, ev)]++
	}

	failed := tally[telemetry.OutcomeFailed] + tally[telemetry.OutcomeTimeout]
	span.SetAttributes(
		attribute.Int(telemetry.AttrDelivered, tally[telemetry.OutcomeDelivered]),
		attribute.Int(telemetry.AttrFailed, failed),
		attribute.Int(telemetry.AttrDropped, tally[telemetry.OutcomeDropped]),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, "vsync callbacks failed")
	}
}

// invoke runs c's callback and returns the outcome. It returns when the
// callback does or when ctx ends, whichever is first; an overrunning
// callback keeps the connection in flight until it returns.
func (d *Dispatcher) invoke(ctx context.Context, c *Connection, ev Event) string {
	start := time.Now()

	if c.handler == nil {
		c.endDelivery()
		c.stats.delivered.Add(1)
		d.metrics.Delivery(d.name, telemetry.OutcomeDelivered, 0)
		d.record(c, ev, telemetry.OutcomeDelivered, 0, nil)
		return telemetry.OutcomeDelivered
	}

	done := make(chan error, 1)
	go func() {
		defer c.endDelivery()
		defer func() {
			if r := recover(); r != nil {
				done <- panicError{value: r}
			}
		}()
		done <- c.handler(ctx, ev)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			err = ctx.Err()
		}
	}
	elapsed := time.Since(start)

	if err == nil {
		c.stats.delivered.Add(1)
		d.metrics.Delivery(d.name, telemetry.OutcomeDelivered, elapsed.Seconds())
		d.record(c, ev, telemetry.OutcomeDelivered, elapsed, nil)
		return telemetry.OutcomeDelivered
	}

	f := &DispatchFailure{
		Dispatcher: d.name,
		Token:      c.token,
		Owner:      c.owner,
		Count:      ev.Count,
		Cause:      err,
	}
	var pe panicError
	switch {
	case errors.As(err, &pe):
		f.Panicked = true
	case errors.Is(err, context.DeadlineExceeded):
		f.TimedOut = true
		f.Cause = ErrCallbackTimeout
	}

	outcome := telemetry.OutcomeFailed
	if f.TimedOut {
		outcome = telemetry.OutcomeTimeout
	}

	c.stats.failed.Add(1)
	d.metrics.Delivery(d.name, outcome, elapsed.Seconds())
	d.record(c, ev, outcome, elapsed, f)

	trace.SpanFromContext(ctx).RecordError(f, trace.WithAttributes(
		attribute.String(telemetry.AttrConnection, c.token),
		attribute.Bool(telemetry.AttrTimedOut, f.TimedOut),
	))
	d.logger.Warn("vsync callback failed",
		"dispatcher", d.name,
		"connection", c.token,
		"owner", c.owner,
		"vsync", ev.Count,
		"timed_out", f.TimedOut,
		"panicked", f.Panicked,
		"error", f.Cause,
	)
	return outcome
}

func (d *Dispatcher) record(c *Connection, ev Event, outcome string, elapsed time.Duration, failure error) {
	if d.recorder == nil {
		return
	}
	rec := DeliveryRecord{
		Dispatcher:          d.name,
		Token:               c.token,
		Owner:               c.owner,
		Count:               ev.Count,
		Timestamp:           ev.Timestamp,
		ExpectedPresentTime: ev.ExpectedPresentTime,
		Outcome:             outcome,
		Duration:            elapsed,
	}
	if failure != nil {
		rec.Error = failure.Error()
	}
	d.recorder.RecordDelivery(rec)
}

var _ EventDispatcher = (*Dispatcher)(nil)
