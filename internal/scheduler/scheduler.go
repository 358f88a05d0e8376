package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/display"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/telemetry"
	"github.com/roach88/framepace/internal/vsync"
)

const (
	// DefaultFallbackPeriod is used until the timeline reports a period.
	DefaultFallbackPeriod = 16666666 * time.Nanosecond

	// DefaultResyncThrottle is the minimum spacing between resyncs.
	DefaultResyncThrottle = 750 * time.Millisecond
)

var (
	ErrAlreadySetup  = errors.New("scheduler: already set up")
	ErrNotSetup      = errors.New("scheduler: not set up")
	ErrUnknownHandle = errors.New("scheduler: unknown connection handle")
	ErrNoDispatchers = errors.New("scheduler: at least one dispatcher is required")
	ErrShutdown      = errors.New("scheduler: shut down")
)

// Handle addresses one dispatcher passed to Setup.
type Handle int

func (h Handle) String() string {
	return fmt.Sprintf("handle-%d", int(h))
}

// LayerSource provides the committed layer tree. Implemented by *layer.Tree.
type LayerSource interface {
	Snapshot() []layer.NodeSnapshot
}

// Recorder persists rate decisions. Must be safe for concurrent use.
type Recorder interface {
	RecordDecision(d Decision)
}

// Decision is the outcome of one refresh rate arbitration.
type Decision struct {
	At time.Time

	// Vote is the winning frame rate in Hz, 0 when nothing voted.
	Vote int

	// Source is the winning layer (0 for none or the policy default) and
	// Priority its effective priority.
	Source     layer.ID
	SourceName string
	Priority   layer.Priority

	Candidates  int
	Period      time.Duration
	DisplayRate float64
	Divisor     int

	// Fallback is set when the timeline had no period and the last known
	// good one was used.
	Fallback bool
}

// RenderPeriod is Period * Divisor.
func (d Decision) RenderPeriod() time.Duration {
	return d.Period * time.Duration(d.Divisor)
}

// RenderRate is DisplayRate / Divisor.
func (d Decision) RenderRate() float64 {
	if d.Divisor == 0 {
		return d.DisplayRate
	}
	return d.DisplayRate / float64(d.Divisor)
}

// Payload is the decision in integer units (millihertz, nanoseconds) for
// canonical encoding. At is left out so equal decisions encode equally.
func (d Decision) Payload() map[string]any {
	return map[string]any{
		"vote":         d.Vote,
		"source":       uint64(d.Source),
		"source_name":  d.SourceName,
		"priority":     int32(d.Priority),
		"candidates":   d.Candidates,
		"period_ns":    d.Period,
		"display_mhz":  Millihertz(d.DisplayRate),
		"divisor":      d.Divisor,
		"render_mhz":   Millihertz(d.RenderRate()),
		"fallback":     d.Fallback,
		"source_label": d.SourceLabel(),
	}
}

// Millihertz rounds a rate in Hz to integer millihertz.
func Millihertz(hz float64) int64 {
	return int64(math.Round(hz * 1000))
}

// SourceLabel names what decided the rate, for metrics.
func (d Decision) SourceLabel() string {
	switch {
	case d.Vote == 0:
		return "none"
	case d.Source == 0:
		return "default"
	case d.Priority.IsSet():
		return "priority"
	default:
		return "unset"
	}
}

// Scheduler wires the vsync timeline to event dispatchers.
//
// Thread-safety model:
//   - Setup: once, before anything else
//   - CreateConnection, Resync, ChooseRefreshRate, Tick, Shutdown: safe
//     from any goroutine
//   - Run: at most one call
type Scheduler struct {
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	recorder Recorder
	layers   LayerSource
	composer display.Composer
	now      func() time.Time
	fallback time.Duration
	throttle time.Duration

	mu          sync.Mutex
	policy      RatePolicy
	ready       bool
	controller  vsync.Controller
	timeline    vsync.Timeline
	dispatchers []dispatch.EventDispatcher
	lastResync  time.Time

	lastGood   atomic.Int64
	inFallback atomic.Bool
	count      atomic.Uint64
	decision   atomic.Pointer[Decision]
	closeOnce  sync.Once
	done       chan struct{}
	running    atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPolicy sets the rate policy.
//
// Default: DefaultPolicy()
func WithPolicy(p RatePolicy) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithRecorder sets where rate decisions are persisted.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for tick and decision spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithFallbackPeriod sets the period used before the timeline knows one.
//
// Default: 16.666666ms (DefaultFallbackPeriod)
func WithFallbackPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fallback = d
		}
	}
}

// WithResyncThrottle sets the minimum spacing between resyncs.
//
// Default: 750ms (DefaultResyncThrottle)
func WithResyncThrottle(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.throttle = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLayers sets the layer tree consulted for rate arbitration.
func WithLayers(src LayerSource) Option {
	return func(s *Scheduler) {
		s.layers = src
	}
}

// WithComposer sets the composer whose hardware vsync Resync re-enables.
func WithComposer(c display.Composer) Option {
	return func(s *Scheduler) {
		s.composer = c
	}
}

// New creates a scheduler. Call Setup before use.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
		policy:   DefaultPolicy(),
		now:      time.Now,
		fallback: DefaultFallbackPeriod,
		throttle: DefaultResyncThrottle,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastGood.Store(int64(s.fallback))
	return s
}

// Setup wires the timing source and dispatchers. It returns one Handle per
// dispatcher, in order. A second call fails with ErrAlreadySetup.
func (s *Scheduler) Setup(controller vsync.Controller, timeline vsync.Timeline, dispatchers ...dispatch.EventDispatcher) ([]Handle, error) {
	if controller == nil || timeline == nil {
		return nil, errors.New("scheduler: controller and timeline are required")
	}
	if len(dispatchers) == 0 {
		return nil, ErrNoDispatchers
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil, ErrAlreadySetup
	}

	s.controller = controller
	s.timeline = timeline
	s.dispatchers = append([]dispatch.EventDispatcher(nil), dispatchers...)
	s.ready = true

	if p := timeline.CurrentPeriod(); p > 0 {
		s.lastGood.Store(int64(p))
	}

	handles := make([]Handle, len(dispatchers))
	names := make([]string, len(dispatchers))
	for i, d := range dispatchers {
		handles[i] = Handle(i)
		names[i] = d.Name()
	}

	s.logger.Info("scheduler set up", "dispatchers", names)
	return handles, nil
}

// Dispatcher returns the dispatcher behind h.
func (s *Scheduler) Dispatcher(h Handle) (dispatch.EventDispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil, ErrNotSetup
	}
	if h < 0 || int(h) >= len(s.dispatchers) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return s.dispatchers[h], nil
}

// CreateConnection creates a connection on the dispatcher behind h. A nil
// resync uses the scheduler's own ResyncCallback.
// Thread-safe: may run concurrently with dispatch.
func (s *Scheduler) CreateConnection(h Handle, owner dispatch.OwnerID, resync dispatch.ResyncCallback, opts ...dispatch.ConnectionOption) (*dispatch.Connection, error) {
	d, err := s.Dispatcher(h)
	if err != nil {
		return nil, err
	}
	if resync == nil {
		resync = s.ResyncCallback()
	}

	c, err := d.CreateEventConnection(owner, resync, opts...)
	if err != nil {
		return nil, fmt.Errorf("create connection on %s: %w", d.Name(), err)
	}

	s.logger.Debug("connection created",
		"dispatcher", d.Name(),
		"connection", c.Token(),
		"owner", owner,
	)
	return c, nil
}

// ResyncCallback returns the callback handed to connections.
func (s *Scheduler) ResyncCallback() dispatch.ResyncCallback {
	return func() { s.Resync() }
}

// Resync re-anchors the timeline on hardware vsync: the composer's vsync is
// re-enabled and the controller's history dropped. Calls closer together
// than the throttle are ignored. Reports whether the resync happened.
func (s *Scheduler) Resync() bool {
	now := s.now()

	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return false
	}
	if !s.lastResync.IsZero() && now.Sub(s.lastResync) < s.throttle {
		s.mu.Unlock()
		s.metrics.Resync(false)
		return false
	}
	s.lastResync = now
	controller := s.controller
	s.mu.Unlock()

	if s.composer != nil {
		if err := s.composer.SetVsyncEnabled(true); err != nil {
			s.logger.Warn("enable hardware vsync failed", "error", err)
		}
	}
	controller.Reset()

	s.metrics.Resync(true)
	s.logger.Debug("resynced to hardware vsync")
	return true
}

// ChooseRefreshRate arbitrates the refresh rate across visible layers and
// programs the resulting divisor into the controller.
func (s *Scheduler) ChooseRefreshRate() Decision {
	return s.chooseRefreshRate(context.Background())
}

// SetPolicy replaces the rate policy. It applies from the next decision;
// nil is ignored.
func (s *Scheduler) SetPolicy(p RatePolicy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// LastDecision returns the most recent arbitration.
func (s *Scheduler) LastDecision() (Decision, bool) {
	d := s.decision.Load()
	if d == nil {
		return Decision{}, false
	}
	return *d, true
}

func (s *Scheduler) chooseRefreshRate(ctx context.Context) Decision {
	_, span := s.tracer.Start(ctx, "scheduler.choose_refresh_rate")
	defer span.End()

	var snap []layer.NodeSnapshot
	if s.layers != nil {
		snap = s.layers.Snapshot()
	}
	cands := candidates(snap)

	s.mu.Lock()
	policy := s.policy
	controller := s.controller
	s.mu.Unlock()

	period, fallback := s.period()
	dec := Decision{
		At:          s.now(),
		Priority:    layer.PriorityUnset,
		Candidates:  len(cands),
		Period:      period,
		DisplayRate: float64(time.Second) / float64(period),
		Fallback:    fallback,
	}

	if winner, ok := policy.Select(cands); ok {
		dec.Vote = winner.FrameRate
		dec.Source = winner.Layer
		dec.SourceName = winner.Name
		dec.Priority = winner.Priority
	}
	dec.Divisor = policy.Divisor(dec.DisplayRate, dec.Vote)

	if controller != nil {
		controller.SetRenderDivisor(dec.Divisor)
	}

	prev := s.decision.Swap(&dec)
	if prev == nil || prev.Divisor != dec.Divisor || prev.Source != dec.Source {
		s.logger.Info("refresh rate selected",
			"vote_hz", dec.Vote,
			"layer", dec.SourceName,
			"priority", dec.Priority.String(),
			"divisor", dec.Divisor,
			"render_hz", dec.RenderRate(),
		)
	}

	s.metrics.RateDecision(dec.SourceLabel(), dec.Divisor, dec.RenderRate())
	if s.recorder != nil {
		s.recorder.RecordDecision(dec)
	}

	span.SetAttributes(
		attribute.Int(telemetry.AttrVote, dec.Vote),
		attribute.Int(telemetry.AttrDivisor, dec.Divisor),
		attribute.Int64(telemetry.AttrSourceLayer, int64(dec.Source)),
		attribute.Int(telemetry.AttrPriority, int(dec.Priority)),
		attribute.Float64(telemetry.AttrDisplayRate, dec.DisplayRate),
	)
	return dec
}

// period returns the timeline's period, or the last known good one when the
// timeline has none.
func (s *Scheduler) period() (time.Duration, bool) {
	s.mu.Lock()
	timeline := s.timeline
	s.mu.Unlock()

	if timeline != nil {
		if p := timeline.CurrentPeriod(); p > 0 {
			s.lastGood.Store(int64(p))
			if s.inFallback.Swap(false) {
				s.logger.Info("vsync timeline recovered", "period", p)
			}
			return p, false
		}
	}

	good := time.Duration(s.lastGood.Load())
	s.metrics.TimingAnomaly()
	if !s.inFallback.Swap(true) {
		s.logger.Warn("vsync timeline has no period, using last known good",
			"period", good,
			"error", vsync.ErrTimingAnomaly,
		)
	}
	return good, true
}

// Tick processes one vsync at now: re-arbitrates the rate and enqueues the
// event on every dispatcher.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (dispatch.Event, error) {
	s.mu.Lock()
	ready, timeline := s.ready, s.timeline
	dispatchers := s.dispatchers
	s.mu.Unlock()

	if !ready {
		return dispatch.Event{}, ErrNotSetup
	}
	select {
	case <-s.done:
		return dispatch.Event{}, ErrShutdown
	default:
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	dec := s.chooseRefreshRate(ctx)

	ts := timeline.NextAnticipatedVsyncTimeFrom(now)
	render := dec.RenderPeriod()
	ev := dispatch.Event{
		Count:               s.count.Add(1),
		Timestamp:           ts,
		ExpectedPresentTime: ts.Add(render),
		VsyncPeriod:         render,
	}

	span.SetAttributes(
		attribute.Int64(telemetry.AttrVsyncCount, int64(ev.Count)),
		attribute.Int64(telemetry.AttrTimestamp, ev.Timestamp.UnixNano()),
		attribute.Int64(telemetry.AttrExpected, ev.ExpectedPresentTime.UnixNano()),
	)

	for _, d := range dispatchers {
		if !d.Dispatch(ev) {
			s.logger.Debug("dispatcher stopped, event not queued",
				"dispatcher", d.Name(),
				"vsync", ev.Count,
			)
		}
	}
	return ev, nil
}

// Run runs every dispatcher loop and the vsync loop until ctx is cancelled
// or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	dispatchers := s.dispatchers
	s.mu.Unlock()

	if !ready {
		return ErrNotSetup
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.running.Store(false)

	s.logger.Info("scheduler starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		g.Go(func() error {
			if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("dispatcher %s: %w", d.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// The dispatchers stop on their own when gctx ends; on Shutdown they
		// are stopped explicitly.
		return s.vsyncLoop(gctx)
	})

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) vsyncLoop(ctx context.Context) error {
	timer := time.NewTimer(s.untilNextVsync())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-timer.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				if errors.Is(err, ErrShutdown) {
					return nil
				}
				return err
			}
			timer.Reset(s.untilNextVsync())
		}
	}
}

// untilNextVsync returns the delay to the next anticipated vsync after now.
func (s *Scheduler) untilNextVsync() time.Duration {
	s.mu.Lock()
	timeline := s.timeline
	s.mu.Unlock()

	if timeline.CurrentPeriod() <= 0 {
		return time.Duration(s.lastGood.Load())
	}
	now := s.now()
	delay := timeline.NextAnticipatedVsyncTimeFrom(now.Add(time.Microsecond)).Sub(now)
	if delay <= 0 {
		delay = time.Duration(s.lastGood.Load())
	}
	return delay
}

// Shutdown stops the vsync loop and every dispatcher; their connections
// become Disconnected. Idempotent.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		dispatchers := s.dispatchers
		s.mu.Unlock()

		for _, d := range dispatchers {
			d.Stop()
		}
		s.logger.Info("scheduler shut down")
	})
}
