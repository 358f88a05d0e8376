package vsync

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHistory     = 8
	defaultTolerance   = 0.2
	defaultResetAfter  = 4
	maxMissedVsyncSkip = 4
)

// Tracker estimates the vsync period from hardware timestamps.
//
// Thread-safety: AddVsyncTimestamp, SetRenderDivisor and Reset are
// serialized by an internal mutex. CurrentPeriod, Model and
// NextAnticipatedVsyncTimeFrom read the published Model without locking.
type Tracker struct {
	mu         sync.Mutex
	intervals  []time.Duration
	head       int
	count      int
	last       time.Time
	anomalies  int
	tolerance  float64
	resetAfter int
	logger     *slog.Logger

	model atomic.Pointer[Model]
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithHistory sets how many intervals the period estimate averages over.
func WithHistory(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.intervals = make([]time.Duration, n)
		}
	}
}

// WithTolerance sets the relative deviation from the current period that
// still counts as a valid interval.
func WithTolerance(f float64) TrackerOption {
	return func(t *Tracker) {
		if f > 0 && f < 1 {
			t.tolerance = f
		}
	}
}

// WithResetAfter sets how many consecutive anomalies make the tracker drop
// its history and re-learn the period (e.g. after a display mode change).
func WithResetAfter(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.resetAfter = n
		}
	}
}

// WithInitialPeriod seeds the model before any timestamp arrives.
func WithInitialPeriod(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			m := *t.model.Load()
			m.Period = d
			t.model.Store(&m)
		}
	}
}

// WithTrackerLogger sets the logger used for anomaly reports.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a tracker with no measured period. Until the first
// timestamp arrives the phase anchor is the Unix epoch.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		intervals:  make([]time.Duration, defaultHistory),
		tolerance:  defaultTolerance,
		resetAfter: defaultResetAfter,
		logger:     slog.Default(),
	}
	t.model.Store(&Model{Anchor: time.Unix(0, 0), Divisor: 1})

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Model returns the current estimate.
func (t *Tracker) Model() Model {
	return *t.model.Load()
}

// CurrentPeriod implements Timeline.
func (t *Tracker) CurrentPeriod() time.Duration {
	p := t.model.Load().Period
	if p < 0 {
		return 0
	}
	return p
}

// RenderPeriod returns the period between rendered frames.
func (t *Tracker) RenderPeriod() time.Duration {
	return t.model.Load().RenderPeriod()
}

// NextAnticipatedVsyncTimeFrom implements Timeline.
func (t *Tracker) NextAnticipatedVsyncTimeFrom(at time.Time) time.Time {
	return t.model.Load().nextFrom(at)
}

// AddVsyncTimestamp implements Controller.
//
// An interval close to a whole multiple of the period (missed vsyncs) moves
// the anchor and sequence without touching the estimate. Non-monotonic timestamps and
// intervals outside the tolerance return ErrTimingAnomaly.
func (t *Tracker) AddVsyncTimestamp(ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.model.Load()

	if t.last.IsZero() {
		t.last = ts
		cur.Anchor = ts
		cur.Seq++
		cur.PhaseSeq = cur.Seq
		t.model.Store(&cur)
		return nil
	}

	interval := ts.Sub(t.last)
	if interval <= 0 {
		return t.anomalyLocked(ts, fmt.Errorf("%w: non-monotonic timestamp (interval %v)", ErrTimingAnomaly, interval))
	}

	if cur.Period > 0 && t.count > 0 {
		ratio := float64(interval) / float64(cur.Period)
		k := math.Round(ratio)
		switch {
		case k == 1 && math.Abs(ratio-1) <= t.tolerance:
			// regular interval
		case k > 1 && k <= maxMissedVsyncSkip && math.Abs(ratio-k) <= t.tolerance:
			t.anomalies = 0
			t.last = ts
			cur.Anchor = ts
			cur.Seq += uint64(k)
			t.model.Store(&cur)
			return nil
		default:
			return t.anomalyLocked(ts, fmt.Errorf("%w: interval %v outside tolerance of period %v", ErrTimingAnomaly, interval, cur.Period))
		}
	}

	t.anomalies = 0
	t.last = ts
	t.pushLocked(interval)

	cur.Period = t.meanLocked()
	cur.Anchor = ts
	cur.Seq++
	cur.Samples = t.count
	t.model.Store(&cur)
	return nil
}

func (t *Tracker) anomalyLocked(ts time.Time, err error) error {
	t.anomalies++
	t.logger.Warn("vsync timestamp rejected",
		"timestamp", ts,
		"consecutive", t.anomalies,
		"error", err)

	if t.anomalies >= t.resetAfter {
		t.logger.Info("vsync tracker re-learning period", "after_anomalies", t.anomalies)
		t.clearLocked()
		t.last = ts
		cur := *t.model.Load()
		cur.Anchor = ts
		cur.Seq++
		cur.PhaseSeq = cur.Seq
		t.model.Store(&cur)
	}
	return err
}

func (t *Tracker) pushLocked(d time.Duration) {
	t.intervals[t.head] = d
	t.head = (t.head + 1) % len(t.intervals)
	if t.count < len(t.intervals) {
		t.count++
	}
}

func (t *Tracker) meanLocked() time.Duration {
	var sum time.Duration
	for i := 0; i < t.count; i++ {
		sum += t.intervals[i]
	}
	return sum / time.Duration(t.count)
}

func (t *Tracker) clearLocked() {
	for i := range t.intervals {
		t.intervals[i] = 0
	}
	t.head = 0
	t.count = 0
	t.anomalies = 0
	t.last = time.Time{}
}

// SetRenderDivisor implements Controller. Values below 1 are treated as 1.
// A new divisor aligns rendering to the last accepted hardware vsync.
func (t *Tracker) SetRenderDivisor(n int) {
	if n < 1 {
		n = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.model.Load()
	if cur.Divisor == n {
		return
	}
	cur.Divisor = n
	cur.PhaseSeq = cur.Seq
	t.model.Store(&cur)
}

// Reset implements Controller. The interval history is discarded; the last
// known period and divisor stay published until new samples replace them.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

var (
	_ Timeline   = (*Tracker)(nil)
	_ Controller = (*Tracker)(nil)
)
