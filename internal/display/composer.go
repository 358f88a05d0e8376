// Package display is the composer boundary: hardware vsync on/off and a
// synthetic vsync source for running without a display.
package display

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Composer is the narrow slice of the composer HAL the scheduler uses.
type Composer interface {
	SetVsyncEnabled(enabled bool) error
}

// TimestampSink receives hardware vsync timestamps.
// Implemented by *vsync.Tracker.
type TimestampSink interface {
	AddVsyncTimestamp(ts time.Time) error
}

// ErrAlreadyRunning is returned by Run when called twice.
var ErrAlreadyRunning = errors.New("display: synthetic composer already running")

// SyntheticComposer emits vsync timestamps at a fixed period while hardware
// vsync is enabled. It stands in for the composer HAL in the CLI and tests.
type SyntheticComposer struct {
	period time.Duration
	jitter time.Duration
	sink   TimestampSink
	logger *slog.Logger

	enabled atomic.Bool
	running atomic.Bool
	emitted atomic.Uint64

	mu       sync.Mutex
	rejected int
}

// SyntheticOption configures a SyntheticComposer.
type SyntheticOption func(*SyntheticComposer)

// WithJitter adds up to +/- j of uniform noise to each timestamp.
func WithJitter(j time.Duration) SyntheticOption {
	return func(c *SyntheticComposer) {
		if j >= 0 {
			c.jitter = j
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SyntheticOption {
	return func(c *SyntheticComposer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewSyntheticComposer creates a composer that feeds sink every period.
// Hardware vsync starts enabled.
func NewSyntheticComposer(period time.Duration, sink TimestampSink, opts ...SyntheticOption) *SyntheticComposer {
	c := &SyntheticComposer{
		period: period,
		sink:   sink,
		logger: slog.Default(),
	}
	c.enabled.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetVsyncEnabled implements Composer.
func (c *SyntheticComposer) SetVsyncEnabled(enabled bool) error {
	if c.enabled.Swap(enabled) != enabled {
		c.logger.Debug("hardware vsync toggled", "enabled", enabled)
	}
	return nil
}

// VsyncEnabled reports whether timestamps are being emitted.
func (c *SyntheticComposer) VsyncEnabled() bool {
	return c.enabled.Load()
}

// Emitted returns the number of timestamps delivered to the sink.
func (c *SyntheticComposer) Emitted() uint64 {
	return c.emitted.Load()
}

// Rejected returns the number of timestamps the sink refused.
func (c *SyntheticComposer) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Run emits timestamps until ctx is cancelled.
func (c *SyntheticComposer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !c.enabled.Load() {
				continue
			}
			c.Emit(now)
		}
	}
}

// Emit delivers one timestamp to the sink, applying jitter.
func (c *SyntheticComposer) Emit(ts time.Time) {
	if c.jitter > 0 {
		ts = ts.Add(time.Duration(rand.Int64N(int64(2*c.jitter)+1)) - c.jitter)
	}
	if err := c.sink.AddVsyncTimestamp(ts); err != nil {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		c.logger.Debug("synthetic vsync rejected", "error", err)
		return
	}
	c.emitted.Add(1)
}
