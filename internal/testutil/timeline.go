package testutil

import (
	"sync"
	"time"
)

// FakeTimeline is a scripted vsync timeline and controller.
//
// NextAnticipatedVsyncTimeFrom aligns to a fixed anchor + k*Period*divisor;
// the period only changes through SetPeriod. Controller
// calls are recorded for assertions.
type FakeTimeline struct {
	mu         sync.Mutex
	period     time.Duration
	anchor     time.Time
	divisor    int
	divisors   []int
	resets     int
	timestamps []time.Time
}

// NewFakeTimeline creates a timeline with the given period anchored at
// anchor.
func NewFakeTimeline(period time.Duration, anchor time.Time) *FakeTimeline {
	return &FakeTimeline{period: period, anchor: anchor, divisor: 1}
}

// SetPeriod changes the reported period; zero simulates a missing model.
func (f *FakeTimeline) SetPeriod(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.period = d
}

// CurrentPeriod implements vsync.Timeline.
func (f *FakeTimeline) CurrentPeriod() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.period
}

// NextAnticipatedVsyncTimeFrom implements vsync.Timeline.
func (f *FakeTimeline) NextAnticipatedVsyncTimeFrom(t time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	step := f.period * time.Duration(f.divisor)
	if step <= 0 {
		return t
	}
	d := t.Sub(f.anchor)
	if d <= 0 {
		return f.anchor.Add(-(-d / step) * step)
	}
	return f.anchor.Add((d + step - 1) / step * step)
}

// AddVsyncTimestamp implements vsync.Controller.
func (f *FakeTimeline) AddVsyncTimestamp(ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timestamps = append(f.timestamps, ts)
	return nil
}

// SetRenderDivisor implements vsync.Controller.
func (f *FakeTimeline) SetRenderDivisor(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 {
		n = 1
	}
	f.divisor = n
	f.divisors = append(f.divisors, n)
}

// Reset implements vsync.Controller.
func (f *FakeTimeline) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

// Divisor returns the current render divisor.
func (f *FakeTimeline) Divisor() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.divisor
}

// Divisors returns every divisor programmed so far.
func (f *FakeTimeline) Divisors() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.divisors...)
}

// Resets returns the number of Reset calls.
func (f *FakeTimeline) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Timestamps returns the recorded hardware timestamps.
func (f *FakeTimeline) Timestamps() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.timestamps...)
}
