package vsync

import (
	"errors"
	"time"
)

// ErrTimingAnomaly reports a hardware timestamp that cannot be reconciled
// with the current model. The previous model stays in effect.
var ErrTimingAnomaly = errors.New("vsync: timing anomaly")

// Timeline answers timing questions about upcoming vsync edges.
type Timeline interface {
	// CurrentPeriod returns the last measured vsync period. It is never
	// negative; zero means no period is known yet.
	CurrentPeriod() time.Duration

	// NextAnticipatedVsyncTimeFrom returns the first anticipated vsync at or
	// after t. Successive results differ by whole multiples of the render
	// period.
	NextAnticipatedVsyncTimeFrom(t time.Time) time.Time
}

// Controller receives hardware vsync input and rate decisions.
type Controller interface {
	AddVsyncTimestamp(ts time.Time) error
	SetRenderDivisor(n int)
	Reset()
}

// Model is an immutable snapshot of the tracker's estimate.
type Model struct {
	// Period is the hardware vsync period.
	Period time.Duration

	// Anchor is the last accepted hardware timestamp.
	Anchor time.Time

	// Seq counts hardware vsyncs up to Anchor, including missed ones.
	Seq uint64

	// PhaseSeq is the hardware vsync that rendering is aligned to. Render
	// edges fall on vsyncs whose Seq is PhaseSeq plus a multiple of Divisor.
	PhaseSeq uint64

	// Divisor selects every Nth hardware vsync for rendering.
	Divisor int

	// Samples is the number of intervals behind Period.
	Samples int
}

// RenderPeriod is the period between rendered frames.
func (m Model) RenderPeriod() time.Duration {
	return m.Period * time.Duration(m.Divisor)
}

// RefreshRate returns the hardware refresh rate in Hz, 0 when unknown.
func (m Model) RefreshRate() float64 {
	if m.Period <= 0 {
		return 0
	}
	return float64(time.Second) / float64(m.Period)
}

// renderAnchor is the first render-aligned hardware edge at or after Anchor.
// It stays put as Anchor advances one hardware vsync at a time.
func (m Model) renderAnchor() time.Time {
	n := uint64(max(m.Divisor, 1))
	off := (m.Seq - m.PhaseSeq) % n
	if off == 0 {
		return m.Anchor
	}
	return m.Anchor.Add(time.Duration(n-off) * m.Period)
}

// nextFrom aligns t to renderAnchor + k*renderPeriod with the smallest
// result >= t.
func (m Model) nextFrom(t time.Time) time.Time {
	step := m.RenderPeriod()
	if step <= 0 {
		return t
	}

	anchor := m.renderAnchor()
	d := t.Sub(anchor)
	if d <= 0 {
		k := -d / step
		return anchor.Add(-k * step)
	}
	k := (d + step - 1) / step
	return anchor.Add(k * step)
}
