package scheduler

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/framepace/internal/layer"
)

// Candidate is a visible layer that votes a frame rate.
type Candidate struct {
	Layer     layer.ID
	Name      string
	Priority  layer.Priority
	Source    layer.ID
	FrameRate int
}

// RatePolicy arbitrates between candidates and quantizes the winner.
type RatePolicy interface {
	// Select returns the winning candidate, false when there is none.
	Select(cands []Candidate) (Candidate, bool)

	// Divisor maps a vote onto a divisor of displayRate.
	Divisor(displayRate float64, vote int) int
}

// Direction says which end of the priority scale wins.
type Direction string

const (
	HighestWins Direction = "highest"
	LowestWins  Direction = "lowest"
)

// DefaultMaxDivisor bounds quantization: 60Hz can drop to 15Hz, no lower.
const DefaultMaxDivisor = 4

// PriorityPolicy is the default RatePolicy.
//
// Ranking:
//  1. explicit priorities rank above unset ones
//  2. among explicit priorities, Direction decides (highest by default)
//  3. ties go to the layer created first (lower ID)
type PriorityPolicy struct {
	Direction  Direction
	MaxDivisor int

	// MinRenderRate is the lowest render rate (Hz) quantization may pick.
	MinRenderRate float64

	// DefaultVote applies when no layer votes; 0 keeps the full display rate.
	DefaultVote int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() PriorityPolicy {
	return PriorityPolicy{
		Direction:  HighestWins,
		MaxDivisor: DefaultMaxDivisor,
	}
}

// Validate checks the policy fields.
func (p PriorityPolicy) Validate() error {
	switch p.Direction {
	case HighestWins, LowestWins, "":
	default:
		return fmt.Errorf("scheduler: unknown priority direction %q", p.Direction)
	}
	if p.MaxDivisor < 0 {
		return fmt.Errorf("scheduler: max divisor must be >= 0, got %d", p.MaxDivisor)
	}
	if p.MinRenderRate < 0 {
		return fmt.Errorf("scheduler: min render rate must be >= 0, got %v", p.MinRenderRate)
	}
	if p.DefaultVote < 0 {
		return fmt.Errorf("scheduler: default vote must be >= 0, got %d", p.DefaultVote)
	}
	return nil
}

// Select implements RatePolicy.
func (p PriorityPolicy) Select(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		if p.DefaultVote > 0 {
			return Candidate{Priority: layer.PriorityUnset, FrameRate: p.DefaultVote}, true
		}
		return Candidate{}, false
	}

	best := slices.MinFunc(cands, p.compare)
	return best, true
}

// compare orders a before b when a should win.
func (p PriorityPolicy) compare(a, b Candidate) int {
	aSet, bSet := a.Priority.IsSet(), b.Priority.IsSet()
	switch {
	case aSet && !bSet:
		return -1
	case !aSet && bSet:
		return 1
	case aSet && bSet && a.Priority != b.Priority:
		if p.Direction == LowestWins {
			return cmp.Compare(a.Priority, b.Priority)
		}
		return cmp.Compare(b.Priority, a.Priority)
	}
	return cmp.Compare(a.Layer, b.Layer)
}

// Divisor implements RatePolicy: the largest n <= MaxDivisor such that
// displayRate/n still meets the vote (and MinRenderRate).
func (p PriorityPolicy) Divisor(displayRate float64, vote int) int {
	if vote <= 0 || displayRate <= 0 {
		return 1
	}

	maxDiv := p.MaxDivisor
	if maxDiv <= 0 {
		maxDiv = DefaultMaxDivisor
	}

	floor := float64(vote)
	if p.MinRenderRate > floor {
		floor = p.MinRenderRate
	}

	// Hz values are measured; allow for rounding in the period estimate.
	const slack = 0.01
	for n := maxDiv; n > 1; n-- {
		if displayRate/float64(n)+slack >= floor {
			return n
		}
	}
	return 1
}

// candidates turns a layer snapshot into the visible, voting layers.
func candidates(snap []layer.NodeSnapshot) []Candidate {
	var out []Candidate
	for _, n := range snap {
		if !n.EffectiveVisible || n.Committed.FrameRate <= 0 {
			continue
		}
		out = append(out, Candidate{
			Layer:     n.ID,
			Name:      n.Name,
			Priority:  n.Effective,
			Source:    n.Source,
			FrameRate: n.Committed.FrameRate,
		})
	}
	return out
}
