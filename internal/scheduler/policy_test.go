package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/framepace/internal/layer"
)

func TestPriorityPolicy_Select(t *testing.T) {
	tests := []struct {
		name   string
		policy PriorityPolicy
		cands  []Candidate
		want   layer.ID
		ok     bool
	}{
		{
			name:   "no candidates",
			policy: DefaultPolicy(),
		},
		{
			name:   "highest priority wins",
			policy: DefaultPolicy(),
			cands: []Candidate{
				{Layer: 1, Priority: 1, FrameRate: 60},
				{Layer: 2, Priority: 3, FrameRate: 30},
				{Layer: 3, Priority: 2, FrameRate: 24},
			},
			want: 2, ok: true,
		},
		{
			name:   "lowest direction",
			policy: PriorityPolicy{Direction: LowestWins},
			cands: []Candidate{
				{Layer: 1, Priority: 1, FrameRate: 60},
				{Layer: 2, Priority: 0, FrameRate: 30},
			},
			want: 2, ok: true,
		},
		{
			name:   "explicit beats unset",
			policy: PriorityPolicy{Direction: LowestWins},
			cands: []Candidate{
				{Layer: 1, Priority: layer.PriorityUnset, FrameRate: 60},
				{Layer: 2, Priority: 9, FrameRate: 30},
			},
			want: 2, ok: true,
		},
		{
			name:   "tie goes to lower id",
			policy: DefaultPolicy(),
			cands: []Candidate{
				{Layer: 5, Priority: 2, FrameRate: 60},
				{Layer: 3, Priority: 2, FrameRate: 30},
			},
			want: 3, ok: true,
		},
		{
			name:   "all unset, lower id",
			policy: DefaultPolicy(),
			cands: []Candidate{
				{Layer: 4, Priority: layer.PriorityUnset, FrameRate: 60},
				{Layer: 2, Priority: layer.PriorityUnset, FrameRate: 30},
			},
			want: 2, ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.policy.Select(tt.cands)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.Layer)
		})
	}
}

func TestPriorityPolicy_DefaultVote(t *testing.T) {
	p := PriorityPolicy{DefaultVote: 30}
	got, ok := p.Select(nil)
	assert.True(t, ok)
	assert.Equal(t, 30, got.FrameRate)
	assert.Equal(t, layer.ID(0), got.Layer)
}

func TestPriorityPolicy_Divisor(t *testing.T) {
	tests := []struct {
		name    string
		policy  PriorityPolicy
		display float64
		vote    int
		want    int
	}{
		{"no vote", DefaultPolicy(), 60, 0, 1},
		{"full rate", DefaultPolicy(), 60, 60, 1},
		{"above display rate", DefaultPolicy(), 60, 120, 1},
		{"half", DefaultPolicy(), 60, 30, 2},
		{"24 on 60 rounds up to 30", DefaultPolicy(), 60, 24, 2},
		{"capped by max divisor", DefaultPolicy(), 120, 1, 4},
		{"quarter", DefaultPolicy(), 120, 30, 4},
		{"measured 59.94", DefaultPolicy(), 59.94, 30, 1},
		{"measured rounding slack", DefaultPolicy(), 60.0000024, 30, 2},
		{"min render rate", PriorityPolicy{MaxDivisor: 4, MinRenderRate: 40}, 120, 30, 3},
		{"zero max divisor uses default", PriorityPolicy{}, 120, 30, 4},
		{"no display rate", DefaultPolicy(), 0, 30, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Divisor(tt.display, tt.vote))
		})
	}
}

func TestPriorityPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, PriorityPolicy{Direction: "sideways"}.Validate())
	assert.Error(t, PriorityPolicy{MaxDivisor: -1}.Validate())
	assert.Error(t, PriorityPolicy{MinRenderRate: -1}.Validate())
	assert.Error(t, PriorityPolicy{DefaultVote: -1}.Validate())
}

func TestCandidates(t *testing.T) {
	tree := layer.NewTree()
	parent := tree.NewNode("parent")
	voter := tree.NewNode("voter")
	hidden := tree.NewNode("hidden")
	silent := tree.NewNode("silent")

	for _, n := range []*layer.Node{voter, hidden} {
		assert.NoError(t, n.SetFrameRate(30))
		assert.NoError(t, n.Commit())
	}
	assert.NoError(t, voter.SetParent(parent))
	assert.NoError(t, parent.SetFrameRateSelectionPriority(2))
	assert.NoError(t, parent.Commit())
	assert.NoError(t, hidden.SetVisible(false))
	assert.NoError(t, hidden.Commit())
	_ = silent

	got := candidates(tree.Snapshot())
	assert.Equal(t, []Candidate{{
		Layer:     voter.ID(),
		Name:      "voter",
		Priority:  2,
		Source:    parent.ID(),
		FrameRate: 30,
	}}, got)
}

func TestCandidates_HiddenAncestorHidesSubtree(t *testing.T) {
	tree := layer.NewTree()
	root := tree.NewNode("root")
	group := tree.NewNode("group")
	video := tree.NewNode("video")
	require.NoError(t, group.SetParent(root))
	require.NoError(t, video.SetParent(group))
	require.NoError(t, video.SetFrameRate(24))
	require.NoError(t, video.Commit())

	require.Len(t, candidates(tree.Snapshot()), 1)

	// The video itself stays visible; its grandparent does not.
	require.NoError(t, root.SetVisible(false))
	require.NoError(t, root.Commit())
	assert.Empty(t, candidates(tree.Snapshot()))

	require.NoError(t, root.SetVisible(true))
	require.NoError(t, root.Commit())
	assert.Len(t, candidates(tree.Snapshot()), 1)
}
