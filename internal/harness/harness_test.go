package harness

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(s.Steps))
		})
	}
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(strings.TrimSpace(src)))
	require.NoError(t, err)
	return s
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: "expects the wrong values"
layers:
  - name: parent
    priority: 1
  - name: child
    parent: parent
steps:
  - op: expect
    priorities:
      child: 4
    sources:
      child: child
    parents:
      child: ""
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"steps[0] expect: expected child effective priority 4, got 1",
		"steps[0] expect: expected child priority source child, got parent",
		`steps[0] expect: expected child parent "", got "parent"`,
	}, result.Errors)
}

func TestRun_UncommittedChangesAreInvisible(t *testing.T) {
	s := mustParse(t, `
name: pending
description: "pending state does not resolve"
layers:
  - name: a
steps:
  - op: set_priority
    layer: a
    priority: 3
  - op: expect
    priorities:
      a: unset
  - op: commit
    layer: a
  - op: expect
    priorities:
      a: 3
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ExpectError(t *testing.T) {
	s := mustParse(t, `
name: errors
description: "error expectations"
layers:
  - name: a
steps:
  - op: remove
    layer: a
  - op: commit
    layer: a
    expect_error: "stale handle"
  - op: commit
    layer: a
  - op: set_visible
    layer: a
    visible: true
    expect_error: "something else"
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[2] commit: expected no error")
	assert.Contains(t, result.Errors[1], `steps[3] set_visible: expected error containing "something else"`)
	assert.Equal(t, OutcomeError, result.Trace[1].Outcome)
}

func TestRun_ExpectErrorWithoutError(t *testing.T) {
	s := mustParse(t, `
name: noerr
description: "expected error never happens"
layers:
  - name: a
steps:
  - op: commit
    layer: a
    expect_error: "stale"
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, []string{`steps[0] commit: expected error containing "stale", got no error`}, result.Errors)
}

func TestRun_ExpectCycleFailsWhenAccepted(t *testing.T) {
	s := mustParse(t, `
name: nocycle
description: "siblings can be reparented"
layers:
  - name: a
  - name: b
steps:
  - op: expect_cycle
    layer: a
    parent: b
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected cycle rejection, got reparent succeeded")
	assert.Contains(t, result.Errors[1], "parent of a unchanged")
}

func TestRun_DetachKeepsSubtree(t *testing.T) {
	s := mustParse(t, `
name: detach
description: "detaching drops inherited priority"
layers:
  - name: root
    priority: 2
  - name: mid
    parent: root
  - name: leaf
    parent: mid
steps:
  - op: detach
    layer: mid
  - op: expect
    priorities:
      mid: unset
      leaf: unset
    parents:
      mid: ""
      leaf: mid
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_PolicyFile(t *testing.T) {
	s := mustParse(t, `
name: lowest
description: "lowest priority wins"
policy_file: testdata/policies/lowest.cue
layers:
  - name: a
    priority: 1
    frame_rate: 60
  - name: b
    priority: 5
    frame_rate: 30
steps:
  - op: choose_rate
    rate:
      vote: 60
      source: a
      priority: 1
      divisor: 1
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, int64(60000), result.Trace[0].Observed["display_mhz"])
}

func TestRun_DefaultVote(t *testing.T) {
	s := mustParse(t, `
name: default_vote
description: "policy default applies when nothing votes"
policy:
  default_vote: 30
layers:
  - name: a
steps:
  - op: choose_rate
    rate:
      vote: 30
      source: default
      divisor: 2
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ChooseRateMismatch(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "wrong rate expectation"
layers:
  - name: a
    frame_rate: 60
steps:
  - op: choose_rate
    rate:
      vote: 30
      source: b
      priority: 1
      divisor: 2
      fallback: true
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"steps[0] choose_rate: expected vote 30, got 60",
		"steps[0] choose_rate: expected source b, got a",
		"steps[0] choose_rate: expected priority 1, got unset",
		"steps[0] choose_rate: expected divisor 2, got 1",
		"steps[0] choose_rate: expected fallback true, got false",
	}, result.Errors)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown layer",
			src: `
name: x
description: d
layers: [{name: a}]
steps: [{op: commit, layer: ghost}]`,
			want: `steps[0] commit: unknown layer "ghost"`,
		},
		{
			name: "invalid inline policy",
			src: `
name: x
description: d
policy: {direction: sideways}
layers: [{name: a}]
steps: [{op: commit}]`,
			want: "scenario policy",
		},
		{
			name: "unknown policy field",
			src: `
name: x
description: d
policy: {tie_break: newest}
layers: [{name: a}]
steps: [{op: commit}]`,
			want: "scenario policy",
		},
		{
			name: "missing policy file",
			src: `
name: x
description: d
policy_file: testdata/policies/missing.cue
layers: [{name: a}]
steps: [{op: commit}]`,
			want: "read policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(mustParse(t, tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := mustParse(t, `
name: logged
description: "scheduler logs go to the given logger"
layers:
  - name: a
    frame_rate: 30
steps:
  - op: choose_rate
`)
	_, err := Run(s, WithLogger(logger))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "refresh rate selected")
}

func TestMarshalTrace(t *testing.T) {
	result := NewResult()
	result.addTrace(TraceEvent{Step: 0, Op: OpCommit, Outcome: OutcomeOK, Observed: map[string]any{"committed": 1}})
	result.AddError("boom")

	out, err := MarshalTrace("t", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"pass":false,"scenario":"t","steps":[{"observed":{"committed":1},"op":"commit","outcome":"ok","step":0}]}`,
		string(out))
}

func TestBuildTree(t *testing.T) {
	prio := PriorityValue(3)
	hidden := false
	tree, nodes, err := BuildTree([]LayerDecl{
		{Name: "root", Priority: &prio},
		{Name: "leaf", Parent: "root", FrameRate: 24, Visible: &hidden},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	leaf := nodes["leaf"]
	assert.Equal(t, nodes["root"].ID(), leaf.Parent())
	assert.Equal(t, "3", leaf.FrameRateSelectionPriority().String())
	assert.Equal(t, 24, leaf.CommittedState().FrameRate)
	assert.False(t, leaf.CommittedState().Visible)
	assert.Len(t, tree.Snapshot(), 2)

	_, _, err = BuildTree([]LayerDecl{{Name: "a", Parent: "ghost"}})
	assert.ErrorContains(t, err, `unknown parent "ghost"`)

	_, _, err = BuildTree([]LayerDecl{{Name: "a"}, {Name: "a"}})
	assert.ErrorContains(t, err, `duplicate layer "a"`)
}
