package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/policy"
	"github.com/roach88/framepace/internal/scheduler"
	"github.com/roach88/framepace/internal/testutil"
	"github.com/roach88/framepace/internal/vsync"
)

// DefaultDisplayRate is used when a scenario omits display_rate.
const DefaultDisplayRate = 60

// Harness executes one scenario.
type Harness struct {
	tree    *layer.Tree
	nodes   map[string]*layer.Node
	names   map[layer.ID]string
	sched   *scheduler.Scheduler
	tracker *vsync.Tracker
	clock   *testutil.ManualClock
	period  time.Duration
	logger  *slog.Logger
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sends scheduler and tracker logs to l instead of discarding
// them.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Run executes a scenario on a fresh tree and returns the result.
//
// A returned error means the scenario could not run (bad policy, unknown
// layer). Failed expectations are reported in Result.Errors instead.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	h, err := newHarness(s, cfg.logger)
	if err != nil {
		return nil, err
	}
	defer h.sched.Shutdown()

	result := NewResult()
	for i := range s.Steps {
		if err := h.execute(i, &s.Steps[i], result); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, s.Steps[i].Op, err)
		}
	}
	return result, nil
}

func newHarness(s *Scenario, logger *slog.Logger) (*Harness, error) {
	rp, err := scenarioPolicy(s)
	if err != nil {
		return nil, err
	}

	rate := s.DisplayRate
	if rate == 0 {
		rate = DefaultDisplayRate
	}
	period := time.Second / time.Duration(rate)

	tree, nodes, err := BuildTree(s.Layers)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		tree:   tree,
		nodes:  nodes,
		names:  make(map[layer.ID]string, len(nodes)),
		clock:  testutil.NewManualClock(time.Unix(0, 0)),
		period: period,
		logger: logger,
	}
	for name, n := range nodes {
		h.names[n.ID()] = name
	}

	h.tracker = vsync.NewTracker(vsync.WithInitialPeriod(period), vsync.WithTrackerLogger(logger))
	for i := 0; i < 4; i++ {
		if err := h.tracker.AddVsyncTimestamp(h.clock.Advance(period)); err != nil {
			return nil, fmt.Errorf("seed vsync timeline: %w", err)
		}
	}

	h.sched = scheduler.New(
		scheduler.WithLogger(logger),
		scheduler.WithPolicy(rp),
		scheduler.WithLayers(h.tree),
		scheduler.WithClock(h.clock.Now),
	)
	app := dispatch.New(dispatch.WithName("app"), dispatch.WithLogger(logger))
	if _, err := h.sched.Setup(h.tracker, h.tracker, app); err != nil {
		return nil, err
	}
	return h, nil
}

// scenarioPolicy resolves the rate policy through the CUE schema.
func scenarioPolicy(s *Scenario) (scheduler.PriorityPolicy, error) {
	var (
		p   policy.Policy
		err error
	)
	switch {
	case s.PolicyFile != "":
		p, err = policy.Load(s.policyPath())
	case s.Policy != nil:
		// JSON is valid CUE, so inline YAML fields go through the same schema.
		src, merr := json.Marshal(map[string]any{"policy": s.Policy})
		if merr != nil {
			return scheduler.PriorityPolicy{}, fmt.Errorf("encode inline policy: %w", merr)
		}
		p, err = policy.Parse(src, s.Name+".policy")
	default:
		p = policy.Default()
	}
	if err != nil {
		return scheduler.PriorityPolicy{}, fmt.Errorf("scenario policy: %w", err)
	}
	return p.RatePolicy(), nil
}

// BuildTree creates and commits the declared layers on a new tree.
func BuildTree(decls []LayerDecl) (*layer.Tree, map[string]*layer.Node, error) {
	tree := layer.NewTree()
	nodes := make(map[string]*layer.Node, len(decls))

	for _, d := range decls {
		if _, dup := nodes[d.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate layer %q", d.Name)
		}
		n := tree.NewNode(d.Name)
		nodes[d.Name] = n

		if d.Parent != "" {
			parent, ok := nodes[d.Parent]
			if !ok {
				return nil, nil, fmt.Errorf("layer %q: unknown parent %q", d.Name, d.Parent)
			}
			if err := n.SetParent(parent); err != nil {
				return nil, nil, fmt.Errorf("layer %q: %w", d.Name, err)
			}
		}
		if d.Priority != nil {
			if err := n.SetFrameRateSelectionPriority(layer.Priority(*d.Priority)); err != nil {
				return nil, nil, fmt.Errorf("layer %q: %w", d.Name, err)
			}
		}
		if d.FrameRate > 0 {
			if err := n.SetFrameRate(d.FrameRate); err != nil {
				return nil, nil, fmt.Errorf("layer %q: %w", d.Name, err)
			}
		}
		if d.Visible != nil {
			if err := n.SetVisible(*d.Visible); err != nil {
				return nil, nil, fmt.Errorf("layer %q: %w", d.Name, err)
			}
		}
	}
	tree.CommitAll()
	return tree, nodes, nil
}

func (h *Harness) node(name string) (*layer.Node, error) {
	n, ok := h.nodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", name)
	}
	return n, nil
}

func (h *Harness) name(id layer.ID) string {
	if id == 0 {
		return ""
	}
	return h.names[id]
}

func (h *Harness) execute(i int, st *Step, result *Result) error {
	ev := TraceEvent{Step: i, Op: st.Op, Layer: st.Layer, Outcome: OutcomeOK, Args: map[string]any{}}

	switch st.Op {
	case OpExpect:
		h.expect(i, st, &ev, result)
		result.addTrace(ev)
		return nil
	case OpChooseRate:
		h.chooseRate(i, st, &ev, result)
		result.addTrace(ev)
		return nil
	case OpCommit:
		if st.Layer == "" {
			ev.Observed = map[string]any{"committed": h.tree.CommitAll()}
			result.addTrace(ev)
			return nil
		}
	}

	n, err := h.node(st.Layer)
	if err != nil {
		return err
	}

	var opErr error
	switch st.Op {
	case OpSetParent:
		p, err := h.node(st.Parent)
		if err != nil {
			return err
		}
		ev.Args["parent"] = st.Parent
		opErr = n.SetParent(p)
	case OpDetach:
		opErr = n.SetParent(nil)
	case OpSetPriority:
		ev.Args["priority"] = st.Priority.String()
		opErr = n.SetFrameRateSelectionPriority(layer.Priority(*st.Priority))
	case OpClearPriority:
		opErr = n.ClearFrameRateSelectionPriority()
	case OpSetFrameRate:
		ev.Args["frame_rate"] = *st.FrameRate
		opErr = n.SetFrameRate(*st.FrameRate)
	case OpSetVisible:
		ev.Args["visible"] = *st.Visible
		opErr = n.SetVisible(*st.Visible)
	case OpCommit:
		opErr = n.Commit()
	case OpRemove:
		opErr = h.tree.Remove(n)
	case OpExpectCycle:
		p, err := h.node(st.Parent)
		if err != nil {
			return err
		}
		ev.Args["parent"] = st.Parent
		h.expectCycle(i, n, p, &ev, result)
		result.addTrace(ev)
		return nil
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}

	h.checkError(i, st, opErr, &ev, result)
	result.addTrace(ev)
	return nil
}

func (h *Harness) checkError(i int, st *Step, err error, ev *TraceEvent, result *Result) {
	if err != nil {
		ev.Outcome = OutcomeError
	}
	switch {
	case st.ExpectError == "" && err != nil:
		result.AddError(fail(i, st.Op, "no error", err.Error()))
	case st.ExpectError != "" && err == nil:
		result.AddError(fail(i, st.Op, fmt.Sprintf("error containing %q", st.ExpectError), "no error"))
	case st.ExpectError != "" && !strings.Contains(err.Error(), st.ExpectError):
		result.AddError(fail(i, st.Op, fmt.Sprintf("error containing %q", st.ExpectError), err.Error()))
	}
}

// expectCycle checks that parenting n under p is rejected and leaves n's
// parent untouched.
func (h *Harness) expectCycle(i int, n, p *layer.Node, ev *TraceEvent, result *Result) {
	before := n.Parent()
	err := n.SetParent(p)

	switch {
	case err == nil:
		result.AddError(fail(i, OpExpectCycle, "cycle rejection", "reparent succeeded"))
	case errors.Is(err, layer.ErrCycle):
		ev.Outcome = OutcomeRejected
	default:
		ev.Outcome = OutcomeError
		result.AddError(fail(i, OpExpectCycle, "cycle rejection", err.Error()))
	}

	if after := n.Parent(); after != before {
		result.AddError(fail(i, OpExpectCycle,
			fmt.Sprintf("parent of %s unchanged (%q)", n.Name(), h.name(before)),
			fmt.Sprintf("%q", h.name(after))))
	}
}

func (h *Harness) chooseRate(i int, st *Step, ev *TraceEvent, result *Result) {
	h.clock.Advance(h.period)
	dec := h.sched.ChooseRefreshRate()
	ev.Observed = dec.Payload()
	if st.Rate != nil {
		checkDecision(i, st.Rate, dec, result)
	}
}

func (h *Harness) expect(i int, st *Step, ev *TraceEvent, result *Result) {
	effective := map[string]any{}
	for _, snap := range h.tree.Snapshot() {
		effective[snap.Name] = snap.Effective.String()
	}
	ev.Observed = map[string]any{"effective": effective}

	for _, name := range sortedKeys(st.Priorities) {
		n, err := h.node(name)
		if err != nil || n.Removed() {
			result.AddError(fail(i, OpExpect, fmt.Sprintf("live layer %q", name), "not found"))
			continue
		}
		want := layer.Priority(st.Priorities[name])
		if got := n.FrameRateSelectionPriority(); got != want {
			result.AddError(fail(i, OpExpect,
				fmt.Sprintf("%s effective priority %s", name, want),
				got.String()))
		}
	}

	for _, name := range sortedKeys(st.Sources) {
		n, err := h.node(name)
		if err != nil || n.Removed() {
			result.AddError(fail(i, OpExpect, fmt.Sprintf("live layer %q", name), "not found"))
			continue
		}
		got := h.name(h.tree.Resolve(n).Source)
		if got == "" {
			got = SourceNone
		}
		if want := st.Sources[name]; got != want {
			result.AddError(fail(i, OpExpect, fmt.Sprintf("%s priority source %s", name, want), got))
		}
	}

	for _, name := range sortedKeys(st.Parents) {
		n, err := h.node(name)
		if err != nil {
			result.AddError(fail(i, OpExpect, fmt.Sprintf("layer %q", name), "not found"))
			continue
		}
		if got, want := h.name(n.Parent()), st.Parents[name]; got != want {
			result.AddError(fail(i, OpExpect, fmt.Sprintf("%s parent %q", name, want), fmt.Sprintf("%q", got)))
		}
	}
}
