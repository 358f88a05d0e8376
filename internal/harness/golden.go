package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/framepace/internal/canonical"
)

// TraceSnapshot is the golden form of a run.
type TraceSnapshot struct {
	ScenarioName string
	Pass         bool
	Trace        []TraceEvent
}

// toCanonicalMap converts the snapshot for canonical.Marshal. Empty layer,
// args, and observed fields are omitted.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":    ev.Step,
			"op":      ev.Op,
			"outcome": ev.Outcome,
		}
		if ev.Layer != "" {
			m["layer"] = ev.Layer
		}
		if len(ev.Args) > 0 {
			m["args"] = ev.Args
		}
		if len(ev.Observed) > 0 {
			m["observed"] = ev.Observed
		}
		steps[i] = m
	}
	return map[string]any{
		"scenario": s.ScenarioName,
		"pass":     s.Pass,
		"steps":    steps,
	}
}

// MarshalTrace encodes a result as canonical JSON.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Pass: result.Pass, Trace: result.Trace}
	return canonical.Marshal(snap.toCanonicalMap())
}

// RunWithGolden runs a scenario and compares its trace with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
