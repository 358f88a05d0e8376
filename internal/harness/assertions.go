package harness

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/scheduler"
)

// ExpectationError is a failed check within a step.
type ExpectationError struct {
	Step     int
	Op       string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("steps[%d] %s: expected %s, got %s", e.Step, e.Op, e.Expected, e.Actual)
}

func fail(step int, op, expected, actual string) string {
	return (&ExpectationError{Step: step, Op: op, Expected: expected, Actual: actual}).Error()
}

// checkDecision compares the non-nil fields of want against d.
func checkDecision(step int, want *RateExpect, d scheduler.Decision, result *Result) {
	if want.Vote != nil && *want.Vote != d.Vote {
		result.AddError(fail(step, OpChooseRate, fmt.Sprintf("vote %d", *want.Vote), fmt.Sprintf("%d", d.Vote)))
	}
	if want.Source != nil {
		got := d.SourceName
		if d.Source == 0 {
			got = d.SourceLabel()
		}
		if got != *want.Source {
			result.AddError(fail(step, OpChooseRate, fmt.Sprintf("source %s", *want.Source), got))
		}
	}
	if want.Priority != nil && layer.Priority(*want.Priority) != d.Priority {
		result.AddError(fail(step, OpChooseRate, "priority "+want.Priority.String(), d.Priority.String()))
	}
	if want.Divisor != nil && *want.Divisor != d.Divisor {
		result.AddError(fail(step, OpChooseRate, fmt.Sprintf("divisor %d", *want.Divisor), fmt.Sprintf("%d", d.Divisor)))
	}
	if want.Fallback != nil && *want.Fallback != d.Fallback {
		result.AddError(fail(step, OpChooseRate, fmt.Sprintf("fallback %t", *want.Fallback), fmt.Sprintf("%t", d.Fallback)))
	}
}

// sortedKeys keeps error output stable across runs.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
