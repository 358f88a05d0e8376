package harness

// Step outcomes recorded in the trace.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int
	Op      string
	Layer   string
	Outcome string

	// Args are the step's inputs and Observed what the step saw (effective
	// priorities for expect, the decision for choose_rate). Both hold only
	// canonical-encodable values.
	Args     map[string]any
	Observed map[string]any
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation held.
	Pass bool

	// Trace has one event per executed step, in order.
	Trace []TraceEvent

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
