// Package policy loads the refresh rate policy from CUE.
//
// A policy file sets fields of the top-level "policy" struct, for example:
//
//	policy: {
//		direction:   "lowest"
//		max_divisor: 2
//	}
//
// It is unified with an embedded schema that supplies defaults and bounds
// and rejects unknown fields.
package policy

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/framepace/internal/scheduler"
)

//go:embed schema.cue
var schemaSource string

// Policy is the decoded rate policy.
type Policy struct {
	Direction     string  `json:"direction"`
	MaxDivisor    int     `json:"max_divisor"`
	MinRenderRate float64 `json:"min_render_rate"`
	DefaultVote   int     `json:"default_vote"`
}

// Error is a policy file problem with its source position when known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the schema defaults.
func Default() Policy {
	p, err := Parse(nil, "default.cue")
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("policy: embedded schema: %v", err))
	}
	return p
}

// Load reads and validates a policy file.
func Load(path string) (Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(src, path)
}

// Parse validates src against the schema and decodes the result. filename
// is used in error positions.
func Parse(src []byte, filename string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	value := schema
	if len(src) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return Policy{}, formatCUEError(err)
		}
		value = schema.Unify(user)
	}

	pv := value.LookupPath(cue.ParsePath("policy"))
	if err := pv.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, formatCUEError(err)
	}

	var p Policy
	if err := pv.Decode(&p); err != nil {
		return Policy{}, formatCUEError(err)
	}
	return p, nil
}

// RatePolicy converts p into the scheduler's policy.
func (p Policy) RatePolicy() scheduler.PriorityPolicy {
	return scheduler.PriorityPolicy{
		Direction:     scheduler.Direction(p.Direction),
		MaxDivisor:    p.MaxDivisor,
		MinRenderRate: p.MinRenderRate,
		DefaultVote:   p.DefaultVote,
	}
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	pe := &Error{Field: "cue", Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		pe.Field = path[len(path)-1]
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		pe.Pos = positions[0]
	}
	return pe
}
