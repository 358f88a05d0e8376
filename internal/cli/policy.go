package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/framepace/internal/canonical"
	"github.com/roach88/framepace/internal/policy"
	"github.com/roach88/framepace/internal/scheduler"
)

// DomainPolicy separates policy hashes from other canonical hashes.
const DomainPolicy = "framepace/policy/v1"

// PolicyOptions holds flags for the policy command.
type PolicyOptions struct {
	*RootOptions
	File  string
	Votes []int
}

// PolicyResult is the resolved policy and its divisor table.
type PolicyResult struct {
	Source      string        `json:"source"`
	Direction   string        `json:"direction"`
	MaxDivisor  int           `json:"max_divisor"`
	MinRender   float64       `json:"min_render_rate"`
	DefaultVote int           `json:"default_vote"`
	Hash        string        `json:"hash"`
	DisplayRate float64       `json:"display_rate"`
	Divisors    []DivisorLine `json:"divisors"`
}

// DivisorLine is the divisor the policy picks for one vote.
type DivisorLine struct {
	Vote     int     `json:"vote"`
	Divisor  int     `json:"divisor"`
	RenderHz float64 `json:"render_hz"`
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the resolved rate policy",
		Long: `Resolve the rate policy (schema defaults, then the policy file) and
show the divisor it picks for a set of votes at the configured display rate.

Examples:
  framepace policy
  framepace policy --file ./policy.cue --votes 24,30,60
  framepace policy --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPolicy(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "CUE policy file (defaults to scheduler.policy from config)")
	cmd.Flags().IntSliceVar(&opts.Votes, "votes", []int{24, 30, 48, 60, 90, 120}, "votes to quantize")

	return cmd
}

func showPolicy(opts *PolicyOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	path := opts.File
	if path == "" {
		path = cfg.Scheduler.Policy
	}

	formatter := opts.formatter(cmd)
	pol, err := loadPolicy(path)
	if err != nil {
		if formatter.JSON() {
			_ = formatter.Error(CodePolicy, err.Error(), map[string]string{"file": path})
		}
		return WrapExitError(ExitFailure, "invalid policy", err)
	}

	hash, err := canonical.Hash(DomainPolicy, policyPayload(pol))
	if err != nil {
		return WrapExitError(ExitFailure, "hash policy", err)
	}

	displayRate := float64(time.Second) / float64(cfg.Display.VsyncPeriod)
	rp := pol.RatePolicy()
	result := PolicyResult{
		Source:      path,
		Direction:   pol.Direction,
		MaxDivisor:  pol.MaxDivisor,
		MinRender:   pol.MinRenderRate,
		DefaultVote: pol.DefaultVote,
		Hash:        hash,
		DisplayRate: displayRate,
		Divisors:    make([]DivisorLine, 0, len(opts.Votes)),
	}
	if result.Source == "" {
		result.Source = "defaults"
	}
	for _, vote := range opts.Votes {
		div := rp.Divisor(displayRate, vote)
		result.Divisors = append(result.Divisors, DivisorLine{
			Vote:     vote,
			Divisor:  div,
			RenderHz: displayRate / float64(div),
		})
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Policy (%s)\n", result.Source)
	fmt.Fprintf(w, "  direction:       %s\n", result.Direction)
	fmt.Fprintf(w, "  max_divisor:     %d\n", result.MaxDivisor)
	fmt.Fprintf(w, "  min_render_rate: %g\n", result.MinRender)
	fmt.Fprintf(w, "  default_vote:    %d\n", result.DefaultVote)
	fmt.Fprintf(w, "  hash:            %s\n", result.Hash)
	fmt.Fprintf(w, "\nDivisors at %.2f Hz:\n", displayRate)
	for _, l := range result.Divisors {
		fmt.Fprintf(w, "  vote %4d -> divisor %d (%.2f Hz)\n", l.Vote, l.Divisor, l.RenderHz)
	}
	return nil
}

// loadPolicy reads a policy file, or returns the schema defaults for an
// empty path.
func loadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.Load(path)
}

// policyPayload is the policy in canonical integer units.
func policyPayload(p policy.Policy) map[string]any {
	return map[string]any{
		"direction":      p.Direction,
		"max_divisor":    p.MaxDivisor,
		"min_render_mhz": scheduler.Millihertz(p.MinRenderRate),
		"default_vote":   p.DefaultVote,
	}
}
