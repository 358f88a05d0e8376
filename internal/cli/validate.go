package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/framepace/internal/config"
	"github.com/roach88/framepace/internal/harness"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Policy    string
	Scenarios string
}

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

// ValidateResult lists what was checked and what failed.
type ValidateResult struct {
	Checked []string          `json:"checked"`
	Issues  []ValidationIssue `json:"issues"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check config, policy, and scenario files",
		Long: `Validate the configuration (--config and FRAMEPACE_* variables), the
rate policy against its CUE schema, and optionally every scenario in a
directory, without running anything.

Examples:
  framepace validate --config ./framepace.yaml
  framepace validate --policy ./policy.cue
  framepace validate --scenarios ./scenarios --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", "", "CUE policy file (defaults to scheduler.policy from config)")
	cmd.Flags().StringVar(&opts.Scenarios, "scenarios", "", "directory of scenario files to check")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result := ValidateResult{Checked: []string{}, Issues: []ValidationIssue{}}

	cfg, err := config.Load(opts.ConfigPath)
	result.Checked = append(result.Checked, "config")
	if err != nil {
		result.Issues = append(result.Issues, configIssues(opts.ConfigPath, err)...)
		cfg = config.Default()
	}

	policyPath := opts.Policy
	if policyPath == "" {
		policyPath = cfg.Scheduler.Policy
	}
	result.Checked = append(result.Checked, "policy")
	if _, err := loadPolicy(policyPath); err != nil {
		result.Issues = append(result.Issues, ValidationIssue{Code: CodePolicy, File: policyPath, Message: err.Error()})
	}

	if opts.Scenarios != "" {
		if info, err := os.Stat(opts.Scenarios); err != nil || !info.IsDir() {
			return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", opts.Scenarios))
		}
		files, err := findScenarioFiles(opts.Scenarios, "")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		for _, file := range files {
			formatter.VerboseLog("Validating scenario: %s", file)
			result.Checked = append(result.Checked, file)
			if _, err := harness.LoadScenario(file); err != nil {
				result.Issues = append(result.Issues, ValidationIssue{Code: CodeScenario, File: file, Message: err.Error()})
			}
		}
	}

	ok := len(result.Issues) == 0
	if formatter.JSON() {
		if err := formatter.Respond(ok, result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		sty := newStyles(w)
		for _, issue := range result.Issues {
			if issue.File != "" {
				fmt.Fprintf(w, "%s [%s] %s: %s\n", sty.mark(false), issue.Code, issue.File, issue.Message)
			} else {
				fmt.Fprintf(w, "%s [%s] %s\n", sty.mark(false), issue.Code, issue.Message)
			}
		}
		if ok {
			fmt.Fprintf(w, "%s %d item(s) valid\n", sty.mark(true), len(result.Checked))
		}
	}

	if !ok {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(result.Issues)))
	}
	return nil
}

// configIssues splits joined validation errors into one issue each.
func configIssues(path string, err error) []ValidationIssue {
	var joined interface{ Unwrap() []error }
	errs := []error{err}
	if errors.As(err, &joined) {
		errs = joined.Unwrap()
	}
	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		issues = append(issues, ValidationIssue{Code: CodeConfig, File: path, Message: e.Error()})
	}
	return issues
}
