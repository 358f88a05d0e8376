package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/roach88/framepace/internal/layer"
)

// Scenario is a scripted run against a layer tree.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// DisplayRate is the simulated panel rate in Hz. Defaults to 60.
	DisplayRate int `yaml:"display_rate,omitempty"`

	// Policy holds inline rate policy fields, validated against the CUE
	// schema. PolicyFile names a .cue file relative to the scenario.
	// At most one of them may be set.
	Policy     map[string]any `yaml:"policy,omitempty"`
	PolicyFile string         `yaml:"policy_file,omitempty"`

	// Layers are created in order and committed before the first step.
	Layers []LayerDecl `yaml:"layers"`

	Steps []Step `yaml:"steps"`

	// dir is the scenario file's directory, for PolicyFile.
	dir string
}

// LayerDecl declares one layer. Parent must be declared earlier.
type LayerDecl struct {
	Name      string         `yaml:"name"`
	Parent    string         `yaml:"parent,omitempty"`
	Priority  *PriorityValue `yaml:"priority,omitempty"`
	FrameRate int            `yaml:"frame_rate,omitempty"`
	Visible   *bool          `yaml:"visible,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op        string         `yaml:"op"`
	Layer     string         `yaml:"layer,omitempty"`
	Parent    string         `yaml:"parent,omitempty"`
	Priority  *PriorityValue `yaml:"priority,omitempty"`
	FrameRate *int           `yaml:"frame_rate,omitempty"`
	Visible   *bool          `yaml:"visible,omitempty"`

	// ExpectError is a substring the step's error must contain.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Priorities, Sources, and Parents are checked by expect. Sources map a
	// layer to the layer its priority came from ("none" when unset);
	// Parents map a layer to its parent ("" for a root).
	Priorities map[string]PriorityValue `yaml:"priorities,omitempty"`
	Sources    map[string]string        `yaml:"sources,omitempty"`
	Parents    map[string]string        `yaml:"parents,omitempty"`

	// Rate is checked by choose_rate.
	Rate *RateExpect `yaml:"rate,omitempty"`
}

// RateExpect lists the decision fields to check. Nil fields are ignored.
type RateExpect struct {
	Vote     *int           `yaml:"vote,omitempty"`
	Source   *string        `yaml:"source,omitempty"`
	Priority *PriorityValue `yaml:"priority,omitempty"`
	Divisor  *int           `yaml:"divisor,omitempty"`
	Fallback *bool          `yaml:"fallback,omitempty"`
}

// Step operations.
const (
	OpSetParent     = "set_parent"
	OpDetach        = "detach"
	OpSetPriority   = "set_priority"
	OpClearPriority = "clear_priority"
	OpSetFrameRate  = "set_frame_rate"
	OpSetVisible    = "set_visible"
	OpCommit        = "commit"
	OpRemove        = "remove"
	OpExpect        = "expect"
	OpExpectCycle   = "expect_cycle"
	OpChooseRate    = "choose_rate"
)

// SourceNone marks an unresolved priority in expect sources.
const SourceNone = "none"

// PriorityValue is a priority written as an integer or "unset".
type PriorityValue layer.Priority

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PriorityValue) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: priority must be an integer or \"unset\"", n.Line)
	}
	if n.Value == "unset" {
		*p = PriorityValue(layer.PriorityUnset)
		return nil
	}
	v, err := strconv.ParseInt(n.Value, 10, 32)
	if err != nil || v < 0 {
		return fmt.Errorf("line %d: priority must be a non-negative integer or \"unset\", got %q", n.Line, n.Value)
	}
	*p = PriorityValue(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p PriorityValue) MarshalYAML() (any, error) {
	if !layer.Priority(p).IsSet() {
		return "unset", nil
	}
	return int(p), nil
}

func (p PriorityValue) String() string {
	return layer.Priority(p).String()
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario parses scenario YAML. PolicyFile paths resolve against the
// working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func (s *Scenario) policyPath() string {
	if s.PolicyFile == "" || filepath.IsAbs(s.PolicyFile) || s.dir == "" {
		return s.PolicyFile
	}
	return filepath.Join(s.dir, s.PolicyFile)
}

// validateScenario checks structure only; layer references in steps are
// resolved at run time because steps may remove layers.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.DisplayRate < 0 {
		return fmt.Errorf("display_rate must be positive, got %d", s.DisplayRate)
	}
	if s.Policy != nil && s.PolicyFile != "" {
		return fmt.Errorf("policy and policy_file are mutually exclusive")
	}
	if len(s.Layers) == 0 {
		return fmt.Errorf("layers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Layers))
	for i, l := range s.Layers {
		if l.Name == "" {
			return fmt.Errorf("layers[%d]: name is required", i)
		}
		if declared[l.Name] {
			return fmt.Errorf("layers[%d]: duplicate layer %q", i, l.Name)
		}
		if l.Parent != "" && !declared[l.Parent] {
			return fmt.Errorf("layers[%d]: parent %q must be declared before %q", i, l.Parent, l.Name)
		}
		if l.FrameRate < 0 {
			return fmt.Errorf("layers[%d]: frame_rate must be non-negative", i)
		}
		declared[l.Name] = true
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	needLayer := func() error {
		if st.Layer == "" {
			return fmt.Errorf("steps[%d]: layer is required for %s", index, st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpSetParent, OpExpectCycle:
		if err := needLayer(); err != nil {
			return err
		}
		if st.Parent == "" {
			return fmt.Errorf("steps[%d]: parent is required for %s", index, st.Op)
		}
	case OpDetach, OpClearPriority, OpRemove:
		return needLayer()
	case OpSetPriority:
		if err := needLayer(); err != nil {
			return err
		}
		if st.Priority == nil {
			return fmt.Errorf("steps[%d]: priority is required for set_priority", index)
		}
	case OpSetFrameRate:
		if err := needLayer(); err != nil {
			return err
		}
		if st.FrameRate == nil {
			return fmt.Errorf("steps[%d]: frame_rate is required for set_frame_rate", index)
		}
	case OpSetVisible:
		if err := needLayer(); err != nil {
			return err
		}
		if st.Visible == nil {
			return fmt.Errorf("steps[%d]: visible is required for set_visible", index)
		}
	case OpCommit:
	case OpExpect:
		if len(st.Priorities) == 0 && len(st.Sources) == 0 && len(st.Parents) == 0 {
			return fmt.Errorf("steps[%d]: expect needs priorities, sources, or parents", index)
		}
	case OpChooseRate:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}
