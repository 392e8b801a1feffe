package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRunID is the run id of scenarios that do not set one. A fixed id
// keeps traces byte-identical across runs for golden comparison.
const DefaultRunID = "run-scenario"

// Scenario defines a conformance scenario: a program of controller-side
// steps run on an in-process cluster, plus assertions on the resulting
// command trace.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Size is the number of ranks, controller included.
	Size int `yaml:"size"`

	// Manifest is an optional CUE manifest replacing the built-in one.
	// Relative to the scenario file when loaded from disk.
	Manifest string `yaml:"manifest,omitempty"`

	// RunID fixes the run id. Default: DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`

	// Steps run in order on the controller.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and journals.
	// Supported types: trace_contains, trace_order, trace_count,
	// journals_consistent, journal_row
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one controller operation. Exactly one of the action fields is set.
type Step struct {
	// Exec runs a bootstrap statement, e.g. "import core".
	Exec string `yaml:"exec,omitempty"`

	// Construct names the type to construct. As names the new object for
	// later steps; Group restricts it to the listed worker ranks.
	Construct string `yaml:"construct,omitempty"`
	As        string `yaml:"as,omitempty"`
	Group     []int  `yaml:"group,omitempty"`

	// Call runs a broadcast method: "<object>.<method>".
	Call string `yaml:"call,omitempty"`

	// Invoke runs a gather method: "<object>.<method>".
	Invoke string `yaml:"invoke,omitempty"`

	// Set assigns Value to a property: "<object>.<property>".
	Set   string `yaml:"set,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Get reads a property: "<object>.<property>".
	Get string `yaml:"get,omitempty"`

	// Local runs a passthrough on the controller: "<Type or object>.<name>".
	Local string `yaml:"local,omitempty"`

	// Destroy ends an object.
	Destroy string `yaml:"destroy,omitempty"`

	// Release hands the workers back to worker-only code.
	Release bool `yaml:"release,omitempty"`

	// Args and Kwargs are the positional and named arguments.
	Args   []any          `yaml:"args,omitempty"`
	Kwargs map[string]any `yaml:"kwargs,omitempty"`

	// Expect is the expected value: a list (one per rank) for invoke, a
	// single value for get and local.
	Expect any `yaml:"expect,omitempty"`

	// ExpectError makes the step pass only if it fails as described.
	ExpectError *ExpectError `yaml:"expect_error,omitempty"`
}

// ExpectError describes an expected failure.
type ExpectError struct {
	// Code is the expected error code, e.g. "PAYLOAD_ERROR".
	Code string `yaml:"code,omitempty"`
	// Contains is a substring of the expected error message.
	Contains string `yaml:"contains,omitempty"`
	// Fatal, when set, requires the error to be (or not be) fatal.
	Fatal *bool `yaml:"fatal,omitempty"`
}

// Step kinds, as reported by Step.Kind.
const (
	StepExec      = "exec"
	StepConstruct = "construct"
	StepCall      = "call"
	StepInvoke    = "invoke"
	StepSet       = "set"
	StepGet       = "get"
	StepLocal     = "local"
	StepDestroy   = "destroy"
	StepRelease   = "release"
)

// Kind returns the step's action and its target, or an error if the step
// sets no action or more than one.
func (s Step) Kind() (kind, target string, err error) {
	set := map[string]string{}
	for k, v := range map[string]string{
		StepExec:      s.Exec,
		StepConstruct: s.Construct,
		StepCall:      s.Call,
		StepInvoke:    s.Invoke,
		StepSet:       s.Set,
		StepGet:       s.Get,
		StepLocal:     s.Local,
		StepDestroy:   s.Destroy,
	} {
		if v != "" {
			set[k] = v
		}
	}
	if s.Release {
		set[StepRelease] = ""
	}
	switch len(set) {
	case 0:
		return "", "", fmt.Errorf("no action")
	case 1:
		for k, v := range set {
			return k, v, nil
		}
	}
	return "", "", fmt.Errorf("more than one action")
}

// Assertion validates the trace or the journals.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event appears in the trace, with args if given
	// - "trace_order": events appear in order
	// - "trace_count": an event appears exactly Count times
	// - "journals_consistent": every rank journaled the same commands
	// - "journal_row": a row of one rank's journal has the Expect values
	Type string `yaml:"type"`

	// Event is the trace label (used by trace_contains, trace_count), for
	// example "new Counter", "Counter.increment" or "get Counter.scale".
	Event string `yaml:"event,omitempty"`

	// Args are the expected positional arguments (used by trace_contains).
	Args []any `yaml:"args,omitempty"`

	// Status is the expected journal status (used by trace_contains).
	Status string `yaml:"status,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected event order (used by trace_order).
	Events []string `yaml:"events,omitempty"`

	// Rank selects the journal (used by journal_row).
	Rank int `yaml:"rank,omitempty"`

	// Where specifies column filters (used by journal_row).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (used by journal_row).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains      = "trace_contains"
	AssertTraceOrder         = "trace_order"
	AssertTraceCount         = "trace_count"
	AssertJournalsConsistent = "journals_consistent"
	AssertJournalRow         = "journal_row"
)

// expectsErrors reports whether any step expects an error.
func (s *Scenario) expectsErrors() bool {
	for _, step := range s.Steps {
		if step.ExpectError != nil {
			return true
		}
	}
	return false
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative manifest path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Manifest != "" && !filepath.IsAbs(scenario.Manifest) {
		scenario.Manifest = filepath.Join(filepath.Dir(path), scenario.Manifest)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Size < 2 {
		return fmt.Errorf("size must be at least 2, got %d", s.Size)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, s, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(s *Scenario, step Step) error {
	kind, target, err := step.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case StepCall, StepInvoke, StepSet, StepGet, StepLocal:
		if _, _, ok := strings.Cut(target, "."); !ok {
			return fmt.Errorf("%s target %q must be <object>.<name>", kind, target)
		}
	case StepConstruct:
		for _, r := range step.Group {
			if r <= 0 || r >= s.Size {
				return fmt.Errorf("group rank %d is not a worker of a %d-rank cluster", r, s.Size)
			}
		}
	}
	if kind != StepConstruct && (step.As != "" || len(step.Group) > 0) {
		return fmt.Errorf("as and group only apply to construct")
	}
	if kind != StepSet && step.Value != nil {
		return fmt.Errorf("value only applies to set")
	}
	if step.Expect != nil && step.ExpectError != nil {
		return fmt.Errorf("expect and expect_error are mutually exclusive")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, s *Scenario, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertJournalsConsistent:
	case AssertJournalRow:
		if a.Rank < 0 || a.Rank >= s.Size {
			return fmt.Errorf("assertions[%d]: rank %d outside the cluster", index, a.Rank)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for journal_row", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
