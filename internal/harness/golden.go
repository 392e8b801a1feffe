package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/pmi/internal/ir"
)

// TraceSnapshot captures what a scenario did: the controller's command
// trace and the outcome of every step. Digests and error messages are left
// out so snapshots stay readable; journals_consistent covers digests.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	RunID        string       `json:"run_id"`
	Trace        []TraceEvent `json:"trace"`
	Steps        []StepResult `json:"steps"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		m := map[string]any{
			"seq":    event.Seq,
			"op":     string(event.Op),
			"event":  event.Event,
			"status": string(event.Status),
		}
		if event.Handle != 0 {
			m["handle"] = int64(event.Handle)
		}
		if event.Method != "" {
			m["method"] = event.Method
		}
		if event.Args != nil {
			m["args"] = event.Args
		}
		if event.Kwargs != nil {
			m["kwargs"] = event.Kwargs
		}
		trace[i] = m
	}

	steps := make([]any, len(s.Steps))
	for i, step := range s.Steps {
		m := map[string]any{
			"index": step.Index,
			"kind":  step.Kind,
		}
		if step.Value != nil {
			m["value"] = step.Value
		}
		if step.Code != "" {
			m["code"] = step.Code
		}
		steps[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"run_id":        s.RunID,
		"trace":         trace,
		"steps":         steps,
	}
}

// Snapshot returns the canonical JSON snapshot of a scenario result.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	runID := scenario.RunID
	if runID == "" {
		runID = DefaultRunID
	}
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		RunID:        runID,
		Trace:        result.Trace,
		Steps:        result.Steps,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass as well.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
