package harness

import (
	"github.com/roach88/pmi/internal/ir"
)

// TraceEvent is one command of the controller's journal.
type TraceEvent struct {
	Seq int64     `json:"seq"`
	Op  ir.OpKind `json:"op"`
	// Event is the label assertions match on, e.g. "new Counter",
	// "Counter.increment", "set Thermostat.target", "exec" or "stop".
	Event  string         `json:"event"`
	Handle ir.Handle      `json:"handle,omitempty"`
	TypeID string         `json:"type_id,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Status ir.ReplyStatus `json:"status"`
}

// StepResult is the outcome of one scenario step.
type StepResult struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	// Value is what the step returned, if anything: a list for invoke, a
	// single value for get and local, the handle for construct.
	Value any `json:"value,omitempty"`
	// Code is the error code of a failed step.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	Pass bool `json:"pass"`

	// Trace contains the controller's commands in seq order.
	Trace []TraceEvent `json:"trace"`

	// Steps contains one entry per executed step.
	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Ranks holds each rank's exit error, "" for a clean exit.
	Ranks []string `json:"ranks"`

	// Journals holds every rank's journal, indexed by rank.
	Journals [][]ir.JournalEntry `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
