package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pmi/internal/ir"
)

var (
	// ErrStopped is returned by dispatcher operations after the run's stop
	// command was broadcast.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrReleased is returned by WorkerLoop.Run when the controller released
	// the workers. The loop may be re-entered with another Run.
	ErrReleased = errors.New("worker loop released")
	// ErrAborted is returned by WorkerLoop.Run when the controller aborted
	// the run.
	ErrAborted = errors.New("run aborted by controller")
)

// RankFailure is one rank's contribution to an aggregated error.
type RankFailure struct {
	Rank    int
	Code    ir.ErrorCode
	Message string
}

// PMIError represents a failure of a PMI operation.
//
// Errors raised on worker ranks are collected from the gather that closes
// the command and reported here as Failures, in rank order. Results of the
// same gather from ranks that succeeded are kept in Partial.
//
// A Fatal error means the ranks may no longer agree on object state or
// command order; the dispatcher refuses further commands and the run must
// be aborted.
type PMIError struct {
	// Code identifies the error category.
	Code ir.ErrorCode

	// Message is a human-readable description.
	Message string

	// Op, Seq, Handle and TypeID identify the command, when there is one.
	Op     ir.OpKind
	Seq    int64
	Handle ir.Handle
	TypeID string

	// Rank is the rank that detected the error, or -1.
	Rank int

	Fatal    bool
	Failures []RankFailure
	Partial  []ir.RankResult
}

// Error implements the error interface.
func (e *PMIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ctx []string
	if e.Op != "" {
		ctx = append(ctx, "op="+string(e.Op))
	}
	if e.Seq != 0 {
		ctx = append(ctx, fmt.Sprintf("seq=%d", e.Seq))
	}
	if e.Handle != 0 {
		ctx = append(ctx, fmt.Sprintf("handle=%d", e.Handle))
	}
	if e.TypeID != "" {
		ctx = append(ctx, "type="+e.TypeID)
	}
	if e.Rank >= 0 && e.Failures == nil {
		ctx = append(ctx, fmt.Sprintf("rank=%d", e.Rank))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; rank %d: %s", f.Rank, f.Message)
	}
	return b.String()
}

// FailedRanks returns the ranks listed in Failures.
func (e *PMIError) FailedRanks() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Rank
	}
	return out
}

func hasCode(err error, code ir.ErrorCode) bool {
	var pe *PMIError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsConstructionError returns true if a collective construct failed.
// Uses errors.As to handle wrapped errors.
func IsConstructionError(err error) bool {
	return hasCode(err, ir.CodeConstruction)
}

// IsStaleHandle returns true if the error reports use of a non-live object.
func IsStaleHandle(err error) bool {
	return hasCode(err, ir.CodeStaleHandle)
}

// IsImportMismatch returns true if ranks disagree on activated types.
func IsImportMismatch(err error) bool {
	return hasCode(err, ir.CodeImportMismatch)
}

// IsDeadlockTimeout returns true if a collective or the worker loop timed out.
func IsDeadlockTimeout(err error) bool {
	return hasCode(err, ir.CodeDeadlockTimeout)
}

// IsPayloadError returns true if a payload method raised on some rank.
func IsPayloadError(err error) bool {
	return hasCode(err, ir.CodePayload)
}

// IsOrderViolation returns true if ranks disagree on the command sequence.
func IsOrderViolation(err error) bool {
	return hasCode(err, ir.CodeOrderViolation)
}

// IsFatal returns true if the error left the process group inconsistent.
func IsFatal(err error) bool {
	var pe *PMIError
	if errors.As(err, &pe) {
		return pe.Fatal
	}
	return false
}

// CommandFailuresError is returned by a worker loop that reached a normal
// stop after at least one command raised on its rank. The rank must exit
// with a non-zero status.
type CommandFailuresError struct {
	Rank  int
	Count int
	First error
}

// Error implements the error interface.
func (e *CommandFailuresError) Error() string {
	return fmt.Sprintf("rank %d: %d command(s) failed, first: %v", e.Rank, e.Count, e.First)
}

// Unwrap returns the first failure.
func (e *CommandFailuresError) Unwrap() error {
	return e.First
}

func newStaleHandleError(op ir.OpKind, h ir.Handle, msg string) *PMIError {
	return &PMIError{
		Code:    ir.CodeStaleHandle,
		Message: msg,
		Op:      op,
		Handle:  h,
		Rank:    -1,
	}
}
