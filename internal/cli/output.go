package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes for pmi commands.
const (
	ExitSuccess      = 0 // Scenario passed, manifest valid, journals agree
	ExitFailure      = 1 // Scenario failed, invalid manifest, journals diverge
	ExitCommandError = 2 // Bad arguments, missing files, unreachable peers
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not an ExitError map to ExitFailure, so a failed
// SPMD rank always exits non-zero.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope every command writes with --format json.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
	RunID  string    `json:"run_id,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// output writes command results either as a CLIResponse envelope or as
// text. Diagnostics go to errW so they never corrupt JSON on w.
type output struct {
	json    bool
	verbose bool
	w       io.Writer
	errW    io.Writer
}

func newOutput(cmd *cobra.Command, opts *RootOptions) *output {
	return &output{
		json:    opts.Format == "json",
		verbose: opts.Verbose,
		w:       cmd.OutOrStdout(),
		errW:    cmd.ErrOrStderr(),
	}
}

// emit writes resp as indented JSON.
func (o *output) emit(resp CLIResponse) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// ok writes a successful result. In text mode text renders it.
func (o *output) ok(data any, text func(w io.Writer)) error {
	if o.json {
		return o.emit(CLIResponse{Status: "ok", Data: data})
	}
	text(o.w)
	return nil
}

// fail writes a single command-level error.
func (o *output) fail(code, message string, details any) error {
	if o.json {
		return o.emit(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(o.w, "Error [%s]: %s\n", code, message)
	if o.verbose && details != nil {
		fmt.Fprintf(o.w, "Details: %v\n", details)
	}
	return nil
}

// debugf writes a diagnostic line when --verbose is set.
func (o *output) debugf(format string, args ...any) {
	if !o.verbose {
		return
	}
	fmt.Fprintf(o.errW, format+"\n", args...)
}
