package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pmi/internal/compiler"
	"github.com/roach88/pmi/internal/ir"
)

// CLI error codes for manifest loading. Validation rules use the
// compiler's E2xx codes.
const (
	ErrCodeManifestSyntax   = "E001" // CUE does not compile or does not decode as a manifest
	ErrCodeManifestNotFound = "E002" // manifest file missing
)

// ManifestIssue is one problem found in a manifest.
type ManifestIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Types   int             `json:"types"`
	Modules int             `json:"modules"`
	Errors  []ManifestIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest.cue>",
		Short: "Validate a payload manifest",
		Long: `Validate a CUE payload manifest.

Checks that every type declares its broadcast, gather, property and
passthrough names exactly once, that names are identifiers, and that
every type belongs to exactly one module. All problems are reported,
not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newOutput(cmd, opts)

	if _, err := os.Stat(path); err != nil {
		message := fmt.Sprintf("manifest not found: %s", path)
		if err := out.fail(ErrCodeManifestNotFound, message, nil); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", ErrCodeManifestNotFound, message))
	}

	m, issues := validateManifestFile(path)
	if m != nil {
		out.debugf("Decoded %d type(s) in %d module(s) from %s", len(m.Types), len(m.Modules), path)
	}
	if len(issues) > 0 {
		return outputValidationErrors(out, issues)
	}
	return out.ok(ValidationResult{Valid: true, Types: len(m.Types), Modules: len(m.Modules)}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Manifest valid: %d type(s) in %d module(s)\n", len(m.Types), len(m.Modules))
	})
}

// validateManifestFile decodes the manifest and runs every validation rule.
// The manifest is nil when it could not be decoded.
func validateManifestFile(path string) (*ir.Manifest, []ManifestIssue) {
	m, err := compiler.DecodeManifestFile(path)
	if err != nil {
		var cErr *compiler.CompileError
		if errors.As(err, &cErr) {
			issue := ManifestIssue{Field: cErr.Field, Message: cErr.Message, Code: ErrCodeManifestSyntax}
			if cErr.Pos.IsValid() {
				issue.Line = cErr.Pos.Line()
			}
			return nil, []ManifestIssue{issue}
		}
		return nil, []ManifestIssue{{Field: "manifest", Message: err.Error(), Code: ErrCodeManifestSyntax}}
	}

	var issues []ManifestIssue
	for _, v := range compiler.Validate(m) {
		issues = append(issues, ManifestIssue{Field: v.Field, Message: v.Message, Code: v.Code})
	}
	return m, issues
}

// outputValidationErrors reports every issue found in the manifest.
func outputValidationErrors(out *output, issues []ManifestIssue) error {
	failed := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	if out.json {
		if err := out.emit(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error:  &CLIError{Code: issues[0].Code, Message: issues[0].Message},
		}); err != nil {
			return err
		}
		return failed
	}

	fmt.Fprintln(out.w, "✗ Validation failed")
	fmt.Fprintln(out.w)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(out.w, "line %d\n", issue.Line)
		}
		fmt.Fprintf(out.w, "  %s: %s: %s\n\n", issue.Code, issue.Field, issue.Message)
	}
	return failed
}
