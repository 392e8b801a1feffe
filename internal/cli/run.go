package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pmi/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Size  int
	RunID string
}

// RunReport is the outcome of one scenario run.
type RunReport struct {
	Name   string               `json:"name"`
	Size   int                  `json:"size"`
	Pass   bool                 `json:"pass"`
	Steps  []harness.StepResult `json:"steps"`
	Trace  []harness.TraceEvent `json:"trace"`
	Errors []string             `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario on an in-process cluster",
		Long: `Run a scenario on an in-process cluster.

Every rank is a goroutine connected to the others by the in-memory
transport. Rank 0 executes the scenario's steps; the other ranks serve
the commands it broadcasts. The command trace is printed when the run
ends.

Examples:
  pmi run ./testdata/scenarios/counter_basics.yaml
  pmi run --size 8 ./scenario.yaml --verbose
  pmi run ./scenario.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Size, "size", 0, "number of ranks, controller included (overrides the scenario)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id stamped into every command (overrides the scenario)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if opts.Size > 0 {
		if opts.Size < 2 {
			return NewExitError(ExitCommandError, fmt.Sprintf("size must be at least 2, got %d", opts.Size))
		}
		scenario.Size = opts.Size
	}
	if opts.RunID != "" {
		scenario.RunID = opts.RunID
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := harness.Run(ctx, scenario, harness.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr())))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	report := RunReport{
		Name:   scenario.Name,
		Size:   scenario.Size,
		Pass:   result.Pass,
		Steps:  result.Steps,
		Trace:  result.Trace,
		Errors: result.Errors,
	}
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printRunReport(cmd, report)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func printRunReport(cmd *cobra.Command, report RunReport) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Scenario %s (%d ranks)\n", report.Name, report.Size)
	if len(report.Trace) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Trace:")
	}
	for _, ev := range report.Trace {
		fmt.Fprintf(w, "  [%d] %-28s %s", ev.Seq, traceLabel(ev), ev.Status)
		if len(ev.Args) > 0 {
			fmt.Fprintf(w, "  args=%v", ev.Args)
		}
		if len(ev.Kwargs) > 0 {
			fmt.Fprintf(w, "  kwargs=%v", ev.Kwargs)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Steps:")
	for _, step := range report.Steps {
		switch {
		case step.Code != "":
			fmt.Fprintf(w, "  %d. %-9s %s\n", step.Index+1, step.Kind, step.Code)
		case step.Value != nil:
			fmt.Fprintf(w, "  %d. %-9s %v\n", step.Index+1, step.Kind, step.Value)
		default:
			fmt.Fprintf(w, "  %d. %s\n", step.Index+1, step.Kind)
		}
	}

	fmt.Fprintln(w)
	if report.Pass {
		fmt.Fprintln(w, "✓ PASS")
		return
	}
	fmt.Fprintln(w, "✗ FAIL")
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}

// traceLabel appends the statement or reason to exec and stop events.
func traceLabel(ev harness.TraceEvent) string {
	if ev.Event == "exec" || ev.Event == "stop" {
		if ev.Method != "" {
			return ev.Event + " " + ev.Method
		}
	}
	return ev.Event
}
