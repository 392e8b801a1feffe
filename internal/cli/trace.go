package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Databases []string
	RunID     string // optional - defaults to the latest run of the first database
	Handle    uint64 // optional - filter the printed journal to one object
}

// JournalComparison is the outcome of comparing one journal with the first.
type JournalComparison struct {
	Database   string `json:"database"`
	Rank       int    `json:"rank"`
	Entries    int    `json:"entries"`
	Consistent bool   `json:"consistent"`
	Divergence string `json:"divergence,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID       string              `json:"run_id"`
	Database    string              `json:"database"`
	Entries     []ir.JournalEntry   `json:"entries"`
	Comparisons []JournalComparison `json:"comparisons,omitempty"`
	Stats       TraceStats          `json:"stats"`
}

// TraceStats holds summary statistics for the journal.
type TraceStats struct {
	Commands int  `json:"commands"`
	Errors   int  `json:"errors"`
	Skipped  int  `json:"skipped"`
	Stopped  bool `json:"stopped"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print and compare rank journals",
		Long: `Print the command journal of a run and compare ranks.

The first --db is printed. Every further --db is compared with it entry
by entry; the first command on which two ranks disagree is reported and
the command exits with status 1.

Examples:
  pmi trace --db ./journals/rank-0.db
  pmi trace --db ./journals/rank-0.db --db ./journals/rank-1.db --db ./journals/rank-2.db
  pmi trace --db ./journals/rank-0.db --run 0192e1c4-... --handle 3
  pmi trace --db ./journals/rank-0.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Databases, "db", nil, "path to a rank's journal database (required, repeatable)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to trace (default: latest run)")
	cmd.Flags().Uint64Var(&opts.Handle, "handle", 0, "only print commands addressed to this handle")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runID, entries, err := readJournal(ctx, opts.Databases[0], opts.RunID)
	if err != nil {
		return err
	}
	if opts.RunID != "" && len(entries) == 0 {
		return unknownRun(ctx, opts.Databases[0], opts.RunID)
	}

	result := TraceResult{
		RunID:    runID,
		Database: opts.Databases[0],
		Entries:  filterEntries(entries, ir.Handle(opts.Handle)),
		Stats:    journalStats(entries),
	}
	if result.Entries == nil {
		result.Entries = []ir.JournalEntry{}
	}

	diverged := 0
	for _, path := range opts.Databases[1:] {
		_, other, err := readJournal(ctx, path, runID)
		if err != nil {
			return err
		}
		c := JournalComparison{Database: path, Entries: len(other), Consistent: true, Rank: -1}
		if len(other) > 0 {
			c.Rank = other[0].Rank
		}
		if d := store.CompareJournals(entries, other); d != nil {
			c.Consistent = false
			c.Divergence = d.String()
			diverged++
		}
		result.Comparisons = append(result.Comparisons, c)
	}

	if opts.Format == "json" {
		if err := outputTraceJSON(newOutput(cmd, opts.RootOptions), result); err != nil {
			return err
		}
	} else {
		outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	}

	if diverged > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d journal(s) diverge from %s", diverged, opts.Databases[0]))
	}
	return nil
}

// readJournal opens a journal and reads one run, the latest when runID
// is empty.
func readJournal(ctx context.Context, path, runID string) (string, []ir.JournalEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return "", nil, WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return "", nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	if runID == "" {
		latest, entries, err := st.ReadLatest(ctx)
		if err != nil {
			return "", nil, WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		return latest, entries, nil
	}
	entries, err := st.ReadRun(ctx, runID)
	if err != nil {
		return "", nil, WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	return runID, entries, nil
}

// unknownRun reports a --run that the journal never recorded, listing the
// runs it does hold.
func unknownRun(ctx context.Context, path, runID string) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found in %s (runs: %s)", runID, path, strings.Join(runs, ", ")))
}

func filterEntries(entries []ir.JournalEntry, handle ir.Handle) []ir.JournalEntry {
	if handle == 0 {
		return entries
	}
	var out []ir.JournalEntry
	for _, e := range entries {
		if e.Handle == handle {
			out = append(out, e)
		}
	}
	return out
}

func journalStats(entries []ir.JournalEntry) TraceStats {
	var stats TraceStats
	for _, e := range entries {
		stats.Commands++
		switch e.Status {
		case ir.StatusError:
			stats.Errors++
		case ir.StatusSkipped:
			stats.Skipped++
		}
		if e.Op == ir.OpStop {
			stats.Stopped = true
		}
	}
	return stats
}

// outputTraceJSON outputs the trace result as JSON. The first divergent
// comparison becomes the envelope error.
func outputTraceJSON(out *output, result TraceResult) error {
	response := CLIResponse{Status: "ok", Data: result, RunID: result.RunID}
	for _, c := range result.Comparisons {
		if !c.Consistent {
			response.Status = "error"
			response.Error = &CLIError{Code: "E_DIVERGED", Message: c.Divergence, Details: c.Database}
			break
		}
	}
	return out.emit(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	if result.RunID == "" {
		fmt.Fprintf(w, "No commands found in %s\n", result.Database)
		return
	}

	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	fmt.Fprintf(w, "Status: %s\n", stopStatus(result.Stats.Stopped))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Commands ===")
	if len(result.Entries) == 0 {
		fmt.Fprintln(w, "  (no commands)")
	}
	for _, e := range result.Entries {
		formatJournalEntry(w, e, verbose)
	}
	fmt.Fprintln(w)

	if len(result.Comparisons) > 0 {
		fmt.Fprintln(w, "=== Ranks ===")
		for _, c := range result.Comparisons {
			if c.Consistent {
				fmt.Fprintf(w, "  ✓ rank %d (%s): %d commands\n", c.Rank, c.Database, c.Entries)
			} else {
				fmt.Fprintf(w, "  ✗ rank %d (%s): %s\n", c.Rank, c.Database, c.Divergence)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Commands: %d\n", result.Stats.Commands)
	fmt.Fprintf(w, "  Errors:   %d\n", result.Stats.Errors)
	fmt.Fprintf(w, "  Skipped:  %d\n", result.Stats.Skipped)
}

// formatJournalEntry formats a single journal entry for text output.
func formatJournalEntry(w io.Writer, e ir.JournalEntry, verbose bool) {
	target := e.TypeID
	if e.Handle != 0 {
		target = fmt.Sprintf("%s#%d", e.TypeID, e.Handle)
		if e.TypeID == "" {
			target = fmt.Sprintf("#%d", e.Handle)
		}
	}

	line := fmt.Sprintf("  [%d] %-14s", e.Seq, e.Op)
	if target != "" {
		line += " " + target
	}
	if e.Method != "" {
		line += " " + e.Method
	}
	fmt.Fprintf(w, "%s  %s\n", line, e.Status)

	if len(e.Args) > 0 || len(e.Kwargs) > 0 {
		fmt.Fprintf(w, "       Args: %s %s\n", formatValue(ir.ToGo(e.Args)), formatValue(ir.ToGo(e.Kwargs)))
	}
	if e.Error != "" {
		fmt.Fprintf(w, "       Error: %s\n", e.Error)
	}
	if verbose {
		fmt.Fprintf(w, "       Digest: %s\n", truncateID(e.Digest))
	}
}

// formatArgs formats a map of args for display.
// Uses sorted keys to ensure deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value for display, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

func stopStatus(stopped bool) string {
	if stopped {
		return "Stopped"
	}
	return "Running or aborted (no stop command)"
}
