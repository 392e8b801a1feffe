package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/pmi/internal/store"
)

// validIdentifier matches valid SQL identifiers (column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v %s\n", event.Seq, event.Event, event.Args, event.Status)
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an event with the
// given label, and with matching args and status when those are set.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Event != assertion.Event {
			continue
		}
		if assertion.Args != nil && !valuesEqual(event.Args, assertion.Args) {
			continue
		}
		if assertion.Status != "" && string(event.Status) != assertion.Status {
			continue
		}
		return nil
	}

	expected := assertion.Event
	if assertion.Args != nil {
		expected += fmt.Sprintf(" with args %v", assertion.Args)
	}
	if assertion.Status != "" {
		expected += " with status " + assertion.Status
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
// Each expected event matches the first occurrence after the previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, want := range assertion.Events {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Event == want {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("missing event: %s", want)
			if i > 0 {
				actual = fmt.Sprintf("no %s after %s", want, assertion.Events[i-1])
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the event appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Event == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertJournalsConsistent checks that every worker journaled the same
// command stream as the controller.
func assertJournalsConsistent(result *Result) error {
	if len(result.Journals) == 0 {
		return &AssertionError{
			Type:     AssertJournalsConsistent,
			Expected: "one journal per rank",
			Actual:   "no journals",
		}
	}
	root := result.Journals[0]
	for r := 1; r < len(result.Journals); r++ {
		if d := store.CompareJournals(root, result.Journals[r]); d != nil {
			return &AssertionError{
				Type:     AssertJournalsConsistent,
				Expected: fmt.Sprintf("rank %d journal equal to rank 0", r),
				Actual:   d.String(),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertJournalRow checks that one rank's journal holds exactly one row
// matching Where, with the Expect column values.
// Queries the commands table with parameterized SQL and validates
// expected values using subset semantics.
//
// Security: Column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertJournalRow(ctx context.Context, st *store.Store, assertion Assertion) error {
	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := "SELECT * FROM commands"
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	query += " ORDER BY seq ASC, id ASC"

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertJournalRow,
			Expected: fmt.Sprintf("query rank %d journal", assertion.Rank),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertJournalRow,
			Expected: fmt.Sprintf("row in rank %d journal where %s", assertion.Rank, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Several matching rows would make the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertJournalRow,
			Expected: fmt.Sprintf("exactly one row in rank %d journal where %s", assertion.Rank, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any)
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertJournalRow,
				Expected: fmt.Sprintf("column %q to exist", key),
				Actual:   fmt.Sprintf("column %q not present in result columns: %v", key, columns),
			}
		}
		if !columnValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertJournalRow,
				Expected: fmt.Sprintf("column %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("column %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from a filter map.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a scenario value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// columnValuesEqual compares a scenario value with a SQLite column value.
// SQLite returns int64 for integers and string or []byte for TEXT.
func columnValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		n, ok := actual.(int64)
		return ok && int64(exp) == n
	case int64:
		n, ok := actual.(int64)
		return ok && exp == n
	case bool:
		n, ok := actual.(int64)
		return ok && exp == (n != 0)
	case float64:
		f, ok := actual.(float64)
		return ok && exp == f
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	// Stores holds every rank's journal, indexed by rank.
	Stores []*store.Store
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for journal_row assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertJournalsConsistent:
			err = assertJournalsConsistent(result)
		case AssertJournalRow:
			if actx == nil || assertion.Rank < 0 || assertion.Rank >= len(actx.Stores) {
				err = fmt.Errorf("assertion[%d]: journal_row requires the rank %d journal", i, assertion.Rank)
			} else {
				err = assertJournalRow(actx.Ctx, actx.Stores[assertion.Rank], assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
