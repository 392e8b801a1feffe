package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/pmi/internal/ir"
)

// Runs returns the run IDs recorded in the journal, in order of first
// appearance.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM commands
		GROUP BY run_id
		ORDER BY MIN(id) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns every entry of one run, ordered by seq ASC, id ASC.
//
// Returns an empty slice (not nil) if the run has no entries.
func (s *Store) ReadRun(ctx context.Context, runID string) ([]ir.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rank, seq, op, handle, type_id, method, args, kwargs, digest, status, error
		FROM commands
		WHERE run_id = ?
		ORDER BY seq ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()

	entries := []ir.JournalEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run %s: %w", runID, err)
	}
	return entries, nil
}

// ReadLatest returns the entries of the most recently started run.
// An empty journal yields an empty slice and an empty run ID.
func (s *Store) ReadLatest(ctx context.Context) (string, []ir.JournalEntry, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM commands ORDER BY id DESC LIMIT 1
	`).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", []ir.JournalEntry{}, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("query latest run: %w", err)
	}
	entries, err := s.ReadRun(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	return runID, entries, nil
}

// LastSeq returns the highest seq recorded for a run, or 0.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM commands WHERE run_id = ?
	`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

func scanEntry(rows *sql.Rows) (ir.JournalEntry, error) {
	var (
		e                    ir.JournalEntry
		op, handle, status   string
		argsJSON, kwargsJSON string
	)
	if err := rows.Scan(&e.RunID, &e.Rank, &e.Seq, &op, &handle, &e.TypeID, &e.Method,
		&argsJSON, &kwargsJSON, &e.Digest, &status, &e.Error); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("scan entry: %w", err)
	}

	var err error
	e.Op = ir.OpKind(op)
	e.Status = ir.ReplyStatus(status)
	if e.Handle, err = parseHandle(handle); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("seq %d: %w", e.Seq, err)
	}
	if e.Args, err = unmarshalArgs(argsJSON); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("seq %d: %w", e.Seq, err)
	}
	if e.Kwargs, err = unmarshalKwargs(kwargsJSON); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("seq %d: %w", e.Seq, err)
	}
	return e, nil
}
