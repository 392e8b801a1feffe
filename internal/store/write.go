package store

import (
	"context"
	"fmt"

	"github.com/roach88/pmi/internal/ir"
)

// Append records one executed command. It implements engine.Journal.
//
// Uses ON CONFLICT(run_id, rank, seq) DO NOTHING for idempotency -
// re-appending the same entry is silently ignored.
func (s *Store) Append(ctx context.Context, e ir.JournalEntry) error {
	argsJSON, err := marshalArgs(e.Args)
	if err != nil {
		return fmt.Errorf("append seq %d: %w", e.Seq, err)
	}
	kwargsJSON, err := marshalKwargs(e.Kwargs)
	if err != nil {
		return fmt.Errorf("append seq %d: %w", e.Seq, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands
		(run_id, rank, seq, op, handle, type_id, method, args, kwargs, digest, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, rank, seq) DO NOTHING
	`,
		e.RunID,
		e.Rank,
		e.Seq,
		string(e.Op),
		formatHandle(e.Handle),
		e.TypeID,
		e.Method,
		argsJSON,
		kwargsJSON,
		e.Digest,
		string(e.Status),
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("append seq %d: %w", e.Seq, err)
	}
	return nil
}
