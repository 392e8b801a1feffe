package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/pmi/internal/ir"
)

// Journal records every command a rank executed, in execution order.
// store.Store implements it with SQLite.
type Journal interface {
	Append(ctx context.Context, e ir.JournalEntry) error
}

// MemoryJournal keeps entries in memory. Safe for concurrent use.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []ir.JournalEntry
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, e ir.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (j *MemoryJournal) Entries() []ir.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func appendJournal(ctx context.Context, j Journal, e ir.JournalEntry) {
	if j == nil {
		return
	}
	// The journal is diagnostic. A failed write must not change what the
	// rank executes, or ranks would diverge.
	if err := j.Append(context.WithoutCancel(ctx), e); err != nil {
		slogFor(e.Rank).Error("journal append failed", "seq", e.Seq, "op", e.Op, "error", err)
	}
}
