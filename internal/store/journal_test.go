package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/payload"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/spmd"
)

var _ engine.Journal = (*Store)(nil)

func entry(runID string, rank int, seq int64, op ir.OpKind) ir.JournalEntry {
	return ir.JournalEntry{
		RunID:  runID,
		Rank:   rank,
		Seq:    seq,
		Op:     op,
		Digest: fmt.Sprintf("digest-%d", seq),
		Status: ir.StatusOK,
	}
}

func TestAppendAndReadRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	call := entry("run-1", 2, 2, ir.OpBroadcastCall)
	call.Handle = ir.Handle(1<<63 + 5)
	call.TypeID = "Counter"
	call.Method = "increment"
	call.Args = ir.Array{ir.Int(2), ir.Float(0.5)}
	call.Kwargs = ir.Object{"by": ir.String("x")}

	failed := entry("run-1", 2, 3, ir.OpGatherInvoke)
	failed.Status = ir.StatusError
	failed.Error = "boom"

	// Appended out of order; reads come back by seq.
	for _, e := range []ir.JournalEntry{failed, call, entry("run-1", 2, 1, ir.OpExec)} {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, entry("run-1", 2, 1, ir.OpExec), got[0])
	assert.Equal(t, call, got[1])
	assert.Equal(t, failed, got[2])
}

func TestAppendIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := entry("run-1", 1, 1, ir.OpExec)
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.Append(ctx, e))

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAppendRejectsNonFiniteArgs(t *testing.T) {
	s := createTestStore(t)
	e := entry("run-1", 1, 1, ir.OpBroadcastCall)
	e.Args = ir.Array{ir.Float(math.Inf(1))}
	assert.Error(t, s.Append(context.Background(), e))
}

func TestReadRunEmpty(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRunsAndLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	runID, got, err := s.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Empty(t, got)

	require.NoError(t, s.Append(ctx, entry("run-a", 1, 1, ir.OpExec)))
	require.NoError(t, s.Append(ctx, entry("run-a", 1, 2, ir.OpStop)))
	require.NoError(t, s.Append(ctx, entry("run-b", 1, 1, ir.OpExec)))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, runs)

	runID, got, err = s.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-b", runID)
	assert.Len(t, got, 1)

	last, err := s.LastSeq(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	last, err = s.LastSeq(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestCompareJournals(t *testing.T) {
	base := []ir.JournalEntry{
		entry("run-1", 1, 1, ir.OpExec),
		entry("run-1", 1, 2, ir.OpConstruct),
		entry("run-1", 1, 3, ir.OpStop),
	}
	other := func(mutate func(es []ir.JournalEntry) []ir.JournalEntry) []ir.JournalEntry {
		es := make([]ir.JournalEntry, len(base))
		for i, e := range base {
			e.Rank = 2
			es[i] = e
		}
		return mutate(es)
	}

	t.Run("identical", func(t *testing.T) {
		assert.Nil(t, CompareJournals(base, other(func(es []ir.JournalEntry) []ir.JournalEntry { return es })))
	})

	t.Run("status ignored", func(t *testing.T) {
		right := other(func(es []ir.JournalEntry) []ir.JournalEntry {
			es[1].Status = ir.StatusSkipped
			es[1].Error = "x"
			return es
		})
		assert.Nil(t, CompareJournals(base, right))
	})

	t.Run("digest", func(t *testing.T) {
		right := other(func(es []ir.JournalEntry) []ir.JournalEntry {
			es[1].Digest = "other"
			return es
		})
		d := CompareJournals(base, right)
		require.NotNil(t, d)
		assert.Equal(t, 1, d.Index)
		assert.Equal(t, "digest", d.Field)
		assert.Equal(t, "entry 1 (seq 2): digest differs: rank 1 has digest-2, rank 2 has other", d.String())
	})

	t.Run("handle", func(t *testing.T) {
		right := other(func(es []ir.JournalEntry) []ir.JournalEntry {
			es[1].Handle = 7
			return es
		})
		d := CompareJournals(base, right)
		require.NotNil(t, d)
		assert.Equal(t, "handle", d.Field)
	})

	t.Run("missing right", func(t *testing.T) {
		right := other(func(es []ir.JournalEntry) []ir.JournalEntry { return es[:2] })
		d := CompareJournals(base, right)
		require.NotNil(t, d)
		assert.Equal(t, "missing", d.Field)
		assert.Equal(t, int64(3), d.Seq)
		assert.Equal(t, "entry 2 (seq 3): missing on right", d.String())
	})

	t.Run("missing left", func(t *testing.T) {
		right := other(func(es []ir.JournalEntry) []ir.JournalEntry { return es })
		d := CompareJournals(base[:1], right)
		require.NotNil(t, d)
		assert.Equal(t, "entry 1 (seq 2): missing on left", d.String())
	})
}

func TestJournalsFromRun(t *testing.T) {
	const size = 4
	dir := t.TempDir()
	stores := make([]*Store, size)
	for r := range stores {
		s, err := Open(filepath.Join(dir, fmt.Sprintf("rank-%d.db", r)))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[r] = s
	}

	errs, err := spmd.RunLocal(context.Background(), spmd.LocalConfig{
		Size:        size,
		NewRegistry: func(int) (*registry.Registry, error) { return payload.NewRegistry(nil) },
		Journal:     func(r int) engine.Journal { return stores[r] },
		RunIDs:      engine.NewFixedGenerator("run-journal"),
	}, func(ctx context.Context, d *engine.Dispatcher) error {
		if err := d.Exec(ctx, "import core"); err != nil {
			return err
		}
		c, err := payload.NewCounter(ctx, d, nil, 1)
		if err != nil {
			return err
		}
		if err := c.Increment(ctx); err != nil {
			return err
		}
		_, err = c.Value(ctx)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, spmd.Err(errs))

	ctx := context.Background()
	controller, err := stores[0].ReadRun(ctx, "run-journal")
	require.NoError(t, err)
	// exec, construct, increment, value, stop
	require.Len(t, controller, 5)
	assert.Equal(t, ir.OpStop, controller[4].Op)

	for r := 1; r < size; r++ {
		got, err := stores[r].ReadRun(ctx, "run-journal")
		require.NoError(t, err)
		assert.Nil(t, CompareJournals(controller, got), "rank %d", r)
	}
}
