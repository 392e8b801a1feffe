package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/transport"
)

func TestNewDispatcherRejectsWorkerRank(t *testing.T) {
	eps := transport.NewMemoryGroup(2)
	_, err := NewDispatcher(rank.MustNew(1, 2), eps[1], registry.New(testManifest()))
	assert.Error(t, err)

	_, err = NewDispatcher(rank.MustNew(0, 3), eps[0], registry.New(testManifest()))
	assert.ErrorContains(t, err, "transport is rank 0 of 2")
}

func TestCounterIncrementedOnEveryWorker(t *testing.T) {
	c := startCluster(t, 5)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, ir.Handle(1), h)

	for range 3 {
		require.NoError(t, c.d.Call(ctx, h, "increment", ir.Args{}))
	}
	results, err := c.d.Invoke(ctx, h, "value", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, repeat(ir.Int(3), 4), values(results))
	assert.Equal(t, []int{1, 2, 3, 4}, ranksOf(results))

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		assert.NoError(t, c.result(r))
	}
}

func TestConstructorArguments(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{Named: ir.Object{"start": ir.Int(10)}})
	require.NoError(t, err)
	require.NoError(t, c.d.Call(ctx, h, "increment", ir.Args{Positional: ir.Array{ir.Int(5)}}))

	results, err := c.d.Invoke(ctx, h, "value", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, repeat(ir.Int(15), 2), values(results))
}

func TestInvokeReturnsEachRank(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "RankProbe", nil, ir.Args{})
	require.NoError(t, err)

	results, err := c.d.Invoke(ctx, h, "index", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, []ir.Value{ir.Int(0), ir.Int(1), ir.Int(2)}, values(results))

	results, err = c.d.Invoke(ctx, h, "rank", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, []ir.Value{ir.Int(1), ir.Int(2), ir.Int(3)}, values(results))
}

func TestPropertySetGet(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)

	v, err := c.d.GetProperty(ctx, h, "scale")
	require.NoError(t, err)
	assert.Equal(t, ir.Float(1), v)

	require.NoError(t, c.d.SetProperty(ctx, h, "scale", ir.Float(1.5)))
	v, err = c.d.GetProperty(ctx, h, "scale")
	require.NoError(t, err)
	assert.Equal(t, ir.Float(1.5), v)
}

func TestCPUGroupExcludesRanks(t *testing.T) {
	c := startCluster(t, 5)
	ctx := context.Background()

	group, err := rank.NewCPUGroup(c.d.Rank(), "left", 2, 1)
	require.NoError(t, err)

	h, err := c.d.Construct(ctx, "RankProbe", group, ir.Args{})
	require.NoError(t, err)

	results, err := c.d.Invoke(ctx, h, "rank", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ranksOf(results))

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		require.NoError(t, c.result(r))
		entry, ok := c.loops[r].Lookup(h)
		require.True(t, ok, "rank %d tracks handle", r)
		assert.Equal(t, r <= 2, entry.Instance != nil, "rank %d instance", r)
	}

	// Excluded ranks journal the invoke as skipped.
	last := func(r int) ir.JournalEntry {
		entries := c.journals[r].Entries()
		return entries[len(entries)-2]
	}
	assert.Equal(t, ir.StatusOK, last(1).Status)
	assert.Equal(t, ir.StatusSkipped, last(3).Status)
	assert.Equal(t, ir.StatusSkipped, last(4).Status)
}

func TestConstructRejectsBadGroup(t *testing.T) {
	c := startCluster(t, 3)

	_, err := c.d.Construct(context.Background(), "Counter", &ir.CPUGroup{Name: "ctl", Ranks: []int{0}}, ir.Args{})
	assert.True(t, IsConstructionError(err))

	_, err = c.d.Construct(context.Background(), "Counter", &ir.CPUGroup{Name: "empty"}, ir.Args{})
	assert.True(t, IsConstructionError(err))

	assert.Len(t, c.journals[0].Entries(), 1, "nothing broadcast")
}

func TestConstructUnknownTypeIsNotBroadcast(t *testing.T) {
	c := startCluster(t, 3)

	_, err := c.d.Construct(context.Background(), "Ghost", nil, ir.Args{})
	require.Error(t, err)
	assert.True(t, IsConstructionError(err))
	assert.False(t, IsFatal(err))
	assert.ErrorContains(t, err, "unknown type")
	assert.Len(t, c.journals[0].Entries(), 1)
}

func TestConstructFailingEverywhereBurnsHandle(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	_, err := c.d.Construct(ctx, "Flaky", nil, ir.Args{Named: ir.Object{"fail_on": ir.Array{ir.Int(1), ir.Int(2)}}})
	require.Error(t, err)
	assert.True(t, IsConstructionError(err))
	assert.False(t, IsFatal(err))
	assert.NoError(t, c.d.Err())

	var pe *PMIError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []int{1, 2}, pe.FailedRanks())

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, ir.Handle(2), h)
	assert.Equal(t, 1, c.d.Objects())
}

func TestConstructPartialFailureIsFatal(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	_, err := c.d.Construct(ctx, "Flaky", nil, ir.Args{Named: ir.Object{"fail_on": ir.Array{ir.Int(2)}}})
	require.Error(t, err)
	assert.True(t, IsConstructionError(err))
	assert.True(t, IsFatal(err))
	assert.Equal(t, err, c.d.Err())

	_, err = c.d.Construct(ctx, "Counter", nil, ir.Args{})
	assert.True(t, IsFatal(err), "broken dispatcher refuses commands")

	require.NoError(t, c.d.Stop(ctx, ir.StopAbort))
	for _, r := range c.workers() {
		assert.ErrorIs(t, c.result(r), ErrAborted)
	}
}

func TestGatherErrorReportsFailingRanks(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Flaky", nil, ir.Args{})
	require.NoError(t, err)

	err = c.d.Call(ctx, h, "fail", ir.Args{Positional: ir.Array{ir.Array{ir.Int(2)}}})
	require.Error(t, err)
	assert.True(t, IsPayloadError(err))
	assert.False(t, IsFatal(err))

	var pe *PMIError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []int{2}, pe.FailedRanks())
	assert.Equal(t, []int{1, 3}, ranksOf(pe.Partial))
	assert.Contains(t, pe.Error(), "rank 2: Flaky.fail: refused")

	// The object and the run survive a payload error.
	results, err := c.d.Invoke(ctx, h, "echo", ir.Args{Positional: ir.Array{ir.String("x")}})
	require.NoError(t, err)
	assert.Equal(t, repeat(ir.String("x"), 3), values(results))

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	assert.NoError(t, c.result(1))
	var failures *CommandFailuresError
	require.ErrorAs(t, c.result(2), &failures)
	assert.Equal(t, 1, failures.Count)
	assert.NoError(t, c.result(3))
}

func TestPayloadPanicIsReported(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Flaky", nil, ir.Args{})
	require.NoError(t, err)

	err = c.d.Call(ctx, h, "explode", ir.Args{})
	require.Error(t, err)
	assert.True(t, IsPayloadError(err))
	assert.ErrorContains(t, err, "panic in broadcast_call: boom")
	assert.NoError(t, c.d.Err())
}

func TestUndeclaredCallIsNotBroadcast(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	before := len(c.journals[0].Entries())

	err = c.d.Call(ctx, h, "value", ir.Args{})
	assert.True(t, IsPayloadError(err))
	assert.ErrorContains(t, err, "Counter.value is gather, not broadcast")

	_, err = c.d.Invoke(ctx, h, "missing", ir.Args{})
	assert.ErrorContains(t, err, "undeclared")

	_, err = c.d.GetProperty(ctx, h, "increment")
	assert.Error(t, err)

	assert.Len(t, c.journals[0].Entries(), before)
}

func TestDestroyEndsHandle(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	require.NoError(t, c.d.Destroy(ctx, h))
	assert.Equal(t, int32(3), c.destroyed.Load())
	assert.Zero(t, c.d.Objects())

	err = c.d.Call(ctx, h, "increment", ir.Args{})
	assert.True(t, IsStaleHandle(err))
	assert.False(t, IsFatal(err))
	assert.True(t, IsStaleHandle(c.d.Destroy(ctx, h)))

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		require.NoError(t, c.result(r))
		assert.Zero(t, c.loops[r].Objects())
	}
}

func TestDestroyExcludedRanksForgetHandle(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	group, err := rank.NewCPUGroup(c.d.Rank(), "one", 3)
	require.NoError(t, err)
	h, err := c.d.Construct(ctx, "Counter", group, ir.Args{})
	require.NoError(t, err)
	require.NoError(t, c.d.Destroy(ctx, h))
	assert.Equal(t, int32(1), c.destroyed.Load())

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		require.NoError(t, c.result(r))
		_, ok := c.loops[r].Lookup(h)
		assert.False(t, ok)
	}
}

func TestExecRejectedByControllerIsNotBroadcast(t *testing.T) {
	c := startCluster(t, 3)

	err := c.d.Exec(context.Background(), "import nope")
	assert.ErrorIs(t, err, registry.ErrUnknownModule)
	assert.False(t, IsFatal(err))

	err = c.d.Exec(context.Background(), "os.system('x')")
	assert.ErrorIs(t, err, registry.ErrBadStatement)

	assert.Len(t, c.journals[0].Entries(), 1)
	assert.NoError(t, c.d.Err())
}

func TestExecMismatchIsFatal(t *testing.T) {
	c := startCluster(t, 3, withoutImport(), withBind(func(r int, reg *registry.Registry, destroyed *atomic.Int32) {
		if r == 2 {
			bindTestTypes(reg, destroyed, "Flaky")
			return
		}
		bindTestTypes(reg, destroyed)
	}))
	ctx := context.Background()

	err := c.d.Exec(ctx, "import core")
	require.Error(t, err)
	assert.True(t, IsImportMismatch(err))
	assert.True(t, IsFatal(err))

	var pe *PMIError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []int{2}, pe.FailedRanks())

	require.NoError(t, c.d.Stop(ctx, ir.StopAbort))
	assert.ErrorIs(t, c.result(1), ErrAborted)
	assert.ErrorIs(t, c.result(2), ErrAborted)
}

func TestExecIsIdempotent(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.d.Exec(ctx, "import core"))
	require.NoError(t, c.d.Exec(ctx, "import core; import core"))
	assert.Equal(t, []string{"core"}, c.d.Registry().Imported())
}

func TestStopOnlyOnce(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	assert.True(t, c.d.Stopped())
	assert.ErrorIs(t, c.d.Stop(ctx, ir.StopNormal), ErrStopped)
	assert.ErrorIs(t, c.d.Exec(ctx, "import core"), ErrStopped)
	_, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	assert.ErrorIs(t, err, ErrStopped)

	for _, r := range c.workers() {
		require.NoError(t, c.result(r))
		assert.ErrorContains(t, c.loops[r].Run(ctx), "already stopped")
	}
}

func TestReleaseAndReenter(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	require.NoError(t, c.d.Call(ctx, h, "increment", ir.Args{}))

	require.NoError(t, c.d.Release(ctx))
	for _, r := range c.workers() {
		assert.ErrorIs(t, c.result(r), ErrReleased)
	}
	assert.False(t, c.d.Stopped())
	for _, r := range c.workers() {
		assert.Equal(t, []ir.Handle{h}, c.loops[r].Handles(), "rank %d keeps its objects", r)
		assert.Equal(t, h, c.loops[r].LastHandle())
	}

	for _, r := range c.workers() {
		c.run(r)
	}
	require.NoError(t, c.d.Call(ctx, h, "increment", ir.Args{}))
	results, err := c.d.Invoke(ctx, h, "value", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, repeat(ir.Int(2), 2), values(results))

	assert.Error(t, c.d.Stop(ctx, ir.StopRelease), "release goes through Release")
	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		assert.NoError(t, c.result(r))
	}
}

func TestCallTimeoutBreaksDispatcher(t *testing.T) {
	c := startCluster(t, 3, withoutImport(), withIdleRanks(2),
		withDispatcherOptions(WithCallTimeout(100*time.Millisecond)))
	ctx := context.Background()

	err := c.d.Exec(ctx, "import core")
	require.Error(t, err)
	assert.True(t, IsDeadlockTimeout(err))
	assert.True(t, IsFatal(err))
	assert.Equal(t, err, c.d.Err())

	err = c.d.Exec(ctx, "import core")
	assert.True(t, IsFatal(err))
	assert.ErrorContains(t, err, "broken")
}

func TestPeerLostIsFatal(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	c.eps[2].Close()
	assert.Error(t, c.result(2))

	_, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorContains(t, err, "peer lost")
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 5 {
				if err := c.d.Call(ctx, h, "increment", ir.Args{}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	results, err := c.d.Invoke(ctx, h, "value", ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, repeat(ir.Int(40), 3), values(results))
}

func TestJournalsAgreeAcrossRanks(t *testing.T) {
	c := startCluster(t, 4)
	ctx := context.Background()

	h, err := c.d.Construct(ctx, "Counter", nil, ir.Args{})
	require.NoError(t, err)
	require.NoError(t, c.d.Call(ctx, h, "increment", ir.Args{Named: ir.Object{"by": ir.Int(2)}}))
	_, err = c.d.Invoke(ctx, h, "value", ir.Args{})
	require.NoError(t, err)
	require.NoError(t, c.d.SetProperty(ctx, h, "scale", ir.Float(0.5)))
	require.NoError(t, c.d.Destroy(ctx, h))
	require.NoError(t, c.d.Stop(ctx, ir.StopNormal))
	for _, r := range c.workers() {
		require.NoError(t, c.result(r))
	}

	want := trace(c.journals[0].Entries())
	require.Len(t, want, 7)
	for _, r := range c.workers() {
		assert.Equal(t, want, trace(c.journals[r].Entries()), "rank %d", r)
	}
	for i, e := range c.journals[0].Entries() {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, "run-test", e.RunID)
	}
}
