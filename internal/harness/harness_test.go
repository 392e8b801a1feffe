package harness

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/payload"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/spmd"
	"github.com/roach88/pmi/internal/store"
	"github.com/roach88/pmi/internal/testutil"
	"github.com/roach88/pmi/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("../../testdata/scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func run(t *testing.T, content string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func TestScenarios(t *testing.T) {
	for _, name := range []string{"counter_basics", "cpu_groups", "md_properties"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(context.Background(), loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NotEmpty(t, result.Trace)
			assert.Equal(t, ir.OpStop, result.Trace[len(result.Trace)-1].Op)
		})
	}
}

func TestScenarioRanksExitCleanly(t *testing.T) {
	result, err := Run(context.Background(), loadTestdata(t, "cpu_groups"))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "", "", "", ""}, result.Ranks)
	require.Len(t, result.Journals, 5)
	for r, j := range result.Journals {
		assert.Len(t, j, len(result.Trace), "rank %d", r)
	}
}

func TestRunDeterministic(t *testing.T) {
	s := loadTestdata(t, "counter_basics")

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := Snapshot(s, first)
	require.NoError(t, err)
	b, err := Snapshot(s, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	for r := range first.Journals {
		for i := range first.Journals[r] {
			assert.Equal(t, first.Journals[r][i].Digest, second.Journals[r][i].Digest)
		}
	}
}

func TestRunReportsWrongExpectation(t *testing.T) {
	result := run(t, `
name: wrong
description: d
size: 3
steps:
  - exec: import core
  - construct: Counter
    as: c
  - invoke: c.value
    expect: [1, 1]
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[2] invoke c.value: expected [1 1], got [0 0]")
}

func TestRunReportsUnexpectedError(t *testing.T) {
	result := run(t, `
name: unexpected
description: d
size: 2
steps:
  - exec: import core
  - call: missing.increment
`)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], `unknown object "missing"`)
}

func TestRunReportsMissingExpectedError(t *testing.T) {
	result := run(t, `
name: missing_error
description: d
size: 2
steps:
  - exec: import core
  - construct: Counter
    as: c
  - call: c.increment
    expect_error:
      code: PAYLOAD_ERROR
`)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected an error, got success")
}

func TestRunChecksErrorCode(t *testing.T) {
	result := run(t, `
name: wrong_code
description: d
size: 2
steps:
  - exec: import core
  - construct: Counter
    as: c
  - call: c.increment
    args: ["x"]
    expect_error:
      code: STALE_HANDLE
`)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected error code STALE_HANDLE")
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "PAYLOAD_ERROR", result.Steps[2].Code)
}

func TestRunUndeclaredMethodIsNotBroadcast(t *testing.T) {
	result := run(t, `
name: undeclared
description: d
size: 2
steps:
  - exec: import core
  - construct: Counter
    as: c
  - call: c.value
    expect_error:
      code: PAYLOAD_ERROR
      fatal: false
assertions:
  - type: trace_count
    event: Counter.value
    count: 0
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunConstructFailureBurnsHandle(t *testing.T) {
	result := run(t, `
name: burned
description: d
size: 3
steps:
  - exec: "import core; import md"
  - construct: Integrator
    kwargs: { mass: -1.0 }
    expect_error:
      code: CONSTRUCTION_ERROR
      fatal: false
  - construct: Counter
    as: c
assertions:
  - type: trace_contains
    event: new Integrator
    status: error
  - type: journals_consistent
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, int64(2), result.Steps[2].Value)
}

func TestRunRelease(t *testing.T) {
	result := run(t, `
name: release
description: d
size: 3
steps:
  - exec: import core
  - construct: Counter
    as: c
  - release: true
  - call: c.increment
  - invoke: c.value
    expect: [1, 1]
assertions:
  - type: trace_order
    events: [new Counter, stop, Counter.increment, stop]
  - type: journals_consistent
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunCustomManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "only_counter.cue")
	src := `
type: Counter: {
	broadcast: ["increment", "reset"]
	gather: ["value"]
	passthrough: ["add"]
}

module: mini: ["Counter"]
`
	require.NoError(t, os.WriteFile(manifest, []byte(src), 0o644))

	s, err := ParseScenario([]byte(`
name: custom
description: d
size: 2
steps:
  - exec: import mini
  - exec: import core
    expect_error:
      contains: unknown module
`))
	require.NoError(t, err)
	s.Manifest = manifest

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunBadManifest(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	s.Manifest = filepath.Join(t.TempDir(), "missing.cue")

	_, err = Run(context.Background(), s)
	assert.Error(t, err)
}

func TestBuiltinManifestCoversScenarios(t *testing.T) {
	m := payload.Manifest()
	for _, typeID := range []string{"Counter", "RankProbe", "Thermostat", "Integrator"} {
		_, ok := m.Spec(typeID)
		assert.True(t, ok, typeID)
	}
}

func TestRunNodePerRank(t *testing.T) {
	scenario := loadTestdata(t, "counter_basics")
	eps := transport.NewMemoryGroup(scenario.Size)

	stores := make([]*store.Store, scenario.Size)
	for r := range stores {
		st, err := store.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		stores[r] = st
	}

	results := make([]*Result, scenario.Size)
	errs := make([]error, scenario.Size)
	var wg sync.WaitGroup
	for r := range scenario.Size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer eps[r].Close()
			results[r], errs[r] = RunNode(context.Background(), scenario, spmd.Node{
				Rank:      rank.MustNew(r, scenario.Size),
				Transport: eps[r],
				Journal:   stores[r],
				Logger:    testutil.DiscardLogger(),
				RunIDs:    engine.NewFixedGenerator("run-node"),
			})
		}()
	}
	wg.Wait()

	for r := range scenario.Size {
		require.NoError(t, errs[r])
		assert.True(t, results[r].Pass, "rank %d: %v", r, results[r].Errors)
	}
	require.Len(t, results[0].Steps, len(scenario.Steps))
	assert.Equal(t, "STALE_HANDLE", results[0].Steps[7].Code)
	assert.Empty(t, results[1].Steps, "workers do not run steps")

	ctx := context.Background()
	root, err := stores[0].ReadRun(ctx, "run-node")
	require.NoError(t, err)
	assert.Len(t, root, 7)
	for r := 1; r < scenario.Size; r++ {
		entries, err := stores[r].ReadRun(ctx, "run-node")
		require.NoError(t, err)
		assert.Nil(t, store.CompareJournals(root, entries), "rank %d", r)
	}
}
