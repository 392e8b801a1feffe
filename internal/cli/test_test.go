package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// copyScenario copies one scenario from testdata into dir.
func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(scenariosDir, name+".yaml"))
	require.NoError(t, err)
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
}

func TestTestCommandTestdata(t *testing.T) {
	out, err := executeTest(t, "text", scenariosDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ counter_basics")
	assert.Contains(t, out, "✓ cpu_groups")
	assert.Contains(t, out, "✓ md_properties")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := executeTest(t, "json", "--filter", "counter_*", scenariosDir)
	require.NoError(t, err)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "counter_basics", resp.Data.Scenarios[0].Name)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestTestCommandInvalidFilter(t *testing.T) {
	_, err := executeTest(t, "text", "--filter", "[", scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandGoldenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "counter_basics")

	out, err := executeTest(t, "text", "--update", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ counter_basics (golden updated)")

	goldenPath := filepath.Join(dir, "golden", "counter_basics.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"counter_basics"`)

	// The golden directory is not scanned for scenarios.
	out, err = executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"stale":true}`), 0o644))
	out, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandMatchesHarnessGolden(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "counter_basics")
	golden, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", "counter_basics.golden"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "counter_basics.golden"), golden, 0o644))

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err, out)
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nsize: 2\nbogus: 1\n"), 0o644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
