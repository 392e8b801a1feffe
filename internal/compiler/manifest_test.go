package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
type: Counter: {
	broadcast: ["increment"]
	gather: ["value"]
}
type: Thermostat: {
	properties: ["temperature"]
	passthrough: ["describe"]
}
module: core: ["Counter"]
module: md: ["Thermostat"]
`

func TestCompileTypeBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`type: Probe: { gather: ["rank", "size"], broadcast: ["reset"] }`)
	require.NoError(t, v.Err())

	spec, err := CompileType(v.LookupPath(cue.ParsePath("type.Probe")))
	require.NoError(t, err)
	assert.Equal(t, "Probe", spec.TypeID)
	assert.Equal(t, []string{"rank", "size"}, spec.Gather)
	assert.Equal(t, []string{"reset"}, spec.Broadcast)
	assert.Empty(t, spec.Properties)
}

func TestCompileTypeUnknownField(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`type: Probe: { scatter: ["x"] }`)

	_, err := CompileType(v.LookupPath(cue.ParsePath("type.Probe")))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Probe.scatter", ce.Field)
}

func TestCompileTypeRejectsNonStrings(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`type: Probe: { gather: [1, 2] }`)

	_, err := CompileType(v.LookupPath(cue.ParsePath("type.Probe")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a list of strings")
}

func TestCompileManifestPreservesOrder(t *testing.T) {
	m, err := CompileManifestString(sampleManifest, "manifest.cue")
	require.NoError(t, err)

	require.Len(t, m.Types, 2)
	assert.Equal(t, "Counter", m.Types[0].TypeID)
	assert.Equal(t, "Thermostat", m.Types[1].TypeID)

	require.Len(t, m.Modules, 2)
	assert.Equal(t, "core", m.Modules[0].Name)
	assert.Equal(t, []string{"Thermostat"}, m.Modules[1].Types)
}

func TestCompileManifestMissingTypes(t *testing.T) {
	_, err := CompileManifestString(`module: core: ["X"]`, "bad.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one type is required")
}

func TestCompileManifestInvalid(t *testing.T) {
	_, err := CompileManifestString(`
type: Counter: { broadcast: ["go"], gather: ["go"] }
module: core: ["Counter"]
`, "dup.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")
}

func TestCompileManifestSyntaxError(t *testing.T) {
	_, err := CompileManifestString(`type: Counter: {`, "broken.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid(), "syntax errors carry a position")
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestLoadManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.cue")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := LoadManifestFile(path)
	require.NoError(t, err)
	assert.Len(t, m.Types, 2)

	_, err = LoadManifestFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
