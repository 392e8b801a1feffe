package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pmi/internal/ir"
)

type echo struct{}

func (echo) Call(_ context.Context, method string, _ ir.Args) (ir.Value, error) {
	return ir.String(method), nil
}

func newEcho(context.Context, Env, ir.Args) (Instance, error) { return echo{}, nil }

func testManifest() *ir.Manifest {
	return &ir.Manifest{
		Modules: []ir.Module{
			{Name: "core", Types: []string{"Echo"}},
			{Name: "extra", Types: []string{"Doc"}},
		},
		Types: []ir.CallSpec{
			{TypeID: "Echo", Gather: []string{"say"}},
			{TypeID: "Doc", Broadcast: []string{"noop"}, Passthrough: []string{"describe"}},
		},
	}
}

func describe(context.Context, ir.Args) (ir.Value, error) { return ir.String("doc"), nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(testManifest())
	require.NoError(t, r.Bind("Echo", Binding{New: newEcho}))
	require.NoError(t, r.Bind("Doc", Binding{New: newEcho, Local: map[string]LocalFunc{"describe": describe}}))
	return r
}

func TestBindValidates(t *testing.T) {
	r := New(testManifest())

	err := r.Bind("Ghost", Binding{New: newEcho})
	assert.ErrorIs(t, err, ErrUnknownType)

	assert.Error(t, r.Bind("Echo", Binding{}), "constructor is required")

	err = r.Bind("Echo", Binding{New: newEcho, Local: map[string]LocalFunc{"say": describe}})
	assert.ErrorContains(t, err, "not declared passthrough")

	err = r.Bind("Doc", Binding{New: newEcho})
	assert.ErrorContains(t, err, "has no local function")

	require.NoError(t, r.Bind("Echo", Binding{New: newEcho}))
	assert.ErrorContains(t, r.Bind("Echo", Binding{New: newEcho}), "already bound")

	assert.Equal(t, []string{"Doc"}, r.Unbound())
}

func TestMustBindPanics(t *testing.T) {
	r := New(testManifest())
	assert.Panics(t, func() { r.MustBind("Ghost", Binding{New: newEcho}) })
}

func TestParseStatement(t *testing.T) {
	tests := []struct {
		stmt    string
		want    []string
		wantErr bool
	}{
		{"import core", []string{"core"}, false},
		{"  import   core  ", []string{"core"}, false},
		{"import core; import extra", []string{"core", "extra"}, false},
		{"import core\nimport extra\n", []string{"core", "extra"}, false},
		{"", nil, true},
		{"from core import Echo", nil, true},
		{"import", nil, true},
		{"import a b", nil, true},
		{"os.system('rm -rf /')", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			got, err := ParseStatement(tt.stmt)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadStatement)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRequiresImport(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Resolve("Echo")
	assert.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, r.Exec("import core"))

	b, spec, err := r.Resolve("Echo")
	require.NoError(t, err)
	assert.NotNil(t, b.New)
	assert.Equal(t, []string{"say"}, spec.Gather)

	_, _, err = r.Resolve("Doc")
	assert.ErrorIs(t, err, ErrUnknownType, "extra not imported yet")

	spec, ok := r.Spec("Doc")
	assert.True(t, ok, "manifest lookup ignores activation")
	assert.Equal(t, "Doc", spec.TypeID)
}

func TestExecIsAtomicAndIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Exec("import core; import nowhere")
	assert.ErrorIs(t, err, ErrUnknownModule)
	assert.Empty(t, r.Imported(), "failed statement activates nothing")

	require.NoError(t, r.Exec("import core"))
	require.NoError(t, r.Exec("import core"))
	assert.Equal(t, []string{"core"}, r.Imported())
}

func TestExecRequiresBindings(t *testing.T) {
	r := New(testManifest())
	require.NoError(t, r.Bind("Echo", Binding{New: newEcho}))

	err := r.Exec("import extra")
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestLocal(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Exec("import extra"))

	fn, err := r.Local("Doc", "describe")
	require.NoError(t, err)
	v, err := fn(context.Background(), ir.Args{})
	require.NoError(t, err)
	assert.Equal(t, ir.String("doc"), v)

	_, err = r.Local("Doc", "noop")
	assert.ErrorContains(t, err, "not a passthrough call")
}

func TestDigestTracksImports(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	require.NoError(t, a.Exec("import core"))
	da, err = a.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db, "divergent imports are visible in the digest")

	require.NoError(t, b.Exec("import core"))
	db, err = b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}
