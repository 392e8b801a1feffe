package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *Manifest {
	return &Manifest{
		Modules: []Module{
			{Name: "core", Types: []string{"Counter"}},
			{Name: "md", Types: []string{"Thermostat"}},
		},
		Types: []CallSpec{
			{
				TypeID:    "Counter",
				Broadcast: []string{"increment"},
				Gather:    []string{"value"},
			},
			{
				TypeID:      "Thermostat",
				Properties:  []string{"temperature"},
				Passthrough: []string{"describe"},
			},
		},
	}
}

func TestCallSpecKind(t *testing.T) {
	spec := testManifest().Types[1]
	spec.Broadcast = []string{"reset"}
	spec.Gather = []string{"read"}

	assert.Equal(t, CallBroadcast, spec.Kind("reset"))
	assert.Equal(t, CallGather, spec.Kind("read"))
	assert.Equal(t, CallProperty, spec.Kind("temperature"))
	assert.Equal(t, CallPassthrough, spec.Kind("describe"))
	assert.Equal(t, CallUndeclared, spec.Kind("missing"))
	assert.Equal(t, "passthrough", CallPassthrough.String())
}

func TestCallSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    CallSpec
		wantErr int
	}{
		{"valid", CallSpec{TypeID: "T", Broadcast: []string{"a"}, Gather: []string{"b"}}, 0},
		{"missing type id", CallSpec{Broadcast: []string{"a"}}, 1},
		{"empty name", CallSpec{TypeID: "T", Gather: []string{""}}, 1},
		{"duplicate across lists", CallSpec{TypeID: "T", Broadcast: []string{"a"}, Properties: []string{"a"}}, 1},
		{"duplicate within list", CallSpec{TypeID: "T", Gather: []string{"a", "a"}}, 1},
		{"collects all errors", CallSpec{Gather: []string{"", "x", "x"}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.spec.Validate()
			assert.Len(t, errs, tt.wantErr, "errors: %v", errs)
		})
	}
}

func TestManifestLookup(t *testing.T) {
	m := testManifest()

	spec, ok := m.Spec("Counter")
	require.True(t, ok)
	assert.Equal(t, []string{"increment"}, spec.Broadcast)

	_, ok = m.Spec("Nope")
	assert.False(t, ok)

	mod, ok := m.Module("md")
	require.True(t, ok)
	assert.Equal(t, []string{"Thermostat"}, mod.Types)
}

func TestManifestValidate(t *testing.T) {
	assert.Empty(t, testManifest().Validate())

	m := testManifest()
	m.Modules = append(m.Modules,
		Module{Name: "core", Types: []string{"Ghost"}},
		Module{Name: "extra", Types: []string{"Counter"}},
	)
	m.Types = append(m.Types, CallSpec{TypeID: "Counter"})

	errs := m.Validate()
	var messages []string
	for _, e := range errs {
		messages = append(messages, e.Error())
	}
	assert.Contains(t, messages, "type.Counter: duplicate type")
	assert.Contains(t, messages, "module.core: duplicate module")
	assert.Contains(t, messages, `module.core: type "Ghost" is not declared`)
	assert.Contains(t, messages, `module.extra: type "Counter" already belongs to module "core"`)
}
