// Package payload provides the built-in payload types and their
// controller-side proxies.
//
// Module core holds Counter and RankProbe, used to exercise the command
// rhythm. Module md holds Thermostat and Integrator, a small molecular
// dynamics style workload: every worker integrates its own set of
// harmonic particles with velocity Verlet.
package payload

import (
	_ "embed"
	"fmt"

	"github.com/roach88/pmi/internal/compiler"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/registry"
)

//go:embed manifest.cue
var manifestSource string

var manifest = mustCompile(manifestSource)

func mustCompile(src string) *ir.Manifest {
	m, err := compiler.CompileManifestString(src, "manifest.cue")
	if err != nil {
		panic(fmt.Sprintf("payload: built-in manifest: %v", err))
	}
	return m
}

func mustSpec(typeID string) ir.CallSpec {
	spec, ok := manifest.Spec(typeID)
	if !ok {
		panic(fmt.Sprintf("payload: %s missing from built-in manifest", typeID))
	}
	return spec
}

// Manifest returns the built-in manifest. Callers must not modify it.
func Manifest() *ir.Manifest { return manifest }

// ManifestSource returns the CUE source of the built-in manifest.
func ManifestSource() string { return manifestSource }

var bindings = map[string]registry.Binding{
	"Counter":    {New: newCounter, Local: map[string]registry.LocalFunc{"add": add}},
	"RankProbe":  {New: newRankProbe},
	"Thermostat": {New: newThermostat, Local: map[string]registry.LocalFunc{"fahrenheit": fahrenheit}},
	"Integrator": {New: newIntegrator, Local: map[string]registry.LocalFunc{"kinetic": kinetic}},
}

// Register binds every built-in type that reg's manifest declares.
func Register(reg *registry.Registry) error {
	for _, spec := range reg.Manifest().Types {
		b, ok := bindings[spec.TypeID]
		if !ok {
			continue
		}
		if err := reg.Bind(spec.TypeID, b); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a registry over m with the built-in types bound.
// A nil m means the built-in manifest.
func NewRegistry(m *ir.Manifest) (*registry.Registry, error) {
	if m == nil {
		m = manifest
	}
	reg := registry.New(m)
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func intArg(args ir.Args, i int, key string, def int64) (int64, error) {
	v, ok := args.Lookup(i, key)
	if !ok {
		return def, nil
	}
	n, err := ir.AsInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return n, nil
}

func floatArg(args ir.Args, i int, key string, def float64) (float64, error) {
	v, ok := args.Lookup(i, key)
	if !ok {
		return def, nil
	}
	f, err := ir.AsFloat(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return f, nil
}
