// Package registry maps payload type ids to their Go constructors.
//
// The set of types a rank may construct comes from a fixed manifest plus
// Go bindings compiled into the binary. Bootstrap statements only activate
// manifest modules; they never load or evaluate code.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/rank"
)

var (
	// ErrUnknownType is returned when a type is undeclared, unbound or not
	// activated by any import.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnknownModule is returned when an import names no manifest module.
	ErrUnknownModule = errors.New("unknown module")
	// ErrBadStatement is returned for statements outside the bootstrap grammar.
	ErrBadStatement = errors.New("unsupported bootstrap statement")
)

// Env is what a constructor learns about where it runs.
type Env struct {
	Rank   rank.Context
	Handle ir.Handle
	Group  *ir.CPUGroup
	Logger *slog.Logger
}

// Instance is a worker-side payload object.
type Instance interface {
	Call(ctx context.Context, method string, args ir.Args) (ir.Value, error)
}

// PropertyAccessor is implemented by instances that declare properties.
type PropertyAccessor interface {
	GetProperty(name string) (ir.Value, error)
	SetProperty(name string, v ir.Value) error
}

// Destroyer is implemented by instances that release resources on destroy.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Constructor builds the local instance of a type on one worker rank.
type Constructor func(ctx context.Context, env Env, args ir.Args) (Instance, error)

// LocalFunc implements a passthrough call. It runs only on the caller and
// never touches worker state.
type LocalFunc func(ctx context.Context, args ir.Args) (ir.Value, error)

// Binding is the Go side of one manifest type.
type Binding struct {
	New   Constructor
	Local map[string]LocalFunc
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	manifest *ir.Manifest
	bindings map[string]Binding
	active   map[string]bool
	imported []string
}

// New creates a registry over a validated manifest. No type is active
// until a module is imported.
func New(m *ir.Manifest) *Registry {
	return &Registry{
		manifest: m,
		bindings: make(map[string]Binding),
		active:   make(map[string]bool),
	}
}

// Manifest returns the manifest the registry was built from.
func (r *Registry) Manifest() *ir.Manifest {
	return r.manifest
}

// Bind attaches a constructor and passthrough functions to a declared type.
// Every local function must be declared as passthrough and every
// passthrough name must have a local function.
func (r *Registry) Bind(typeID string, b Binding) error {
	spec, ok := r.manifest.Spec(typeID)
	if !ok {
		return fmt.Errorf("bind %s: %w", typeID, ErrUnknownType)
	}
	if b.New == nil {
		return fmt.Errorf("bind %s: constructor is required", typeID)
	}
	for name := range b.Local {
		if spec.Kind(name) != ir.CallPassthrough {
			return fmt.Errorf("bind %s: local function %q is not declared passthrough", typeID, name)
		}
	}
	for _, name := range spec.Passthrough {
		if _, ok := b.Local[name]; !ok {
			return fmt.Errorf("bind %s: passthrough %q has no local function", typeID, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.bindings[typeID]; dup {
		return fmt.Errorf("bind %s: already bound", typeID)
	}
	r.bindings[typeID] = b
	return nil
}

// MustBind is like Bind but panics on error. Used when wiring compiled-in
// payloads at startup.
func (r *Registry) MustBind(typeID string, b Binding) {
	if err := r.Bind(typeID, b); err != nil {
		panic(err)
	}
}

// ParseStatement parses a bootstrap statement into the modules it imports.
// The grammar is one "import <module>" per line or per ';'-separated clause.
func ParseStatement(stmt string) ([]string, error) {
	var modules []string
	clauses := strings.FieldsFunc(stmt, func(c rune) bool { return c == '\n' || c == ';' })
	for _, clause := range clauses {
		fields := strings.Fields(clause)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 || fields[0] != "import" {
			return nil, fmt.Errorf("%w: %q", ErrBadStatement, strings.TrimSpace(clause))
		}
		modules = append(modules, fields[1])
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: empty statement", ErrBadStatement)
	}
	return modules, nil
}

// Exec runs a bootstrap statement. Importing an already imported module is
// a no-op. On error nothing is activated.
func (r *Registry) Exec(stmt string) error {
	modules, err := ParseStatement(stmt)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range modules {
		mod, ok := r.manifest.Module(name)
		if !ok {
			return fmt.Errorf("import %s: %w", name, ErrUnknownModule)
		}
		for _, t := range mod.Types {
			if _, bound := r.bindings[t]; !bound {
				return fmt.Errorf("import %s: type %s has no binding: %w", name, t, ErrUnknownType)
			}
		}
	}

	for _, name := range modules {
		if slices.Contains(r.imported, name) {
			continue
		}
		mod, _ := r.manifest.Module(name)
		for _, t := range mod.Types {
			r.active[t] = true
		}
		r.imported = append(r.imported, name)
	}
	return nil
}

// Resolve returns the binding and CallSpec of an active type.
func (r *Registry) Resolve(typeID string) (Binding, ir.CallSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.active[typeID] {
		return Binding{}, ir.CallSpec{}, fmt.Errorf("resolve %s: %w", typeID, ErrUnknownType)
	}
	spec, _ := r.manifest.Spec(typeID)
	return r.bindings[typeID], spec, nil
}

// Spec returns the manifest CallSpec of typeID whether or not it is active.
func (r *Registry) Spec(typeID string) (ir.CallSpec, bool) {
	return r.manifest.Spec(typeID)
}

// Local returns the passthrough function name of an active type.
func (r *Registry) Local(typeID, name string) (LocalFunc, error) {
	b, spec, err := r.Resolve(typeID)
	if err != nil {
		return nil, err
	}
	if spec.Kind(name) != ir.CallPassthrough {
		return nil, fmt.Errorf("%s.%s is not a passthrough call", typeID, name)
	}
	return b.Local[name], nil
}

// Imported returns the imported modules in import order.
func (r *Registry) Imported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.imported)
}

// Digest returns the manifest digest of the imported modules. Ranks that
// imported the same modules in the same order from the same manifest agree.
func (r *Registry) Digest() (string, error) {
	return ir.ManifestDigest(r.manifest, r.Imported())
}

// Unbound lists manifest types that have no Go binding, in declaration order.
func (r *Registry) Unbound() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, s := range r.manifest.Types {
		if _, ok := r.bindings[s.TypeID]; !ok {
			out = append(out, s.TypeID)
		}
	}
	return out
}
