package ir

import (
	"fmt"
	"slices"
)

// CallKind classifies a name declared in a CallSpec.
type CallKind int

const (
	// CallUndeclared means the name does not appear in the CallSpec.
	CallUndeclared CallKind = iota
	// CallBroadcast is a collective call whose return value is discarded.
	CallBroadcast
	// CallGather is a collective call returning one value per participating rank.
	CallGather
	// CallProperty is a property with collective get and set.
	CallProperty
	// CallPassthrough runs on the caller only.
	CallPassthrough
)

func (k CallKind) String() string {
	switch k {
	case CallBroadcast:
		return "broadcast"
	case CallGather:
		return "gather"
	case CallProperty:
		return "property"
	case CallPassthrough:
		return "passthrough"
	default:
		return "undeclared"
	}
}

// CallSpec is the static, per-type declaration of what a controller-side
// proxy may do. It must be identical on every rank.
type CallSpec struct {
	TypeID      string   `json:"type_id"`
	Broadcast   []string `json:"broadcast"`
	Gather      []string `json:"gather"`
	Properties  []string `json:"properties"`
	Passthrough []string `json:"passthrough"`
}

// Kind returns how name is declared in s.
func (s CallSpec) Kind(name string) CallKind {
	switch {
	case slices.Contains(s.Broadcast, name):
		return CallBroadcast
	case slices.Contains(s.Gather, name):
		return CallGather
	case slices.Contains(s.Properties, name):
		return CallProperty
	case slices.Contains(s.Passthrough, name):
		return CallPassthrough
	default:
		return CallUndeclared
	}
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the CallSpec. Returns all errors, not just the first.
//
// Rules: type_id is required; names are non-empty; a name appears in at
// most one list and at most once.
func (s CallSpec) Validate() []ValidationError {
	var errs []ValidationError

	if s.TypeID == "" {
		errs = append(errs, ValidationError{Field: "type_id", Message: "type id is required"})
	}

	seen := make(map[string]string)
	check := func(list string, names []string) {
		for i, name := range names {
			field := fmt.Sprintf("%s.%s[%d]", s.TypeID, list, i)
			if name == "" {
				errs = append(errs, ValidationError{Field: field, Message: "name must not be empty"})
				continue
			}
			if prev, dup := seen[name]; dup {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("%q already declared in %s", name, prev),
				})
				continue
			}
			seen[name] = list
		}
	}
	check("broadcast", s.Broadcast)
	check("gather", s.Gather)
	check("properties", s.Properties)
	check("passthrough", s.Passthrough)

	return errs
}

func (s CallSpec) object() Object {
	list := func(names []string) Array {
		arr := make(Array, len(names))
		for i, n := range names {
			arr[i] = String(n)
		}
		return arr
	}
	return Object{
		"type_id":     String(s.TypeID),
		"broadcast":   list(s.Broadcast),
		"gather":      list(s.Gather),
		"properties":  list(s.Properties),
		"passthrough": list(s.Passthrough),
	}
}

// Module is a named bundle of types activated together by an
// "import <module>" bootstrap statement.
type Module struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`
}

// Manifest is the fixed table every rank loads at startup.
// Modules and Types keep declaration order.
type Manifest struct {
	Modules []Module   `json:"modules"`
	Types   []CallSpec `json:"types"`
}

// Spec returns the CallSpec for typeID.
func (m *Manifest) Spec(typeID string) (CallSpec, bool) {
	for _, s := range m.Types {
		if s.TypeID == typeID {
			return s, true
		}
	}
	return CallSpec{}, false
}

// Module returns the named module.
func (m *Manifest) Module(name string) (Module, bool) {
	for _, mod := range m.Modules {
		if mod.Name == name {
			return mod, true
		}
	}
	return Module{}, false
}

// Validate checks the manifest as a whole: unique type and module names,
// valid CallSpecs, module members declared as types, each type in at most
// one module.
func (m *Manifest) Validate() []ValidationError {
	var errs []ValidationError

	types := make(map[string]bool, len(m.Types))
	for _, s := range m.Types {
		if types[s.TypeID] {
			errs = append(errs, ValidationError{Field: "type." + s.TypeID, Message: "duplicate type"})
		}
		types[s.TypeID] = true
		errs = append(errs, s.Validate()...)
	}

	modules := make(map[string]bool, len(m.Modules))
	owner := make(map[string]string)
	for _, mod := range m.Modules {
		if mod.Name == "" {
			errs = append(errs, ValidationError{Field: "module", Message: "module name must not be empty"})
			continue
		}
		if modules[mod.Name] {
			errs = append(errs, ValidationError{Field: "module." + mod.Name, Message: "duplicate module"})
		}
		modules[mod.Name] = true
		for _, t := range mod.Types {
			if !types[t] {
				errs = append(errs, ValidationError{
					Field:   "module." + mod.Name,
					Message: fmt.Sprintf("type %q is not declared", t),
				})
			}
			if prev, ok := owner[t]; ok && prev != mod.Name {
				errs = append(errs, ValidationError{
					Field:   "module." + mod.Name,
					Message: fmt.Sprintf("type %q already belongs to module %q", t, prev),
				})
			}
			owner[t] = mod.Name
		}
	}

	return errs
}
