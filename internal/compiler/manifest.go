// Package compiler turns CUE payload manifests into ir.Manifest values.
//
// A manifest declares every payload type's CallSpec and groups types into
// modules that a bootstrap "import <module>" statement activates:
//
//	type: Counter: {
//		broadcast: ["increment"]
//		gather:    ["value"]
//	}
//	module: core: ["Counter"]
//
// Every rank must load the same manifest. Declaration order is preserved.
package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/pmi/internal/ir"
)

var callLists = []string{"broadcast", "gather", "properties", "passthrough"}

// CompileType parses one entry of the type table into a CallSpec.
// The type id is the entry's label.
func CompileType(v cue.Value) (*ir.CallSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.CallSpec{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.TypeID = labels[len(labels)-1].String()
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		label := iter.Label()
		names, err := parseNames(iter.Value(), spec.TypeID+"."+label)
		if err != nil {
			return nil, err
		}
		switch label {
		case "broadcast":
			spec.Broadcast = names
		case "gather":
			spec.Gather = names
		case "properties":
			spec.Properties = names
		case "passthrough":
			spec.Passthrough = names
		default:
			return nil, &CompileError{
				Field:   spec.TypeID + "." + label,
				Message: fmt.Sprintf("unknown field, expected one of %v", callLists),
				Pos:     iter.Value().Pos(),
			}
		}
	}

	return spec, nil
}

// CompileManifest parses a whole manifest value with top-level "type" and
// "module" fields and validates the result.
func CompileManifest(v cue.Value) (*ir.Manifest, error) {
	m, err := DecodeManifest(v)
	if err != nil {
		return nil, err
	}
	if errs := Validate(m); len(errs) > 0 {
		return nil, &CompileError{Field: errs[0].Field, Message: errs[0].Message, Pos: v.Pos()}
	}
	return m, nil
}

// DecodeManifest parses a manifest value without running Validate, so
// callers can report every validation error at once.
func DecodeManifest(v cue.Value) (*ir.Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &ir.Manifest{}

	typesVal := v.LookupPath(cue.ParsePath("type"))
	if !typesVal.Exists() {
		return nil, &CompileError{Field: "type", Message: "at least one type is required", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := CompileType(iter.Value())
		if err != nil {
			return nil, err
		}
		m.Types = append(m.Types, *spec)
	}

	modulesVal := v.LookupPath(cue.ParsePath("module"))
	if modulesVal.Exists() {
		iter, err := modulesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			name := iter.Label()
			types, err := parseNames(iter.Value(), "module."+name)
			if err != nil {
				return nil, err
			}
			m.Modules = append(m.Modules, ir.Module{Name: name, Types: types})
		}
	}

	return m, nil
}

// CompileManifestString compiles manifest source. filename is used in
// error positions.
func CompileManifestString(src, filename string) (*ir.Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return CompileManifest(v)
}

// LoadManifestFile reads and compiles a manifest file.
func LoadManifestFile(path string) (*ir.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return CompileManifestString(string(data), path)
}

// DecodeManifestFile reads and decodes a manifest file without validating it.
func DecodeManifestFile(path string) (*ir.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	v := cuecontext.New().CompileString(string(data), cue.Filename(path))
	return DecodeManifest(v)
}

// parseNames decodes a CUE list of strings.
func parseNames(v cue.Value, field string) ([]string, error) {
	list, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "must be a list of strings", Pos: v.Pos()}
	}

	var names []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, &CompileError{Field: field, Message: "must be a list of strings", Pos: list.Value().Pos()}
		}
		names = append(names, s)
	}
	return names, nil
}
