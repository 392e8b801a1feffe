package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/pmi/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrManifestInvalid  = "E200" // structural manifest rule from ir.Manifest.Validate
	ErrInvalidName      = "E201" // type, module or call name is not an identifier
	ErrEmptyType        = "E202" // type declares no calls at all
	ErrModuleEmpty      = "E203" // module activates no types
	ErrTypeUnreachable  = "E204" // type belongs to no module and can never be imported
	ErrReservedCallName = "E205" // call name collides with a lifecycle operation
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Lifecycle operations are dispatched by command kind, not by name; a call
// with one of these names would be ambiguous in traces.
var reservedCallNames = map[string]bool{
	"construct": true,
	"destroy":   true,
	"stop":      true,
	"exec":      true,
}

// Validate checks a compiled manifest. Returns all errors found (does not
// fail-fast).
func Validate(m *ir.Manifest) []ValidationError {
	var errs []ValidationError

	for _, e := range m.Validate() {
		errs = append(errs, ValidationError{Field: e.Field, Message: e.Message, Code: ErrManifestInvalid})
	}

	member := make(map[string]bool)
	for _, mod := range m.Modules {
		if !identPattern.MatchString(mod.Name) {
			errs = append(errs, ValidationError{
				Field:   "module." + mod.Name,
				Message: "module name must be an identifier",
				Code:    ErrInvalidName,
			})
		}
		if len(mod.Types) == 0 {
			errs = append(errs, ValidationError{
				Field:   "module." + mod.Name,
				Message: "module must list at least one type",
				Code:    ErrModuleEmpty,
			})
		}
		for _, t := range mod.Types {
			member[t] = true
		}
	}

	for _, spec := range m.Types {
		field := "type." + spec.TypeID
		if !identPattern.MatchString(spec.TypeID) {
			errs = append(errs, ValidationError{Field: field, Message: "type id must be an identifier", Code: ErrInvalidName})
		}
		if !member[spec.TypeID] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "type is not listed in any module",
				Code:    ErrTypeUnreachable,
			})
		}

		names := allNames(spec)
		if len(names) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "type declares no calls", Code: ErrEmptyType})
		}
		for _, name := range names {
			if name == "" {
				continue // reported by ir.CallSpec.Validate
			}
			if !identPattern.MatchString(name) {
				errs = append(errs, ValidationError{
					Field:   field + "." + name,
					Message: "call name must be an identifier",
					Code:    ErrInvalidName,
				})
			}
			if reservedCallNames[strings.ToLower(name)] {
				errs = append(errs, ValidationError{
					Field:   field + "." + name,
					Message: "call name is reserved for lifecycle operations",
					Code:    ErrReservedCallName,
				})
			}
		}
	}

	return errs
}

func allNames(spec ir.CallSpec) []string {
	var names []string
	names = append(names, spec.Broadcast...)
	names = append(names, spec.Gather...)
	names = append(names, spec.Properties...)
	names = append(names, spec.Passthrough...)
	return names
}
