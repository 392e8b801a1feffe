// Package testutil holds deterministic stand-ins used by tests and the
// scenario harness.
package testutil

import (
	"io"
	"log/slog"
)

// FixedRunID generates the same run id every time.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with the same FixedRunID produces byte-identical journals.
//
// Unlike engine.FixedGenerator which returns ids in sequence and panics
// when they run out, this generator always returns the same id, so one
// value can serve any number of runs.
//
// Thread-safety: FixedRunID is stateless and safe for concurrent use.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates a new fixed run id generator.
//
// If id is empty, Generate() returns "test-run-default".
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed run id.
//
// Implements engine.RunIDGenerator.
func (g *FixedRunID) Generate() string {
	return g.id
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
