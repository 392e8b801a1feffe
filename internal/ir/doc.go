// Package ir provides the wire representation shared by every rank of a
// PMI process group.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Values crossing ranks are the sealed Value types, never arbitrary Go values
//   - All JSON tags use snake_case
//   - Ordering uses Command.Seq (logical clock), never wall-clock timestamps
//   - Digests use canonical JSON and SHA-256 with domain separation
package ir
