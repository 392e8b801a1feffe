// Package store provides a SQLite-backed command journal.
//
// Every rank may record the commands it executed, in execution order, to
// its own database. Comparing two journals shows whether the ranks saw
// the same command stream: equal (seq, op, handle, digest) rows on every
// rank mean the run stayed in lockstep.
//
// # Critical Patterns
//
// Logical time:
//   - Rows are ordered by seq, the dispatcher's logical clock, NEVER by
//     insertion time
//   - Queries use ORDER BY seq ASC, id ASC so reads are deterministic
//
// Idempotent appends:
//   - UNIQUE(run_id, rank, seq) with ON CONFLICT DO NOTHING
//   - Re-appending an entry is a no-op
//
// Canonical payloads:
//   - args and kwargs are stored as canonical JSON (ir.MarshalCanonical)
//   - Handles are stored as decimal TEXT so the full uint64 range survives
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - user_version tracks schema migrations
package store
