// Package harness runs PMI scenarios: controller programs written as YAML
// steps, executed on an in-process cluster, with assertions on the command
// trace and on every rank's journal.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: counter_basics
//	description: "Three increments reach every worker"
//	size: 5
//	steps:
//	  - exec: "import core; import md"
//	  - construct: Counter
//	    as: c
//	    kwargs: { start: 0 }
//	  - call: c.increment
//	  - invoke: c.value
//	    expect: [1, 1, 1, 1]
//	  - construct: Thermostat
//	    as: th
//	  - set: th.target
//	    value: 1.5
//	  - get: th.target
//	    expect: 1.5
//	  - local: Counter.add
//	    args: [2, 40]
//	    expect: 42
//	  - call: c.increment
//	    args: ["x"]
//	    expect_error: { code: PAYLOAD_ERROR, fatal: false }
//	  - destroy: c
//	assertions:
//	  - type: trace_count
//	    event: Counter.increment
//	    count: 1
//	  - type: journals_consistent
//
// Construct steps may restrict the object to a CPU group with
// "group: [1, 3]". A release step hands the workers back to worker-only
// code and they re-enter their loops.
//
// # Trace Events
//
// The trace is rank 0's journal. Each event has a label used by the
// assertions: "exec", "stop", "new <Type>", "del <Type>",
// "<Type>.<method>", "set <Type>.<property>" and "get <Type>.<property>".
//
// # Assertion Types
//
//   - trace_contains: an event appears in the trace, optionally with args and status
//   - trace_order: events appear in the specified order
//   - trace_count: an event appears exactly N times
//   - journals_consistent: every rank journaled the same commands
//   - journal_row: one row of a rank's SQLite journal has the expected columns
//
// # Golden Files
//
// RunWithGolden compares a canonical JSON snapshot of the trace and step
// outcomes with testdata/golden/<name>.golden. Run tests with -update to
// regenerate them.
package harness
