// Package engine implements parallel method invocation between one
// controller rank and a group of worker ranks.
//
// The controller runs the program. Workers run WorkerLoop and execute
// whatever the controller's Dispatcher sends them. Logical objects exist on
// every participating worker and are named by a Handle all ranks agree on.
//
// ARCHITECTURE:
//
// Command Rhythm:
// Every Dispatcher operation is exactly one broadcast followed by exactly
// one gather:
//  1. Dispatcher stamps the command with run id and next seq
//  2. Command is broadcast to every rank
//  3. Each worker executes it (or skips it when outside the object's group)
//  4. Each worker replies with status, result and the command digest
//  5. Dispatcher gathers all replies and aggregates per-rank errors
//
// A mutex keeps at most one command outstanding. Because every rank takes
// part in every collective, all ranks see the same commands in the same
// order, and handles can be assigned by counting constructs.
//
// Shutdown:
// ShutdownCoordinator runs the controller program and guarantees exactly
// one stop broadcast: normal when the program succeeded, abort otherwise.
// Workers blocked in their loop are never left waiting for a command that
// will not come.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Sequence numbers and handles come from Clock, never from wall time.
// Workers verify seq is exactly one more than the last command they ran.
//
// Fatal Errors:
// An error that may leave ranks disagreeing on object state or order is
// Fatal. The Dispatcher refuses further commands except Stop.
package engine
