// Package transport provides the collective operations PMI is built on:
// one broadcast from a root rank, one gather back to it.
//
// Implementations must deliver messages between any two ranks in the order
// they were sent. PMI never issues two collectives concurrently on the same
// rank from the same role, but a worker may read the next broadcast while
// its reply to the previous one is still being written.
package transport

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrClosed is returned by operations on a transport after Close.
	ErrClosed = errors.New("transport closed")
	// ErrPeerLost is returned when a peer rank went away mid-run.
	ErrPeerLost = errors.New("peer lost")
	// ErrUnsupportedRoot is returned when a transport cannot root a
	// collective at the requested rank.
	ErrUnsupportedRoot = errors.New("unsupported root rank")
)

// Transport is the abstract collective contract.
type Transport interface {
	// Rank returns this endpoint's rank.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Broadcast sends payload from root to every rank. Every rank returns
	// the root's payload. Non-root callers' payload is ignored.
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)
	// Gather collects one payload per rank at root, indexed by rank.
	// Non-root callers get nil.
	Gather(ctx context.Context, root int, payload []byte) ([][]byte, error)
	// Close releases the endpoint. Peers blocked on it get ErrPeerLost.
	Close() error
}

// newPool returns a pool whose tasks respect context cancellation and
// whose Wait returns the first error seen.
func newPool(ctx context.Context) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
}
