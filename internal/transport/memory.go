package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// memoryGroup wires size in-process ranks together with one unbuffered
// channel per ordered pair of ranks.
type memoryGroup struct {
	size  int
	links [][]chan []byte // links[from][to]
	done  []chan struct{}
	once  []sync.Once
}

// Memory is one rank's endpoint of an in-process group.
type Memory struct {
	g    *memoryGroup
	rank int
}

var _ Transport = (*Memory)(nil)

// NewMemoryGroup creates size connected endpoints, indexed by rank.
func NewMemoryGroup(size int) []*Memory {
	g := &memoryGroup{
		size:  size,
		links: make([][]chan []byte, size),
		done:  make([]chan struct{}, size),
		once:  make([]sync.Once, size),
	}
	for from := range size {
		g.links[from] = make([]chan []byte, size)
		for to := range size {
			if from != to {
				g.links[from][to] = make(chan []byte)
			}
		}
		g.done[from] = make(chan struct{})
	}

	out := make([]*Memory, size)
	for r := range size {
		out[r] = &Memory{g: g, rank: r}
	}
	return out
}

// Rank implements Transport.
func (m *Memory) Rank() int { return m.rank }

// Size implements Transport.
func (m *Memory) Size() int { return m.g.size }

// Broadcast implements Transport.
func (m *Memory) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := m.checkRoot(root); err != nil {
		return nil, err
	}
	if m.rank != root {
		return m.recv(ctx, root)
	}
	for to := range m.g.size {
		if to == root {
			continue
		}
		if err := m.send(ctx, to, payload); err != nil {
			return nil, fmt.Errorf("broadcast to rank %d: %w", to, err)
		}
	}
	return payload, nil
}

// Gather implements Transport.
func (m *Memory) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	if err := m.checkRoot(root); err != nil {
		return nil, err
	}
	if m.rank != root {
		return nil, m.send(ctx, root, payload)
	}
	out := make([][]byte, m.g.size)
	out[root] = payload
	for from := range m.g.size {
		if from == root {
			continue
		}
		data, err := m.recv(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", from, err)
		}
		out[from] = data
	}
	return out, nil
}

// Close implements Transport. It is idempotent.
func (m *Memory) Close() error {
	m.g.once[m.rank].Do(func() { close(m.g.done[m.rank]) })
	return nil
}

func (m *Memory) checkRoot(root int) error {
	if root < 0 || root >= m.g.size {
		return fmt.Errorf("%w: %d", ErrUnsupportedRoot, root)
	}
	select {
	case <-m.g.done[m.rank]:
		return ErrClosed
	default:
		return nil
	}
}

func (m *Memory) send(ctx context.Context, to int, payload []byte) error {
	select {
	case m.g.links[m.rank][to] <- bytes.Clone(payload):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.g.done[to]:
		return fmt.Errorf("%w: rank %d", ErrPeerLost, to)
	case <-m.g.done[m.rank]:
		return ErrClosed
	}
}

func (m *Memory) recv(ctx context.Context, from int) ([]byte, error) {
	select {
	case data := <-m.g.links[from][m.rank]:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.g.done[from]:
		return nil, fmt.Errorf("%w: rank %d", ErrPeerLost, from)
	case <-m.g.done[m.rank]:
		return nil, ErrClosed
	}
}
