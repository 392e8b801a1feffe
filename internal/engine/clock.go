package engine

import "sync/atomic"

// Clock is a monotonic logical counter.
//
// The dispatcher uses one Clock for command sequence numbers and one for
// handles. Every worker keeps its own pair and advances them as commands
// arrive, so all ranks agree on both without exchanging them separately.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific value.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Peek returns the value the next call to Next will return.
func (c *Clock) Peek() int64 {
	return c.seq.Load() + 1
}

// Current returns the current value without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
