// Package rank describes a process's place in an SPMD process group.
//
// A Context is an explicit value threaded through the dispatcher, the
// worker loop and payload constructors. There is no process-global role.
package rank

import (
	"fmt"
	"slices"

	"github.com/roach88/pmi/internal/ir"
)

// Role is the part a rank plays in a PMI run.
type Role int

const (
	// Worker ranks hold payload instances and execute commands.
	Worker Role = iota
	// Controller is the single rank that issues commands.
	Controller
)

func (r Role) String() string {
	if r == Controller {
		return "controller"
	}
	return "worker"
}

// Context is immutable after construction and safe to share.
type Context struct {
	rank       int
	size       int
	controller int
}

// Option configures a Context.
type Option func(*Context)

// WithController sets the controller rank. Default: 0.
func WithController(r int) Option {
	return func(c *Context) {
		c.controller = r
	}
}

// New creates the context of rank r in a group of size ranks.
// A group needs at least one worker besides the controller.
func New(r, size int, opts ...Option) (Context, error) {
	c := Context{rank: r, size: size}
	for _, opt := range opts {
		opt(&c)
	}

	if size < 2 {
		return Context{}, fmt.Errorf("rank: group size must be at least 2, got %d", size)
	}
	if r < 0 || r >= size {
		return Context{}, fmt.Errorf("rank: rank %d out of range [0,%d)", r, size)
	}
	if c.controller < 0 || c.controller >= size {
		return Context{}, fmt.Errorf("rank: controller %d out of range [0,%d)", c.controller, size)
	}
	return c, nil
}

// MustNew is like New but panics on error. Use only in tests.
func MustNew(r, size int, opts ...Option) Context {
	c, err := New(r, size, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Rank returns this process's rank.
func (c Context) Rank() int { return c.rank }

// Size returns the number of ranks in the group, controller included.
func (c Context) Size() int { return c.size }

// ControllerRank returns the controller's rank.
func (c Context) ControllerRank() int { return c.controller }

// Role returns Controller on the controller rank, Worker elsewhere.
func (c Context) Role() Role {
	if c.IsController() {
		return Controller
	}
	return Worker
}

// IsController reports whether this rank issues commands.
func (c Context) IsController() bool {
	return c.rank == c.controller
}

// Workers returns every worker rank in ascending order.
func (c Context) Workers() []int {
	out := make([]int, 0, c.size-1)
	for r := 0; r < c.size; r++ {
		if r != c.controller {
			out = append(out, r)
		}
	}
	return out
}

// IsWorker reports whether r is a worker rank of this group.
func (c Context) IsWorker(r int) bool {
	return r >= 0 && r < c.size && r != c.controller
}

// WorkerIndex returns this rank's position among the worker ranks, in
// [0, Size()-1). The controller has no position and gets -1.
func (c Context) WorkerIndex() int {
	return c.IndexOf(c.rank)
}

// IndexOf returns the worker index of rank r, or -1 if r is not a worker.
func (c Context) IndexOf(r int) int {
	if !c.IsWorker(r) {
		return -1
	}
	if r > c.controller {
		return r - 1
	}
	return r
}

// IsWorkerActive reports whether this rank participates in commands for
// an object bound to group. A nil group means all workers.
func (c Context) IsWorkerActive(group *ir.CPUGroup) bool {
	if c.IsController() {
		return false
	}
	if group == nil {
		return true
	}
	return group.Contains(c.rank)
}

// Participants returns the worker ranks bound to group, ascending.
func (c Context) Participants(group *ir.CPUGroup) []int {
	if group == nil {
		return c.Workers()
	}
	return slices.Clone(group.Ranks)
}

// NewCPUGroup builds a named subset of worker ranks. Ranks are sorted and
// de-duplicated; the controller and out-of-range ranks are rejected, as is
// an empty group.
func NewCPUGroup(c Context, name string, ranks ...int) (*ir.CPUGroup, error) {
	if len(ranks) == 0 {
		return nil, fmt.Errorf("cpu group %q: at least one rank is required", name)
	}
	sorted := slices.Clone(ranks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, r := range sorted {
		if !c.IsWorker(r) {
			return nil, fmt.Errorf("cpu group %q: rank %d is not a worker rank", name, r)
		}
	}
	return &ir.CPUGroup{Name: name, Ranks: sorted}, nil
}

// AllWorkers returns the group of every worker rank.
func AllWorkers(c Context) *ir.CPUGroup {
	return &ir.CPUGroup{Name: "all", Ranks: c.Workers()}
}
