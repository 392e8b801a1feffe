package payload

import (
	"context"
	"fmt"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/proxy"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
)

type counter struct {
	n int64
}

func newCounter(_ context.Context, _ registry.Env, args ir.Args) (registry.Instance, error) {
	start, err := intArg(args, 0, "start", 0)
	if err != nil {
		return nil, err
	}
	return &counter{n: start}, nil
}

func (c *counter) Call(_ context.Context, method string, args ir.Args) (ir.Value, error) {
	switch method {
	case "increment":
		by, err := intArg(args, 0, "by", 1)
		if err != nil {
			return nil, err
		}
		c.n += by
		return nil, nil
	case "reset":
		c.n = 0
		return nil, nil
	case "value":
		return ir.Int(c.n), nil
	}
	return nil, fmt.Errorf("Counter has no method %s", method)
}

func add(_ context.Context, args ir.Args) (ir.Value, error) {
	a, err := intArg(args, 0, "a", 0)
	if err != nil {
		return nil, err
	}
	b, err := intArg(args, 1, "b", 0)
	if err != nil {
		return nil, err
	}
	return ir.Int(a + b), nil
}

type rankProbe struct {
	rc rank.Context
}

func newRankProbe(_ context.Context, env registry.Env, _ ir.Args) (registry.Instance, error) {
	return rankProbe{rc: env.Rank}, nil
}

func (p rankProbe) Call(_ context.Context, method string, _ ir.Args) (ir.Value, error) {
	switch method {
	case "rank":
		return ir.Int(p.rc.Rank()), nil
	case "index":
		return ir.Int(p.rc.WorkerIndex()), nil
	case "size":
		return ir.Int(p.rc.Size()), nil
	}
	return nil, fmt.Errorf("RankProbe has no method %s", method)
}

var (
	counterClass     = proxy.MustClass(mustSpec("Counter"))
	counterIncrement = counterClass.Broadcast("increment")
	counterReset     = counterClass.Broadcast("reset")
	counterValue     = proxy.Gather(counterClass, "value", ir.AsInt)
	counterAdd       = proxy.Local(counterClass, "add", ir.AsInt)

	probeClass = proxy.MustClass(mustSpec("RankProbe"))
	probeRank  = proxy.Gather(probeClass, "rank", ir.AsInt)
	probeIndex = proxy.Gather(probeClass, "index", ir.AsInt)
	probeSize  = proxy.Gather(probeClass, "size", ir.AsInt)
)

// Counter counts increments independently on every participating rank.
type Counter struct {
	*proxy.Object
}

// NewCounter constructs a Counter starting at start.
func NewCounter(ctx context.Context, d *engine.Dispatcher, group *ir.CPUGroup, start int64) (*Counter, error) {
	o, err := counterClass.Construct(ctx, d, group, ir.Args{Named: ir.Object{"start": ir.Int(start)}})
	if err != nil {
		return nil, err
	}
	return &Counter{o}, nil
}

// Increment adds one on every rank.
func (c *Counter) Increment(ctx context.Context) error {
	return counterIncrement(ctx, c.Object, ir.Args{})
}

// IncrementBy adds by on every rank.
func (c *Counter) IncrementBy(ctx context.Context, by int64) error {
	return counterIncrement(ctx, c.Object, ir.Args{Named: ir.Object{"by": ir.Int(by)}})
}

// Reset sets every rank's count to zero.
func (c *Counter) Reset(ctx context.Context) error {
	return counterReset(ctx, c.Object, ir.Args{})
}

// Value returns each participating rank's count.
func (c *Counter) Value(ctx context.Context) ([]int64, error) {
	return counterValue(ctx, c.Object, ir.Args{})
}

// Add sums two numbers on the controller.
func (c *Counter) Add(ctx context.Context, a, b int64) (int64, error) {
	return counterAdd(ctx, c.Object, ir.Args{Positional: ir.Array{ir.Int(a), ir.Int(b)}})
}

// RankProbe reports where each of its instances runs.
type RankProbe struct {
	*proxy.Object
}

// NewRankProbe constructs a RankProbe.
func NewRankProbe(ctx context.Context, d *engine.Dispatcher, group *ir.CPUGroup) (*RankProbe, error) {
	o, err := probeClass.Construct(ctx, d, group, ir.Args{})
	if err != nil {
		return nil, err
	}
	return &RankProbe{o}, nil
}

// Ranks returns the rank of every participating instance.
func (p *RankProbe) Ranks(ctx context.Context) ([]int64, error) {
	return probeRank(ctx, p.Object, ir.Args{})
}

// Indices returns the worker index of every participating instance.
func (p *RankProbe) Indices(ctx context.Context) ([]int64, error) {
	return probeIndex(ctx, p.Object, ir.Args{})
}

// Sizes returns the group size as seen by every participating instance.
func (p *RankProbe) Sizes(ctx context.Context) ([]int64, error) {
	return probeSize(ctx, p.Object, ir.Args{})
}
