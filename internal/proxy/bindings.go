package proxy

import (
	"context"
	"fmt"

	"github.com/roach88/pmi/internal/ir"
)

// Decoder converts a gathered value into T.
type Decoder[T any] func(ir.Value) (T, error)

// BroadcastFunc runs a broadcast method on every participating rank and
// returns after all of them finished.
type BroadcastFunc func(ctx context.Context, o *Object, args ir.Args) error

// Broadcast binds a method declared in the CallSpec's broadcast list.
func (c *Class) Broadcast(name string) BroadcastFunc {
	c.require(name, ir.CallBroadcast)
	return func(ctx context.Context, o *Object, args ir.Args) error {
		h, err := o.live(c, ir.OpBroadcastCall)
		if err != nil {
			return err
		}
		return o.d.Call(ctx, h, name, args)
	}
}

// GatherFunc runs a gather method and returns one value per participating
// rank, in rank order.
type GatherFunc[T any] func(ctx context.Context, o *Object, args ir.Args) ([]T, error)

// Gather binds a method declared in the CallSpec's gather list.
func Gather[T any](c *Class, name string, decode Decoder[T]) GatherFunc[T] {
	c.require(name, ir.CallGather)
	return func(ctx context.Context, o *Object, args ir.Args) ([]T, error) {
		h, err := o.live(c, ir.OpGatherInvoke)
		if err != nil {
			return nil, err
		}
		results, err := o.d.Invoke(ctx, h, name, args)
		if err != nil {
			return nil, err
		}
		out := make([]T, len(results))
		for i, r := range results {
			v, err := decode(r.Value)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: rank %d: %w", c.TypeID(), name, r.Rank, err)
			}
			out[i] = v
		}
		return out, nil
	}
}

// PropertyBinding reads and writes one declared property.
type PropertyBinding[T any] struct {
	class  *Class
	name   string
	decode Decoder[T]
}

// Property binds a name declared in the CallSpec's property list.
func Property[T any](c *Class, name string, decode Decoder[T]) PropertyBinding[T] {
	c.require(name, ir.CallProperty)
	return PropertyBinding[T]{class: c, name: name, decode: decode}
}

// Get returns the value held by the lowest participating rank.
func (p PropertyBinding[T]) Get(ctx context.Context, o *Object) (T, error) {
	var zero T
	h, err := o.live(p.class, ir.OpPropertyGet)
	if err != nil {
		return zero, err
	}
	v, err := o.d.GetProperty(ctx, h, p.name)
	if err != nil {
		return zero, err
	}
	out, err := p.decode(v)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", p.class.TypeID(), p.name, err)
	}
	return out, nil
}

// Set assigns v on every participating rank.
func (p PropertyBinding[T]) Set(ctx context.Context, o *Object, v T) error {
	h, err := o.live(p.class, ir.OpPropertySet)
	if err != nil {
		return err
	}
	val, err := ir.FromGo(v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", p.class.TypeID(), p.name, err)
	}
	return o.d.SetProperty(ctx, h, p.name, val)
}

// LocalFunc runs a passthrough call on the controller only.
type LocalFunc[T any] func(ctx context.Context, o *Object, args ir.Args) (T, error)

// opPassthrough labels stale-handle errors from passthrough calls. It is
// never sent to a worker.
const opPassthrough ir.OpKind = "passthrough"

// Local binds a name declared in the CallSpec's passthrough list. The call
// runs the type's registered local function and never reaches a worker.
// Like every other binding it requires a Live object.
func Local[T any](c *Class, name string, decode Decoder[T]) LocalFunc[T] {
	c.require(name, ir.CallPassthrough)
	return func(ctx context.Context, o *Object, args ir.Args) (T, error) {
		var zero T
		if _, err := o.live(c, opPassthrough); err != nil {
			return zero, err
		}
		fn, err := o.d.Registry().Local(c.TypeID(), name)
		if err != nil {
			return zero, err
		}
		v, err := fn(ctx, args)
		if err != nil {
			return zero, fmt.Errorf("%s.%s: %w", c.TypeID(), name, err)
		}
		out, err := decode(v)
		if err != nil {
			return zero, fmt.Errorf("%s.%s: %w", c.TypeID(), name, err)
		}
		return out, nil
	}
}
