// Package proxy builds the controller-facing side of payload types.
//
// A Class is created once per payload type, usually in a package-level
// var, from the type's CallSpec. Typed bindings are derived from the class
// at the same time and checked against the CallSpec then: asking for a
// binding the CallSpec does not declare panics during package
// initialisation instead of failing mid-run.
//
//	var (
//		counterClass = proxy.MustClass(spec)
//		increment    = counterClass.Broadcast("increment")
//		value        = proxy.Gather(counterClass, "value", ir.AsInt)
//	)
package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
)

// State is the lifecycle state of a logical object.
type State int

const (
	Unconstructed State = iota
	Live
	Destroyed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Destroyed:
		return "destroyed"
	default:
		return "unconstructed"
	}
}

// Class is the controller-side description of one payload type.
type Class struct {
	spec ir.CallSpec
}

// NewClass creates a class from a CallSpec.
func NewClass(spec ir.CallSpec) (*Class, error) {
	if errs := spec.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("proxy class %s: %w", spec.TypeID, errs[0])
	}
	return &Class{spec: spec}, nil
}

// MustClass is like NewClass but panics on error. Intended for
// package-level declarations.
func MustClass(spec ir.CallSpec) *Class {
	c, err := NewClass(spec)
	if err != nil {
		panic(err)
	}
	return c
}

// TypeID returns the payload type id.
func (c *Class) TypeID() string { return c.spec.TypeID }

// Spec returns the class's CallSpec.
func (c *Class) Spec() ir.CallSpec { return c.spec }

func (c *Class) require(name string, kind ir.CallKind) {
	if got := c.spec.Kind(name); got != kind {
		panic(fmt.Sprintf("proxy: %s.%s is %s, not %s", c.spec.TypeID, name, got, kind))
	}
}

// Object is the controller's handle on one logical object. The payload
// instances live on the worker ranks only.
type Object struct {
	class *Class
	d     *engine.Dispatcher

	mu     sync.Mutex
	state  State
	handle ir.Handle
	group  *ir.CPUGroup
}

// New returns an unconstructed object of class c.
func (c *Class) New(d *engine.Dispatcher) *Object {
	return &Object{class: c, d: d}
}

// Construct creates and constructs an object in one step.
func (c *Class) Construct(ctx context.Context, d *engine.Dispatcher, group *ir.CPUGroup, args ir.Args) (*Object, error) {
	o := c.New(d)
	if err := o.Construct(ctx, group, args); err != nil {
		return nil, err
	}
	return o, nil
}

// Construct builds the object on every rank of group (all workers when
// nil). If construction fails everywhere the object stays Unconstructed
// and may be constructed again.
func (o *Object) Construct(ctx context.Context, group *ir.CPUGroup, args ir.Args) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Unconstructed {
		return o.staleLocked(ir.OpConstruct)
	}
	h, err := o.d.Construct(ctx, o.class.TypeID(), group, args)
	if err != nil {
		return err
	}
	o.handle = h
	o.group = group
	o.state = Live
	return nil
}

// Destroy ends the object on every rank. The object is Destroyed once the
// destroy command ran, even if a payload destructor failed.
func (o *Object) Destroy(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Live {
		return o.staleLocked(ir.OpDestroy)
	}
	err := o.d.Destroy(ctx, o.handle)
	if _, live := o.d.Lookup(o.handle); !live {
		o.state = Destroyed
	}
	return err
}

// State returns the object's lifecycle state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Handle returns the object's handle, or 0 before construction.
func (o *Object) Handle() ir.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Group returns the CPU group the object was constructed with.
func (o *Object) Group() *ir.CPUGroup {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.group
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// live returns the handle of a Live object of class c.
func (o *Object) live(c *Class, op ir.OpKind) (ir.Handle, error) {
	if o.class != c {
		return 0, fmt.Errorf("proxy: %s binding used on %s object", c.TypeID(), o.class.TypeID())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Live {
		return 0, o.staleLocked(op)
	}
	return o.handle, nil
}

func (o *Object) staleLocked(op ir.OpKind) error {
	return &engine.PMIError{
		Code:    ir.CodeStaleHandle,
		Message: fmt.Sprintf("%s object is %s", o.class.TypeID(), o.state),
		Op:      op,
		Handle:  o.handle,
		TypeID:  o.class.TypeID(),
		Rank:    -1,
	}
}
