package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/roach88/pmi/internal/compiler"
	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/payload"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/spmd"
	"github.com/roach88/pmi/internal/store"
	"github.com/roach88/pmi/internal/testutil"
)

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes the ranks' logs to l. By default logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// object is a scenario name bound to a constructed handle.
type object struct {
	handle ir.Handle
	typeID string
}

// Harness executes one scenario's steps as the controller program.
type Harness struct {
	scenario *Scenario
	objects  map[string]object
	result   *Result

	// expectFailures is set once a step expects an error. Workers then
	// legitimately exit with CommandFailuresError or ErrAborted.
	expectFailures bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh in-process cluster of Size ranks with one
// in-memory SQLite journal per rank. The run id is fixed so traces are
// reproducible.
//
// Execution flow:
// 1. Compile the manifest (built-in unless the scenario names one)
// 2. Run the steps on rank 0 while ranks 1..Size-1 serve commands
// 3. Read every rank's journal and build the trace from rank 0's
// 4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	var manifest *ir.Manifest
	if scenario.Manifest != "" {
		m, err := compiler.LoadManifestFile(scenario.Manifest)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		manifest = m
	}

	stores := make([]*store.Store, scenario.Size)
	defer func() {
		for _, st := range stores {
			if st != nil {
				st.Close()
			}
		}
	}()
	for r := range stores {
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
		}
		stores[r] = st
	}

	runID := scenario.RunID
	if runID == "" {
		runID = DefaultRunID
	}

	h := &Harness{
		scenario: scenario,
		objects:  make(map[string]object),
		result:   NewResult(),
	}
	errs, err := spmd.RunLocal(ctx, spmd.LocalConfig{
		Size:        scenario.Size,
		NewRegistry: func(int) (*registry.Registry, error) { return payload.NewRegistry(manifest) },
		Journal:     func(r int) engine.Journal { return stores[r] },
		Logger:      o.logger,
		RunIDs:      testutil.NewFixedRunID(runID),
	}, h.program)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	result := h.result
	result.Ranks = make([]string, len(errs))
	for r, rerr := range errs {
		if rerr == nil {
			continue
		}
		result.Ranks[r] = rerr.Error()
		if !h.expectFailures {
			result.AddError(fmt.Sprintf("rank %d exited with error: %v", r, rerr))
		}
	}

	result.Journals = make([][]ir.JournalEntry, len(stores))
	for r, st := range stores {
		entries, err := st.ReadRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("read rank %d journal: %w", r, err)
		}
		result.Journals[r] = entries
	}
	result.Trace = buildTrace(result.Journals[0])

	actx := &AssertionContext{Stores: stores, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// RunNode executes one rank of a scenario over the transport in n, e.g.
// one process of a TCP cluster. The controller's result carries the step
// outcomes; a worker's only records how its loop ended. Assertions are
// not evaluated since the other ranks' journals live in other processes.
//
// A nil n.Registry is built from the scenario's manifest.
func RunNode(ctx context.Context, scenario *Scenario, n spmd.Node) (*Result, error) {
	if n.Registry == nil {
		var manifest *ir.Manifest
		if scenario.Manifest != "" {
			m, err := compiler.LoadManifestFile(scenario.Manifest)
			if err != nil {
				return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
			}
			manifest = m
		}
		reg, err := payload.NewRegistry(manifest)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		n.Registry = reg
	}

	h := &Harness{
		scenario:       scenario,
		objects:        make(map[string]object),
		result:         NewResult(),
		expectFailures: !n.Rank.IsController() && scenario.expectsErrors(),
	}
	err := spmd.Run(ctx, n, h.program)

	result := h.result
	result.Ranks = make([]string, n.Rank.Size())
	if err != nil {
		result.Ranks[n.Rank.Rank()] = err.Error()
		if !h.expectFailures {
			result.AddError(fmt.Sprintf("rank %d exited with error: %v", n.Rank.Rank(), err))
		}
	}
	return result, nil
}

// program is the controller program: every step in order. A step that
// breaks the dispatcher ends the program; the coordinator then aborts
// the workers.
func (h *Harness) program(ctx context.Context, d *engine.Dispatcher) error {
	for i, step := range h.scenario.Steps {
		kind, target, err := step.Kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}

		value, err := h.execute(ctx, d, kind, target, step)
		sr := StepResult{Index: i, Kind: kind, Value: value}
		if err != nil {
			sr.Code = errorCode(err)
			sr.Error = err.Error()
		}
		h.result.Steps = append(h.result.Steps, sr)
		h.check(i, kind, target, step, value, err)

		if d.Err() != nil {
			if rest := len(h.scenario.Steps) - i - 1; rest > 0 {
				h.result.AddError(fmt.Sprintf("steps[%d]: %d remaining steps not run, dispatcher broken", i+1, rest))
			}
			return nil
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, d *engine.Dispatcher, kind, target string, step Step) (any, error) {
	args, err := stepArgs(step)
	if err != nil {
		return nil, err
	}

	switch kind {
	case StepExec:
		return nil, d.Exec(ctx, target)

	case StepConstruct:
		var group *ir.CPUGroup
		if len(step.Group) > 0 {
			name := step.As
			if name == "" {
				name = target
			}
			group, err = rank.NewCPUGroup(d.Rank(), name, step.Group...)
			if err != nil {
				return nil, err
			}
		}
		handle, err := d.Construct(ctx, target, group, args)
		if err != nil {
			return nil, err
		}
		if step.As != "" {
			h.objects[step.As] = object{handle: handle, typeID: target}
		}
		return int64(handle), nil

	case StepCall:
		obj, method, err := h.resolve(target)
		if err != nil {
			return nil, err
		}
		return nil, d.Call(ctx, obj.handle, method, args)

	case StepInvoke:
		obj, method, err := h.resolve(target)
		if err != nil {
			return nil, err
		}
		results, err := d.Invoke(ctx, obj.handle, method, args)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(results))
		for i, r := range results {
			values[i] = ir.ToGo(r.Value)
		}
		return values, nil

	case StepSet:
		obj, name, err := h.resolve(target)
		if err != nil {
			return nil, err
		}
		v, err := ir.FromGo(step.Value)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		return nil, d.SetProperty(ctx, obj.handle, name, v)

	case StepGet:
		obj, name, err := h.resolve(target)
		if err != nil {
			return nil, err
		}
		v, err := d.GetProperty(ctx, obj.handle, name)
		if err != nil {
			return nil, err
		}
		return ir.ToGo(v), nil

	case StepLocal:
		prefix, name, _ := strings.Cut(target, ".")
		typeID := prefix
		if obj, ok := h.objects[prefix]; ok {
			typeID = obj.typeID
		}
		fn, err := d.Registry().Local(typeID, name)
		if err != nil {
			return nil, err
		}
		v, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return ir.ToGo(v), nil

	case StepDestroy:
		obj, ok := h.objects[target]
		if !ok {
			return nil, fmt.Errorf("unknown object %q", target)
		}
		return nil, d.Destroy(ctx, obj.handle)

	case StepRelease:
		return nil, d.Release(ctx)
	}
	return nil, fmt.Errorf("unknown step kind %q", kind)
}

// resolve splits "<object>.<name>" and looks the object up.
func (h *Harness) resolve(target string) (object, string, error) {
	name, member, _ := strings.Cut(target, ".")
	obj, ok := h.objects[name]
	if !ok {
		return object{}, "", fmt.Errorf("unknown object %q", name)
	}
	return obj, member, nil
}

// check compares a step's outcome with its expectations.
func (h *Harness) check(i int, kind, target string, step Step, value any, err error) {
	where := fmt.Sprintf("steps[%d] %s %s", i, kind, target)

	if exp := step.ExpectError; exp != nil {
		h.expectFailures = true
		if err == nil {
			h.result.AddError(fmt.Sprintf("%s: expected an error, got success", where))
			return
		}
		if exp.Code != "" && errorCode(err) != exp.Code {
			h.result.AddError(fmt.Sprintf("%s: expected error code %s, got %q: %v", where, exp.Code, errorCode(err), err))
		}
		if exp.Contains != "" && !strings.Contains(err.Error(), exp.Contains) {
			h.result.AddError(fmt.Sprintf("%s: expected error containing %q, got: %v", where, exp.Contains, err))
		}
		if exp.Fatal != nil && engine.IsFatal(err) != *exp.Fatal {
			h.result.AddError(fmt.Sprintf("%s: expected fatal=%t, got: %v", where, *exp.Fatal, err))
		}
		return
	}

	if err != nil {
		h.result.AddError(fmt.Sprintf("%s: unexpected error: %v", where, err))
		return
	}
	if step.Expect != nil && !valuesEqual(value, step.Expect) {
		h.result.AddError(fmt.Sprintf("%s: expected %v, got %v", where, step.Expect, value))
	}
}

func stepArgs(step Step) (ir.Args, error) {
	var args ir.Args
	if len(step.Args) > 0 {
		v, err := ir.FromGo(step.Args)
		if err != nil {
			return args, fmt.Errorf("args: %w", err)
		}
		args.Positional = v.(ir.Array)
	}
	if len(step.Kwargs) > 0 {
		v, err := ir.FromGo(step.Kwargs)
		if err != nil {
			return args, fmt.Errorf("kwargs: %w", err)
		}
		args.Named = v.(ir.Object)
	}
	return args, nil
}

func errorCode(err error) string {
	var pe *engine.PMIError
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	return ""
}

// buildTrace converts the controller's journal into trace events. Calls
// carry only a handle, so type ids are recovered from the construct
// commands that preceded them.
func buildTrace(entries []ir.JournalEntry) []TraceEvent {
	types := make(map[ir.Handle]string)
	trace := make([]TraceEvent, 0, len(entries))
	for _, e := range entries {
		typeID := e.TypeID
		if e.Op == ir.OpConstruct {
			types[e.Handle] = e.TypeID
		} else if e.Handle != 0 {
			typeID = types[e.Handle]
		}
		ev := TraceEvent{
			Seq:    e.Seq,
			Op:     e.Op,
			Handle: e.Handle,
			TypeID: typeID,
			Method: e.Method,
			Status: e.Status,
		}
		if len(e.Args) > 0 {
			ev.Args = ir.ToGo(e.Args).([]any)
		}
		if len(e.Kwargs) > 0 {
			ev.Kwargs = ir.ToGo(e.Kwargs).(map[string]any)
		}
		ev.Event = eventLabel(ev)
		trace = append(trace, ev)
	}
	return trace
}

func eventLabel(ev TraceEvent) string {
	switch ev.Op {
	case ir.OpConstruct:
		return "new " + ev.TypeID
	case ir.OpDestroy:
		return "del " + ev.TypeID
	case ir.OpBroadcastCall, ir.OpGatherInvoke:
		return ev.TypeID + "." + ev.Method
	case ir.OpPropertySet:
		return "set " + ev.TypeID + "." + ev.Method
	case ir.OpPropertyGet:
		return "get " + ev.TypeID + "." + ev.Method
	}
	return string(ev.Op)
}

// valuesEqual compares scenario values after conversion to the wire value
// model. Integers and floats compare numerically, so "expect: 2" matches
// a float result of 2.0.
func valuesEqual(actual, expected any) bool {
	a, err := ir.FromGo(actual)
	if err != nil {
		return false
	}
	e, err := ir.FromGo(expected)
	if err != nil {
		return false
	}
	return irEqual(a, e)
}

func irEqual(a, b ir.Value) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && (x == y || math.Abs(x-y) <= 1e-9*math.Max(math.Abs(x), math.Abs(y)))
	}
	switch av := a.(type) {
	case ir.Array:
		bv, ok := b.(ir.Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !irEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case ir.Object:
		bv, ok := b.(ir.Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !irEqual(v, w) {
				return false
			}
		}
		return true
	}
	return a == b
}

func number(v ir.Value) (float64, bool) {
	switch n := v.(type) {
	case ir.Int:
		return float64(n), true
	case ir.Float:
		return float64(n), true
	}
	return 0, false
}
