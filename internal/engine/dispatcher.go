package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/transport"
)

// Dispatcher issues commands from the controller rank.
//
// Every operation is exactly one broadcast of one encoded command followed
// by exactly one gather of replies, under a mutex, so there is never more
// than one outstanding command and all ranks observe commands in the same
// order. Broadcast-calls gather acknowledgements too, which makes them
// synchronous and lets per-rank errors travel back.
//
// After a fatal error the dispatcher is broken: every further operation
// fails, and only Stop may still be broadcast.
type Dispatcher struct {
	mu sync.Mutex

	rc      rank.Context
	tr      transport.Transport
	reg     *registry.Registry
	table   *ObjectTable
	seq     *Clock
	handles *Clock
	runID   string
	runGen  RunIDGenerator
	journal Journal
	timeout time.Duration
	log     *slog.Logger

	broken  error
	stopped bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCallTimeout bounds every collective. An expired collective fails
// with a fatal DeadlockTimeout error. Zero disables the bound.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.timeout = d
	}
}

// WithJournal records every dispatched command.
func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) {
		d.journal = j
	}
}

// WithRunIDGenerator sets the source of the run id.
// Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) DispatcherOption {
	return func(d *Dispatcher) {
		d.runGen = g
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// NewDispatcher creates the dispatcher of the controller rank.
func NewDispatcher(rc rank.Context, tr transport.Transport, reg *registry.Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if !rc.IsController() {
		return nil, fmt.Errorf("dispatcher: rank %d is not the controller", rc.Rank())
	}
	if tr.Rank() != rc.Rank() || tr.Size() != rc.Size() {
		return nil, fmt.Errorf("dispatcher: transport is rank %d of %d, context is rank %d of %d",
			tr.Rank(), tr.Size(), rc.Rank(), rc.Size())
	}

	d := &Dispatcher{
		rc:      rc,
		tr:      tr,
		reg:     reg,
		table:   NewObjectTable(),
		seq:     NewClock(),
		handles: NewClock(),
		runGen:  UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slogFor(rc.Rank()).With("role", rank.Controller.String())
	}
	d.runID = d.runGen.Generate()
	return d, nil
}

// RunID returns the id stamped into every command of this run.
func (d *Dispatcher) RunID() string { return d.runID }

// Rank returns the controller's rank context.
func (d *Dispatcher) Rank() rank.Context { return d.rc }

// Registry returns the controller's registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Lookup returns the controller's bookkeeping entry for a live handle.
func (d *Dispatcher) Lookup(h ir.Handle) (Entry, bool) { return d.table.Get(h) }

// Objects returns the number of live objects.
func (d *Dispatcher) Objects() int { return d.table.Len() }

// Err returns the fatal error that broke the dispatcher, or nil.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

// Stopped reports whether the stop command was broadcast.
func (d *Dispatcher) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Exec runs a bootstrap statement on the controller, then on every worker.
// A statement the controller rejects is never broadcast. Any worker that
// fails or ends with a different manifest digest is a fatal
// ImportMismatch error.
func (d *Dispatcher) Exec(ctx context.Context, stmt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return err
	}
	if err := d.reg.Exec(stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	want, err := d.reg.Digest()
	if err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}

	cmd := ir.Command{Op: ir.OpExec, Method: stmt}
	replies, err := d.collective(ctx, &cmd, false)
	if err != nil {
		return err
	}

	var failures []RankFailure
	for _, r := range d.rc.Workers() {
		reply := replies[r]
		switch {
		case reply.Status == ir.StatusError:
			failures = append(failures, failureOf(reply))
		case reply.Manifest != want:
			failures = append(failures, RankFailure{
				Rank:    r,
				Code:    ir.CodeImportMismatch,
				Message: fmt.Sprintf("manifest digest %s differs from controller %s", short(reply.Manifest), short(want)),
			})
		}
	}
	if len(failures) > 0 {
		return d.breakWith(&PMIError{
			Code:     ir.CodeImportMismatch,
			Message:  fmt.Sprintf("ranks disagree after %q", stmt),
			Op:       cmd.Op,
			Seq:      cmd.Seq,
			Rank:     -1,
			Fatal:    true,
			Failures: failures,
		})
	}

	d.log.Info("bootstrap executed", "statement", stmt, "manifest", short(want))
	return nil
}

// Construct creates one logical object on every rank of group (all workers
// when group is nil) and returns its handle.
//
// If every participating rank fails, the object is not created and the
// error is recoverable. If only some fail, the ranks no longer agree on
// object state: the error is fatal and the dispatcher is broken.
func (d *Dispatcher) Construct(ctx context.Context, typeID string, group *ir.CPUGroup, args ir.Args) (ir.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return 0, err
	}
	if _, _, err := d.reg.Resolve(typeID); err != nil {
		return 0, &PMIError{
			Code:    ir.CodeConstruction,
			Message: err.Error(),
			Op:      ir.OpConstruct,
			TypeID:  typeID,
			Rank:    d.rc.Rank(),
		}
	}
	if err := d.checkGroup(group); err != nil {
		return 0, &PMIError{Code: ir.CodeConstruction, Message: err.Error(), Op: ir.OpConstruct, TypeID: typeID, Rank: -1}
	}

	h := ir.Handle(d.handles.Peek())
	cmd := ir.Command{
		Op:     ir.OpConstruct,
		Handle: h,
		TypeID: typeID,
		Args:   args.Positional,
		Kwargs: args.Named,
		Group:  group,
	}
	replies, err := d.collective(ctx, &cmd, false)
	if err != nil {
		return 0, err
	}
	// Every rank advanced its handle counter on receipt, whatever the outcome.
	d.handles.Next()

	participants := d.rc.Participants(group)
	_, failures := collect(replies, participants)

	if len(failures) == 0 {
		if err := d.table.Put(Entry{Handle: h, TypeID: typeID, Group: group}); err != nil {
			return 0, d.breakWith(&PMIError{Code: ir.CodeOrderViolation, Message: err.Error(), Op: cmd.Op, Seq: cmd.Seq, Handle: h, Rank: d.rc.Rank(), Fatal: true})
		}
		d.log.Info("object constructed", "handle", h, "type_id", typeID, "participants", len(participants))
		return h, nil
	}

	code, fatal := classify(failures, ir.CodeConstruction)
	pe := &PMIError{
		Code:     code,
		Op:       cmd.Op,
		Seq:      cmd.Seq,
		Handle:   h,
		TypeID:   typeID,
		Rank:     -1,
		Failures: failures,
	}
	if len(failures) == len(participants) && !fatal {
		pe.Message = "construction failed on every participating rank"
		return 0, pe
	}
	pe.Message = fmt.Sprintf("construction failed on %d of %d participating ranks", len(failures), len(participants))
	pe.Fatal = true
	return 0, d.breakWith(pe)
}

// Call runs a broadcast method on every participating rank and returns
// once all of them finished. Return values are discarded.
func (d *Dispatcher) Call(ctx context.Context, h ir.Handle, method string, args ir.Args) error {
	_, err := d.call(ctx, ir.OpBroadcastCall, ir.CallBroadcast, h, method, args)
	return err
}

// Invoke runs a gather method on every participating rank and returns one
// result per participating rank, in rank order.
func (d *Dispatcher) Invoke(ctx context.Context, h ir.Handle, method string, args ir.Args) ([]ir.RankResult, error) {
	return d.call(ctx, ir.OpGatherInvoke, ir.CallGather, h, method, args)
}

// SetProperty assigns a property on every participating rank.
func (d *Dispatcher) SetProperty(ctx context.Context, h ir.Handle, name string, v ir.Value) error {
	_, err := d.call(ctx, ir.OpPropertySet, ir.CallProperty, h, name, ir.Args{Positional: ir.Array{v}})
	return err
}

// GetProperty reads a property. The value returned is the one held by the
// lowest participating rank.
func (d *Dispatcher) GetProperty(ctx context.Context, h ir.Handle, name string) (ir.Value, error) {
	results, err := d.call(ctx, ir.OpPropertyGet, ir.CallProperty, h, name, ir.Args{})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &PMIError{Code: ir.CodePayload, Message: "no participating rank", Op: ir.OpPropertyGet, Handle: h, Rank: -1}
	}
	return results[0].Value, nil
}

// Destroy ends a live object on every rank. The handle is gone afterwards
// even if some rank's destructor failed.
func (d *Dispatcher) Destroy(ctx context.Context, h ir.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return err
	}
	entry, ok := d.table.Get(h)
	if !ok {
		return newStaleHandleError(ir.OpDestroy, h, "object is not live")
	}

	cmd := ir.Command{Op: ir.OpDestroy, Handle: h}
	replies, err := d.collective(ctx, &cmd, false)
	if err != nil {
		return err
	}
	d.table.Delete(h)

	_, failures := collect(replies, d.rc.Participants(entry.Group))
	if len(failures) == 0 {
		d.log.Info("object destroyed", "handle", h, "type_id", entry.TypeID)
		return nil
	}
	code, fatal := classify(failures, ir.CodePayload)
	pe := &PMIError{
		Code:     code,
		Message:  fmt.Sprintf("destroy failed on %d ranks", len(failures)),
		Op:       cmd.Op,
		Seq:      cmd.Seq,
		Handle:   h,
		TypeID:   entry.TypeID,
		Rank:     -1,
		Fatal:    fatal,
		Failures: failures,
	}
	if fatal {
		return d.breakWith(pe)
	}
	return pe
}

// Stop broadcasts the run's single stop command. Later operations,
// including another Stop, fail with ErrStopped. Stop is attempted even
// when the dispatcher is broken.
func (d *Dispatcher) Stop(ctx context.Context, reason ir.StopReason) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if reason == ir.StopRelease {
		return errors.New("stop: use Release to release workers")
	}
	d.stopped = true

	cmd := ir.Command{Op: ir.OpStop, Method: string(reason)}
	if _, err := d.collective(ctx, &cmd, true); err != nil {
		return err
	}
	d.log.Info("run stopped", "reason", reason, "commands", cmd.Seq)
	return nil
}

// Release hands the workers back to worker-only code: their loops return
// ErrReleased. The dispatcher stays usable; the next command waits until
// the workers re-enter their loops.
func (d *Dispatcher) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return err
	}
	cmd := ir.Command{Op: ir.OpStop, Method: string(ir.StopRelease)}
	if _, err := d.collective(ctx, &cmd, false); err != nil {
		return err
	}
	d.log.Info("workers released", "seq", cmd.Seq)
	return nil
}

func (d *Dispatcher) call(ctx context.Context, op ir.OpKind, kind ir.CallKind, h ir.Handle, method string, args ir.Args) ([]ir.RankResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.usable(); err != nil {
		return nil, err
	}
	entry, ok := d.table.Get(h)
	if !ok {
		return nil, newStaleHandleError(op, h, "object is not live")
	}
	spec, _ := d.reg.Spec(entry.TypeID)
	if got := spec.Kind(method); got != kind {
		return nil, &PMIError{
			Code:    ir.CodePayload,
			Message: fmt.Sprintf("%s.%s is %s, not %s", entry.TypeID, method, got, kind),
			Op:      op,
			Handle:  h,
			TypeID:  entry.TypeID,
			Rank:    d.rc.Rank(),
		}
	}

	cmd := ir.Command{
		Op:     op,
		Handle: h,
		Method: method,
		Args:   args.Positional,
		Kwargs: args.Named,
	}
	replies, err := d.collective(ctx, &cmd, false)
	if err != nil {
		return nil, err
	}

	participants := d.rc.Participants(entry.Group)
	results, failures := collect(replies, participants)
	if len(failures) == 0 {
		return results, nil
	}

	code, fatal := classify(failures, ir.CodePayload)
	pe := &PMIError{
		Code:     code,
		Message:  fmt.Sprintf("%s.%s failed on %d of %d ranks", entry.TypeID, method, len(failures), len(participants)),
		Op:       op,
		Seq:      cmd.Seq,
		Handle:   h,
		TypeID:   entry.TypeID,
		Rank:     -1,
		Fatal:    fatal,
		Failures: failures,
		Partial:  results,
	}
	if fatal {
		return nil, d.breakWith(pe)
	}
	return nil, pe
}

// collective stamps cmd with the run id and next sequence number,
// broadcasts it and gathers one reply per rank, indexed by rank.
// The caller holds d.mu.
//
// When lenient is set and the dispatcher is already broken, replies that
// fail verification are logged instead of returned: a best-effort stop
// must not be blocked by the inconsistency that caused it.
func (d *Dispatcher) collective(ctx context.Context, cmd *ir.Command, lenient bool) ([]ir.Reply, error) {
	cmd.RunID = d.runID
	cmd.Seq = d.seq.Peek()
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	digest, err := ir.CommandDigest(*cmd)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", cmd.Op, err)
	}
	data, err := ir.EncodeCommand(*cmd)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", cmd.Op, err)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	d.log.Debug("command dispatched", "seq", cmd.Seq, "op", cmd.Op, "handle", cmd.Handle, "method", cmd.Method)

	root := d.rc.Rank()
	if _, err := d.tr.Broadcast(ctx, root, data); err != nil {
		return nil, d.collectiveFailed(*cmd, "broadcast", err)
	}
	d.seq.Next()

	own := ir.Reply{Rank: root, Seq: cmd.Seq, Digest: digest, Status: ir.StatusSkipped}
	ownData, err := ir.EncodeReply(own)
	if err != nil {
		return nil, d.collectiveFailed(*cmd, "gather", err)
	}
	raw, err := d.tr.Gather(ctx, root, ownData)
	if err != nil {
		return nil, d.collectiveFailed(*cmd, "gather", err)
	}

	replies := make([]ir.Reply, len(raw))
	var violations []RankFailure
	for r, b := range raw {
		if r == root {
			replies[r] = own
			continue
		}
		reply, err := ir.DecodeReply(b)
		if err != nil {
			violations = append(violations, RankFailure{Rank: r, Code: ir.CodeOrderViolation, Message: err.Error()})
			continue
		}
		if v, bad := verifyReply(r, *cmd, digest, reply); bad {
			violations = append(violations, v)
			continue
		}
		replies[r] = reply
	}

	status, errMsg := summarize(replies)
	if len(violations) > 0 {
		status, errMsg = ir.StatusError, violations[0].Message
	}
	appendJournal(ctx, d.journal, ir.NewJournalEntry(root, *cmd, digest, status, errMsg))

	if len(violations) > 0 {
		pe := &PMIError{
			Code:     ir.CodeOrderViolation,
			Message:  "ranks disagree on the command sequence",
			Op:       cmd.Op,
			Seq:      cmd.Seq,
			Handle:   cmd.Handle,
			Rank:     -1,
			Fatal:    true,
			Failures: violations,
		}
		if lenient && d.broken != nil {
			d.log.Warn("ignoring replies of broken run", "seq", cmd.Seq, "error", pe)
			return replies, nil
		}
		return nil, d.breakWith(pe)
	}
	return replies, nil
}

func verifyReply(r int, cmd ir.Command, digest string, reply ir.Reply) (RankFailure, bool) {
	if reply.Error != nil && reply.Error.Code == ir.CodeOrderViolation {
		return RankFailure{Rank: r, Code: ir.CodeOrderViolation, Message: reply.Error.Message}, true
	}
	if reply.Rank != r {
		return RankFailure{Rank: r, Code: ir.CodeOrderViolation, Message: fmt.Sprintf("reply claims rank %d", reply.Rank)}, true
	}
	if reply.Seq != cmd.Seq {
		return RankFailure{Rank: r, Code: ir.CodeOrderViolation, Message: fmt.Sprintf("reply for seq %d, expected %d", reply.Seq, cmd.Seq)}, true
	}
	if reply.Digest != digest {
		return RankFailure{Rank: r, Code: ir.CodeOrderViolation, Message: fmt.Sprintf("command digest %s, expected %s", short(reply.Digest), short(digest))}, true
	}
	return RankFailure{}, false
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}

// collectiveFailed breaks the dispatcher: once a broadcast or gather did
// not complete, the ranks cannot be assumed to agree on what ran.
func (d *Dispatcher) collectiveFailed(cmd ir.Command, stage string, err error) error {
	pe := &PMIError{
		Code:    ir.CodeTransport,
		Message: fmt.Sprintf("%s failed: %v", stage, err),
		Op:      cmd.Op,
		Seq:     cmd.Seq,
		Handle:  cmd.Handle,
		Rank:    d.rc.Rank(),
		Fatal:   true,
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.Code = ir.CodeDeadlockTimeout
		pe.Message = fmt.Sprintf("%s did not complete before the deadline", stage)
		if d.timeout > 0 {
			pe.Message = fmt.Sprintf("%s did not complete within %s", stage, d.timeout)
		}
	}
	logCommandError(d.log, cmd, pe)
	if d.broken != nil {
		return pe
	}
	return d.breakWith(pe)
}

func (d *Dispatcher) breakWith(pe *PMIError) error {
	if d.broken == nil {
		d.broken = pe
		d.log.Error("dispatcher broken", "code", pe.Code, "error", pe)
	}
	return pe
}

func (d *Dispatcher) usable() error {
	if d.stopped {
		return ErrStopped
	}
	if d.broken != nil {
		return fmt.Errorf("dispatcher broken by earlier failure: %w", d.broken)
	}
	return nil
}

func (d *Dispatcher) checkGroup(group *ir.CPUGroup) error {
	if group == nil {
		return nil
	}
	if len(group.Ranks) == 0 {
		return fmt.Errorf("cpu group %q is empty", group.Name)
	}
	for i, r := range group.Ranks {
		if !d.rc.IsWorker(r) {
			return fmt.Errorf("cpu group %q: rank %d is not a worker rank", group.Name, r)
		}
		if i > 0 && group.Ranks[i-1] >= r {
			return fmt.Errorf("cpu group %q: ranks must be sorted and unique", group.Name)
		}
	}
	return nil
}

// collect splits the participants' replies into results and failures, both
// in rank order. A participant that skipped disagrees about group
// membership.
func collect(replies []ir.Reply, participants []int) ([]ir.RankResult, []RankFailure) {
	var results []ir.RankResult
	var failures []RankFailure
	for _, r := range participants {
		reply := replies[r]
		switch reply.Status {
		case ir.StatusOK:
			v := reply.Result
			if v == nil {
				v = ir.Null{}
			}
			results = append(results, ir.RankResult{Rank: r, Value: v})
		case ir.StatusError:
			failures = append(failures, failureOf(reply))
		default:
			failures = append(failures, RankFailure{
				Rank:    r,
				Code:    ir.CodeOrderViolation,
				Message: "participating rank skipped the command",
			})
		}
	}
	return results, failures
}

func failureOf(reply ir.Reply) RankFailure {
	f := RankFailure{Rank: reply.Rank, Code: ir.CodePayload, Message: "unknown error"}
	if reply.Error != nil {
		f.Code = reply.Error.Code
		f.Message = reply.Error.Message
	}
	return f
}

// classify picks the error code for a set of rank failures. Failures that
// mean the ranks disagree on imports, handles or order are fatal and take
// precedence over def.
func classify(failures []RankFailure, def ir.ErrorCode) (ir.ErrorCode, bool) {
	for _, code := range []ir.ErrorCode{ir.CodeOrderViolation, ir.CodeImportMismatch, ir.CodeStaleHandle} {
		for _, f := range failures {
			if f.Code == code {
				return code, true
			}
		}
	}
	return def, false
}

func summarize(replies []ir.Reply) (ir.ReplyStatus, string) {
	for _, r := range replies {
		if r.Status == ir.StatusError && r.Error != nil {
			return ir.StatusError, fmt.Sprintf("rank %d: %s", r.Rank, r.Error.Message)
		}
	}
	return ir.StatusOK, ""
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
