package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/pmi/internal/ir"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/transport"
)

// WorkerLoop executes the controller's commands on a worker rank.
//
// A receiver goroutine reads broadcasts into a queue; the loop executes
// them strictly in order and answers each with exactly one reply. Errors
// raised by payloads are reported in the reply and never end the loop.
// The loop ends on a stop command, a broken sequence, a transport failure,
// context cancellation, or the idle timeout.
type WorkerLoop struct {
	rc      rank.Context
	tr      transport.Transport
	reg     *registry.Registry
	table   *ObjectTable
	handles *Clock
	root    int
	idle    time.Duration
	journal Journal
	log     *slog.Logger

	running atomic.Bool

	// Owned by Run; the running flag keeps Run single-entry.
	runID    string
	lastSeq  int64
	failures int
	first    error
	stopped  bool
}

// WorkerOption configures a WorkerLoop.
type WorkerOption func(*WorkerLoop)

// WithIdleTimeout ends Run with a fatal DeadlockTimeout error when no
// command arrives for d. Zero waits forever.
func WithIdleTimeout(d time.Duration) WorkerOption {
	return func(w *WorkerLoop) {
		w.idle = d
	}
}

// WithWorkerJournal records every command the worker executed.
func WithWorkerJournal(j Journal) WorkerOption {
	return func(w *WorkerLoop) {
		w.journal = j
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *WorkerLoop) {
		w.log = l
	}
}

// NewWorkerLoop creates the loop of a worker rank.
func NewWorkerLoop(rc rank.Context, tr transport.Transport, reg *registry.Registry, opts ...WorkerOption) (*WorkerLoop, error) {
	if rc.IsController() {
		return nil, fmt.Errorf("worker loop: rank %d is the controller", rc.Rank())
	}
	if tr.Rank() != rc.Rank() || tr.Size() != rc.Size() {
		return nil, fmt.Errorf("worker loop: transport is rank %d of %d, context is rank %d of %d",
			tr.Rank(), tr.Size(), rc.Rank(), rc.Size())
	}

	w := &WorkerLoop{
		rc:      rc,
		tr:      tr,
		reg:     reg,
		table:   NewObjectTable(),
		handles: NewClock(),
		root:    rc.ControllerRank(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slogFor(rc.Rank()).With("role", rank.Worker.String())
	}
	return w, nil
}

// Objects returns the number of handles this rank tracks, including
// objects whose group excludes it.
func (w *WorkerLoop) Objects() int { return w.table.Len() }

// Lookup returns this rank's entry for h.
func (w *WorkerLoop) Lookup(h ir.Handle) (Entry, bool) { return w.table.Get(h) }

// Handles returns the handles this rank tracks, ascending. Worker code run
// between a release and the next Run may use it to find its objects.
func (w *WorkerLoop) Handles() []ir.Handle { return w.table.Handles() }

// LastHandle returns the most recently allocated handle, 0 before the
// first construct. Failed constructs count.
func (w *WorkerLoop) LastHandle() ir.Handle { return ir.Handle(w.handles.Current()) }

// Run executes commands until the run ends.
//
// It returns nil after a normal stop on a rank where every command
// succeeded, a *CommandFailuresError after a normal stop otherwise,
// ErrAborted after an abort stop and ErrReleased after a release. Only
// after ErrReleased may Run be called again; objects and counters
// survive the release.
func (w *WorkerLoop) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker loop: already running")
	}
	defer w.running.Store(false)
	if w.stopped {
		return errors.New("worker loop: run already stopped")
	}

	q := newCommandQueue()
	rctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.receive(rctx, q)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if w.idle > 0 {
		timer = time.NewTimer(w.idle)
		defer timer.Stop()
		idle = timer.C
	}

	w.log.Info("worker loop started", "seq", w.lastSeq, "last_handle", w.handles.Current(), "handles", w.table.Handles())
	for {
		if d, ok := q.TryDequeue(); ok {
			done, err := w.handle(ctx, d)
			if done {
				return err
			}
			if timer != nil {
				timer.Reset(w.idle)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
			pe := &PMIError{
				Code:    ir.CodeDeadlockTimeout,
				Message: fmt.Sprintf("no command within %s after seq %d", w.idle, w.lastSeq),
				Rank:    w.rc.Rank(),
				Fatal:   true,
			}
			w.log.Error("worker loop timed out", "error", pe)
			return pe
		case <-q.Wait():
		}
	}
}

// receive reads broadcasts until it has read a stop command, so the loop
// never consumes a command meant for a later Run.
func (w *WorkerLoop) receive(ctx context.Context, q *commandQueue) {
	defer q.Close()
	for {
		data, err := w.tr.Broadcast(ctx, w.root, nil)
		if err != nil {
			if ctx.Err() == nil {
				q.Enqueue(delivery{RecvErr: err})
			}
			return
		}
		cmd, err := ir.DecodeCommand(data)
		q.Enqueue(delivery{Command: cmd, Err: err})
		if err == nil && cmd.Op == ir.OpStop {
			return
		}
	}
}

// handle executes one delivery and sends its reply. It reports whether the
// loop must end, and with what.
func (w *WorkerLoop) handle(ctx context.Context, d delivery) (bool, error) {
	if d.RecvErr != nil {
		w.log.Error("receive failed", "seq", w.lastSeq, "error", d.RecvErr)
		return true, &PMIError{
			Code:    ir.CodeTransport,
			Message: fmt.Sprintf("receive after seq %d: %v", w.lastSeq, d.RecvErr),
			Rank:    w.rc.Rank(),
			Fatal:   true,
		}
	}

	cmd := d.Command
	if d.Err != nil {
		return true, w.violation(ctx, cmd, "", d.Err.Error())
	}
	digest, err := ir.CommandDigest(cmd)
	if err != nil {
		return true, w.violation(ctx, cmd, "", err.Error())
	}
	if w.runID != "" && cmd.RunID != w.runID {
		return true, w.violation(ctx, cmd, digest, fmt.Sprintf("command from run %s, expected %s", cmd.RunID, w.runID))
	}
	if cmd.Seq != w.lastSeq+1 {
		return true, w.violation(ctx, cmd, digest, fmt.Sprintf("command seq %d, expected %d", cmd.Seq, w.lastSeq+1))
	}
	w.runID = cmd.RunID
	w.lastSeq = cmd.Seq

	res := w.execute(ctx, cmd)
	reply := ir.Reply{
		Rank:     w.rc.Rank(),
		Seq:      cmd.Seq,
		Digest:   digest,
		Status:   res.status,
		Result:   res.value,
		Error:    res.err,
		Manifest: res.manifest,
	}

	errMsg := ""
	if res.err != nil {
		errMsg = res.err.Message
		pe := &PMIError{Code: res.err.Code, Message: res.err.Message, Op: cmd.Op, Seq: cmd.Seq, Handle: cmd.Handle, TypeID: cmd.TypeID, Rank: w.rc.Rank()}
		logCommandError(w.log, cmd, pe)
		w.failures++
		if w.first == nil {
			w.first = pe
		}
	}
	appendJournal(ctx, w.journal, ir.NewJournalEntry(w.rc.Rank(), cmd, digest, res.status, errMsg))

	if err := w.reply(ctx, reply); err != nil {
		return true, err
	}
	if res.fatal {
		pe := &PMIError{Code: res.err.Code, Message: res.err.Message, Op: cmd.Op, Seq: cmd.Seq, Handle: cmd.Handle, Rank: w.rc.Rank(), Fatal: true}
		return true, pe
	}

	if cmd.Op != ir.OpStop {
		return false, nil
	}
	switch ir.StopReason(cmd.Method) {
	case ir.StopRelease:
		w.log.Info("worker loop released", "seq", cmd.Seq)
		return true, ErrReleased
	case ir.StopAbort:
		w.stopped = true
		w.log.Info("worker loop aborted", "seq", cmd.Seq)
		return true, errors.Join(ErrAborted, w.exitErr())
	default:
		w.stopped = true
		w.log.Info("worker loop stopped", "seq", cmd.Seq, "failures", w.failures)
		return true, w.exitErr()
	}
}

// violation answers a command that breaks the sequence and ends the loop.
// The reply lets the controller name this rank instead of timing out.
func (w *WorkerLoop) violation(ctx context.Context, cmd ir.Command, digest, msg string) error {
	pe := &PMIError{
		Code:    ir.CodeOrderViolation,
		Message: msg,
		Op:      cmd.Op,
		Seq:     cmd.Seq,
		Rank:    w.rc.Rank(),
		Fatal:   true,
	}
	logCommandError(w.log, cmd, pe)
	reply := ir.Reply{
		Rank:   w.rc.Rank(),
		Seq:    cmd.Seq,
		Digest: digest,
		Status: ir.StatusError,
		Error:  &ir.ReplyError{Code: ir.CodeOrderViolation, Message: msg},
	}
	if err := w.reply(ctx, reply); err != nil {
		return errors.Join(pe, err)
	}
	return pe
}

func (w *WorkerLoop) reply(ctx context.Context, r ir.Reply) error {
	data, err := ir.EncodeReply(r)
	if err != nil {
		// Results that cannot be encoded are the payload's fault.
		r.Status = ir.StatusError
		r.Result = nil
		r.Error = &ir.ReplyError{Code: ir.CodePayload, Message: err.Error()}
		if data, err = ir.EncodeReply(r); err != nil {
			return fmt.Errorf("worker rank %d: %w", w.rc.Rank(), err)
		}
	}
	if _, err := w.tr.Gather(ctx, w.root, data); err != nil {
		return &PMIError{
			Code:    ir.CodeTransport,
			Message: fmt.Sprintf("send reply: %v", err),
			Seq:     r.Seq,
			Rank:    w.rc.Rank(),
			Fatal:   true,
		}
	}
	return nil
}

func (w *WorkerLoop) exitErr() error {
	if w.failures == 0 {
		return nil
	}
	return &CommandFailuresError{Rank: w.rc.Rank(), Count: w.failures, First: w.first}
}

type result struct {
	status   ir.ReplyStatus
	value    ir.Value
	err      *ir.ReplyError
	manifest string
	fatal    bool
}

func okResult(v ir.Value) result {
	if v == nil {
		v = ir.Null{}
	}
	return result{status: ir.StatusOK, value: v}
}

func skippedResult() result {
	return result{status: ir.StatusSkipped}
}

func failedResult(code ir.ErrorCode, format string, args ...any) result {
	return result{status: ir.StatusError, err: &ir.ReplyError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

func fatalResult(code ir.ErrorCode, format string, args ...any) result {
	r := failedResult(code, format, args...)
	r.fatal = true
	return r
}

func (w *WorkerLoop) execute(ctx context.Context, cmd ir.Command) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(ir.CodePayload, "panic in %s: %v", cmd.Op, r)
		}
	}()

	switch cmd.Op {
	case ir.OpStop:
		return okResult(nil)
	case ir.OpExec:
		if err := w.reg.Exec(cmd.Method); err != nil {
			return failedResult(ir.CodeImportMismatch, "%v", err)
		}
		digest, err := w.reg.Digest()
		if err != nil {
			return failedResult(ir.CodeImportMismatch, "%v", err)
		}
		r := okResult(nil)
		r.manifest = digest
		return r
	case ir.OpConstruct:
		return w.construct(ctx, cmd)
	}

	entry, found := w.table.Get(cmd.Handle)
	if !found {
		return failedResult(ir.CodeStaleHandle, "no object with handle %d", cmd.Handle)
	}
	if cmd.Op == ir.OpDestroy {
		w.table.Delete(cmd.Handle)
	}
	if entry.Instance == nil {
		return skippedResult()
	}
	inst := entry.Instance
	spec, _ := w.reg.Spec(entry.TypeID)

	switch cmd.Op {
	case ir.OpBroadcastCall, ir.OpGatherInvoke:
		want := ir.CallBroadcast
		if cmd.Op == ir.OpGatherInvoke {
			want = ir.CallGather
		}
		if got := spec.Kind(cmd.Method); got != want {
			return failedResult(ir.CodePayload, "%s.%s is %s, not %s", entry.TypeID, cmd.Method, got, want)
		}
		v, err := inst.Call(ctx, cmd.Method, cmd.CallArgs())
		if err != nil {
			return failedResult(ir.CodePayload, "%s.%s: %v", entry.TypeID, cmd.Method, err)
		}
		if cmd.Op == ir.OpBroadcastCall {
			return okResult(nil)
		}
		return okResult(v)

	case ir.OpPropertySet, ir.OpPropertyGet:
		if spec.Kind(cmd.Method) != ir.CallProperty {
			return failedResult(ir.CodePayload, "%s.%s is not a property", entry.TypeID, cmd.Method)
		}
		acc, isAcc := inst.(registry.PropertyAccessor)
		if !isAcc {
			return failedResult(ir.CodePayload, "%s has no properties", entry.TypeID)
		}
		if cmd.Op == ir.OpPropertySet {
			if err := acc.SetProperty(cmd.Method, cmd.Args[0]); err != nil {
				return failedResult(ir.CodePayload, "set %s.%s: %v", entry.TypeID, cmd.Method, err)
			}
			return okResult(nil)
		}
		v, err := acc.GetProperty(cmd.Method)
		if err != nil {
			return failedResult(ir.CodePayload, "get %s.%s: %v", entry.TypeID, cmd.Method, err)
		}
		return okResult(v)

	case ir.OpDestroy:
		if d, isD := inst.(registry.Destroyer); isD {
			if err := d.Destroy(ctx); err != nil {
				return failedResult(ir.CodePayload, "destroy %s: %v", entry.TypeID, err)
			}
		}
		return okResult(nil)
	}
	return fatalResult(ir.CodeOrderViolation, "unhandled command kind %q", cmd.Op)
}

// construct advances the handle counter whatever the outcome, so every
// rank stays in step with the controller's pre-assigned handle.
func (w *WorkerLoop) construct(ctx context.Context, cmd ir.Command) result {
	h := ir.Handle(w.handles.Next())
	if h != cmd.Handle {
		return fatalResult(ir.CodeOrderViolation, "handle counter at %d, controller assigned %d", h, cmd.Handle)
	}

	entry := Entry{Handle: h, TypeID: cmd.TypeID, Group: cmd.Group}
	if !w.rc.IsWorkerActive(cmd.Group) {
		if err := w.table.Put(entry); err != nil {
			return fatalResult(ir.CodeOrderViolation, "%v", err)
		}
		return skippedResult()
	}

	b, _, err := w.reg.Resolve(cmd.TypeID)
	if err != nil {
		return failedResult(ir.CodeImportMismatch, "%v", err)
	}
	inst, err := b.New(ctx, registry.Env{
		Rank:   w.rc,
		Handle: h,
		Group:  cmd.Group,
		Logger: w.log.With("handle", h, "type_id", cmd.TypeID),
	}, cmd.CallArgs())
	if err != nil {
		return failedResult(ir.CodeConstruction, "construct %s: %v", cmd.TypeID, err)
	}
	if inst == nil {
		return failedResult(ir.CodeConstruction, "construct %s: constructor returned no instance", cmd.TypeID)
	}

	entry.Instance = inst
	if err := w.table.Put(entry); err != nil {
		return fatalResult(ir.CodeOrderViolation, "%v", err)
	}
	w.log.Debug("object constructed", "handle", h, "type_id", cmd.TypeID)
	return okResult(nil)
}
