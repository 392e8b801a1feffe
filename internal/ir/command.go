package ir

import (
	"encoding/json"
	"fmt"
	"slices"
)

// OpKind identifies the kind of a Command. The set is closed: a rank that
// receives any other value rejects the command.
type OpKind string

const (
	OpConstruct     OpKind = "construct"
	OpBroadcastCall OpKind = "broadcast_call"
	OpGatherInvoke  OpKind = "gather_invoke"
	OpExec          OpKind = "exec"
	OpPropertySet   OpKind = "property_set"
	OpPropertyGet   OpKind = "property_get"
	OpDestroy       OpKind = "destroy"
	OpStop          OpKind = "stop"
)

var validOps = map[OpKind]bool{
	OpConstruct:     true,
	OpBroadcastCall: true,
	OpGatherInvoke:  true,
	OpExec:          true,
	OpPropertySet:   true,
	OpPropertyGet:   true,
	OpDestroy:       true,
	OpStop:          true,
}

// Valid reports whether k is one of the closed set of command kinds.
func (k OpKind) Valid() bool {
	return validOps[k]
}

// TargetsObject reports whether commands of this kind address a live handle.
func (k OpKind) TargetsObject() bool {
	switch k {
	case OpBroadcastCall, OpGatherInvoke, OpPropertySet, OpPropertyGet, OpDestroy:
		return true
	default:
		return false
	}
}

// StopReason is carried in Command.Method for OpStop.
type StopReason string

const (
	// StopNormal ends the run after the controller program returned cleanly.
	StopNormal StopReason = "normal"
	// StopAbort ends the run after the controller program failed.
	StopAbort StopReason = "abort"
	// StopRelease hands control back to worker-only code; the loop may be re-entered.
	StopRelease StopReason = "release"
)

// Handle is the globally agreed identity of one logical object.
// Handles start at 1; zero means "no handle".
type Handle uint64

// CPUGroup is a named subset of worker ranks allowed to act on an object.
// Ranks are kept sorted and unique.
type CPUGroup struct {
	Name  string `json:"name"`
	Ranks []int  `json:"ranks"`
}

// Contains reports whether rank is a member of the group.
func (g *CPUGroup) Contains(rank int) bool {
	if g == nil {
		return false
	}
	_, found := slices.BinarySearch(g.Ranks, rank)
	return found
}

// Args is the argument list of a call as a payload sees it: positional
// values plus keyword values.
type Args struct {
	Positional Array
	Named      Object
}

// Lookup returns the positional argument at index i if present, otherwise
// the keyword argument key. Pass i < 0 to consult keywords only.
func (a Args) Lookup(i int, key string) (Value, bool) {
	if i >= 0 && i < len(a.Positional) {
		return a.Positional[i], true
	}
	if key != "" {
		v, ok := a.Named[key]
		return v, ok
	}
	return nil, false
}

// Len returns the total number of arguments.
func (a Args) Len() int {
	return len(a.Positional) + len(a.Named)
}

// Command is the unit every rank observes in the same total order.
//
// Field use per kind:
//   - construct: Handle (pre-assigned), TypeID, Args/Kwargs, Group
//   - broadcast_call, gather_invoke: Handle, Method, Args/Kwargs
//   - property_set: Handle, Method (property name), Args[0] (new value)
//   - property_get, destroy: Handle (and Method for property_get)
//   - exec: Method (bootstrap statement)
//   - stop: Method (StopReason)
type Command struct {
	RunID  string    `json:"run_id"`
	Seq    int64     `json:"seq"`
	Op     OpKind    `json:"op"`
	Handle Handle    `json:"handle,omitempty"`
	TypeID string    `json:"type_id,omitempty"`
	Method string    `json:"method,omitempty"`
	Args   Array     `json:"args,omitempty"`
	Kwargs Object    `json:"kwargs,omitempty"`
	Group  *CPUGroup `json:"group,omitempty"`
}

// CallArgs returns the command's arguments in payload form.
func (c Command) CallArgs() Args {
	return Args{Positional: c.Args, Named: c.Kwargs}
}

// Validate checks the fields required by the command kind.
func (c Command) Validate() error {
	if !c.Op.Valid() {
		return fmt.Errorf("unknown command kind %q", c.Op)
	}
	if c.Seq <= 0 {
		return fmt.Errorf("%s: seq must be positive, got %d", c.Op, c.Seq)
	}
	switch c.Op {
	case OpConstruct:
		if c.TypeID == "" {
			return fmt.Errorf("construct: type_id is required")
		}
		if c.Handle == 0 {
			return fmt.Errorf("construct: handle is required")
		}
	case OpBroadcastCall, OpGatherInvoke, OpPropertyGet:
		if c.Handle == 0 || c.Method == "" {
			return fmt.Errorf("%s: handle and method are required", c.Op)
		}
	case OpPropertySet:
		if c.Handle == 0 || c.Method == "" {
			return fmt.Errorf("%s: handle and method are required", c.Op)
		}
		if len(c.Args) != 1 {
			return fmt.Errorf("property_set: exactly one value is required, got %d", len(c.Args))
		}
	case OpDestroy:
		if c.Handle == 0 {
			return fmt.Errorf("destroy: handle is required")
		}
	case OpExec:
		if c.Method == "" {
			return fmt.Errorf("exec: statement is required")
		}
	case OpStop:
		switch StopReason(c.Method) {
		case StopNormal, StopAbort, StopRelease:
		default:
			return fmt.Errorf("stop: unknown reason %q", c.Method)
		}
	}
	return nil
}

// ErrorCode categorizes failures, both in replies and in controller errors.
type ErrorCode string

const (
	CodeConstruction    ErrorCode = "CONSTRUCTION_ERROR"
	CodeStaleHandle     ErrorCode = "STALE_HANDLE"
	CodeImportMismatch  ErrorCode = "IMPORT_MISMATCH"
	CodeDeadlockTimeout ErrorCode = "DEADLOCK_TIMEOUT"
	CodePayload         ErrorCode = "PAYLOAD_ERROR"
	CodeOrderViolation  ErrorCode = "ORDER_VIOLATION"
	CodeTransport       ErrorCode = "TRANSPORT_ERROR"
)

// ReplyStatus reports what a rank did with a command.
type ReplyStatus string

const (
	StatusOK      ReplyStatus = "ok"
	StatusSkipped ReplyStatus = "skipped" // rank outside the object's CPU group, or the controller
	StatusError   ReplyStatus = "error"
)

// ReplyError carries a rank-local failure back to the controller.
type ReplyError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Reply is what each rank contributes to the gather that closes a command.
type Reply struct {
	Rank     int         `json:"rank"`
	Seq      int64       `json:"seq"`
	Digest   string      `json:"digest"`
	Status   ReplyStatus `json:"status"`
	Result   Value       `json:"result,omitempty"`
	Error    *ReplyError `json:"error,omitempty"`
	Manifest string      `json:"manifest,omitempty"`
}

// UnmarshalJSON decodes Result into the sealed Value types.
func (r *Reply) UnmarshalJSON(data []byte) error {
	type replyAlias Reply
	var aux struct {
		replyAlias
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Reply(aux.replyAlias)
	r.Result = nil
	if len(aux.Result) > 0 {
		v, err := UnmarshalValue(aux.Result)
		if err != nil {
			return fmt.Errorf("reply result: %w", err)
		}
		r.Result = v
	}
	return nil
}

// RankResult is one participating rank's contribution to a gather.
type RankResult struct {
	Rank  int
	Value Value
}

// EncodeCommand serializes a command for broadcast.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command seq=%d: %w", cmd.Seq, err)
	}
	return data, nil
}

// DecodeCommand parses and validates a broadcast command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// EncodeReply serializes a reply for gather.
func EncodeReply(r Reply) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply seq=%d rank=%d: %w", r.Seq, r.Rank, err)
	}
	return data, nil
}

// DecodeReply parses a gathered reply.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}
