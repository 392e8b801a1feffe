package store

import (
	"fmt"
	"strconv"

	"github.com/roach88/pmi/internal/ir"
)

// marshalArgs converts positional arguments to canonical JSON TEXT.
// A nil array is stored as [].
func marshalArgs(args ir.Array) (string, error) {
	if args == nil {
		args = ir.Array{}
	}
	data, err := ir.MarshalCanonical(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(data), nil
}

// marshalKwargs converts named arguments to canonical JSON TEXT.
// A nil object is stored as {}.
func marshalKwargs(kwargs ir.Object) (string, error) {
	if kwargs == nil {
		kwargs = ir.Object{}
	}
	data, err := ir.MarshalCanonical(kwargs)
	if err != nil {
		return "", fmt.Errorf("marshal kwargs: %w", err)
	}
	return string(data), nil
}

// unmarshalArgs parses stored args. Empty arrays come back as nil so an
// entry round-trips to what ir.NewJournalEntry produced.
func unmarshalArgs(text string) (ir.Array, error) {
	v, err := ir.UnmarshalValue([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	arr, ok := v.(ir.Array)
	if !ok {
		return nil, fmt.Errorf("unmarshal args: expected array, got %T", v)
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr, nil
}

// unmarshalKwargs parses stored kwargs. Empty objects come back as nil.
func unmarshalKwargs(text string) (ir.Object, error) {
	v, err := ir.UnmarshalValue([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal kwargs: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal kwargs: expected object, got %T", v)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return obj, nil
}

func formatHandle(h ir.Handle) string {
	return strconv.FormatUint(uint64(h), 10)
}

func parseHandle(text string) (ir.Handle, error) {
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse handle %q: %w", text, err)
	}
	return ir.Handle(n), nil
}
