package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/pmi/internal/ir"
)

func TestPMIErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *PMIError
		want string
	}{
		{
			name: "controller side",
			err:  newStaleHandleError(ir.OpBroadcastCall, 4, "object is not live"),
			want: "STALE_HANDLE: object is not live (op=broadcast_call, handle=4)",
		},
		{
			name: "single rank",
			err:  &PMIError{Code: ir.CodeDeadlockTimeout, Message: "no command", Rank: 2},
			want: "DEADLOCK_TIMEOUT: no command (rank=2)",
		},
		{
			name: "aggregated",
			err: &PMIError{
				Code:    ir.CodePayload,
				Message: "Flaky.fail failed on 2 of 3 ranks",
				Op:      ir.OpBroadcastCall,
				Seq:     7,
				TypeID:  "Flaky",
				Rank:    -1,
				Failures: []RankFailure{
					{Rank: 1, Message: "refused"},
					{Rank: 3, Message: "refused"},
				},
			},
			want: "PAYLOAD_ERROR: Flaky.fail failed on 2 of 3 ranks (op=broadcast_call, seq=7, type=Flaky); rank 1: refused; rank 3: refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorPredicatesUnwrap(t *testing.T) {
	pe := &PMIError{Code: ir.CodeImportMismatch, Message: "x", Fatal: true}
	wrapped := fmt.Errorf("exec: %w", pe)

	assert.True(t, IsImportMismatch(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsConstructionError(wrapped))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsOrderViolation(nil))
}

func TestCommandFailuresError(t *testing.T) {
	first := &PMIError{Code: ir.CodePayload, Message: "refused", Rank: 2}
	err := &CommandFailuresError{Rank: 2, Count: 3, First: first}

	assert.Equal(t, "rank 2: 3 command(s) failed, first: PAYLOAD_ERROR: refused (rank=2)", err.Error())
	assert.True(t, IsPayloadError(err))
	assert.ErrorIs(t, errors.Join(ErrAborted, err), ErrAborted)
}

func TestClassifyPrefersStateErrors(t *testing.T) {
	code, fatal := classify([]RankFailure{{Code: ir.CodePayload}, {Code: ir.CodeStaleHandle}}, ir.CodePayload)
	assert.Equal(t, ir.CodeStaleHandle, code)
	assert.True(t, fatal)

	code, fatal = classify([]RankFailure{{Code: ir.CodeConstruction}}, ir.CodeConstruction)
	assert.Equal(t, ir.CodeConstruction, code)
	assert.False(t, fatal)
}
