package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pmi/internal/ir"
)

// DefaultStopTimeout bounds the final stop broadcast.
const DefaultStopTimeout = 10 * time.Second

// Program is the controller's part of an SPMD program.
type Program func(ctx context.Context, d *Dispatcher) error

// ShutdownCoordinator runs a controller program and broadcasts exactly one
// stop when it ends, however it ends.
type ShutdownCoordinator struct {
	d       *Dispatcher
	timeout time.Duration
}

// ShutdownOption configures a ShutdownCoordinator.
type ShutdownOption func(*ShutdownCoordinator)

// WithStopTimeout bounds the stop broadcast. The bound applies even when
// the program's context was cancelled.
func WithStopTimeout(d time.Duration) ShutdownOption {
	return func(s *ShutdownCoordinator) {
		s.timeout = d
	}
}

// NewShutdownCoordinator creates a coordinator for d.
func NewShutdownCoordinator(d *Dispatcher, opts ...ShutdownOption) *ShutdownCoordinator {
	s := &ShutdownCoordinator{d: d, timeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes program, then stops the workers. The stop is normal when
// program returned nil and the dispatcher is healthy, abort otherwise. A
// panic in program is recovered and reported as its error.
//
// If program already broadcast the stop itself, no second stop is sent.
// The returned error joins the program's error with any stop failure.
func (s *ShutdownCoordinator) Run(ctx context.Context, program Program) error {
	progErr := s.runProgram(ctx, program)
	if progErr == nil {
		progErr = s.d.Err()
	}

	reason := ir.StopNormal
	if progErr != nil {
		reason = ir.StopAbort
		s.d.log.Error("controller program failed", "error", progErr)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	stopErr := s.d.Stop(sctx, reason)
	if errors.Is(stopErr, ErrStopped) {
		stopErr = nil
	}
	if stopErr != nil {
		stopErr = fmt.Errorf("broadcast %s stop: %w", reason, stopErr)
	}
	return errors.Join(progErr, stopErr)
}

func (s *ShutdownCoordinator) runProgram(ctx context.Context, program Program) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller program panicked: %v", r)
		}
	}()
	return program(ctx, s.d)
}
