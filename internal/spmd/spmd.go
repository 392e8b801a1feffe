// Package spmd launches PMI programs. Every rank runs the same program
// value: the controller executes it under a ShutdownCoordinator, every
// other rank serves commands in a WorkerLoop until the controller stops
// the run.
package spmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/registry"
	"github.com/roach88/pmi/internal/transport"
)

// Node is everything one rank needs to take part in a run.
type Node struct {
	Rank      rank.Context
	Transport transport.Transport
	Registry  *registry.Registry

	// Journal records the commands this rank executed. Optional.
	Journal engine.Journal
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// RunIDs generates the run id on the controller. Optional.
	RunIDs engine.RunIDGenerator

	CallTimeout time.Duration
	IdleTimeout time.Duration
	StopTimeout time.Duration

	// OnRelease runs worker-only code after the controller released the
	// workers. The worker loop is re-entered when it returns nil.
	OnRelease func(ctx context.Context, rc rank.Context) error
}

// Run executes one rank of program.
//
// On the controller it returns the program's error joined with any
// failure to stop the workers. On a worker it returns nil after a clean
// normal stop, and an error if the run was aborted, the loop failed, or any
// command raised on this rank.
func Run(ctx context.Context, n Node, program engine.Program) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("rank", n.Rank.Rank())

	if n.Rank.IsController() {
		opts := []engine.DispatcherOption{
			engine.WithCallTimeout(n.CallTimeout),
			engine.WithJournal(n.Journal),
			engine.WithLogger(log.With("role", rank.Controller.String())),
		}
		if n.RunIDs != nil {
			opts = append(opts, engine.WithRunIDGenerator(n.RunIDs))
		}
		d, err := engine.NewDispatcher(n.Rank, n.Transport, n.Registry, opts...)
		if err != nil {
			return err
		}
		var sopts []engine.ShutdownOption
		if n.StopTimeout > 0 {
			sopts = append(sopts, engine.WithStopTimeout(n.StopTimeout))
		}
		log.Info("controller starting", "run_id", d.RunID(), "size", n.Rank.Size())
		return engine.NewShutdownCoordinator(d, sopts...).Run(ctx, program)
	}

	loop, err := engine.NewWorkerLoop(n.Rank, n.Transport, n.Registry,
		engine.WithIdleTimeout(n.IdleTimeout),
		engine.WithWorkerJournal(n.Journal),
		engine.WithWorkerLogger(log.With("role", rank.Worker.String())),
	)
	if err != nil {
		return err
	}
	for {
		err := loop.Run(ctx)
		if !errors.Is(err, engine.ErrReleased) {
			return err
		}
		if n.OnRelease != nil {
			if err := n.OnRelease(ctx, n.Rank); err != nil {
				return fmt.Errorf("rank %d: worker-only code: %w", n.Rank.Rank(), err)
			}
		}
	}
}

// LocalConfig configures an in-process run.
type LocalConfig struct {
	Size int

	// NewRegistry builds the registry of one rank. Every rank must get
	// the same manifest and bindings.
	NewRegistry func(r int) (*registry.Registry, error)
	// Journal returns the journal of one rank. Optional.
	Journal func(r int) engine.Journal

	Logger      *slog.Logger
	RunIDs      engine.RunIDGenerator
	CallTimeout time.Duration
	IdleTimeout time.Duration
	StopTimeout time.Duration
	OnRelease   func(ctx context.Context, rc rank.Context) error
}

// RunLocal runs Size ranks as goroutines connected by the memory
// transport, rank 0 controlling. It returns each rank's error, indexed by
// rank.
//
// A rank closes its endpoint as soon as it returns, so peers still
// blocked on it fail with transport.ErrPeerLost instead of hanging.
func RunLocal(ctx context.Context, cfg LocalConfig, program engine.Program) ([]error, error) {
	if cfg.NewRegistry == nil {
		return nil, errors.New("spmd: NewRegistry is required")
	}

	nodes := make([]Node, cfg.Size)
	eps := transport.NewMemoryGroup(cfg.Size)
	defer func() {
		for _, ep := range eps {
			ep.Close()
		}
	}()

	for r := range cfg.Size {
		rc, err := rank.New(r, cfg.Size)
		if err != nil {
			return nil, fmt.Errorf("spmd: %w", err)
		}
		reg, err := cfg.NewRegistry(r)
		if err != nil {
			return nil, fmt.Errorf("spmd: rank %d registry: %w", r, err)
		}
		n := Node{
			Rank:        rc,
			Transport:   eps[r],
			Registry:    reg,
			Logger:      cfg.Logger,
			RunIDs:      cfg.RunIDs,
			CallTimeout: cfg.CallTimeout,
			IdleTimeout: cfg.IdleTimeout,
			StopTimeout: cfg.StopTimeout,
			OnRelease:   cfg.OnRelease,
		}
		if cfg.Journal != nil {
			n.Journal = cfg.Journal(r)
		}
		nodes[r] = n
	}

	errs := make([]error, cfg.Size)
	var g errgroup.Group
	for r := range nodes {
		g.Go(func() error {
			defer eps[r].Close()
			errs[r] = Run(ctx, nodes[r], program)
			return errs[r]
		})
	}
	_ = g.Wait()
	return errs, nil
}

// Err joins the non-nil per-rank errors, each prefixed with its rank.
func Err(errs []error) error {
	var out []error
	for r, err := range errs {
		if err != nil {
			out = append(out, fmt.Errorf("rank %d: %w", r, err))
		}
	}
	return errors.Join(out...)
}
