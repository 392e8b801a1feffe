package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pmi/internal/config"
	"github.com/roach88/pmi/internal/engine"
	"github.com/roach88/pmi/internal/harness"
	"github.com/roach88/pmi/internal/rank"
	"github.com/roach88/pmi/internal/spmd"
	"github.com/roach88/pmi/internal/store"
	"github.com/roach88/pmi/internal/transport"
)

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions
	Rank   int
	Config string
	Addr   string

	// RunIDs overrides the controller's run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node <scenario.yaml>",
		Short: "Run one rank of a scenario over TCP",
		Long: `Run one rank of a scenario as its own process.

Start one process per rank with the same config and scenario. Rank 0
listens on the configured address and runs the scenario's steps once
every worker has connected. Workers dial the controller, retrying until
dial_timeout elapses, then serve commands until the controller stops
the run.

With journal_dir set, every rank records its commands to
<journal_dir>/rank-<r>.db; compare them with "pmi trace".

Examples:
  pmi node --config cluster.yaml --rank 0 scenario.yaml
  pmi node --config cluster.yaml --rank 1 scenario.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Rank, "rank", -1, "rank of this process (required)")
	_ = cmd.MarkFlagRequired("rank")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to the cluster config (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "controller address (overrides the config)")

	return cmd
}

func runNode(opts *NodeOptions, scenarioPath string, cmd *cobra.Command) error {
	log := newLogger(opts.RootOptions, cmd.ErrOrStderr()).With("rank", opts.Rank)
	slog.SetDefault(log)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if cfg.Transport != config.TransportTCP {
		return NewExitError(ExitCommandError, fmt.Sprintf("node requires transport %q, config has %q", config.TransportTCP, cfg.Transport))
	}
	if err := cfg.ValidateRank(opts.Rank); err != nil {
		return WrapExitError(ExitCommandError, "invalid rank", err)
	}

	scenario, err := harness.LoadScenario(scenarioPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if scenario.Size != cfg.Size {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario %s needs %d ranks, config has %d", scenario.Name, scenario.Size, cfg.Size))
	}
	if cfg.Manifest != "" {
		scenario.Manifest = cfg.Manifest
	}

	rc, err := rank.New(opts.Rank, cfg.Size, rank.WithController(cfg.Controller))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid rank", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := connect(ctx, cfg, rc, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer tr.Close()

	node := spmd.Node{
		Rank:        rc,
		Transport:   tr,
		Logger:      log,
		RunIDs:      opts.RunIDs,
		CallTimeout: cfg.CallTimeout,
		IdleTimeout: cfg.IdleTimeout,
		StopTimeout: cfg.StopTimeout,
	}
	if node.RunIDs == nil {
		node.RunIDs = engine.UUIDv7Generator{}
	}
	if path := cfg.JournalPath(opts.Rank); path != "" {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create journal directory", err)
		}
		st, err := store.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()
		node.Journal = st
		log.Info("journaling commands", "path", path)
	}

	result, err := harness.RunNode(ctx, scenario, node)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	if rc.IsController() {
		report := RunReport{
			Name:   scenario.Name,
			Size:   scenario.Size,
			Pass:   result.Pass,
			Steps:  result.Steps,
			Errors: result.Errors,
		}
		if opts.Format == "json" {
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
				return err
			}
		} else {
			printRunReport(cmd, report)
		}
	}

	if !result.Pass {
		if rc.IsController() {
			return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
		}
		return NewExitError(ExitFailure, result.Errors[0])
	}
	log.Info("rank finished")
	return nil
}

// connect joins the TCP star: the controller listens and waits for every
// worker, workers dial the controller.
func connect(ctx context.Context, cfg *config.Config, rc rank.Context, log *slog.Logger) (transport.Transport, error) {
	tcfg := transport.TCPConfig{
		Rank:        rc.Rank(),
		Size:        rc.Size(),
		Root:        rc.ControllerRank(),
		Addr:        cfg.Addr,
		DialTimeout: cfg.DialTimeout,
		Logger:      log,
	}
	if !rc.IsController() {
		return transport.DialTCP(ctx, tcfg)
	}

	ln, err := transport.ListenTCP(tcfg)
	if err != nil {
		return nil, err
	}
	log.Info("waiting for workers", "addr", ln.Addr(), "workers", rc.Size()-1)
	return ln.Accept(ctx)
}
