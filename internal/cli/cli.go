// Package cli wires the pyem commands to the subtraction runner, the run
// ledger and the monitor server.
package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AmazonRF/pyem/internal/config"
	"github.com/AmazonRF/pyem/internal/logging"
	"github.com/AmazonRF/pyem/internal/server"
	"github.com/AmazonRF/pyem/internal/store"
	"github.com/AmazonRF/pyem/internal/subtract"
)

const version = "pyem v1.0.0"

type runFunc func(ctx context.Context, runner *subtract.Runner, opts subtract.Options) (*subtract.RunStats, error)

type serveFunc func(ctx context.Context, srv *server.Server) error

// Root wires CLI commands to the pipeline.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	runFn   runFunc
	serveFn serveFunc
}

// NewRoot constructs the command wiring.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		cfg: cfg,
		log: logger,
		runFn: func(ctx context.Context, runner *subtract.Runner, opts subtract.Options) (*subtract.RunStats, error) {
			return runner.Run(ctx, opts)
		},
		serveFn: func(ctx context.Context, srv *server.Server) error {
			return srv.Start(ctx)
		},
	}
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCommand(NewRoot(cfg, log))
}

func newRootCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pyem",
		Short: "pyem performs per-particle projection subtraction for cryo-EM",
		Long: `pyem subtracts CTF-corrected projections of a partial density map from
single particle images, producing new stacks and STAR metadata for focused
refinement of the remaining density.`,
	}

	rootCmd.AddCommand(newSubtractCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// openStore opens the run ledger named by the configuration. Persistence
// is optional: a missing path disables it and open failures only warn.
func (r *Root) openStore() *store.Store {
	path := r.cfg.Paths.DatabasePath
	if path == "" {
		return nil
	}
	st, err := store.New(path)
	if err != nil {
		r.log.Warn("run ledger unavailable", "path", path, "error", err)
		return nil
	}
	return st
}

// runSubtraction executes one subtraction pass and keeps the ledger in
// step with its outcome.
func (r *Root) runSubtraction(ctx context.Context, runner *subtract.Runner, st *store.Store, opts subtract.Options) (*subtract.RunStats, error) {
	runID, err := st.CreateRun(opts.InputStar, opts.WholeMap, opts.SubMap, opts.OutputStar)
	if err != nil {
		r.log.Warn("run ledger write failed", "error", err)
	}
	if err := st.MarkRunStarted(runID); err != nil {
		r.log.Warn("run ledger write failed", "error", err)
	}
	logging.LogRunStart(r.log, runID, opts.InputStar, opts.OutputStar, map[string]any{
		"whole_map":     opts.WholeMap,
		"sub_map":       opts.SubMap,
		"workers":       opts.Workers,
		"direct":        opts.Direct,
		"recenter":      opts.Recenter,
		"keep_original": opts.KeepOriginal,
	})

	start := time.Now()
	stats, err := r.runFn(ctx, runner, opts)
	if err != nil {
		st.MarkRunFailed(runID, err.Error())
		logging.LogRunError(r.log, runID, time.Since(start), err)
		return nil, err
	}

	for _, sk := range stats.Stacks {
		if err := st.AddStack(runID, sk.Path, sk.Frames); err != nil {
			r.log.Warn("run ledger write failed", "error", err)
		}
	}
	if err := st.MarkRunCompleted(runID, stats.Particles, len(stats.Stacks)); err != nil {
		r.log.Warn("run ledger write failed", "error", err)
	}
	logging.LogRunComplete(r.log, runID, stats.Particles, len(stats.Stacks), stats.Duration)

	return stats, nil
}
