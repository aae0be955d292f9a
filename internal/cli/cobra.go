package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AmazonRF/pyem/internal/diag"
	"github.com/AmazonRF/pyem/internal/mrc"
	"github.com/AmazonRF/pyem/internal/relion"
	"github.com/AmazonRF/pyem/internal/server"
	"github.com/AmazonRF/pyem/internal/store"
	"github.com/AmazonRF/pyem/internal/subtract"
	"github.com/AmazonRF/pyem/internal/watch"
)

func newSubtractCmd(root *Root) *cobra.Command {
	var (
		input      string
		wholeMap   string
		subMap     string
		output     string
		stackBase  string
		previews   string
		nproc      int
		maxPart    int
		lowCutoff  float64
		highCutoff float64
		recenter   bool
		original   bool
		direct     bool
	)

	cmd := &cobra.Command{
		Use:   "subtract",
		Short: "Subtract projections of a partial map from particle images",
		Long: `Read a RELION particle table, project the whole and partial density maps
for each particle orientation, apply the particle CTF, and write particle
stacks with the partial projection subtracted. Scaling between particle
and projection is fit per frequency ring unless --direct is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stackBase == "" {
				stackBase = strings.TrimSuffix(output, ".star") + "_sub"
			}

			opts := subtract.Options{
				InputStar:    input,
				WholeMap:     wholeMap,
				SubMap:       subMap,
				OutputStar:   output,
				StackBase:    stackBase,
				Workers:      nproc,
				ChunkCap:     root.cfg.Processing.ChunkCap,
				MaxPerStack:  maxPart,
				LowCutoff:    lowCutoff,
				HighCutoff:   highCutoff,
				Direct:       direct,
				Recenter:     recenter,
				KeepOriginal: original,
			}

			if previews != "" {
				exporter, err := diag.NewExporter(previews, root.log)
				if err != nil {
					return err
				}
				// Preview the first particle of every stack.
				opts.Tap = func(local int, _ string, res *subtract.Result) {
					if local == 1 {
						exporter.Snapshot(res.Meta.Index, res)
					}
				}
			}

			st := root.openStore()
			defer st.Close()

			stats, err := root.runSubtraction(cmd.Context(), subtract.NewRunner(root.log), st, opts)
			if err != nil {
				return err
			}

			cmd.Printf("subtracted %d particles into %d stack(s) in %s\n",
				stats.Particles, len(stats.Stacks), stats.Duration.Round(time.Millisecond))
			for _, sk := range stats.Stacks {
				cmd.Printf("  %s (%d frames)\n", sk.Path, sk.Frames)
			}
			if recenter {
				cmd.Printf("recenter shift: (%.3f, %.3f, %.3f) px\n",
					stats.Recenter.X, stats.Recenter.Y, stats.Recenter.Z)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input particle STAR file")
	cmd.Flags().StringVar(&wholeMap, "wholemap", "", "density map covering the whole particle (MRC)")
	cmd.Flags().StringVar(&subMap, "submap", "", "density map of the region to subtract (MRC)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output STAR file")
	cmd.Flags().StringVar(&stackBase, "stack-base", "", "basename for output stacks (default: output minus .star plus _sub)")
	cmd.Flags().StringVar(&previews, "previews", "", "directory for PNG previews of the first particle per stack")
	cmd.Flags().IntVar(&nproc, "nproc", root.cfg.Processing.Workers, "number of worker goroutines")
	cmd.Flags().IntVar(&maxPart, "maxpart", root.cfg.Subtraction.MaxParticlesPerStack, "maximum particles per output stack")
	cmd.Flags().Float64Var(&lowCutoff, "low-cutoff", root.cfg.Subtraction.LowCutoff, "low resolution cutoff for scale fitting, fraction of the Nyquist corner")
	cmd.Flags().Float64Var(&highCutoff, "high-cutoff", root.cfg.Subtraction.HighCutoff, "high resolution cutoff for scale fitting, fraction of the Nyquist corner")
	cmd.Flags().BoolVar(&recenter, "recenter", root.cfg.Subtraction.Recenter, "shift particle origins onto the remaining density")
	cmd.Flags().BoolVar(&original, "original", root.cfg.Subtraction.KeepOriginal, "also write stacks of the unsubtracted particles")
	cmd.Flags().BoolVar(&direct, "direct", root.cfg.Subtraction.Direct, "subtract without per-ring scale fitting")

	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("wholemap")
	cmd.MarkFlagRequired("submap")
	cmd.MarkFlagRequired("output")

	return cmd
}

func newInfoCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Summarize a STAR particle table or MRC file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			switch strings.ToLower(filepath.Ext(path)) {
			case ".star":
				table, err := relion.Read(path)
				if err != nil {
					return err
				}
				cmd.Printf("particle table: %s\n", path)
				cmd.Printf("  rows:   %d\n", len(table.Rows))
				cmd.Printf("  labels: %d\n", len(table.Labels))
				for _, label := range table.Labels {
					cmd.Printf("    _%s\n", label)
				}
				return nil

			case ".mrc", ".mrcs", ".map":
				info, err := mrc.ReadInfo(path)
				if err != nil {
					return err
				}
				cmd.Printf("mrc file: %s\n", path)
				cmd.Printf("  dimensions: %d x %d x %d\n", info.Nx, info.Ny, info.Nz)
				cmd.Printf("  mode:       %d (%s)\n", info.Mode, modeName(info.Mode))
				cmd.Printf("  pixel size: %.4f A\n", info.Apix)
				cmd.Printf("  min/max:    %g / %g\n", info.Min, info.Max)
				cmd.Printf("  mean/rms:   %g / %g\n", info.Mean, info.RMS)
				return nil

			default:
				return fmt.Errorf("unsupported file type %q, expected .star, .mrc, .mrcs or .map", filepath.Ext(path))
			}
		},
	}
}

func modeName(mode int) string {
	switch mode {
	case mrc.ModeInt8:
		return "int8"
	case mrc.ModeInt16:
		return "int16"
	case mrc.ModeFloat32:
		return "float32"
	case mrc.ModeUint16:
		return "uint16"
	default:
		return "unknown"
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		watchDirs []string
		settle    int
		wholeMap  string
		subMap    string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor server, optionally watching for new particle tables",
		Long: `Serve run history and live progress over HTTP. With --watch, settled STAR
files trigger events; when --wholemap and --submap are also given, each
settled table is subtracted automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st := root.openStore()
			defer st.Close()

			srv := server.NewServer(addr, st, root.log)
			runner := subtract.NewRunner(root.log)

			evCh, unsubscribe := runner.Subscribe()
			defer unsubscribe()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-evCh:
						if !ok {
							return
						}
						srv.Publish(ev)
					}
				}
			}()

			if len(watchDirs) > 0 {
				handler := root.watchHandler(ctx, runner, st, srv, wholeMap, subMap, outputDir)
				w, err := watch.New(watchDirs, time.Duration(settle)*time.Second, root.log, handler)
				if err != nil {
					return err
				}
				defer w.Stop()
				if err := w.Start(); err != nil {
					return err
				}
			}

			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/api/runs", "/api/runs/{id}", "/stream", "/ws"},
			)

			return root.serveFn(ctx, srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", root.cfg.Server.WatchDirs, "directories to monitor for STAR files")
	cmd.Flags().IntVar(&settle, "settle", root.cfg.Server.SettleSeconds, "seconds a STAR file must stay quiet before it is picked up")
	cmd.Flags().StringVar(&wholeMap, "wholemap", "", "whole density map for automatic subtraction of watched tables")
	cmd.Flags().StringVar(&subMap, "submap", "", "partial density map for automatic subtraction of watched tables")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for automatic subtraction outputs (default: alongside the input)")

	return cmd
}

// watchHandler reacts to settled STAR files. Automatic runs are serialized
// so concurrent arrivals do not compete for workers.
func (r *Root) watchHandler(ctx context.Context, runner *subtract.Runner, st *store.Store, srv *server.Server, wholeMap, subMap, outputDir string) watch.Handler {
	var mu sync.Mutex
	return func(path string) {
		srv.Publish(subtract.Event{Stage: "detected", Message: path, Timestamp: time.Now()})
		if wholeMap == "" || subMap == "" {
			r.log.Info("new particle table detected", "path", path)
			return
		}

		mu.Lock()
		defer mu.Unlock()

		dir := outputDir
		if dir == "" {
			dir = filepath.Dir(path)
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		opts := subtract.Options{
			InputStar:    path,
			WholeMap:     wholeMap,
			SubMap:       subMap,
			OutputStar:   filepath.Join(dir, base+"_sub.star"),
			StackBase:    filepath.Join(dir, base+"_sub"),
			Workers:      r.cfg.Processing.Workers,
			ChunkCap:     r.cfg.Processing.ChunkCap,
			MaxPerStack:  r.cfg.Subtraction.MaxParticlesPerStack,
			LowCutoff:    r.cfg.Subtraction.LowCutoff,
			HighCutoff:   r.cfg.Subtraction.HighCutoff,
			Direct:       r.cfg.Subtraction.Direct,
			Recenter:     r.cfg.Subtraction.Recenter,
			KeepOriginal: r.cfg.Subtraction.KeepOriginal,
		}
		if _, err := r.runSubtraction(ctx, runner, st, opts); err != nil {
			r.log.Error("watched subtraction failed", "input", path, "error", err)
		}
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the pyem configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := root.cfg.AsYAML()
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
