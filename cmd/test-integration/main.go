// Synthetic end-to-end check of the subtraction stack: builds a two-blob
// volume, projects particles from it, subtracts the second blob and
// verifies the outputs and the run ledger. Useful when touching the
// runner, the MRC codec or the STAR parser together.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/AmazonRF/pyem/internal/ctf"
	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/mrc"
	"github.com/AmazonRF/pyem/internal/relion"
	"github.com/AmazonRF/pyem/internal/store"
	"github.com/AmazonRF/pyem/internal/subtract"
)

const (
	box       = 32
	apix      = 1.4
	particles = 8
)

func main() {
	fmt.Println("Synthetic end-to-end subtraction check")

	dir, err := os.MkdirTemp("", "pyem-smoke-*")
	if err != nil {
		log.Fatal("temp dir:", err)
	}
	defer os.RemoveAll(dir)

	whole, sub := buildVolumes()
	wholePath := filepath.Join(dir, "whole.mrc")
	subPath := filepath.Join(dir, "sub.mrc")
	if err := mrc.WriteVolume(wholePath, whole); err != nil {
		log.Fatal("write whole map:", err)
	}
	if err := mrc.WriteVolume(subPath, sub); err != nil {
		log.Fatal("write sub map:", err)
	}

	starPath := filepath.Join(dir, "particles.star")
	if err := writeParticles(dir, starPath, whole); err != nil {
		log.Fatal("write particles:", err)
	}
	fmt.Printf("inputs ready under %s\n", dir)

	st, err := store.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		log.Fatal("open ledger:", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	runner := subtract.NewRunner(logger)

	events, unsubscribe := runner.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			fmt.Printf("  event: %-8s %d/%d %s\n", ev.Stage, ev.Index, ev.Total, ev.Stack)
		}
	}()

	outputStar := filepath.Join(dir, "particles_sub.star")
	opts := subtract.Options{
		InputStar:    starPath,
		WholeMap:     wholePath,
		SubMap:       subPath,
		OutputStar:   outputStar,
		StackBase:    filepath.Join(dir, "particles_sub"),
		Workers:      4,
		MaxPerStack:  5, // force a stack rotation
		HighCutoff:   0.7071,
		Recenter:     true,
		KeepOriginal: true,
	}

	runID, err := st.CreateRun(opts.InputStar, opts.WholeMap, opts.SubMap, opts.OutputStar)
	if err != nil {
		log.Fatal("ledger create:", err)
	}
	st.MarkRunStarted(runID)

	stats, err := runner.Run(context.Background(), opts)
	if err != nil {
		st.MarkRunFailed(runID, err.Error())
		log.Fatal("subtraction failed:", err)
	}
	for _, sk := range stats.Stacks {
		st.AddStack(runID, sk.Path, sk.Frames)
	}
	st.MarkRunCompleted(runID, stats.Particles, len(stats.Stacks))

	fmt.Printf("subtracted %d particles into %d stacks in %s\n",
		stats.Particles, len(stats.Stacks), stats.Duration)
	fmt.Printf("recenter shift: (%.3f, %.3f, %.3f) px\n",
		stats.Recenter.X, stats.Recenter.Y, stats.Recenter.Z)

	verifyOutputs(outputStar, stats)

	run, err := st.Run(runID)
	if err != nil || run == nil {
		log.Fatal("ledger readback:", err)
	}
	fmt.Printf("ledger: run %d %s, %d particles, %d stacks\n",
		run.ID, run.Status, run.Particles, run.Stacks)

	fmt.Println("OK")
}

// buildVolumes returns a two-blob density and the map holding only the
// second blob.
func buildVolumes() (*frame.Volume, *frame.Volume) {
	whole := frame.NewVolume(box, box, box, apix)
	sub := frame.NewVolume(box, box, box, apix)

	blob := func(v *frame.Volume, cx, cy, cz, sigma float64) {
		for z := 0; z < box; z++ {
			for y := 0; y < box; y++ {
				for x := 0; x < box; x++ {
					dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
					r2 := dx*dx + dy*dy + dz*dz
					v.Set(x, y, z, v.At(x, y, z)+float32(math.Exp(-r2/(2*sigma*sigma))))
				}
			}
		}
	}

	blob(whole, 12, 16, 16, 2.5)
	blob(whole, 22, 16, 16, 2.0)
	blob(sub, 22, 16, 16, 2.0)
	return whole, sub
}

// writeParticles projects the whole map at a spread of orientations,
// applies one CTF and writes the stack plus its STAR table.
func writeParticles(dir, starPath string, whole *frame.Volume) error {
	const stackName = "probe_particles.mrcs"

	w, err := mrc.NewStackWriter(filepath.Join(dir, stackName), box, box, apix)
	if err != nil {
		return err
	}

	d, err := ctf.Synthesize(1.2, 0.1, 60, 300, 2.7, apix, 0, 7)
	if err != nil {
		return err
	}

	var rows [][3]float64
	for i := 0; i < particles; i++ {
		rows = append(rows, [3]float64{float64(i) * 45, float64(i%4) * 22.5, float64(i) * -30})
	}
	for _, angles := range rows {
		im := subtract.Project(whole, angles[0], angles[1], angles[2], 0, 0)
		if err := w.Append(ctf.Apply(im, d)); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	f, err := os.Create(starPath)
	if err != nil {
		return err
	}
	defer f.Close()

	table := &relion.Table{Labels: relion.ParticleLabels}
	if err := table.WriteHeader(f); err != nil {
		return err
	}
	for i, angles := range rows {
		cells := []string{
			relion.FormatImageRef(i+1, stackName),
			fmt.Sprintf("%.2f", angles[0]), fmt.Sprintf("%.2f", angles[1]), fmt.Sprintf("%.2f", angles[2]),
			"0.0", "0.0",
			"12500", "11500", "30",
			"300", "2.7", "0.07",
			"14.0", "100000",
		}
		if err := relion.WriteRow(f, cells); err != nil {
			return err
		}
	}
	return nil
}

func verifyOutputs(outputStar string, stats *subtract.RunStats) {
	table, err := relion.Read(outputStar)
	if err != nil {
		log.Fatal("read output star:", err)
	}
	if len(table.Rows) != particles {
		log.Fatalf("output star has %d rows, want %d", len(table.Rows), particles)
	}

	total := 0
	for _, sk := range stats.Stacks {
		info, err := mrc.ReadInfo(sk.Path)
		if err != nil {
			log.Fatal("read stack header:", err)
		}
		if info.Nz != sk.Frames {
			log.Fatalf("stack %s header says %d frames, runner says %d", sk.Path, info.Nz, sk.Frames)
		}
		total += sk.Frames
	}
	if total != particles {
		log.Fatalf("stacks hold %d frames, want %d", total, particles)
	}

	im, err := mrc.ReadFrame(stats.Stacks[0].Path, 0)
	if err != nil {
		log.Fatal("read first output frame:", err)
	}
	min, max := im.MinMax()
	fmt.Printf("first output frame: %dx%d, range [%.3f, %.3f]\n", im.Nx, im.Ny, min, max)
}
