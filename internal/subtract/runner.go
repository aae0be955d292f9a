package subtract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AmazonRF/pyem/internal/ctf"
	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/geom"
	"github.com/AmazonRF/pyem/internal/mrc"
	"github.com/AmazonRF/pyem/internal/relion"
)

const (
	defaultMaxPerStack = 65000
	defaultChunkCap    = 1000
	progressEvery      = 1000
)

// ErrVolumeShapeMismatch reports whole and sub maps that do not share a
// grid and voxel size.
var ErrVolumeShapeMismatch = errors.New("subtract: whole and sub maps do not share a grid")

// Tap receives each written result with its 1-based index inside the
// current stack. Called from the writer goroutine, in output order.
type Tap func(local int, stackPath string, res *Result)

// Options configures one subtraction pass.
type Options struct {
	InputStar  string
	WholeMap   string
	SubMap     string
	OutputStar string // ".star" is appended when missing
	StackBase  string // stack path prefix, ".mrc"/".mrcs" stripped

	Workers     int
	ChunkCap    int // largest index range handed to one worker
	MaxPerStack int // frames per stack before rotating to a new file

	LowCutoff  float64 // fraction of the spectrum corner frequency
	HighCutoff float64
	Direct     bool // plain subtraction instead of per-ring scaling

	Recenter     bool // move origins onto the remaining density
	KeepOriginal bool // write input particles next to subtracted ones

	Tap Tap
}

// Event is a progress notification from a running pass.
type Event struct {
	Stage     string    `json:"stage"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Stack     string    `json:"stack,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StackInfo records one finalized output stack.
type StackInfo struct {
	Path   string
	Frames int
}

// RunStats summarizes a completed pass.
type RunStats struct {
	Particles int
	Stacks    []StackInfo
	Recenter  geom.Vec3
	Duration  time.Duration
}

// Runner executes subtraction passes and broadcasts progress events to
// subscribers.
type Runner struct {
	log *slog.Logger

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// NewRunner creates a runner logging through the given logger.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a progress listener. The returned function removes
// the subscription and closes the channel.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, 64)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
}

func (r *Runner) broadcast(ev Event) {
	ev.Timestamp = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn("event subscriber full, dropping event", "subscriber", id, "stage", ev.Stage)
		}
	}
}

// Run executes one pass. Workers process particles concurrently; results
// are reassembled and written in input order, so row k of the output table
// always describes frame k%MaxPerStack+1 of its stack.
func (r *Runner) Run(ctx context.Context, opts Options) (*RunStats, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table, err := relion.Read(opts.InputStar)
	if err != nil {
		return nil, fmt.Errorf("read particle table: %w", err)
	}
	if err := table.Require(relion.ParticleLabels...); err != nil {
		return nil, err
	}
	total := len(table.Rows)
	if total == 0 {
		return nil, fmt.Errorf("%s: table has no particles", opts.InputStar)
	}

	whole, err := mrc.ReadVolume(opts.WholeMap)
	if err != nil {
		return nil, fmt.Errorf("read whole map: %w", err)
	}
	sub, err := mrc.ReadVolume(opts.SubMap)
	if err != nil {
		return nil, fmt.Errorf("read sub map: %w", err)
	}
	if !whole.SameShape(sub) {
		return nil, fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d", ErrVolumeShapeMismatch,
			whole.Nx, whole.Ny, whole.Nz, sub.Nx, sub.Ny, sub.Nz)
	}
	if math.Abs(whole.Apix-sub.Apix) > 1e-3 {
		return nil, fmt.Errorf("%w: voxel size %.4f vs %.4f", ErrVolumeShapeMismatch, whole.Apix, sub.Apix)
	}
	if opts.LowCutoff < 0 || opts.HighCutoff > 1 || opts.LowCutoff > opts.HighCutoff {
		return nil, fmt.Errorf("bad frequency band [%v, %v]", opts.LowCutoff, opts.HighCutoff)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	chunkCap := opts.ChunkCap
	if chunkCap < 1 {
		chunkCap = defaultChunkCap
	}
	chunk := total / workers
	if chunk > chunkCap {
		chunk = chunkCap
	}
	if chunk < 1 {
		chunk = 1
	}

	var recenter *geom.Vec3
	if opts.Recenter {
		v := RecenterVector(whole, sub)
		recenter = &v
		r.log.Info("recentering on remaining density",
			"dx", fmt.Sprintf("%.3f", v.X),
			"dy", fmt.Sprintf("%.3f", v.Y),
			"dz", fmt.Sprintf("%.3f", v.Z))
	}

	sink, err := newStackSink(table, opts, total, r)
	if err != nil {
		return nil, err
	}

	r.log.Info("subtraction pass starting",
		"particles", total, "workers", workers, "chunk", chunk,
		"direct", opts.Direct, "recenter", opts.Recenter)
	r.broadcast(Event{Stage: "start", Total: total})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	jobs := make(chan [2]int, workers)
	results := make(chan outcome, workers*2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case span, ok := <-jobs:
					if !ok {
						return
					}
					for i := span[0]; i < span[1]; i++ {
						res, err := processOne(table, i, whole, sub, recenter, opts)
						select {
						case results <- outcome{res: res, err: err}:
						case <-runCtx.Done():
							return
						}
						if err != nil {
							return
						}
					}
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for lo := 0; lo < total; lo += chunk {
			hi := lo + chunk
			if hi > total {
				hi = total
			}
			select {
			case jobs <- [2]int{lo, hi}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]*Result)
	next := 0
	var failure error
	for oc := range results {
		if failure != nil {
			continue
		}
		if oc.err != nil {
			failure = oc.err
			cancel()
			continue
		}
		pending[oc.res.Index] = oc.res
		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if err := sink.write(res, next); err != nil {
				failure = err
				cancel()
				break
			}
			next++
		}
	}
	if failure == nil && next != total {
		if err := runCtx.Err(); err != nil {
			failure = err
		} else {
			failure = fmt.Errorf("internal: writer stopped at particle %d of %d", next, total)
		}
	}

	if err := sink.close(failure == nil); failure == nil {
		failure = err
	}
	if failure != nil {
		r.log.Error("subtraction pass failed", "error", failure, "written", next, "total", total)
		r.broadcast(Event{Stage: "error", Index: next, Total: total, Message: failure.Error()})
		return nil, failure
	}

	stats := &RunStats{
		Particles: total,
		Stacks:    sink.stacks,
		Duration:  time.Since(start),
	}
	if recenter != nil {
		stats.Recenter = *recenter
	}
	r.log.Info("subtraction pass complete",
		"particles", stats.Particles, "stacks", len(stats.Stacks),
		"duration", stats.Duration.Round(time.Millisecond))
	r.broadcast(Event{Stage: "done", Index: total, Total: total})
	return stats, nil
}

// processOne builds both reference projections for particle i, removes the
// scaled sub projection and, when recentering, moves the stored origin onto
// the remaining density. Projections use the origin as read; the shift only
// affects the written metadata.
func processOne(table *relion.Table, i int, whole, sub *frame.Volume, recenter *geom.Vec3, opts Options) (*Result, error) {
	rec, err := table.Record(i)
	if err != nil {
		return nil, err
	}
	d, err := ctf.Synthesize(rec.DefocusMean, rec.AstigDiff, rec.AstigAngle,
		rec.Voltage, rec.Cs, rec.Apix, rec.BFactor, rec.AmpContrast)
	if err != nil {
		return nil, fmt.Errorf("particle %d: %w", i, err)
	}

	ptcl, err := mrc.ReadFrame(rec.SourcePath, rec.FrameIndex)
	if err != nil {
		return nil, fmt.Errorf("particle %d: %w", i, err)
	}
	if ptcl.Nx != whole.Nx || ptcl.Ny != whole.Ny {
		return nil, fmt.Errorf("particle %d is %dx%d, maps are %dx%d: %w",
			i, ptcl.Nx, ptcl.Ny, whole.Nx, whole.Ny, ErrIncompatibleShapes)
	}

	wholeProj := MakeProjection(whole, rec, d)
	subProj := MakeProjection(sub, rec, d)

	var raw *frame.Image
	if opts.Direct {
		raw, err = Direct(ptcl, subProj)
	} else {
		raw, err = Optimal(ptcl, wholeProj, subProj, opts.LowCutoff, opts.HighCutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("particle %d: %w", i, err)
	}

	if recenter != nil {
		shift := geom.Apply(geom.EulerMatrix(rec.Rot, rec.Tilt, rec.Psi), *recenter)
		rec.OriginX += shift.X
		rec.OriginY += shift.Y
	}

	return &Result{
		Index:     i,
		Meta:      rec,
		Particle:  ptcl,
		WholeProj: wholeProj,
		SubProj:   subProj,
		RawSub:    raw,
		NormSub:   frame.Normalize(raw),
	}, nil
}
