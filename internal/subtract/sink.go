package subtract

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AmazonRF/pyem/internal/mrc"
	"github.com/AmazonRF/pyem/internal/relion"
)

// stackSink owns the output star file and the rotating image stacks. All
// methods run on the writer goroutine, in particle order.
type stackSink struct {
	table  *relion.Table
	runner *Runner

	total       int
	maxPerStack int
	keepOrig    bool
	recenter    bool
	tap         Tap

	starPath string
	starFile *os.File
	starBuf  *bufio.Writer
	starDir  string

	stackBase string
	nfile     int
	subW      *mrc.StackWriter
	origW     *mrc.StackWriter
	relPath   string // current stack path as referenced from the star file
	stacks    []StackInfo
}

func newStackSink(table *relion.Table, opts Options, total int, runner *Runner) (*stackSink, error) {
	outBase := strings.TrimSuffix(opts.OutputStar, ".star")
	if outBase == "" {
		return nil, fmt.Errorf("output star path is empty")
	}
	stackBase := strings.TrimSuffix(strings.TrimSuffix(opts.StackBase, ".mrcs"), ".mrc")
	if stackBase == "" {
		return nil, fmt.Errorf("stack base path is empty")
	}
	starPath := outBase + ".star"

	f, err := os.Create(starPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", starPath, err)
	}
	buf := bufio.NewWriter(f)
	if err := table.WriteHeader(buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", starPath, err)
	}

	maxPart := opts.MaxPerStack
	if maxPart <= 0 {
		maxPart = defaultMaxPerStack
	}
	return &stackSink{
		table:       table,
		runner:      runner,
		total:       total,
		maxPerStack: maxPart,
		keepOrig:    opts.KeepOriginal,
		recenter:    opts.Recenter,
		tap:         opts.Tap,
		starPath:    starPath,
		starFile:    f,
		starBuf:     buf,
		starDir:     filepath.Dir(starPath),
		stackBase:   stackBase,
	}, nil
}

func (s *stackSink) write(res *Result, pos int) error {
	if res.Meta.Index != pos {
		return fmt.Errorf("internal: particle %d surfaced at output position %d", res.Meta.Index, pos)
	}
	if pos%s.maxPerStack == 0 {
		if err := s.rotate(res); err != nil {
			return err
		}
	}

	if err := s.subW.Append(res.NormSub); err != nil {
		return err
	}
	if s.origW != nil {
		if err := s.origW.Append(res.Particle); err != nil {
			return err
		}
	}

	local := pos%s.maxPerStack + 1
	patches := map[string]string{
		relion.LabelImageName: relion.FormatImageRef(local, s.relPath),
	}
	if s.recenter {
		patches[relion.LabelOriginX] = strconv.FormatFloat(res.Meta.OriginX, 'f', 6, 64)
		patches[relion.LabelOriginY] = strconv.FormatFloat(res.Meta.OriginY, 'f', 6, 64)
	}
	row, err := s.table.PatchedRow(pos, patches)
	if err != nil {
		return err
	}
	if err := relion.WriteRow(s.starBuf, row); err != nil {
		return fmt.Errorf("write %s: %w", s.starPath, err)
	}

	if s.tap != nil {
		s.tap(local, s.subW.Path(), res)
	}
	if done := pos + 1; done%progressEvery == 0 || done == s.total {
		s.runner.log.Info("particles written", "done", done, "total", s.total)
		s.runner.broadcast(Event{Stage: "progress", Index: done, Total: s.total})
	}
	return nil
}

// rotate finalizes the stacks in flight and opens the next pair, using the
// first frame of the new stack for the pixel dimensions.
func (s *stackSink) rotate(res *Result) error {
	if err := s.closeStacks(); err != nil {
		return err
	}
	s.nfile++
	subPath := fmt.Sprintf("%s_%d.mrcs", s.stackBase, s.nfile)
	origPath := fmt.Sprintf("%s_%d_original.mrcs", s.stackBase, s.nfile)

	// Stale files from an earlier pass must not survive next to fresh ones.
	for _, p := range []string{subPath, origPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %s: %w", p, err)
		}
	}

	im := res.NormSub
	w, err := mrc.NewStackWriter(subPath, im.Nx, im.Ny, im.Apix)
	if err != nil {
		return err
	}
	s.subW = w
	if s.keepOrig {
		ow, err := mrc.NewStackWriter(origPath, im.Nx, im.Ny, im.Apix)
		if err != nil {
			s.subW.Close()
			s.subW = nil
			return err
		}
		s.origW = ow
	}

	rel, err := filepath.Rel(s.starDir, subPath)
	if err != nil {
		rel = subPath
	}
	s.relPath = rel

	s.runner.log.Info("opened stack", "path", subPath, "with_original", s.keepOrig)
	s.runner.broadcast(Event{Stage: "stack", Index: s.nfile, Total: s.total, Stack: subPath})
	return nil
}

func (s *stackSink) closeStacks() error {
	var firstErr error
	if s.subW != nil {
		s.stacks = append(s.stacks, StackInfo{Path: s.subW.Path(), Frames: s.subW.Count()})
		if err := s.subW.Close(); err != nil {
			firstErr = err
		}
		s.subW = nil
	}
	if s.origW != nil {
		if err := s.origW.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.origW = nil
	}
	return firstErr
}

// close finalizes everything. On failure the outputs are closed for cleanup
// but their errors are secondary to the failure that got us here.
func (s *stackSink) close(success bool) error {
	stackErr := s.closeStacks()
	if !success {
		s.starBuf.Flush()
		s.starFile.Close()
		return stackErr
	}
	if err := s.starBuf.Flush(); err != nil {
		s.starFile.Close()
		return fmt.Errorf("write %s: %w", s.starPath, err)
	}
	if err := s.starFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.starPath, err)
	}
	return stackErr
}
