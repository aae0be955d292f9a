package mrc

import (
	"fmt"
	"math"
	"os"

	"github.com/AmazonRF/pyem/internal/frame"
)

// StackWriter streams float32 frames into a new image stack. The header is
// written as a placeholder up front and finalized on Close, once the frame
// count and density statistics are known. Any existing file at the path is
// truncated.
type StackWriter struct {
	f         *os.File
	path      string
	nx, ny    int
	apix      float64
	n         int
	min, max  float64
	sum, sum2 float64
}

// NewStackWriter opens a stack file for appending frames of the given shape.
func NewStackWriter(path string, nx, ny int, apix float64) (*StackWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: write header: %w", path, err)
	}
	return &StackWriter{
		f: f, path: path, nx: nx, ny: ny, apix: apix,
		min: math.Inf(1), max: math.Inf(-1),
	}, nil
}

// Append writes one frame to the end of the stack.
func (w *StackWriter) Append(im *frame.Image) error {
	if im.Nx != w.nx || im.Ny != w.ny {
		return fmt.Errorf("%s: frame is %dx%d, stack wants %dx%d", w.path, im.Nx, im.Ny, w.nx, w.ny)
	}
	for _, v := range im.Data {
		f := float64(v)
		if f < w.min {
			w.min = f
		}
		if f > w.max {
			w.max = f
		}
		w.sum += f
		w.sum2 += f * f
	}
	if err := writeFloat32(w.f, im.Data); err != nil {
		return fmt.Errorf("%s: append frame %d: %w", w.path, w.n, err)
	}
	w.n++
	return nil
}

// Count returns the number of frames appended so far.
func (w *StackWriter) Count() int { return w.n }

// Path returns the file path the writer was opened with.
func (w *StackWriter) Path() string { return w.path }

// Close finalizes the header and closes the file.
func (w *StackWriter) Close() error {
	apix := float32(w.apix)
	h := header{
		nx: int32(w.nx), ny: int32(w.ny), nz: int32(w.n),
		mode: ModeFloat32,
		mx:   int32(w.nx), my: int32(w.ny), mz: 1,
		cella: [3]float32{apix * float32(w.nx), apix * float32(w.ny), apix},
	}
	if w.n > 0 {
		count := float64(w.n) * float64(w.nx) * float64(w.ny)
		mean := w.sum / count
		variance := w.sum2/count - mean*mean
		if variance < 0 {
			variance = 0
		}
		h.dmin = float32(w.min)
		h.dmax = float32(w.max)
		h.dmean = float32(mean)
		h.rms = float32(math.Sqrt(variance))
	}

	_, werr := w.f.WriteAt(encodeHeader(h), 0)
	cerr := w.f.Close()
	if werr != nil {
		return fmt.Errorf("%s: finalize header: %w", w.path, werr)
	}
	return cerr
}
