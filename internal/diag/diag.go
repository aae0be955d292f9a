// Package diag exports PNG previews of subtraction intermediates so a run
// can be eyeballed without opening the MRC stacks. Export failures are
// logged and never interrupt processing.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/subtract"
)

// lowpassCutoff softens the preview of the subtracted particle; raw
// subtractions are dominated by shot noise.
const lowpassCutoff = 0.15

// Exporter writes grayscale previews into a directory. A nil Exporter is
// a valid no-op.
type Exporter struct {
	dir string
	log *slog.Logger
}

// NewExporter creates the preview directory if needed.
func NewExporter(dir string, log *slog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create preview directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{dir: dir, log: log}, nil
}

// Snapshot renders previews of every stage of one particle's subtraction.
func (e *Exporter) Snapshot(index int, res *subtract.Result) {
	if e == nil || res == nil {
		return
	}

	stages := []struct {
		name string
		im   *frame.Image
	}{
		{"particle", res.Particle},
		{"projection", res.WholeProj},
		{"projection_sub", res.SubProj},
		{"subtracted", res.RawSub},
	}
	if res.NormSub != nil {
		stages = append(stages, struct {
			name string
			im   *frame.Image
		}{"lowpass", frame.GaussianLowPass(res.NormSub, lowpassCutoff)})
	}

	for _, stage := range stages {
		if stage.im == nil {
			continue
		}
		path := filepath.Join(e.dir, fmt.Sprintf("diag_%06d_%s.png", index+1, stage.name))
		if err := writePNG(path, stage.im); err != nil {
			e.log.Warn("diagnostic export failed", "path", path, "error", err)
		}
	}
}

func writePNG(path string, im *frame.Image) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(im.Nx), uint(im.Ny), "I", imagick.PIXEL_FLOAT, grayPixels(im)); err != nil {
		return fmt.Errorf("constitute preview: %v", err)
	}
	mw.SetImageFormat("PNG")
	mw.SetImageDepth(8)

	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write preview: %v", err)
	}
	return nil
}

// grayPixels rescales the image to [0, 1] intensities. A flat image maps
// to mid gray.
func grayPixels(im *frame.Image) []float64 {
	min, max := im.MinMax()
	pixels := make([]float64, len(im.Data))
	if max == min {
		for i := range pixels {
			pixels[i] = 0.5
		}
		return pixels
	}
	scale := 1.0 / float64(max-min)
	for i, v := range im.Data {
		pixels[i] = float64(v-min) * scale
	}
	return pixels
}
