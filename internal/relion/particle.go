package relion

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column labels consumed or rewritten by the pipeline.
const (
	LabelImageName           = "rlnImageName"
	LabelAngleRot            = "rlnAngleRot"
	LabelAngleTilt           = "rlnAngleTilt"
	LabelAnglePsi            = "rlnAnglePsi"
	LabelOriginX             = "rlnOriginX"
	LabelOriginY             = "rlnOriginY"
	LabelDefocusU            = "rlnDefocusU"
	LabelDefocusV            = "rlnDefocusV"
	LabelDefocusAngle        = "rlnDefocusAngle"
	LabelVoltage             = "rlnVoltage"
	LabelSphericalAberration = "rlnSphericalAberration"
	LabelAmplitudeContrast   = "rlnAmplitudeContrast"
	LabelDetectorPixelSize   = "rlnDetectorPixelSize"
	LabelMagnification       = "rlnMagnification"
)

// ParticleLabels are the columns a subtraction pass requires.
var ParticleLabels = []string{
	LabelImageName,
	LabelAngleRot, LabelAngleTilt, LabelAnglePsi,
	LabelOriginX, LabelOriginY,
	LabelDefocusU, LabelDefocusV, LabelDefocusAngle,
	LabelVoltage, LabelSphericalAberration, LabelAmplitudeContrast,
	LabelDetectorPixelSize, LabelMagnification,
}

// ParticleRecord carries one particle's orientation, translation, image
// location and microscope parameters, with the contrast transfer quantities
// already converted to the units the CTF model expects.
type ParticleRecord struct {
	Index int

	Rot, Tilt, Psi   float64 // degrees
	OriginX, OriginY float64 // pixels

	FrameIndex int // 0-based section in SourcePath
	SourcePath string

	DefocusMean float64 // micrometers, (U+V)/2
	AstigDiff   float64 // micrometers, U-V
	AstigAngle  float64 // degrees, 90 - rlnDefocusAngle
	Voltage     float64 // kV
	Cs          float64 // mm
	Apix        float64 // angstroms per pixel
	AmpContrast float64 // percent
	BFactor     float64 // angstroms^2, zero for extracted particles
}

// ParseImageRef splits a "000042@path/stack.mrcs" reference into a 0-based
// frame index and a path. A bare path means the first frame.
func ParseImageRef(ref string) (int, string, error) {
	at := strings.Index(ref, "@")
	if at < 0 {
		return 0, ref, nil
	}
	n, err := strconv.Atoi(ref[:at])
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("bad image reference %q", ref)
	}
	return n - 1, ref[at+1:], nil
}

// FormatImageRef builds a reference from a 1-based frame number and a path.
func FormatImageRef(n int, path string) string {
	return fmt.Sprintf("%06d@%s", n, path)
}

// Record extracts the i'th particle. Relative image paths are kept as
// written when they resolve from the working directory, otherwise they are
// resolved against the table's source directory.
func (t *Table) Record(i int) (*ParticleRecord, error) {
	ref, err := t.Value(i, LabelImageName)
	if err != nil {
		return nil, err
	}
	frameIdx, path, err := ParseImageRef(ref)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", i, err)
	}
	if !filepath.IsAbs(path) && t.Dir != "" {
		if _, statErr := os.Stat(path); statErr != nil {
			if joined := filepath.Join(t.Dir, path); fileExists(joined) {
				path = joined
			}
		}
	}

	rec := &ParticleRecord{Index: i, FrameIndex: frameIdx, SourcePath: path}

	fields := []struct {
		label string
		dst   *float64
	}{
		{LabelAngleRot, &rec.Rot},
		{LabelAngleTilt, &rec.Tilt},
		{LabelAnglePsi, &rec.Psi},
		{LabelOriginX, &rec.OriginX},
		{LabelOriginY, &rec.OriginY},
		{LabelVoltage, &rec.Voltage},
		{LabelSphericalAberration, &rec.Cs},
	}
	for _, f := range fields {
		if *f.dst, err = t.Float(i, f.label); err != nil {
			return nil, err
		}
	}

	dU, err := t.Float(i, LabelDefocusU)
	if err != nil {
		return nil, err
	}
	dV, err := t.Float(i, LabelDefocusV)
	if err != nil {
		return nil, err
	}
	dAng, err := t.Float(i, LabelDefocusAngle)
	if err != nil {
		return nil, err
	}
	ac, err := t.Float(i, LabelAmplitudeContrast)
	if err != nil {
		return nil, err
	}
	dpix, err := t.Float(i, LabelDetectorPixelSize)
	if err != nil {
		return nil, err
	}
	mag, err := t.Float(i, LabelMagnification)
	if err != nil {
		return nil, err
	}
	if mag <= 0 {
		return nil, fmt.Errorf("row %d: magnification %v is not positive", i, mag)
	}

	// Defocus values arrive in angstroms; the CTF model wants micrometers
	// and the astigmatism angle measured from the other axis.
	rec.DefocusMean = (dU + dV) / 20000
	rec.AstigDiff = (dU - dV) / 10000
	rec.AstigAngle = 90 - dAng
	rec.AmpContrast = ac * 100
	rec.Apix = 1e4 * dpix / mag
	return rec, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
