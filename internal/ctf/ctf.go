// Package ctf models the microscope contrast transfer function and applies
// it to images in the Fourier domain.
package ctf

import (
	"errors"
	"math"

	"github.com/AmazonRF/pyem/internal/frame"
)

// ErrInvalidParameters reports microscope parameters the transfer function
// cannot be evaluated with.
var ErrInvalidParameters = errors.New("ctf: voltage, pixel size and spherical aberration must be positive")

// Descriptor is a synthesized contrast transfer function. The sign follows
// the underfocus convention: positive defocus gives negative contrast at low
// frequency, so CTF(0) equals minus the amplitude contrast fraction.
type Descriptor struct {
	DefocusMean float64 // micrometers
	AstigDiff   float64 // micrometers, astigmatic difference
	AstigAngle  float64 // degrees
	Voltage     float64 // kV
	Cs          float64 // mm
	Apix        float64 // angstroms per pixel
	BFactor     float64 // angstroms^2
	AmpContrast float64 // percent

	lambda float64 // electron wavelength in angstroms
	amp    float64 // amplitude contrast as a fraction
	phase  float64 // sqrt(1 - amp^2)
}

// Synthesize validates the parameters and precomputes the relativistic
// electron wavelength.
func Synthesize(defocusMean, astigDiff, astigAngle, voltage, cs, apix, bFactor, ampContrast float64) (*Descriptor, error) {
	if voltage <= 0 || apix <= 0 || cs <= 0 {
		return nil, ErrInvalidParameters
	}
	d := &Descriptor{
		DefocusMean: defocusMean,
		AstigDiff:   astigDiff,
		AstigAngle:  astigAngle,
		Voltage:     voltage,
		Cs:          cs,
		Apix:        apix,
		BFactor:     bFactor,
		AmpContrast: ampContrast,
	}
	volts := voltage * 1e3
	d.lambda = 12.2643247 / math.Sqrt(volts*(1+volts*0.978466e-6))
	d.amp = ampContrast / 100
	d.phase = math.Sqrt(1 - d.amp*d.amp)
	return d, nil
}

// Eval returns the transfer function at spatial frequency (sx, sy) in
// 1/angstrom.
func (d *Descriptor) Eval(sx, sy float64) float64 {
	s2 := sx*sx + sy*sy
	theta := math.Atan2(sy, sx)

	df := 1e4 * (d.DefocusMean + 0.5*d.AstigDiff*math.Cos(2*(theta-d.AstigAngle*math.Pi/180)))
	csA := d.Cs * 1e7
	chi := math.Pi*d.lambda*df*s2 - 0.5*math.Pi*csA*d.lambda*d.lambda*d.lambda*s2*s2

	v := -(d.phase*math.Sin(chi) + d.amp*math.Cos(chi))
	if d.BFactor > 0 {
		v *= math.Exp(-d.BFactor * s2 / 4)
	}
	return v
}

// Apply multiplies the image spectrum by the transfer function and returns
// the filtered image. Frequencies are taken from the descriptor's pixel
// size, not the image's.
func Apply(im *frame.Image, d *Descriptor) *frame.Image {
	spec := frame.FFT2(im)
	for y := 0; y < im.Ny; y++ {
		sy := float64(frame.FreqIndex(y, im.Ny)) / (float64(im.Ny) * d.Apix)
		for x := 0; x < im.Nx; x++ {
			sx := float64(frame.FreqIndex(x, im.Nx)) / (float64(im.Nx) * d.Apix)
			spec[y*im.Nx+x] *= complex(d.Eval(sx, sy), 0)
		}
	}
	return frame.IFFT2Real(spec, im.Nx, im.Ny, im.Apix)
}
