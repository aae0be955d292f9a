package subtract

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/AmazonRF/pyem/internal/frame"
)

// ErrIncompatibleShapes reports a particle image whose pixel dimensions do
// not match the projections built for it.
var ErrIncompatibleShapes = errors.New("subtract: particle and projection shapes differ")

// Optimal removes the sub projection from the particle with per-ring scale
// factors fitted against the whole-map reference projection.
//
// For each integer radius in Fourier space the scale is the least-squares
// ratio sum(Re(P * conj(R))) / sum(|R|^2) over the ring's bins. Cutoffs are
// fractions of the spectrum corner frequency; rings outside [lowCutoff,
// highCutoff] reuse the scale fitted at the nearest band edge, so a
// zero-width band degrades to one global ratio. Rings where the reference
// carries no power subtract nothing.
func Optimal(ptcl, ref, sub *frame.Image, lowCutoff, highCutoff float64) (*frame.Image, error) {
	if !ptcl.SameShape(ref) || !ptcl.SameShape(sub) {
		return nil, ErrIncompatibleShapes
	}
	nx, ny := ptcl.Nx, ptcl.Ny
	pf := frame.FFT2(ptcl)
	rf := frame.FFT2(ref)
	sf := frame.FFT2(sub)

	rmax := math.Hypot(float64(nx)/2, float64(ny)/2)
	nring := int(rmax) + 2
	num := make([]float64, nring)
	den := make([]float64, nring)
	rings := make([]int, len(pf))
	for y := 0; y < ny; y++ {
		ky := float64(frame.FreqIndex(y, ny))
		for x := 0; x < nx; x++ {
			i := y*nx + x
			kx := float64(frame.FreqIndex(x, nx))
			r := int(math.Round(math.Hypot(kx, ky)))
			rings[i] = r
			num[r] += real(pf[i] * cmplx.Conj(rf[i]))
			den[r] += real(rf[i] * cmplx.Conj(rf[i]))
		}
	}

	scale := make([]float64, nring)
	for r := range scale {
		if den[r] > 0 {
			scale[r] = num[r] / den[r]
		}
	}
	lo := ringIndex(lowCutoff, rmax, nring)
	hi := ringIndex(highCutoff, rmax, nring)
	if hi < lo {
		hi = lo
	}
	loScale, hiScale := scale[lo], scale[hi]
	for r := range scale {
		if r < lo {
			scale[r] = loScale
		} else if r > hi {
			scale[r] = hiScale
		}
	}

	out := make([]complex128, len(pf))
	for i := range pf {
		out[i] = pf[i] - complex(scale[rings[i]], 0)*sf[i]
	}
	return frame.IFFT2Real(out, nx, ny, ptcl.Apix), nil
}

func ringIndex(f, rmax float64, nring int) int {
	r := int(math.Round(f * rmax))
	if r < 0 {
		r = 0
	}
	if r >= nring {
		r = nring - 1
	}
	return r
}

// Direct removes the sub projection with no scaling at all, in real space.
func Direct(ptcl, sub *frame.Image) (*frame.Image, error) {
	if !ptcl.SameShape(sub) {
		return nil, ErrIncompatibleShapes
	}
	out := frame.NewImage(ptcl.Nx, ptcl.Ny, ptcl.Apix)
	for i := range ptcl.Data {
		out.Data[i] = ptcl.Data[i] - sub.Data[i]
	}
	return out, nil
}
