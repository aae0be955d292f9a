package frame

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT2 returns the unnormalized 2D discrete Fourier transform of the image
// as a row-major complex grid with the image's stride. Rows are transformed
// first, then columns, so the inverse must divide by Nx*Ny.
func FFT2(im *Image) []complex128 {
	spec := make([]complex128, len(im.Data))
	for i, v := range im.Data {
		spec[i] = complex(float64(v), 0)
	}
	fft2(spec, im.Nx, im.Ny, true)
	return spec
}

// IFFT2Real inverts a spectrum produced by FFT2 and returns the real part as
// a new image, dividing out the Nx*Ny factor of the unnormalized pair. The
// input spectrum is left untouched.
func IFFT2Real(spec []complex128, nx, ny int, apix float64) *Image {
	buf := make([]complex128, len(spec))
	copy(buf, spec)
	fft2(buf, nx, ny, false)

	out := NewImage(nx, ny, apix)
	scale := 1 / float64(nx*ny)
	for i, c := range buf {
		out.Data[i] = float32(real(c) * scale)
	}
	return out
}

func fft2(a []complex128, nx, ny int, forward bool) {
	rowFFT := fourier.NewCmplxFFT(nx)
	for y := 0; y < ny; y++ {
		row := a[y*nx : (y+1)*nx]
		if forward {
			rowFFT.Coefficients(row, row)
		} else {
			rowFFT.Sequence(row, row)
		}
	}

	colFFT := fourier.NewCmplxFFT(ny)
	col := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			col[y] = a[y*nx+x]
		}
		if forward {
			colFFT.Coefficients(col, col)
		} else {
			colFFT.Sequence(col, col)
		}
		for y := 0; y < ny; y++ {
			a[y*nx+x] = col[y]
		}
	}
}

// FreqIndex maps a DFT bin index to its signed integer frequency, with the
// Nyquist bin of even lengths reported as +n/2.
func FreqIndex(i, n int) int {
	if i <= n/2 {
		return i
	}
	return i - n
}

// GaussianLowPass attenuates the image spectrum by exp(-s^2/(2c^2)) where s
// is the spatial frequency in 1/angstrom and c the cutoff. Used for preview
// rendering, not for subtraction itself.
func GaussianLowPass(im *Image, cutoff float64) *Image {
	if cutoff <= 0 {
		return im.Clone()
	}
	spec := FFT2(im)
	inv2c2 := 1 / (2 * cutoff * cutoff)
	for y := 0; y < im.Ny; y++ {
		sy := float64(FreqIndex(y, im.Ny)) / (float64(im.Ny) * im.Apix)
		for x := 0; x < im.Nx; x++ {
			sx := float64(FreqIndex(x, im.Nx)) / (float64(im.Nx) * im.Apix)
			s2 := sx*sx + sy*sy
			spec[y*im.Nx+x] *= complex(math.Exp(-s2*inv2c2), 0)
		}
	}
	return IFFT2Real(spec, im.Nx, im.Ny, im.Apix)
}
