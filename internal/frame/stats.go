package frame

import (
	"gonum.org/v1/gonum/stat"
)

// Normalize returns a copy of the image scaled to zero mean and unit
// population standard deviation. A constant image comes back all zero.
func Normalize(im *Image) *Image {
	vals := make([]float64, len(im.Data))
	for i, v := range im.Data {
		vals[i] = float64(v)
	}
	mean := stat.Mean(vals, nil)
	sigma := stat.PopStdDev(vals, nil)

	out := NewImage(im.Nx, im.Ny, im.Apix)
	if sigma == 0 {
		return out
	}
	for i, v := range vals {
		out.Data[i] = float32((v - mean) / sigma)
	}
	return out
}

// MinMax returns the smallest and largest pixel values. An empty image
// reports (0, 0).
func (im *Image) MinMax() (min, max float32) {
	if len(im.Data) == 0 {
		return 0, 0
	}
	min, max = im.Data[0], im.Data[0]
	for _, v := range im.Data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
