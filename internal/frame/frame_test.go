package frame

import (
	"math"
	"math/rand"
	"testing"
)

func randomImage(nx, ny int, seed int64) *Image {
	rng := rand.New(rand.NewSource(seed))
	im := NewImage(nx, ny, 1.0)
	for i := range im.Data {
		im.Data[i] = float32(rng.NormFloat64())
	}
	return im
}

func TestFFTRoundTrip(t *testing.T) {
	im := randomImage(16, 12, 7)
	spec := FFT2(im)
	back := IFFT2Real(spec, im.Nx, im.Ny, im.Apix)

	for i := range im.Data {
		if diff := math.Abs(float64(im.Data[i] - back.Data[i])); diff > 1e-5 {
			t.Fatalf("pixel %d: got %v want %v (diff %v)", i, back.Data[i], im.Data[i], diff)
		}
	}
}

func TestFFTDCTerm(t *testing.T) {
	im := randomImage(8, 8, 3)
	var sum float64
	for _, v := range im.Data {
		sum += float64(v)
	}
	spec := FFT2(im)
	if diff := math.Abs(real(spec[0]) - sum); diff > 1e-9 {
		t.Errorf("DC term %v, want pixel sum %v", real(spec[0]), sum)
	}
	if math.Abs(imag(spec[0])) > 1e-9 {
		t.Errorf("DC term has imaginary part %v", imag(spec[0]))
	}
}

func TestFreqIndex(t *testing.T) {
	cases := []struct {
		i, n, want int
	}{
		{0, 8, 0},
		{1, 8, 1},
		{4, 8, 4},
		{5, 8, -3},
		{7, 8, -1},
		{0, 7, 0},
		{3, 7, 3},
		{4, 7, -3},
	}
	for _, c := range cases {
		if got := FreqIndex(c.i, c.n); got != c.want {
			t.Errorf("FreqIndex(%d, %d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}

func TestInterp(t *testing.T) {
	v := NewVolume(4, 4, 4, 1.0)
	v.Set(1, 2, 3, 8)
	v.Set(2, 2, 3, 4)

	t.Run("exact voxel", func(t *testing.T) {
		if got := v.Interp(1, 2, 3); got != 8 {
			t.Errorf("got %v, want 8", got)
		}
	})
	t.Run("midpoint", func(t *testing.T) {
		if got := v.Interp(1.5, 2, 3); math.Abs(got-6) > 1e-12 {
			t.Errorf("got %v, want 6", got)
		}
	})
	t.Run("outside", func(t *testing.T) {
		if got := v.Interp(-2, 0, 0); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
		if got := v.Interp(0, 0, 5.5); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})
}

func TestNormalize(t *testing.T) {
	im := randomImage(10, 10, 11)
	for i := range im.Data {
		im.Data[i] = im.Data[i]*3 + 2
	}
	norm := Normalize(im)

	var sum, sum2 float64
	for _, v := range norm.Data {
		sum += float64(v)
		sum2 += float64(v) * float64(v)
	}
	n := float64(len(norm.Data))
	mean := sum / n
	variance := sum2/n - mean*mean
	if math.Abs(mean) > 1e-6 {
		t.Errorf("mean %v, want 0", mean)
	}
	if math.Abs(variance-1) > 1e-5 {
		t.Errorf("variance %v, want 1", variance)
	}
}

func TestNormalizeConstant(t *testing.T) {
	im := NewImage(6, 6, 1.0)
	for i := range im.Data {
		im.Data[i] = 5
	}
	norm := Normalize(im)
	for i, v := range norm.Data {
		if v != 0 {
			t.Fatalf("pixel %d: got %v, want 0", i, v)
		}
	}
}

func TestPhaseCenter(t *testing.T) {
	t.Run("empty volume", func(t *testing.T) {
		v := NewVolume(8, 8, 8, 1.0)
		cx, cy, cz := v.PhaseCenter()
		if cx != 0 || cy != 0 || cz != 0 {
			t.Errorf("got (%v, %v, %v), want zeros", cx, cy, cz)
		}
	})
	t.Run("point mass off center", func(t *testing.T) {
		v := NewVolume(16, 16, 16, 1.0)
		v.Set(10, 8, 7, 1) // center is (8, 8, 8)
		cx, cy, cz := v.PhaseCenter()
		if math.Abs(cx-2) > 1e-9 || math.Abs(cy) > 1e-9 || math.Abs(cz+1) > 1e-9 {
			t.Errorf("got (%v, %v, %v), want (2, 0, -1)", cx, cy, cz)
		}
	})
}

func TestGaussianLowPass(t *testing.T) {
	im := randomImage(16, 16, 5)

	t.Run("preserves mean", func(t *testing.T) {
		out := GaussianLowPass(im, 0.05)
		var want, got float64
		for i := range im.Data {
			want += float64(im.Data[i])
			got += float64(out.Data[i])
		}
		if math.Abs(want-got) > 1e-4 {
			t.Errorf("pixel sum changed from %v to %v", want, got)
		}
	})
	t.Run("non-positive cutoff copies", func(t *testing.T) {
		out := GaussianLowPass(im, 0)
		for i := range im.Data {
			if out.Data[i] != im.Data[i] {
				t.Fatalf("pixel %d changed", i)
			}
		}
	})
}

func TestMinMax(t *testing.T) {
	im := NewImage(3, 2, 1.0)
	copy(im.Data, []float32{1, -4, 2, 0, 9, 3})
	min, max := im.MinMax()
	if min != -4 || max != 9 {
		t.Errorf("got (%v, %v), want (-4, 9)", min, max)
	}
}
