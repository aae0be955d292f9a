package subtract

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/AmazonRF/pyem/internal/frame"
)

func noiseImage(nx, ny int, seed int64) *frame.Image {
	rng := rand.New(rand.NewSource(seed))
	im := frame.NewImage(nx, ny, 1.0)
	for i := range im.Data {
		im.Data[i] = float32(rng.NormFloat64())
	}
	return im
}

func TestOptimalRemovesScaledReference(t *testing.T) {
	ref := noiseImage(16, 16, 21)
	ptcl := frame.NewImage(16, 16, 1.0)
	for i := range ptcl.Data {
		ptcl.Data[i] = 2 * ref.Data[i]
	}

	for _, band := range [][2]float64{{0, 1}, {0.2, 0.6}} {
		out, err := Optimal(ptcl, ref, ref, band[0], band[1])
		if err != nil {
			t.Fatalf("band %v: %v", band, err)
		}
		for i, v := range out.Data {
			if math.Abs(float64(v)) > 1e-5 {
				t.Fatalf("band %v pixel %d: residual %v", band, i, v)
			}
		}
	}
}

func TestOptimalZeroWidthBandUsesGlobalRatio(t *testing.T) {
	flat := frame.NewImage(8, 8, 1.0)
	for i := range flat.Data {
		flat.Data[i] = 1
	}
	ptcl := frame.NewImage(8, 8, 1.0)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			checker := float32(1)
			if (x+y)%2 == 1 {
				checker = -1
			}
			ptcl.Set(x, y, 2+checker)
		}
	}

	// Band collapsed to the DC ring: every ring reuses the DC ratio of 2,
	// so twice the flat image disappears and the checkerboard survives.
	out, err := Optimal(ptcl, flat, flat, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := float64(1)
			if (x+y)%2 == 1 {
				want = -1
			}
			if got := float64(out.At(x, y)); math.Abs(got-want) > 1e-5 {
				t.Fatalf("pixel (%d,%d): got %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestOptimalZeroReferenceSubtractsNothing(t *testing.T) {
	ptcl := noiseImage(8, 8, 4)
	zero := frame.NewImage(8, 8, 1.0)

	out, err := Optimal(ptcl, zero, zero, 0, 0.7071)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Data {
		if math.Abs(float64(v-ptcl.Data[i])) > 1e-5 {
			t.Fatalf("pixel %d: got %v, want %v", i, v, ptcl.Data[i])
		}
	}
}

func TestOptimalShapeMismatch(t *testing.T) {
	a := frame.NewImage(8, 8, 1.0)
	b := frame.NewImage(8, 6, 1.0)
	if _, err := Optimal(a, b, a, 0, 1); !errors.Is(err, ErrIncompatibleShapes) {
		t.Errorf("ref mismatch: error = %v, want ErrIncompatibleShapes", err)
	}
	if _, err := Optimal(a, a, b, 0, 1); !errors.Is(err, ErrIncompatibleShapes) {
		t.Errorf("sub mismatch: error = %v, want ErrIncompatibleShapes", err)
	}
}

func TestDirect(t *testing.T) {
	ptcl := frame.NewImage(4, 4, 1.0)
	sub := frame.NewImage(4, 4, 1.0)
	for i := range ptcl.Data {
		ptcl.Data[i] = float32(i)
		sub.Data[i] = float32(i) / 2
	}

	out, err := Direct(ptcl, sub)
	if err != nil {
		t.Fatal(err)
	}
	for i := range out.Data {
		if out.Data[i] != ptcl.Data[i]-sub.Data[i] {
			t.Fatalf("pixel %d: got %v", i, out.Data[i])
		}
	}

	if _, err := Direct(ptcl, frame.NewImage(4, 5, 1.0)); !errors.Is(err, ErrIncompatibleShapes) {
		t.Errorf("error = %v, want ErrIncompatibleShapes", err)
	}
}

func TestDirectZeroSubIsIdentity(t *testing.T) {
	ptcl := noiseImage(8, 8, 9)
	out, err := Direct(ptcl, frame.NewImage(8, 8, 1.0))
	if err != nil {
		t.Fatal(err)
	}
	for i := range out.Data {
		if out.Data[i] != ptcl.Data[i] {
			t.Fatalf("pixel %d changed: %v vs %v", i, out.Data[i], ptcl.Data[i])
		}
	}
}
