package subtract

import (
	"math"
	"testing"

	"github.com/AmazonRF/pyem/internal/frame"
)

func TestRecenterVectorZeroSub(t *testing.T) {
	whole := frame.NewVolume(16, 16, 16, 1.0)
	whole.Set(11, 8, 8, 2)
	whole.Set(8, 5, 8, 1)
	sub := frame.NewVolume(16, 16, 16, 1.0)

	v := RecenterVector(whole, sub)
	if v.X != 0 || v.Y != 0 || v.Z != 0 {
		t.Errorf("got %+v, want exact zero vector", v)
	}
}

func TestRecenterVectorPointMasses(t *testing.T) {
	// Whole map: unit masses at the center and at +4 along x. Removing the
	// central mass leaves density at +4, so the recentering displacement is
	// center-of-mass(whole) - center-of-mass(remaining) = 2 - 4 = -2.
	whole := frame.NewVolume(16, 16, 16, 1.0)
	whole.Set(8, 8, 8, 1)
	whole.Set(12, 8, 8, 1)
	sub := frame.NewVolume(16, 16, 16, 1.0)
	sub.Set(8, 8, 8, 1)

	v := RecenterVector(whole, sub)
	if math.Abs(v.X+2) > 1e-9 || math.Abs(v.Y) > 1e-9 || math.Abs(v.Z) > 1e-9 {
		t.Errorf("got %+v, want (-2, 0, 0)", v)
	}
}
