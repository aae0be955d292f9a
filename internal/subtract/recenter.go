package subtract

import (
	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/geom"
)

// RecenterVector returns the displacement from the center of mass of the
// density that remains after subtraction to the center of mass of the whole
// map, in volume grid units. Masses are located with the phase
// approximation, so an empty difference contributes exactly zero.
//
// Rotating this vector by a particle's orientation matrix and adding it to
// the stored origin moves the particle's alignment center onto the remaining
// density.
func RecenterVector(whole, sub *frame.Volume) geom.Vec3 {
	diff := frame.NewVolume(whole.Nx, whole.Ny, whole.Nz, whole.Apix)
	for i := range diff.Data {
		diff.Data[i] = whole.Data[i] - sub.Data[i]
	}

	wx, wy, wz := whole.PhaseCenter()
	dx, dy, dz := diff.PhaseCenter()
	return geom.Vec3{X: wx - dx, Y: wy - dy, Z: wz - dz}
}
