// Package subtract generates CTF-matched reference projections of density
// maps and removes them from particle images with frequency-dependent
// scaling.
package subtract

import (
	"github.com/AmazonRF/pyem/internal/ctf"
	"github.com/AmazonRF/pyem/internal/frame"
	"github.com/AmazonRF/pyem/internal/geom"
	"github.com/AmazonRF/pyem/internal/relion"
)

// Project integrates the volume along the viewing axis defined by the ZYZ
// Euler angles, onto an image of the volume's XY extent. The stored particle
// translation is applied negated, so the projection lands where the aligned
// particle sits. Sampling is trilinear with zero outside the grid.
func Project(vol *frame.Volume, rot, tilt, psi, originX, originY float64) *frame.Image {
	r := geom.EulerMatrix(rot, tilt, psi)
	out := frame.NewImage(vol.Nx, vol.Ny, vol.Apix)

	cx := float64(vol.Nx / 2)
	cy := float64(vol.Ny / 2)
	cz := float64(vol.Nz / 2)
	center := geom.Vec3{X: cx, Y: cy, Z: cz}

	// Direction of one step along the viewing axis, in volume coordinates.
	step := geom.ApplyTranspose(r, geom.Vec3{Z: 1})

	for iy := 0; iy < vol.Ny; iy++ {
		py := float64(iy) - cy + originY
		for ix := 0; ix < vol.Nx; ix++ {
			px := float64(ix) - cx + originX

			base := geom.ApplyTranspose(r, geom.Vec3{X: px, Y: py}).Add(center)
			var sum float64
			for iz := 0; iz < vol.Nz; iz++ {
				t := float64(iz) - cz
				sum += vol.Interp(base.X+t*step.X, base.Y+t*step.Y, base.Z+t*step.Z)
			}
			out.Set(ix, iy, float32(sum))
		}
	}
	return out
}

// MakeProjection builds the CTF-filtered reference projection for one
// particle. Calling it with the whole map and with the sub map on the same
// record guarantees both projections share orientation, translation and
// transfer function.
func MakeProjection(vol *frame.Volume, rec *relion.ParticleRecord, d *ctf.Descriptor) *frame.Image {
	proj := Project(vol, rec.Rot, rec.Tilt, rec.Psi, rec.OriginX, rec.OriginY)
	return ctf.Apply(proj, d)
}
