// Package geom provides the rotation conventions used to orient density
// volumes: passive ZYZ Euler rotations in degrees, applied to 3-vectors.
package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a spatial vector in grid units.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v scaled by f.
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v.X * f, v.Y * f, v.Z * f}
}

// EulerMatrix builds the passive ZYZ rotation R = Rz(psi) * Ry(tilt) *
// Rz(rot) for angles in degrees. R maps reference-frame coordinates into
// the particle frame; its transpose maps image-plane coordinates back into
// the volume. All three angles zero give the identity.
func EulerMatrix(rot, tilt, psi float64) *mat.Dense {
	var ryRz, r mat.Dense
	ryRz.Mul(passiveRy(tilt*math.Pi/180), passiveRz(rot*math.Pi/180))
	r.Mul(passiveRz(psi*math.Pi/180), &ryRz)
	return &r
}

// Apply returns m * v.
func Apply(m *mat.Dense, v Vec3) Vec3 {
	return Vec3{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// ApplyTranspose returns m^T * v.
func ApplyTranspose(m *mat.Dense, v Vec3) Vec3 {
	return Vec3{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}

func passiveRz(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}

func passiveRy(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, -s,
		0, 1, 0,
		s, 0, c,
	})
}
