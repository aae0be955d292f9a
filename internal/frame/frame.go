package frame

import "math"

// Image is a 2D float32 grid with a physical pixel size in angstroms per
// pixel. Data is row-major with x fastest, matching MRC section order. The
// geometric center used by projection and filtering is pixel (Nx/2, Ny/2).
type Image struct {
	Nx, Ny int
	Apix   float64
	Data   []float32
}

// NewImage allocates a zero-filled image.
func NewImage(nx, ny int, apix float64) *Image {
	return &Image{Nx: nx, Ny: ny, Apix: apix, Data: make([]float32, nx*ny)}
}

func (im *Image) At(x, y int) float32     { return im.Data[y*im.Nx+x] }
func (im *Image) Set(x, y int, v float32) { im.Data[y*im.Nx+x] = v }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := NewImage(im.Nx, im.Ny, im.Apix)
	copy(out.Data, im.Data)
	return out
}

// SameShape reports whether both images have identical pixel dimensions.
func (im *Image) SameShape(o *Image) bool {
	return im.Nx == o.Nx && im.Ny == o.Ny
}

// Volume is a 3D float32 scalar field with a voxel size in angstroms.
// Data is section-major: x fastest, then y, then z. The center convention
// for projections and centers of mass is voxel (Nx/2, Ny/2, Nz/2).
type Volume struct {
	Nx, Ny, Nz int
	Apix       float64
	Data       []float32
}

// NewVolume allocates a zero-filled volume.
func NewVolume(nx, ny, nz int, apix float64) *Volume {
	return &Volume{Nx: nx, Ny: ny, Nz: nz, Apix: apix, Data: make([]float32, nx*ny*nz)}
}

func (v *Volume) At(x, y, z int) float32 { return v.Data[(z*v.Ny+y)*v.Nx+x] }

func (v *Volume) Set(x, y, z int, val float32) { v.Data[(z*v.Ny+y)*v.Nx+x] = val }

// SameShape reports whether both volumes share grid dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// Interp samples the volume at a fractional grid position by trilinear
// interpolation. Positions outside the grid contribute zero.
func (v *Volume) Interp(x, y, z float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var sum float64
	for dz := 0; dz <= 1; dz++ {
		zi := z0 + dz
		if zi < 0 || zi >= v.Nz {
			continue
		}
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		for dy := 0; dy <= 1; dy++ {
			yi := y0 + dy
			if yi < 0 || yi >= v.Ny {
				continue
			}
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			for dx := 0; dx <= 1; dx++ {
				xi := x0 + dx
				if xi < 0 || xi >= v.Nx {
					continue
				}
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				sum += wz * wy * wx * float64(v.Data[(zi*v.Ny+yi)*v.Nx+xi])
			}
		}
	}
	return sum
}

// PhaseCenter returns the phase approximation to the center of gravity as an
// offset from the volume center, one component per axis. Each component is
// the circular mean of the density along its axis, wrapped to half the axis
// length, so a density concentrated at the box center yields near-zero
// offsets and an empty volume yields exactly zero.
func (v *Volume) PhaseCenter() (cx, cy, cz float64) {
	cosX, sinX := phaseTable(v.Nx)
	cosY, sinY := phaseTable(v.Ny)
	cosZ, sinZ := phaseTable(v.Nz)

	var xr, xi, yr, yi, zr, zi float64
	idx := 0
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				val := float64(v.Data[idx])
				idx++
				if val == 0 {
					continue
				}
				xr += val * cosX[x]
				xi += val * sinX[x]
				yr += val * cosY[y]
				yi += val * sinY[y]
				zr += val * cosZ[z]
				zi += val * sinZ[z]
			}
		}
	}

	cx = float64(v.Nx) * math.Atan2(xi, xr) / (2 * math.Pi)
	cy = float64(v.Ny) * math.Atan2(yi, yr) / (2 * math.Pi)
	cz = float64(v.Nz) * math.Atan2(zi, zr) / (2 * math.Pi)
	return cx, cy, cz
}

// phaseTable builds per-index phase factors measured from the center index
// n/2, keeping the circular mean stable for center-heavy densities.
func phaseTable(n int) (cos, sin []float64) {
	cos = make([]float64, n)
	sin = make([]float64, n)
	for i := 0; i < n; i++ {
		phi := 2 * math.Pi * float64(i-n/2) / float64(n)
		cos[i] = math.Cos(phi)
		sin[i] = math.Sin(phi)
	}
	return cos, sin
}
