// Package volume provides the diffusion image collaborator: an in-memory
// 4D volume with a voxel-to-scanner transform, and per-worker interpolators
// that sample it at arbitrary scanner positions.
package volume

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Volume is a 4D image: three spatial axes plus one value axis (diffusion
// volumes, SH coefficients, or a single mask channel). Data is stored with
// the value axis fastest, so one spatial location's values are contiguous.
type Volume struct {
	Nx, Ny, Nz, Nv int
	VoxelSize      [3]float32

	// Voxel-to-scanner affine (row-major 4x4); the inverse is derived at
	// construction.
	transform    [16]float64
	invTransform [16]float64

	Data []float32
}

// New creates a volume with the given dimensions and an axis-aligned
// transform scaled by the voxel sizes.
func New(nx, ny, nz, nv int, voxelSize [3]float32) *Volume {
	t := [16]float64{
		float64(voxelSize[0]), 0, 0, 0,
		0, float64(voxelSize[1]), 0, 0,
		0, 0, float64(voxelSize[2]), 0,
		0, 0, 0, 1,
	}
	v, err := NewWithTransform(nx, ny, nz, nv, voxelSize, t)
	if err != nil {
		panic(err) // the axis-aligned transform is always invertible
	}
	return v
}

// NewWithTransform creates a volume with an explicit voxel-to-scanner
// affine transform.
func NewWithTransform(nx, ny, nz, nv int, voxelSize [3]float32, transform [16]float64) (*Volume, error) {
	if nx < 1 || ny < 1 || nz < 1 || nv < 1 {
		return nil, fmt.Errorf("invalid volume dimensions %dx%dx%dx%d", nx, ny, nz, nv)
	}
	v := &Volume{
		Nx: nx, Ny: ny, Nz: nz, Nv: nv,
		VoxelSize: voxelSize,
		transform: transform,
		Data:      make([]float32, nx*ny*nz*nv),
	}
	m := mat.NewDense(4, 4, transform[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("voxel-to-scanner transform is singular: %w", err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v.invTransform[4*i+j] = inv.At(i, j)
		}
	}
	return v, nil
}

func (v *Volume) index(x, y, z, c int) int {
	return ((z*v.Ny+y)*v.Nx+x)*v.Nv + c
}

// At returns the value at integer voxel coordinates.
func (v *Volume) At(x, y, z, c int) float32 {
	return v.Data[v.index(x, y, z, c)]
}

// Set assigns the value at integer voxel coordinates.
func (v *Volume) Set(x, y, z, c int, value float32) {
	v.Data[v.index(x, y, z, c)] = value
}

// ScannerToVoxel maps a scanner position to continuous voxel coordinates.
func (v *Volume) ScannerToVoxel(p [3]float32) [3]float32 {
	return applyAffine(&v.invTransform, p)
}

// VoxelToScanner maps continuous voxel coordinates to a scanner position.
func (v *Volume) VoxelToScanner(p [3]float32) [3]float32 {
	return applyAffine(&v.transform, p)
}

// VoxelVolume returns the volume of one voxel in mm^3.
func (v *Volume) VoxelVolume() float32 {
	return v.VoxelSize[0] * v.VoxelSize[1] * v.VoxelSize[2]
}

// ScannerBounds returns the axis-aligned scanner-space bounding box of the
// image domain.
func (v *Volume) ScannerBounds() (min, max [3]float32) {
	first := true
	for _, cx := range []float32{0, float32(v.Nx - 1)} {
		for _, cy := range []float32{0, float32(v.Ny - 1)} {
			for _, cz := range []float32{0, float32(v.Nz - 1)} {
				p := v.VoxelToScanner([3]float32{cx, cy, cz})
				if first {
					min, max = p, p
					first = false
					continue
				}
				for i := 0; i < 3; i++ {
					if p[i] < min[i] {
						min[i] = p[i]
					}
					if p[i] > max[i] {
						max[i] = p[i]
					}
				}
			}
		}
	}
	return min, max
}

func applyAffine(m *[16]float64, p [3]float32) [3]float32 {
	var out [3]float32
	for i := 0; i < 3; i++ {
		out[i] = float32(m[4*i]*float64(p[0]) + m[4*i+1]*float64(p[1]) + m[4*i+2]*float64(p[2]) + m[4*i+3])
	}
	return out
}
