package volume

// Mode selects the spatial interpolation scheme.
type Mode int

const (
	// Trilinear interpolates linearly over the 8 surrounding voxels.
	Trilinear Mode = iota
	// Nearest samples the nearest voxel without interpolation.
	Nearest
)

// Interp samples a volume at continuous scanner positions. Interpolation is
// side-effect-free, but each worker should bind its own Interp to the shared
// volume so the scratch state below is never contended.
type Interp struct {
	vol  *Volume
	mode Mode

	weights [8]float32
	corners [8]int
}

// NewInterp binds a new interpolator to vol.
func NewInterp(vol *Volume, mode Mode) *Interp {
	return &Interp{vol: vol, mode: mode}
}

// Channels implements the tracking source contract.
func (in *Interp) Channels() int { return in.vol.Nv }

// VoxelSizes implements the tracking source contract.
func (in *Interp) VoxelSizes() [3]float32 { return in.vol.VoxelSize }

// Sample fills out with the interpolated values at the scanner position
// pos. It returns false when pos falls outside the image domain.
func (in *Interp) Sample(pos [3]float32, out []float32) bool {
	f := in.vol.ScannerToVoxel(pos)
	v := in.vol

	if f[0] < 0 || f[1] < 0 || f[2] < 0 ||
		f[0] > float32(v.Nx-1) || f[1] > float32(v.Ny-1) || f[2] > float32(v.Nz-1) {
		return false
	}

	if in.mode == Nearest {
		x, y, z := nearest(f[0], v.Nx), nearest(f[1], v.Ny), nearest(f[2], v.Nz)
		base := v.index(x, y, z, 0)
		copy(out, v.Data[base:base+v.Nv])
		return true
	}

	x0, fx := split(f[0], v.Nx)
	y0, fy := split(f[1], v.Ny)
	z0, fz := split(f[2], v.Nz)

	k := 0
	for dz := 0; dz < 2; dz++ {
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy < 2; dy++ {
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx < 2; dx++ {
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				in.weights[k] = wx * wy * wz
				in.corners[k] = v.index(x0+dx, y0+dy, z0+dz, 0)
				k++
			}
		}
	}

	for c := 0; c < v.Nv; c++ {
		var acc float32
		for i := 0; i < 8; i++ {
			if in.weights[i] != 0 {
				acc += in.weights[i] * v.Data[in.corners[i]+c]
			}
		}
		out[c] = acc
	}
	return true
}

// split separates a continuous coordinate into the lower voxel index and
// the fractional offset, clamping so the upper neighbour stays in range.
func split(f float32, n int) (int, float32) {
	if n == 1 {
		return 0, 0
	}
	i := int(f)
	if i >= n-1 {
		return n - 2, 1
	}
	return i, f - float32(i)
}

func nearest(f float32, n int) int {
	i := int(f + 0.5)
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
