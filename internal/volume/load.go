package volume

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Descriptor is the JSON sidecar describing a raw volume on disk. The data
// file holds little-endian float32 values with the value axis fastest.
type Descriptor struct {
	Dims      [4]int     `json:"dims"` // nx, ny, nz, nv
	VoxelSize [3]float32 `json:"voxel_size"`
	// Transform is the row-major 4x4 voxel-to-scanner affine; omitted
	// means axis-aligned scaling by the voxel sizes.
	Transform []float64 `json:"transform,omitempty"`
	// Data is the raw file path, relative to the descriptor.
	Data string `json:"data"`
}

// Load reads a volume from its JSON descriptor.
func Load(path string) (*Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading volume descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parsing volume descriptor %q: %w", path, err)
	}
	for i, n := range d.Dims {
		if n < 1 {
			return nil, fmt.Errorf("volume descriptor %q: dimension %d is %d", path, i, n)
		}
	}
	for i, s := range d.VoxelSize {
		if s <= 0 {
			return nil, fmt.Errorf("volume descriptor %q: voxel size %d is %g", path, i, s)
		}
	}

	var v *Volume
	if d.Transform != nil {
		if len(d.Transform) != 16 {
			return nil, fmt.Errorf("volume descriptor %q: transform must have 16 elements, got %d", path, len(d.Transform))
		}
		var t [16]float64
		copy(t[:], d.Transform)
		v, err = NewWithTransform(d.Dims[0], d.Dims[1], d.Dims[2], d.Dims[3], d.VoxelSize, t)
		if err != nil {
			return nil, fmt.Errorf("volume descriptor %q: %w", path, err)
		}
	} else {
		v = New(d.Dims[0], d.Dims[1], d.Dims[2], d.Dims[3], d.VoxelSize)
	}

	dataPath := d.Data
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(filepath.Dir(path), dataPath)
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("reading volume data: %w", err)
	}
	want := len(v.Data) * 4
	if len(data) != want {
		return nil, fmt.Errorf("volume data %q: expected %d bytes, got %d", dataPath, want, len(data))
	}
	for i := range v.Data {
		v.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}
