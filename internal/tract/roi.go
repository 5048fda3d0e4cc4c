package tract

import "fmt"

// ROI is a region-of-interest mask in scanner coordinates, used to constrain
// or filter streamlines (inclusion, exclusion, or general masking).
type ROI interface {
	Contains(p Point3) bool
	// Spec returns a short serialisable description for the track header.
	Spec() string
}

// SphereROI is a spherical region defined by centre and radius in mm.
type SphereROI struct {
	Centre Point3
	Radius float32
}

func (r SphereROI) Contains(p Point3) bool {
	d := p.Sub(r.Centre)
	return d.Dot(d) <= r.Radius*r.Radius
}

func (r SphereROI) Spec() string {
	return fmt.Sprintf("sphere %g,%g,%g,%g", r.Centre[0], r.Centre[1], r.Centre[2], r.Radius)
}

// MaskSource is the sampled-image collaborator a MaskROI tests positions
// against. It is satisfied by a volume interpolator bound to a mask image.
type MaskSource interface {
	Sample(pos [3]float32, out []float32) bool
}

// MaskROI is an image-backed region: a position is inside when the mask
// image interpolates to at least 0.5 there. Positions outside the mask
// image's domain are outside the region.
type MaskROI struct {
	Source MaskSource
	Name   string
}

// Contains is safe for concurrent use: ROIs are shared read-only across
// worker goroutines.
func (r *MaskROI) Contains(p Point3) bool {
	var v [1]float32
	if !r.Source.Sample([3]float32(p), v[:]) {
		return false
	}
	return v[0] >= 0.5
}

func (r *MaskROI) Spec() string {
	return "image " + r.Name
}
