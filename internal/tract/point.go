package tract

import "math"

// Point3 is a position or direction in scanner (physical) coordinates.
// It is a small value type: methods return new values rather than mutating.
type Point3 [3]float32

func (p Point3) Add(q Point3) Point3 {
	return Point3{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

func (p Point3) Sub(q Point3) Point3 {
	return Point3{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

func (p Point3) Scale(s float32) Point3 {
	return Point3{p[0] * s, p[1] * s, p[2] * s}
}

func (p Point3) Negate() Point3 {
	return Point3{-p[0], -p[1], -p[2]}
}

func (p Point3) Dot(q Point3) float32 {
	return p[0]*q[0] + p[1]*q[1] + p[2]*q[2]
}

func (p Point3) Cross(q Point3) Point3 {
	return Point3{
		p[1]*q[2] - p[2]*q[1],
		p[2]*q[0] - p[0]*q[2],
		p[0]*q[1] - p[1]*q[0],
	}
}

func (p Point3) Norm() float32 {
	return float32(math.Sqrt(float64(p.Dot(p))))
}

// Normalise returns p scaled to unit length. The zero vector is returned
// unchanged.
func (p Point3) Normalise() Point3 {
	n := p.Norm()
	if n == 0 {
		return p
	}
	return p.Scale(1 / n)
}

func (p Point3) IsZero() bool {
	return p[0] == 0 && p[1] == 0 && p[2] == 0
}

// Dist returns the Euclidean distance between two points.
func (p Point3) Dist(q Point3) float32 {
	return p.Sub(q).Norm()
}
