package tract

import (
	"math"
	"math/rand"
)

// Method is the per-streamline stepping state machine. One instance is
// created per worker goroutine; instances own their numerical working state
// and hold only a read-only reference to the shared run configuration.
//
// The stepping contract: the worker sets the seed position, then calls Init
// once; on success it calls Next repeatedly, each accepted step advancing
// the position by one step size, until Next returns a termination reason.
type Method interface {
	// Init samples the model at the current seed position and establishes
	// the initial direction. It returns false when the position cannot be
	// sampled or the model quality there is below the init threshold.
	Init() bool
	// Next attempts one more integration step from the current position
	// and direction. It returns TermContinue on an accepted step.
	Next() Termination

	Pos() Point3
	SetPos(Point3)
	Dir() Point3
	SetDir(Point3)

	// Reset discards per-attempt scratch state ahead of a new attempt.
	Reset()
}

// methodBase carries the state machine fields common to all algorithm
// variants: current position and direction, the sample scratch buffer, and
// a private random source (probabilistic variants draw from it; giving each
// method its own generator keeps workers contention-free and runs
// reproducible under a fixed seed).
type methodBase struct {
	pos    Point3
	dir    Point3
	values []float32
	src    Source
	rng    *rand.Rand
}

func newMethodBase(src Source, rngSeed int64) methodBase {
	return methodBase{
		values: make([]float32, src.Channels()),
		src:    src,
		rng:    rand.New(rand.NewSource(rngSeed)),
	}
}

// sample fills the scratch buffer with the model values at the current
// position, returning false outside the image domain.
func (m *methodBase) sample() bool {
	return m.src.Sample([3]float32(m.pos), m.values)
}

func (m *methodBase) Pos() Point3     { return m.pos }
func (m *methodBase) SetPos(p Point3) { m.pos = p }
func (m *methodBase) Dir() Point3     { return m.dir }
func (m *methodBase) SetDir(d Point3) { m.dir = d }
func (m *methodBase) Reset()          {}

// randomUnit draws a direction uniformly over the sphere.
func (m *methodBase) randomUnit() Point3 {
	z := 2*m.rng.Float64() - 1
	phi := 2 * math.Pi * m.rng.Float64()
	r := math.Sqrt(1 - z*z)
	return Point3{
		float32(r * math.Cos(phi)),
		float32(r * math.Sin(phi)),
		float32(z),
	}
}

// randomInCone draws a direction uniformly from the spherical cap of
// half-angle maxAngle (radians) around axis. axis must be unit length.
func (m *methodBase) randomInCone(axis Point3, maxAngle float32) Point3 {
	cosMax := math.Cos(float64(maxAngle))
	cosTheta := cosMax + m.rng.Float64()*(1-cosMax)
	sinTheta := math.Sqrt(1 - cosTheta*cosTheta)
	phi := 2 * math.Pi * m.rng.Float64()

	// Orthonormal basis around the axis.
	var ref Point3
	if abs32(axis[0]) < 0.9 {
		ref = Point3{1, 0, 0}
	} else {
		ref = Point3{0, 1, 0}
	}
	u := axis.Cross(ref).Normalise()
	v := axis.Cross(u)

	a := float32(sinTheta * math.Cos(phi))
	b := float32(sinTheta * math.Sin(phi))
	c := float32(cosTheta)
	return u.Scale(a).Add(v.Scale(b)).Add(axis.Scale(c))
}
