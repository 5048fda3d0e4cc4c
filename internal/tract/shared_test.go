package tract

import (
	"math"
	"testing"
)

// funcSource is a synthetic diffusion source for tests: a sampling function
// over a fixed cubic domain centred on the origin.
type funcSource struct {
	channels   int
	voxel      [3]float32
	halfExtent float32
	fn         func(pos [3]float32, out []float32)
}

func (s *funcSource) Channels() int          { return s.channels }
func (s *funcSource) VoxelSizes() [3]float32 { return s.voxel }

func (s *funcSource) inDomain(p [3]float32) bool {
	for _, v := range p {
		if v < -s.halfExtent || v > s.halfExtent {
			return false
		}
	}
	return true
}

func (s *funcSource) Sample(pos [3]float32, out []float32) bool {
	if !s.inDomain(pos) {
		return false
	}
	s.fn(pos, out)
	return true
}

func unitVoxelSource() *funcSource {
	return &funcSource{
		channels:   1,
		voxel:      [3]float32{1, 1, 1},
		halfExtent: 1000,
		fn:         func(_ [3]float32, out []float32) { out[0] = 1 },
	}
}

func TestNewSharedBaseDefaults(t *testing.T) {
	props := NewProperties()
	props.Put("max_num_tracks", "100")

	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}

	if s.Threshold != 0.1 {
		t.Errorf("Threshold = %g, want 0.1", s.Threshold)
	}
	if s.InitThreshold != 0.2 {
		t.Errorf("InitThreshold = %g, want 2x threshold = 0.2", s.InitThreshold)
	}
	if s.MaxTracks != 100 {
		t.Errorf("MaxTracks = %d, want 100", s.MaxTracks)
	}
	if s.MaxAttempts != 10000 {
		t.Errorf("MaxAttempts = %d, want 100x tracks = 10000", s.MaxAttempts)
	}
	if s.Unidirectional {
		t.Error("Unidirectional should default to false")
	}

	// Derived defaults are recorded for the output header.
	if v, _ := props.Get("threshold"); v != "0.1" {
		t.Errorf("recorded threshold = %q, want \"0.1\"", v)
	}
	if v, _ := props.Get("max_num_attempts"); v != "10000" {
		t.Errorf("recorded max_num_attempts = %q, want \"10000\"", v)
	}
}

func TestNewSharedBaseInitDirection(t *testing.T) {
	props := NewProperties()
	props.Put("init_direction", "3,0,4")
	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if s.InitDir != (Point3{0.6, 0, 0.8}) {
		t.Errorf("InitDir = %v, want normalised {0.6 0 0.8}", s.InitDir)
	}

	props = NewProperties()
	props.Put("init_direction", "1,2")
	if _, err := NewSharedBase(unitVoxelSource(), props); err == nil {
		t.Error("expected error for malformed init_direction")
	}
}

func TestSetStepSizeDerivedValues(t *testing.T) {
	props := NewProperties()
	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0.1); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}

	// 1mm isotropic voxels, relative step 0.1: step 0.1mm, max distance
	// 100mm, min distance 5mm, angular limit 9 degrees.
	if s.StepSize != 0.1 {
		t.Errorf("StepSize = %g, want 0.1", s.StepSize)
	}
	if s.MaxPoints != 1001 {
		t.Errorf("MaxPoints = %d, want 1001", s.MaxPoints)
	}
	if s.MinPoints != 51 {
		t.Errorf("MinPoints = %d, want 51", s.MinPoints)
	}
	if v, _ := props.Get("max_angle"); v != "9" {
		t.Errorf("recorded max_angle = %q, want \"9\"", v)
	}
	wantCos := float32(math.Cos(9 * math.Pi / 180))
	if math.Abs(float64(s.CosMaxAngle-wantCos)) > 1e-6 {
		t.Errorf("CosMaxAngle = %g, want %g", s.CosMaxAngle, wantCos)
	}
}

func TestSetStepSizeUserOverrides(t *testing.T) {
	props := NewProperties()
	props.Put("step_size", "0.5")
	props.Put("max_angle", "45")
	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0.1); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}

	if s.StepSize != 0.5 {
		t.Errorf("StepSize = %g, want user-specified 0.5", s.StepSize)
	}
	if s.MaxPoints != 201 {
		t.Errorf("MaxPoints = %d, want 201", s.MaxPoints)
	}
	wantCos := float32(math.Cos(45 * math.Pi / 180))
	if math.Abs(float64(s.CosMaxAngle-wantCos)) > 1e-6 {
		t.Errorf("CosMaxAngle = %g, want cos(45deg)", s.CosMaxAngle)
	}
}

func TestSetStepSizeMinPointsFloor(t *testing.T) {
	props := NewProperties()
	props.Put("min_dist", "0.05")
	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0.1); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}
	if s.MinPoints != 2 {
		t.Errorf("MinPoints = %d, want floor of 2", s.MinPoints)
	}
}

func TestSetStepSizeRK4(t *testing.T) {
	props := NewProperties()
	props.Put("rk4", "true")
	s, err := NewSharedBase(unitVoxelSource(), props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0.1); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}

	// The per-step gate is unconstrained under RK4; the true limit moves to
	// the RK4 fields for use inside the integrator.
	if s.CosMaxAngle != 0 {
		t.Errorf("CosMaxAngle = %g, want 0 (unconstrained)", s.CosMaxAngle)
	}
	if s.MaxAngle != math.Pi {
		t.Errorf("MaxAngle = %g, want pi", s.MaxAngle)
	}
	wantCos := float32(math.Cos(9 * math.Pi / 180))
	if math.Abs(float64(s.CosMaxAngleRK4-wantCos)) > 1e-6 {
		t.Errorf("CosMaxAngleRK4 = %g, want cos(9deg)", s.CosMaxAngleRK4)
	}
}

func TestSetStepSizeRejectsNonPositive(t *testing.T) {
	s, err := NewSharedBase(unitVoxelSource(), NewProperties())
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0); err == nil {
		t.Error("expected error for zero step size")
	}
	if err := s.SetStepSize(-1); err == nil {
		t.Error("expected error for negative step size")
	}
}

func TestVoxAnisotropic(t *testing.T) {
	src := unitVoxelSource()
	src.voxel = [3]float32{1, 2, 4}
	s, err := NewSharedBase(src, NewProperties())
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if got := s.Vox(); math.Abs(float64(got)-2) > 1e-6 {
		t.Errorf("Vox = %g, want cbrt(8) = 2", got)
	}
}

func TestCheckCurvature(t *testing.T) {
	s, err := NewSharedBase(unitVoxelSource(), NewProperties())
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	if err := s.SetStepSize(0.5); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}
	// 0.5mm step in 1mm voxels: 45 degree limit.

	prev := Point3{1, 0, 0}

	// Within the limit, aligned: accepted unchanged.
	next := Point3{0.9, 0.1, 0}.Normalise()
	got, ok := s.CheckCurvature(prev, next)
	if !ok || got != next {
		t.Errorf("aligned step: got %v ok=%v, want %v ok=true", got, ok, next)
	}

	// Antipodal estimate within the limit: the sign is corrected.
	got, ok = s.CheckCurvature(prev, next.Negate())
	if !ok {
		t.Fatal("antipodal step rejected; should be sign-corrected and accepted")
	}
	if got != next {
		t.Errorf("antipodal step: got %v, want flipped %v", got, next)
	}

	// Beyond the limit in either sign: rejected.
	steep := Point3{0.1, 0.99, 0}.Normalise()
	if _, ok := s.CheckCurvature(prev, steep); ok {
		t.Error("steep step accepted; want rejection")
	}
	if _, ok := s.CheckCurvature(prev, steep.Negate()); ok {
		t.Error("steep antipodal step accepted; want rejection")
	}
}

func TestTerminationCounters(t *testing.T) {
	s, err := NewSharedBase(unitVoxelSource(), NewProperties())
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}

	s.AddTermination(TermExitImage)
	s.AddTermination(TermExitImage)
	s.AddTermination(TermMaxLength)
	s.AddRejection(RejectTooShort)

	if got := s.TerminationCount(TermExitImage); got != 2 {
		t.Errorf("TerminationCount(exit_image) = %d, want 2", got)
	}
	if got := s.RejectionCount(RejectTooShort); got != 1 {
		t.Errorf("RejectionCount(too_short) = %d, want 1", got)
	}

	// Out-of-range reasons are ignored, not panics.
	s.AddTermination(TermContinue)
	if got := s.TerminationCount(TermContinue); got != 0 {
		t.Errorf("TerminationCount(continue) = %d, want 0", got)
	}

	terms := s.TerminationBreakdown()
	if terms[TermExitImage.String()] != 2 {
		t.Errorf("breakdown[%s] = %d, want 2", TermExitImage, terms[TermExitImage.String()])
	}
	rejects := s.RejectionBreakdown()
	if rejects[RejectTooShort.String()] != 1 {
		t.Errorf("breakdown[%s] = %d, want 1", RejectTooShort, rejects[RejectTooShort.String()])
	}
}
