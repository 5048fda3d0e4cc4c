package tract

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Source provides continuous-valued samples of the diffusion model at
// arbitrary scanner positions. Implementations must be reentrant: each
// worker binds its own interpolator to the shared underlying volume.
type Source interface {
	// Sample fills out with the model values interpolated at pos. It
	// returns false when pos is outside the image's valid domain.
	Sample(pos [3]float32, out []float32) bool
	// Channels is the number of values per sample.
	Channels() int
	// VoxelSizes are the image voxel dimensions in mm.
	VoxelSizes() [3]float32
}

// SharedBase holds the per-run configuration derived from Properties, plus
// the run-long termination and rejection counters. One instance spans the
// whole tracking run and is shared read-only by all worker goroutines; only
// the counters mutate, under atomic increment.
type SharedBase struct {
	Source Source
	Props  *Properties

	InitDir        Point3
	MaxTracks      uint64
	MaxAttempts    uint64
	MinPoints      int
	MaxPoints      int
	MaxAngle       float32 // radians
	MaxAngleRK4    float32 // radians; the true curvature limit under RK4
	CosMaxAngle    float32
	CosMaxAngleRK4 float32
	StepSize       float32 // mm
	Threshold      float32
	InitThreshold  float32
	Unidirectional bool
	RK4            bool

	terminations [termReasonCount]atomic.Uint64
	rejections   [rejectReasonCount]atomic.Uint64
}

// NewSharedBase derives the run configuration from props. Each recognised
// key follows the Properties fill-or-insert contract, so values specified by
// the caller win and derived defaults are recorded for the output header.
func NewSharedBase(src Source, props *Properties) (*SharedBase, error) {
	s := &SharedBase{
		Source:         src,
		Props:          props,
		MaxAngle:       float32(math.NaN()),
		MaxAngleRK4:    float32(math.NaN()),
		CosMaxAngle:    float32(math.NaN()),
		CosMaxAngleRK4: float32(math.NaN()),
		StepSize:       float32(math.NaN()),
		Threshold:      0.1,
	}

	if err := props.SetFloat(&s.Threshold, "threshold"); err != nil {
		return nil, err
	}
	if err := props.SetBool(&s.Unidirectional, "unidirectional"); err != nil {
		return nil, err
	}
	if err := props.SetUint(&s.MaxTracks, "max_num_tracks"); err != nil {
		return nil, err
	}
	if err := props.SetBool(&s.RK4, "rk4"); err != nil {
		return nil, err
	}

	s.InitThreshold = 2 * s.Threshold
	if err := props.SetFloat(&s.InitThreshold, "init_threshold"); err != nil {
		return nil, err
	}

	s.MaxAttempts = 100 * s.MaxTracks
	if err := props.SetUint(&s.MaxAttempts, "max_num_attempts"); err != nil {
		return nil, err
	}

	if v, ok := props.Get("init_direction"); ok {
		dir, err := parseDirection(v)
		if err != nil {
			return nil, fmt.Errorf("invalid initial direction %q: %w", v, err)
		}
		s.InitDir = dir.Normalise()
	}

	return s, nil
}

func parseDirection(v string) (Point3, error) {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) != 3 {
		return Point3{}, fmt.Errorf("expected 3 components, got %d", len(fields))
	}
	var dir Point3
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return Point3{}, err
		}
		dir[i] = float32(x)
	}
	return dir, nil
}

// Vox returns the cubic root of the voxel volume: the characteristic voxel
// size in mm used to scale all length-based parameters.
func (s *SharedBase) Vox() float32 {
	v := s.Source.VoxelSizes()
	return float32(math.Cbrt(float64(v[0] * v[1] * v[2])))
}

// SetStepSize derives the absolute step size from a voxel-relative step,
// along with the path length bounds and the per-step angular constraint. The
// angular constraint scales with step size so the resulting curvature bound
// is independent of the step size chosen. Under RK4 the per-step gate is
// unconstrained and the true limit is kept in MaxAngleRK4 for use inside the
// integrator.
func (s *SharedBase) SetStepSize(rel float32) error {
	if rel <= 0 {
		return fmt.Errorf("step size must be positive, got %g", rel)
	}
	vox := s.Vox()

	s.StepSize = rel * vox
	if err := s.Props.SetFloat(&s.StepSize, "step_size"); err != nil {
		return err
	}
	diagf("step size = %g mm", s.StepSize)

	maxDist := 100 * vox
	if err := s.Props.SetFloat(&maxDist, "max_dist"); err != nil {
		return err
	}
	s.MaxPoints = int(math.Round(float64(maxDist/s.StepSize))) + 1

	minDist := 5 * vox
	if err := s.Props.SetFloat(&minDist, "min_dist"); err != nil {
		return err
	}
	s.MinPoints = int(math.Round(float64(minDist/s.StepSize))) + 1
	if s.MinPoints < 2 {
		s.MinPoints = 2
	}

	maxAngleDeg := 90 * s.StepSize / vox
	if err := s.Props.SetFloat(&maxAngleDeg, "max_angle"); err != nil {
		return err
	}
	diagf("maximum deviation angle = %g deg", maxAngleDeg)
	s.MaxAngle = maxAngleDeg * math.Pi / 180
	s.CosMaxAngle = float32(math.Cos(float64(s.MaxAngle)))

	if s.RK4 {
		s.MaxAngleRK4 = s.MaxAngle
		s.CosMaxAngleRK4 = s.CosMaxAngle
		s.MaxAngle = math.Pi
		s.CosMaxAngle = 0
	}
	return nil
}

// CheckCurvature applies the shared angular acceptance contract: orientation
// estimates carry no inherent sign, so next is flipped if antipodal to prev
// before the position update. Returns the sign-corrected direction and
// whether the step passes the curvature gate, tested against the
// precomputed cosine threshold.
func (s *SharedBase) CheckCurvature(prev, next Point3) (Point3, bool) {
	dot := prev.Dot(next)
	if abs32(dot) < s.CosMaxAngle {
		return next, false
	}
	if dot < 0 {
		next = next.Negate()
	}
	return next, true
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func (s *SharedBase) AddTermination(t Termination) {
	if t >= 0 && t < termReasonCount {
		s.terminations[t].Add(1)
	}
}

func (s *SharedBase) AddRejection(r Rejection) {
	if r >= 0 && r < rejectReasonCount {
		s.rejections[r].Add(1)
	}
}

// TerminationCount returns the number of directional terminations recorded
// for the given reason so far.
func (s *SharedBase) TerminationCount(t Termination) uint64 {
	if t < 0 || t >= termReasonCount {
		return 0
	}
	return s.terminations[t].Load()
}

// RejectionCount returns the number of streamline rejections recorded for
// the given reason so far.
func (s *SharedBase) RejectionCount(r Rejection) uint64 {
	if r < 0 || r >= rejectReasonCount {
		return 0
	}
	return s.rejections[r].Load()
}

// TerminationBreakdown returns the per-reason termination counts keyed by
// reason name, for persistence in the run index.
func (s *SharedBase) TerminationBreakdown() map[string]uint64 {
	out := make(map[string]uint64, termReasonCount)
	for t := Termination(0); t < termReasonCount; t++ {
		out[t.String()] = s.terminations[t].Load()
	}
	return out
}

// RejectionBreakdown returns the per-reason rejection counts keyed by reason
// name.
func (s *SharedBase) RejectionBreakdown() map[string]uint64 {
	out := make(map[string]uint64, rejectReasonCount)
	for r := Rejection(0); r < rejectReasonCount; r++ {
		out[r.String()] = s.rejections[r].Load()
	}
	return out
}

// ReportStats logs the end-of-run termination and rejection summary.
// Reasons that depend on an unconfigured feature (mask, exclude or include
// ROIs) are suppressed from the report but remain counted internally.
func (s *SharedBase) ReportStats() {
	var total uint64
	for t := Termination(0); t < termReasonCount; t++ {
		total += s.terminations[t].Load()
	}
	diagf("total number of track terminations: %d", total)
	if total > 0 {
		diagf("termination reason probabilities:")
		for t := Termination(0); t < termReasonCount; t++ {
			var label string
			var show bool
			switch t {
			case TermUndefined:
				label, show = "unknown", false
			case TermCalibrateFail:
				label, show = "calibrator failed", true
			case TermExitImage:
				label, show = "exited image", true
			case TermBadSignal:
				label, show = "bad diffusion signal", true
			case TermHighCurvature:
				label, show = "excessive curvature", true
			case TermMaxLength:
				label, show = "max length exceeded", true
			case TermExitMask:
				label, show = "exited mask", len(s.Props.Mask) > 0
			case TermEnterExclude:
				label, show = "entered exclusion region", len(s.Props.Exclude) > 0
			}
			if show {
				diagf("  %s: %.2f%%", label, 100*float64(s.terminations[t].Load())/float64(total))
			}
		}
	}

	diagf("track rejection counts:")
	for r := Rejection(0); r < rejectReasonCount; r++ {
		var label string
		var show bool
		switch r {
		case RejectTooShort:
			label, show = "shorter than minimum length", true
		case RejectEnteredExclude:
			label, show = "entered exclusion region", len(s.Props.Exclude) > 0
		case RejectMissedInclude:
			label, show = "missed inclusion region", len(s.Props.Include) > 0
		}
		if show {
			diagf("  %s: %d", label, s.rejections[r].Load())
		}
	}
}
