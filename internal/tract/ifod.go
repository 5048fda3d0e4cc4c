package tract

// Probabilistic tracking over fibre orientation distributions. The source
// volume holds real even-order SH coefficients of the FOD per voxel;
// candidate directions are proposed by rejection sampling against the FOD
// amplitude, restricted to the curvature-bounded cone around the current
// direction.

// maxTrials bounds the rejection-sampling loop per step; exhausting it
// without an acceptable draw terminates the direction with BadSignal.
const maxTrials = 1000

// IFOD1 draws one candidate direction per step and accepts it with
// probability proportional to the FOD amplitude along it.
type IFOD1 struct {
	methodBase
	shared *SharedBase
	lmax   int
}

// NewIFOD1Shared finishes the shared run configuration for iFOD1 and
// returns the harmonic order implied by the source image.
func NewIFOD1Shared(shared *SharedBase) (int, error) {
	if err := shared.SetStepSize(0.1); err != nil {
		return 0, err
	}
	shared.Props.Put("method", "iFOD1")
	return shLmaxForCoefs(shared.Source.Channels())
}

// NewIFOD1 creates a per-worker instance bound to its own interpolator.
func NewIFOD1(shared *SharedBase, lmax int, src Source, rngSeed int64) *IFOD1 {
	return &IFOD1{
		methodBase: newMethodBase(src, rngSeed),
		shared:     shared,
		lmax:       lmax,
	}
}

// initDirection establishes the starting direction at the seed: either the
// configured initial direction, or a draw over the whole sphere weighted by
// FOD amplitude. Returns false when the FOD peak at the seed is below the
// init threshold.
func (f *IFOD1) initDirection() bool {
	if !f.shared.InitDir.IsZero() {
		amp := shAmplitude(f.values, f.lmax, f.shared.InitDir)
		if amp < f.shared.InitThreshold {
			return false
		}
		f.dir = f.shared.InitDir
		return true
	}

	var peak float32
	for i := 0; i < maxTrials; i++ {
		d := f.randomUnit()
		if a := shAmplitude(f.values, f.lmax, d); a > peak {
			peak = a
		}
	}
	if peak < f.shared.InitThreshold {
		return false
	}
	for i := 0; i < maxTrials; i++ {
		d := f.randomUnit()
		a := shAmplitude(f.values, f.lmax, d)
		if a >= f.shared.InitThreshold && float32(f.rng.Float64())*peak < a {
			f.dir = d
			return true
		}
	}
	return false
}

func (f *IFOD1) Init() bool {
	if !f.sample() {
		return false
	}
	return f.initDirection()
}

func (f *IFOD1) Next() Termination {
	if !f.sample() {
		return TermExitImage
	}

	// Estimate the amplitude ceiling inside the cone, then rejection-sample.
	var peak float32
	for i := 0; i < 16; i++ {
		d := f.randomInCone(f.dir, f.shared.MaxAngle)
		if a := shAmplitude(f.values, f.lmax, d); a > peak {
			peak = a
		}
	}
	if peak < f.shared.Threshold {
		return TermBadSignal
	}
	// Headroom over the sampled estimate of the true cone maximum.
	peak *= 1.2

	for i := 0; i < maxTrials; i++ {
		d := f.randomInCone(f.dir, f.shared.MaxAngle)
		a := shAmplitude(f.values, f.lmax, d)
		if a < f.shared.Threshold {
			continue
		}
		if float32(f.rng.Float64())*peak < a {
			d, ok := f.shared.CheckCurvature(f.dir, d)
			if !ok {
				return TermHighCurvature
			}
			f.dir = d
			f.pos = f.pos.Add(f.dir.Scale(f.shared.StepSize))
			return TermContinue
		}
	}
	return TermBadSignal
}

// IFOD2 is the multi-sample arc variant: each candidate is a short circular
// arc, scored by the FOD amplitudes at several samples along it, and each
// accepted arc emits its samples as individual positions.
type IFOD2 struct {
	IFOD1
	samples int

	arcPos []Point3
	arcDir []Point3
	arcIdx int
	ampBuf []float32
}

// NewIFOD2Shared finishes the shared run configuration for iFOD2.
func NewIFOD2Shared(shared *SharedBase) (int, error) {
	if err := shared.SetStepSize(0.5); err != nil {
		return 0, err
	}
	shared.Props.Put("method", "iFOD2")
	return shLmaxForCoefs(shared.Source.Channels())
}

// NewIFOD2 creates a per-worker instance. samples is the number of emitted
// positions per arc (minimum 2; the conventional value is 4).
func NewIFOD2(shared *SharedBase, lmax int, src Source, samples int, rngSeed int64) *IFOD2 {
	if samples < 2 {
		samples = 4
	}
	return &IFOD2{
		IFOD1: IFOD1{
			methodBase: newMethodBase(src, rngSeed),
			shared:     shared,
			lmax:       lmax,
		},
		samples: samples,
		ampBuf:  make([]float32, src.Channels()),
	}
}

func (f *IFOD2) Reset() {
	f.arcPos = f.arcPos[:0]
	f.arcDir = f.arcDir[:0]
	f.arcIdx = 0
}

// buildArc fills the sample positions and tangents for a candidate arc that
// starts along the current direction and rotates gradually toward endDir
// over one full step.
func (f *IFOD2) buildArc(endDir Point3) {
	f.arcPos = f.arcPos[:0]
	f.arcDir = f.arcDir[:0]
	h := f.shared.StepSize / float32(f.samples)
	pos := f.pos
	for i := 1; i <= f.samples; i++ {
		t := float32(i) / float32(f.samples)
		tangent := f.dir.Scale(1 - t).Add(endDir.Scale(t)).Normalise()
		pos = pos.Add(tangent.Scale(h))
		f.arcPos = append(f.arcPos, pos)
		f.arcDir = append(f.arcDir, tangent)
	}
}

func (f *IFOD2) Next() Termination {
	// Emit buffered arc samples before proposing the next arc.
	if f.arcIdx < len(f.arcPos) {
		f.pos = f.arcPos[f.arcIdx]
		f.dir = f.arcDir[f.arcIdx]
		f.arcIdx++
		return TermContinue
	}

	if !f.sample() {
		return TermExitImage
	}

	var peak float32
	for i := 0; i < 16; i++ {
		d := f.randomInCone(f.dir, f.shared.MaxAngle)
		if a := f.arcAmplitude(d); a > peak {
			peak = a
		}
	}
	if peak < f.shared.Threshold {
		return TermBadSignal
	}
	peak *= 1.2

	for i := 0; i < maxTrials; i++ {
		d := f.randomInCone(f.dir, f.shared.MaxAngle)
		a := f.arcAmplitude(d)
		if a < f.shared.Threshold {
			continue
		}
		if float32(f.rng.Float64())*peak < a {
			if _, ok := f.shared.CheckCurvature(f.dir, d); !ok {
				return TermHighCurvature
			}
			f.buildArc(d)
			f.arcIdx = 1
			f.pos = f.arcPos[0]
			f.dir = f.arcDir[0]
			return TermContinue
		}
	}
	return TermBadSignal
}

// arcAmplitude scores a candidate end direction by the mean FOD amplitude
// at the samples along its arc. Arcs leaving the image domain score zero.
func (f *IFOD2) arcAmplitude(endDir Point3) float32 {
	h := f.shared.StepSize / float32(f.samples)
	pos := f.pos
	var sum float32
	for i := 1; i <= f.samples; i++ {
		t := float32(i) / float32(f.samples)
		tangent := f.dir.Scale(1 - t).Add(endDir.Scale(t)).Normalise()
		pos = pos.Add(tangent.Scale(h))
		if !f.src.Sample([3]float32(pos), f.ampBuf) {
			return 0
		}
		a := shAmplitude(f.ampBuf, f.lmax, tangent)
		if a < f.shared.Threshold {
			return 0
		}
		sum += a
	}
	return sum / float32(f.samples)
}
