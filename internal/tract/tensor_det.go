package tract

import "gonum.org/v1/gonum/mat"

// TensorDet is deterministic tensor tracking over a trilinearly interpolated
// signal, optionally integrated with a fourth-order Runge-Kutta scheme. It
// shares the tensor fitting machinery with FACT; the difference is the
// interpolated source and the integrator.
type TensorDet struct {
	methodBase
	shared *SharedBase
	model  *tensorModel
	tensor [6]float64
}

// NewTensorDetShared finishes the shared run configuration for Tensor_Det.
func NewTensorDetShared(shared *SharedBase, grad *mat.Dense) (*tensorModel, error) {
	if err := shared.SetStepSize(0.1); err != nil {
		return nil, err
	}
	shared.Props.Put("method", "TensorDet")
	return newTensorModel(grad)
}

// NewTensorDet creates a per-worker instance bound to its own interpolator.
func NewTensorDet(shared *SharedBase, model *tensorModel, src Source, rngSeed int64) *TensorDet {
	return &TensorDet{
		methodBase: newMethodBase(src, rngSeed),
		shared:     shared,
		model:      model,
	}
}

func (t *TensorDet) Init() bool {
	if !t.sample() {
		return false
	}
	t.model.fit(t.values, &t.tensor)
	if fa(&t.tensor) < t.shared.InitThreshold {
		return false
	}
	dir, ok := principalDirection(&t.tensor)
	if !ok {
		return false
	}
	if !t.shared.InitDir.IsZero() && dir.Dot(t.shared.InitDir) < 0 {
		dir = dir.Negate()
	}
	t.dir = dir
	return true
}

func (t *TensorDet) Next() Termination {
	if t.shared.RK4 {
		return t.nextRK4()
	}
	if !t.sample() {
		return TermExitImage
	}
	t.model.fit(t.values, &t.tensor)
	if fa(&t.tensor) < t.shared.Threshold {
		return TermBadSignal
	}
	newDir, ok := principalDirection(&t.tensor)
	if !ok {
		return TermBadSignal
	}
	newDir, ok = t.shared.CheckCurvature(t.dir, newDir)
	if !ok {
		return TermHighCurvature
	}
	t.dir = newDir
	t.pos = t.pos.Add(t.dir.Scale(t.shared.StepSize))
	return TermContinue
}

// fieldDirAt evaluates the tensor field direction at pos, sign-matched to
// ref so the RK4 stages advance consistently along the fibre.
func (t *TensorDet) fieldDirAt(pos, ref Point3) (Point3, Termination) {
	if !t.src.Sample([3]float32(pos), t.values) {
		return Point3{}, TermExitImage
	}
	t.model.fit(t.values, &t.tensor)
	if fa(&t.tensor) < t.shared.Threshold {
		return Point3{}, TermBadSignal
	}
	dir, ok := principalDirection(&t.tensor)
	if !ok {
		return Point3{}, TermBadSignal
	}
	if dir.Dot(ref) < 0 {
		dir = dir.Negate()
	}
	return dir, TermContinue
}

// nextRK4 advances one step with four tensor-field evaluations. The per-step
// angular gate is unconstrained under RK4; the true curvature limit applies
// here, against the combined step direction.
func (t *TensorDet) nextRK4() Termination {
	h := t.shared.StepSize

	k1, term := t.fieldDirAt(t.pos, t.dir)
	if term != TermContinue {
		return term
	}
	k2, term := t.fieldDirAt(t.pos.Add(k1.Scale(h/2)), k1)
	if term != TermContinue {
		return term
	}
	k3, term := t.fieldDirAt(t.pos.Add(k2.Scale(h/2)), k2)
	if term != TermContinue {
		return term
	}
	k4, term := t.fieldDirAt(t.pos.Add(k3.Scale(h)), k3)
	if term != TermContinue {
		return term
	}

	newDir := k1.Add(k2.Scale(2)).Add(k3.Scale(2)).Add(k4).Normalise()
	dot := t.dir.Dot(newDir)
	if abs32(dot) < t.shared.CosMaxAngleRK4 {
		return TermHighCurvature
	}
	if dot < 0 {
		newDir = newDir.Negate()
	}
	t.dir = newDir
	t.pos = t.pos.Add(t.dir.Scale(h))
	return TermContinue
}
