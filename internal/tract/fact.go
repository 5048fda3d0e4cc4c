package tract

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FACT implements fibre assignment by continuous tracking: a deterministic
// tensor method that fits the diffusion tensor to the raw signal at each
// step and follows the principal eigenvector. The source is expected to be
// sampled nearest-neighbour, per the original algorithm.
type FACT struct {
	methodBase
	shared *SharedBase
	model  *tensorModel
	tensor [6]float64
}

// NewFACTShared finishes the shared run configuration for FACT: the default
// relative step size and the tensor fitting matrices. Call once per run.
func NewFACTShared(shared *SharedBase, grad *mat.Dense) (*tensorModel, error) {
	if err := shared.SetStepSize(0.1); err != nil {
		return nil, err
	}
	shared.Props.Put("method", "FACT")
	model, err := newTensorModel(grad)
	if err != nil {
		return nil, err
	}
	if model.n != shared.Source.Channels() {
		return nil, fmt.Errorf("gradient encoding has %d volumes but image has %d", model.n, shared.Source.Channels())
	}
	return model, nil
}

// NewFACT creates a per-worker FACT instance bound to its own interpolator.
func NewFACT(shared *SharedBase, model *tensorModel, src Source, rngSeed int64) *FACT {
	return &FACT{
		methodBase: newMethodBase(src, rngSeed),
		shared:     shared,
		model:      model,
	}
}

func (f *FACT) Init() bool {
	if !f.sample() {
		return false
	}
	f.model.fit(f.values, &f.tensor)
	if fa(&f.tensor) < f.shared.InitThreshold {
		return false
	}
	dir, ok := principalDirection(&f.tensor)
	if !ok {
		return false
	}
	// Respect a configured initial direction by picking the matching sign.
	if !f.shared.InitDir.IsZero() && dir.Dot(f.shared.InitDir) < 0 {
		dir = dir.Negate()
	}
	f.dir = dir
	return true
}

func (f *FACT) Next() Termination {
	if !f.sample() {
		return TermExitImage
	}
	f.model.fit(f.values, &f.tensor)
	if fa(&f.tensor) < f.shared.Threshold {
		return TermBadSignal
	}
	newDir, ok := principalDirection(&f.tensor)
	if !ok {
		return TermBadSignal
	}
	newDir, ok = f.shared.CheckCurvature(f.dir, newDir)
	if !ok {
		return TermHighCurvature
	}
	f.dir = newDir
	f.pos = f.pos.Add(f.dir.Scale(f.shared.StepSize))
	return TermContinue
}
