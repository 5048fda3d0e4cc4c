package tract

import (
	"math"
	"testing"
)

// tensorFieldSource synthesises the diffusion signal of a uniform tensor
// field over a bounded domain.
func tensorFieldSource(d [6]float64, halfExtent float32) *funcSource {
	rows := testGradRows()
	signal := signalFor(rows, d, 1)
	return &funcSource{
		channels:   len(rows),
		voxel:      [3]float32{1, 1, 1},
		halfExtent: halfExtent,
		fn:         func(_ [3]float32, out []float32) { copy(out, signal) },
	}
}

func newFACTForTest(t *testing.T, src *funcSource, props *Properties) *FACT {
	t.Helper()
	shared, err := NewSharedBase(src, props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	model, err := NewFACTShared(shared, mustGradTable(t))
	if err != nil {
		t.Fatalf("NewFACTShared: %v", err)
	}
	return NewFACT(shared, model, src, 1)
}

func TestFACTFollowsFibreToImageEdge(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4), 2)
	f := newFACTForTest(t, src, NewProperties())

	f.SetPos(Point3{0, 0, 0})
	if !f.Init() {
		t.Fatal("Init failed in a strongly anisotropic field")
	}
	if d := f.Dir(); math.Abs(math.Abs(float64(d[0]))-1) > 1e-4 {
		t.Fatalf("initial direction %v not along the fibre axis", d)
	}

	var steps int
	var term Termination
	for {
		term = f.Next()
		if term != TermContinue {
			break
		}
		steps++
		if steps > 10000 {
			t.Fatal("track did not terminate")
		}
	}
	if term != TermExitImage {
		t.Fatalf("termination = %v, want %v", term, TermExitImage)
	}

	// 2mm domain half-extent at 0.1mm steps: about 20 steps either way.
	if steps < 15 || steps > 25 {
		t.Errorf("took %d steps to the image edge, want about 20", steps)
	}
	pos := f.Pos()
	if math.Abs(float64(pos[1])) > 1e-4 || math.Abs(float64(pos[2])) > 1e-4 {
		t.Errorf("track drifted off axis: %v", pos)
	}
}

func TestFACTInitRespectsSeedDirection(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4), 2)
	props := NewProperties()
	props.Put("init_direction", "-1,0,0")
	f := newFACTForTest(t, src, props)

	f.SetPos(Point3{0, 0, 0})
	if !f.Init() {
		t.Fatal("Init failed")
	}
	if f.Dir()[0] >= 0 {
		t.Errorf("initial direction %v does not match the configured sign", f.Dir())
	}
}

func TestFACTInitFailsOnIsotropicSignal(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{1, 0, 0}, 1e-3, 1e-3), 2)
	f := newFACTForTest(t, src, NewProperties())

	f.SetPos(Point3{0, 0, 0})
	if f.Init() {
		t.Error("Init succeeded in an isotropic field; want failure below init threshold")
	}
}

func TestFACTInitFailsOutsideImage(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4), 2)
	f := newFACTForTest(t, src, NewProperties())

	f.SetPos(Point3{50, 0, 0})
	if f.Init() {
		t.Error("Init succeeded outside the image domain")
	}
}

func TestTensorDetMatchesFACTInUniformField(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{0, 1, 0}, 1.5e-3, 3e-4), 2)
	shared, err := NewSharedBase(src, NewProperties())
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	model, err := NewTensorDetShared(shared, mustGradTable(t))
	if err != nil {
		t.Fatalf("NewTensorDetShared: %v", err)
	}
	td := NewTensorDet(shared, model, src, 1)

	td.SetPos(Point3{0, 0, 0})
	if !td.Init() {
		t.Fatal("Init failed")
	}
	if term := td.Next(); term != TermContinue {
		t.Fatalf("Next = %v, want continue", term)
	}
	pos := td.Pos()
	if math.Abs(math.Abs(float64(pos[1]))-float64(shared.StepSize)) > 1e-5 {
		t.Errorf("position after one step = %v, want one step along y", pos)
	}
}

func TestTensorDetRK4UniformField(t *testing.T) {
	src := tensorFieldSource(tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4), 2)
	props := NewProperties()
	props.Put("rk4", "true")
	shared, err := NewSharedBase(src, props)
	if err != nil {
		t.Fatalf("NewSharedBase: %v", err)
	}
	model, err := NewTensorDetShared(shared, mustGradTable(t))
	if err != nil {
		t.Fatalf("NewTensorDetShared: %v", err)
	}
	td := NewTensorDet(shared, model, src, 1)

	td.SetPos(Point3{0, 0, 0})
	if !td.Init() {
		t.Fatal("Init failed")
	}

	var steps int
	for {
		term := td.Next()
		if term == TermContinue {
			steps++
			if steps > 10000 {
				t.Fatal("track did not terminate")
			}
			continue
		}
		if term != TermExitImage {
			t.Fatalf("termination = %v, want %v", term, TermExitImage)
		}
		break
	}
	// In a uniform field RK4 must still integrate a straight line.
	pos := td.Pos()
	if math.Abs(float64(pos[1])) > 1e-4 || math.Abs(float64(pos[2])) > 1e-4 {
		t.Errorf("RK4 track drifted off axis: %v", pos)
	}
}
