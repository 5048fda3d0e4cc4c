package tract

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// testGradRows is a minimal 7-volume encoding: one b=0 volume plus six
// non-collinear directions at b=1000. Directions are pre-normalised so the
// same rows can drive synthetic signal generation.
func testGradRows() [][]float64 {
	s := math.Sqrt(0.5)
	return [][]float64{
		{0, 0, 0, 0},
		{1, 0, 0, 1000},
		{0, 1, 0, 1000},
		{0, 0, 1, 1000},
		{s, s, 0, 1000},
		{s, 0, s, 1000},
		{0, s, s, 1000},
	}
}

// signalFor computes the noiseless signal S0 * exp(-b g'Dg) for every row of
// the encoding, for the tensor (Dxx Dyy Dzz Dxy Dxz Dyz).
func signalFor(rows [][]float64, d [6]float64, s0 float64) []float32 {
	out := make([]float32, len(rows))
	for i, r := range rows {
		gx, gy, gz, b := r[0], r[1], r[2], r[3]
		adc := gx*gx*d[0] + gy*gy*d[1] + gz*gz*d[2] +
			2*gx*gy*d[3] + 2*gx*gz*d[4] + 2*gy*gz*d[5]
		out[i] = float32(s0 * math.Exp(-b*adc))
	}
	return out
}

// tensorAlong builds a cylindrically symmetric tensor with principal
// diffusivity l1 along the unit direction u and l2 across it.
func tensorAlong(u Point3, l1, l2 float64) [6]float64 {
	d := l1 - l2
	return [6]float64{
		l2 + d*float64(u[0]*u[0]),
		l2 + d*float64(u[1]*u[1]),
		l2 + d*float64(u[2]*u[2]),
		d * float64(u[0]*u[1]),
		d * float64(u[0]*u[2]),
		d * float64(u[1]*u[2]),
	}
}

func mustGradTable(t *testing.T) *mat.Dense {
	t.Helper()
	g, err := LoadGradientTable(testGradRows())
	if err != nil {
		t.Fatalf("LoadGradientTable: %v", err)
	}
	return g
}

func TestTensorModelValidation(t *testing.T) {
	if _, err := newTensorModel(mat.NewDense(7, 3, nil)); err == nil {
		t.Error("expected error for 3-column encoding")
	}
	if _, err := newTensorModel(mat.NewDense(6, 4, nil)); err == nil {
		t.Error("expected error for 6-row encoding")
	}
	if _, err := LoadGradientTable(nil); err == nil {
		t.Error("expected error for empty gradient table")
	}
	if _, err := LoadGradientTable([][]float64{{1, 0, 0}}); err == nil {
		t.Error("expected error for short gradient row")
	}
}

func TestTensorFitRecoversTensor(t *testing.T) {
	model, err := newTensorModel(mustGradTable(t))
	if err != nil {
		t.Fatalf("newTensorModel: %v", err)
	}

	want := tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4)
	signal := signalFor(testGradRows(), want, 1)

	var got [6]float64
	model.fit(signal, &got)
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-6 {
			t.Errorf("tensor component %d = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestTensorFA(t *testing.T) {
	// Eigenvalues (1.5, 0.3, 0.3)e-3: FA = sqrt(1.5 * 0.96 / 2.43).
	d := tensorAlong(Point3{1, 0, 0}, 1.5e-3, 3e-4)
	want := math.Sqrt(1.5 * 0.96 / 2.43)
	if got := fa(&d); math.Abs(float64(got)-want) > 1e-5 {
		t.Errorf("fa = %g, want %g", got, want)
	}

	iso := [6]float64{1e-3, 1e-3, 1e-3, 0, 0, 0}
	if got := fa(&iso); got > 1e-6 {
		t.Errorf("isotropic fa = %g, want 0", got)
	}

	var zero [6]float64
	if got := fa(&zero); got != 0 {
		t.Errorf("zero-tensor fa = %g, want 0", got)
	}
}

func TestPrincipalDirection(t *testing.T) {
	u := Point3{1, 1, 0}.Normalise()
	d := tensorAlong(u, 1.5e-3, 3e-4)

	got, ok := principalDirection(&d)
	if !ok {
		t.Fatal("principalDirection failed")
	}
	// Eigenvectors carry no inherent sign.
	if math.Abs(math.Abs(float64(got.Dot(u)))-1) > 1e-5 {
		t.Errorf("principal direction %v not collinear with %v", got, u)
	}
}

func TestTensorFitRotatedRecovery(t *testing.T) {
	model, err := newTensorModel(mustGradTable(t))
	if err != nil {
		t.Fatalf("newTensorModel: %v", err)
	}

	u := Point3{0.6, 0, 0.8}
	want := tensorAlong(u, 1.7e-3, 2e-4)
	signal := signalFor(testGradRows(), want, 0.8)

	var got [6]float64
	model.fit(signal, &got)

	dir, ok := principalDirection(&got)
	if !ok {
		t.Fatal("principalDirection failed")
	}
	if math.Abs(math.Abs(float64(dir.Dot(u)))-1) > 1e-4 {
		t.Errorf("fitted principal direction %v not collinear with %v", dir, u)
	}
}
