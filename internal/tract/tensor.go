package tract

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// tensorModel holds the per-run diffusion tensor fitting state shared by the
// tensor-based methods: the b-matrix built from the gradient encoding and
// its pseudo-inverse. It is computed once at run configuration time and read
// concurrently by all workers.
type tensorModel struct {
	binv *mat.Dense // 7 x N: log-signal -> (Dxx Dyy Dzz Dxy Dxz Dyz logS0)
	n    int
}

// newTensorModel validates and normalises the gradient encoding (one row
// per volume: gx gy gz b) and precomputes the fitting matrices. These are
// configuration errors: they fail the whole run at setup.
func newTensorModel(grad *mat.Dense) (*tensorModel, error) {
	rows, cols := grad.Dims()
	if cols != 4 {
		return nil, fmt.Errorf("unexpected number of columns in gradient encoding (expected 4, got %d)", cols)
	}
	if rows < 7 {
		return nil, fmt.Errorf("too few rows in gradient encoding (need at least 7, got %d)", rows)
	}

	// Normalise gradient directions; a zero direction is a b=0 volume.
	g := mat.DenseCopyOf(grad)
	for i := 0; i < rows; i++ {
		norm := math.Sqrt(g.At(i, 0)*g.At(i, 0) + g.At(i, 1)*g.At(i, 1) + g.At(i, 2)*g.At(i, 2))
		if norm > 0 {
			for j := 0; j < 3; j++ {
				g.Set(i, j, g.At(i, j)/norm)
			}
		}
	}

	bmat := mat.NewDense(rows, 7, nil)
	for i := 0; i < rows; i++ {
		gx, gy, gz, b := g.At(i, 0), g.At(i, 1), g.At(i, 2), g.At(i, 3)
		bmat.Set(i, 0, -b*gx*gx)
		bmat.Set(i, 1, -b*gy*gy)
		bmat.Set(i, 2, -b*gz*gz)
		bmat.Set(i, 3, -2*b*gx*gy)
		bmat.Set(i, 4, -2*b*gx*gz)
		bmat.Set(i, 5, -2*b*gy*gz)
		bmat.Set(i, 6, 1)
	}

	binv, err := pseudoInverse(bmat)
	if err != nil {
		return nil, fmt.Errorf("gradient encoding is rank-deficient: %w", err)
	}
	return &tensorModel{binv: binv, n: rows}, nil
}

// pseudoInverse computes the Moore-Penrose inverse via thin SVD.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("SVD failed to converge")
	}
	rows, cols := a.Dims()
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	k := len(s)
	dinv := mat.NewDense(k, k, nil)
	tol := 1e-12 * s[0] * math.Max(float64(rows), float64(cols))
	for i, sv := range s {
		if sv > tol {
			dinv.Set(i, i, 1/sv)
		}
	}

	pinv := mat.NewDense(cols, rows, nil)
	var tmp mat.Dense
	tmp.Mul(&v, dinv)
	pinv.Mul(&tmp, u.T())
	return pinv, nil
}

// fit estimates the six tensor coefficients from the sampled signal values.
// Non-positive signals are clamped before the log transform.
func (t *tensorModel) fit(signal []float32, tensor *[6]float64) {
	logS := mat.NewVecDense(t.n, nil)
	for i := 0; i < t.n; i++ {
		s := float64(signal[i])
		if s < 1e-12 {
			s = 1e-12
		}
		logS.SetVec(i, math.Log(s))
	}
	var x mat.VecDense
	x.MulVec(t.binv, logS)
	for i := 0; i < 6; i++ {
		tensor[i] = x.AtVec(i)
	}
}

// fa computes the fractional anisotropy directly from the tensor
// coefficients, without an eigen-decomposition.
func fa(t *[6]float64) float32 {
	mean := (t[0] + t[1] + t[2]) / 3
	offdiag := t[3]*t[3] + t[4]*t[4] + t[5]*t[5]
	num := (t[0]-mean)*(t[0]-mean) + (t[1]-mean)*(t[1]-mean) + (t[2]-mean)*(t[2]-mean) + 2*offdiag
	den := t[0]*t[0] + t[1]*t[1] + t[2]*t[2] + 2*offdiag
	if den <= 0 {
		return 0
	}
	return float32(math.Sqrt(1.5 * num / den))
}

// principalDirection returns the eigenvector of the largest eigenvalue of
// the symmetric tensor, as a unit direction.
func principalDirection(t *[6]float64) (Point3, bool) {
	m := mat.NewSymDense(3, []float64{
		t[0], t[3], t[4],
		t[3], t[1], t[5],
		t[4], t[5], t[2],
	})
	var eig mat.EigenSym
	if !eig.Factorize(m, true) {
		return Point3{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are sorted ascending; the principal direction is the
	// last column.
	dir := Point3{
		float32(vecs.At(0, 2)),
		float32(vecs.At(1, 2)),
		float32(vecs.At(2, 2)),
	}
	return dir.Normalise(), true
}

// LoadGradientTable parses a gradient encoding from whitespace-separated
// text: one row per volume, four columns (gx gy gz b).
func LoadGradientTable(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty gradient table")
	}
	g := mat.NewDense(len(rows), 4, nil)
	for i, r := range rows {
		if len(r) != 4 {
			return nil, fmt.Errorf("gradient table row %d: expected 4 values, got %d", i, len(r))
		}
		for j, v := range r {
			g.Set(i, j, v)
		}
	}
	return g, nil
}
