package tract

import (
	"fmt"
	"math"
)

// Fibre orientation distributions are stored as real even-order spherical
// harmonic coefficients, one set per voxel, using the symmetric-function
// convention: for order lmax there are (lmax/2+1)*(lmax+1) coefficients,
// indexed by l*(l+1)/2 + m for even l and -l <= m <= l.

// shLmaxForCoefs returns the (even) harmonic order implied by a coefficient
// count, or an error if the count matches no even order.
func shLmaxForCoefs(n int) (int, error) {
	for lmax := 0; lmax <= 16; lmax += 2 {
		if (lmax/2+1)*(lmax+1) == n {
			return lmax, nil
		}
	}
	return 0, fmt.Errorf("%d is not a valid even-order spherical harmonic coefficient count", n)
}

func shIndex(l, m int) int {
	return l*(l+1)/2 + m
}

// assocLegendre evaluates the associated Legendre functions P_l^m(x) for
// all l in [m, lmax] at fixed m, via the standard stable recurrence,
// writing P_l^m into out[l].
func assocLegendre(out []float64, lmax, m int, x float64) {
	// P_m^m
	pmm := 1.0
	if m > 0 {
		somx2 := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 0; i < m; i++ {
			pmm *= -fact * somx2
			fact += 2
		}
	}
	out[m] = pmm
	if lmax == m {
		return
	}
	pmmp1 := x * float64(2*m+1) * pmm
	out[m+1] = pmmp1
	for l := m + 2; l <= lmax; l++ {
		pll := (x*float64(2*l-1)*pmmp1 - float64(l+m-1)*pmm) / float64(l-m)
		pmm, pmmp1 = pmmp1, pll
		out[l] = pll
	}
}

// shAmplitude evaluates the SH-expanded function along the unit direction
// dir. coef must hold a valid even-order coefficient set.
func shAmplitude(coef []float32, lmax int, dir Point3) float32 {
	cosTheta := float64(dir[2])
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	phi := math.Atan2(float64(dir[1]), float64(dir[0]))

	plm := make([]float64, lmax+1)
	var sum float64

	// m = 0 terms.
	assocLegendre(plm, lmax, 0, cosTheta)
	for l := 0; l <= lmax; l += 2 {
		k := math.Sqrt(float64(2*l+1) / (4 * math.Pi))
		sum += float64(coef[shIndex(l, 0)]) * k * plm[l]
	}

	// m != 0 terms share the normalisation and Legendre evaluation.
	for m := 1; m <= lmax; m++ {
		assocLegendre(plm, lmax, m, cosTheta)
		cosM := math.Cos(float64(m) * phi)
		sinM := math.Sin(float64(m) * phi)
		lStart := m
		if lStart%2 != 0 {
			lStart++
		}
		for l := lStart; l <= lmax; l += 2 {
			k := math.Sqrt(float64(2*l+1) / (4 * math.Pi) * factorialRatio(l-m, l+m))
			basis := math.Sqrt2 * k * plm[l]
			sum += float64(coef[shIndex(l, m)]) * basis * cosM
			sum += float64(coef[shIndex(l, -m)]) * basis * sinM
		}
	}
	return float32(sum)
}

// factorialRatio returns num! / den! for num <= den.
func factorialRatio(num, den int) float64 {
	r := 1.0
	for i := num + 1; i <= den; i++ {
		r /= float64(i)
	}
	return r
}
