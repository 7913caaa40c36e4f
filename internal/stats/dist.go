package stats

import (
	"math"
)

// The Student-t machinery below is self-contained: CDF through the
// regularized incomplete beta function, the incomplete beta through
// Lentz's continued fraction, and log-gamma through the Lanczos
// approximation (g=7).

const (
	lentzEpsilon   = 1e-30
	lentzTolerance = 1e-11
	lentzMaxIter   = 250
)

var lanczosCoefficients = [...]float64{
	0.99999999999980993,
	676.5203681218851,
	-1259.1392167224028,
	771.32342877765313,
	-176.61502916214059,
	12.507343278686905,
	-0.13857109526572012,
	9.9843695780195716e-6,
	1.5056327351493116e-7,
}

// logGamma computes ln Γ(z) via Lanczos with reflection for z < 0.5.
func logGamma(z float64) float64 {
	if z < 0.5 {
		// Reflection: Γ(z)Γ(1−z) = π / sin(πz).
		return math.Log(math.Pi/math.Sin(math.Pi*z)) - logGamma(1-z)
	}
	z--
	x := lanczosCoefficients[0]
	for i := 1; i < len(lanczosCoefficients); i++ {
		x += lanczosCoefficients[i] / (z + float64(i))
	}
	t := z + 7.5
	return 0.5*math.Log(2*math.Pi) + (z+0.5)*math.Log(t) - t + math.Log(x)
}

// regularizedIncompleteBeta computes I_x(a, b).
func regularizedIncompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	// The continued fraction converges fastest for x below the
	// symmetry point; mirror otherwise.
	if x > (a+1)/(a+b+2) {
		return 1 - regularizedIncompleteBeta(1-x, b, a)
	}
	lnBeta := logGamma(a) + logGamma(b) - logGamma(a+b)
	prefix := math.Exp(a*math.Log(x)+b*math.Log(1-x)-lnBeta) / a
	return prefix * betaContinuedFraction(x, a, b)
}

// betaContinuedFraction evaluates the continued-fraction expansion of
// the incomplete beta via Lentz's method.
func betaContinuedFraction(x, a, b float64) float64 {
	c := 1.0
	d := 1 - (a+b)*x/(a+1)
	if math.Abs(d) < lentzEpsilon {
		d = lentzEpsilon
	}
	d = 1 / d
	result := d

	for m := 1; m <= lentzMaxIter; m++ {
		fm := float64(m)

		// Even step.
		numerator := fm * (b - fm) * x / ((a + 2*fm - 1) * (a + 2*fm))
		d = 1 + numerator*d
		if math.Abs(d) < lentzEpsilon {
			d = lentzEpsilon
		}
		c = 1 + numerator/c
		if math.Abs(c) < lentzEpsilon {
			c = lentzEpsilon
		}
		d = 1 / d
		result *= d * c

		// Odd step.
		numerator = -(a + fm) * (a + b + fm) * x / ((a + 2*fm) * (a + 2*fm + 1))
		d = 1 + numerator*d
		if math.Abs(d) < lentzEpsilon {
			d = lentzEpsilon
		}
		c = 1 + numerator/c
		if math.Abs(c) < lentzEpsilon {
			c = lentzEpsilon
		}
		d = 1 / d
		delta := d * c
		result *= delta

		if math.Abs(delta-1) < lentzTolerance {
			break
		}
	}
	return result
}

// StudentTCDF returns P(T ≤ t) for a Student-t variable with df
// degrees of freedom.
func StudentTCDF(t, df float64) float64 {
	if df <= 0 {
		return math.NaN()
	}
	x := df / (df + t*t)
	p := 0.5 * regularizedIncompleteBeta(x, df/2, 0.5)
	if t >= 0 {
		return 1 - p
	}
	return p
}

// StudentTQuantile inverts the CDF by bisection on [-50, 50], which is
// more than enough resolution for confidence intervals.
func StudentTQuantile(p, df float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	lo, hi := -50.0, 50.0
	for i := 0; i < 120; i++ {
		mid := (lo + hi) / 2
		if StudentTCDF(mid, df) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
