package stats

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientSamples is returned when either side of a t-test has
// fewer than two observations.
var ErrInsufficientSamples = errors.New("insufficient samples for t-test")

// WelchResult holds the outcome of an unequal-variance two-sample
// t-test comparing canary against baseline.
type WelchResult struct {
	T            float64 `json:"t"`
	DF           float64 `json:"df"`
	PTwoSided    float64 `json:"p_two_sided"`
	POneSided    float64 `json:"p_one_sided"` // P(true canary mean ≤ baseline mean)
	BaselineMean float64 `json:"baseline_mean"`
	CanaryMean   float64 `json:"canary_mean"`
	BaselineN    int     `json:"baseline_n"`
	CanaryN      int     `json:"canary_n"`
	CILow        float64 `json:"ci_low"`
	CIHigh       float64 `json:"ci_high"`
}

// Welch runs Welch's t-test on raw baseline and canary samples.
func Welch(baseline, canary []float64) (WelchResult, error) {
	n1, n2 := len(baseline), len(canary)
	if n1 < 2 || n2 < 2 {
		return WelchResult{}, fmt.Errorf("%w: baseline=%d canary=%d", ErrInsufficientSamples, n1, n2)
	}

	mean1, var1 := meanVariance(baseline)
	mean2, var2 := meanVariance(canary)

	se := math.Sqrt(var1/float64(n1) + var2/float64(n2))
	result := WelchResult{
		BaselineMean: mean1,
		CanaryMean:   mean2,
		BaselineN:    n1,
		CanaryN:      n2,
	}
	if se == 0 {
		// Degenerate: identical, zero-variance samples. No evidence
		// either way.
		result.PTwoSided = 1
		result.POneSided = 0.5
		return result, nil
	}

	result.T = (mean2 - mean1) / se

	// Welch–Satterthwaite degrees of freedom.
	v1 := var1 / float64(n1)
	v2 := var2 / float64(n2)
	result.DF = (v1 + v2) * (v1 + v2) /
		(v1*v1/float64(n1-1) + v2*v2/float64(n2-1))

	result.PTwoSided = 2 * StudentTCDF(-math.Abs(result.T), result.DF)
	result.POneSided = StudentTCDF(result.T, result.DF)

	tCrit := StudentTQuantile(0.975, result.DF)
	diff := mean2 - mean1
	result.CILow = diff - se*tCrit
	result.CIHigh = diff + se*tCrit
	return result, nil
}

func meanVariance(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n - 1
	return mean, variance
}
