package stats

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningStatsMatchesNaiveMoments(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rs := NewRunningStats()
	xs := make([]float64, 0, 5000)
	for i := 0; i < 5000; i++ {
		x := rng.NormFloat64()*0.2 + 0.8
		xs = append(xs, x)
		rs.Add(x)
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	naiveMean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - naiveMean
		ss += d * d
	}
	naiveVar := ss / float64(len(xs)-1)

	assert.InEpsilon(t, naiveMean, rs.Mean(), 1e-10)
	assert.InEpsilon(t, naiveVar, rs.Variance(), 1e-10)
	assert.Equal(t, int64(len(xs)), rs.N())
}

func TestRunningStatsReservoirCapped(t *testing.T) {
	rs := NewRunningStats()
	for i := 0; i < ReservoirCapacity+5000; i++ {
		rs.Add(float64(i))
	}
	assert.Equal(t, int64(ReservoirCapacity+5000), rs.N())
	assert.Len(t, rs.Samples(), ReservoirCapacity)
}

func TestRunningStatsReset(t *testing.T) {
	rs := NewRunningStats()
	rs.Add(1.0)
	rs.Add(2.0)
	rs.Reset()
	assert.Equal(t, int64(0), rs.N())
	assert.Zero(t, rs.Mean())
	assert.Empty(t, rs.Samples())
}

func TestVarianceSingleSampleIsZero(t *testing.T) {
	rs := NewRunningStats()
	rs.Add(0.7)
	assert.Zero(t, rs.Variance())
	assert.Zero(t, rs.StdDev())
}

func TestWelchIdenticalSamplesDegenerate(t *testing.T) {
	same := []float64{0.9, 0.9, 0.9, 0.9}
	res, err := Welch(same, same)
	require.NoError(t, err)
	assert.Zero(t, res.T)
	assert.Equal(t, 1.0, res.PTwoSided)
	assert.Equal(t, 0.5, res.POneSided)
	assert.Zero(t, res.CILow)
	assert.Zero(t, res.CIHigh)
	assert.Equal(t, 0.9, res.BaselineMean)
	assert.Equal(t, 0.9, res.CanaryMean)
}

func TestWelchInsufficientSamples(t *testing.T) {
	_, err := Welch([]float64{0.9}, []float64{0.8, 0.7})
	require.ErrorIs(t, err, ErrInsufficientSamples)

	_, err = Welch([]float64{0.9, 0.8}, []float64{0.7})
	require.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestWelchDetectsClearRegression(t *testing.T) {
	baseline := []float64{0.9, 0.91, 0.89, 0.9, 0.91, 0.88, 0.9, 0.9, 0.91, 0.89}
	canary := []float64{0.78, 0.75, 0.8, 0.76, 0.79, 0.77, 0.75, 0.78, 0.76, 0.77}

	res, err := Welch(baseline, canary)
	require.NoError(t, err)
	assert.Negative(t, res.T)
	assert.Less(t, res.POneSided, 0.01, "canary is clearly worse")
	assert.Less(t, res.PTwoSided, 0.01)
	assert.Negative(t, res.CIHigh, "CI on canary-baseline should exclude zero")
}

func TestWelchEquivalentVariantsNotSignificant(t *testing.T) {
	baseline := []float64{0.9, 0.91, 0.89, 0.9, 0.91, 0.88, 0.9, 0.9, 0.91, 0.89}
	canary := []float64{0.9, 0.89, 0.9, 0.9, 0.88, 0.91, 0.9, 0.89, 0.91, 0.9}

	res, err := Welch(baseline, canary)
	require.NoError(t, err)
	assert.Greater(t, res.POneSided, 0.05)
	assert.Less(t, res.CILow, 0.0)
	assert.Greater(t, res.CIHigh, 0.0)
}

func TestStudentTCDFSymmetry(t *testing.T) {
	for _, df := range []float64{1, 2, 5, 10, 30, 100} {
		assert.InDelta(t, 0.5, StudentTCDF(0, df), 1e-9)
		for _, tv := range []float64{0.5, 1, 2, 3} {
			lower := StudentTCDF(-tv, df)
			upper := StudentTCDF(tv, df)
			assert.InDelta(t, 1.0, lower+upper, 1e-9)
		}
	}
}

func TestStudentTCDFApproachesNormal(t *testing.T) {
	// For large df the t distribution converges to the standard normal.
	assert.InDelta(t, 0.975, StudentTCDF(1.96, 1e6), 1e-3)
	assert.InDelta(t, 0.8413, StudentTCDF(1.0, 1e6), 1e-3)
}

func TestStudentTCDFKnownValues(t *testing.T) {
	// t=2.228, df=10 is the classic 97.5th percentile table entry.
	assert.InDelta(t, 0.975, StudentTCDF(2.228, 10), 1e-3)
	// t=1, df=1 (Cauchy): CDF = 0.75.
	assert.InDelta(t, 0.75, StudentTCDF(1, 1), 1e-6)
}

func TestStudentTQuantileRoundTrip(t *testing.T) {
	for _, df := range []float64{3, 9, 29, 120} {
		for _, p := range []float64{0.05, 0.25, 0.5, 0.9, 0.975} {
			q := StudentTQuantile(p, df)
			assert.InDelta(t, p, StudentTCDF(q, df), 1e-8)
		}
	}
	assert.InDelta(t, 2.262, StudentTQuantile(0.975, 9), 1e-3)
	assert.True(t, math.IsInf(StudentTQuantile(1, 10), 1))
	assert.True(t, math.IsInf(StudentTQuantile(0, 10), -1))
}

func TestLogGammaKnownValues(t *testing.T) {
	assert.InDelta(t, 0.0, logGamma(1), 1e-10)
	assert.InDelta(t, 0.0, logGamma(2), 1e-10)
	assert.InDelta(t, math.Log(24), logGamma(5), 1e-10)
	assert.InDelta(t, 0.5*math.Log(math.Pi), logGamma(0.5), 1e-10)
}
