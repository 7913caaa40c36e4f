package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braincanary/braincanary/internal/config"
)

func scoresFrom(samples []float64) Scores {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := 0.0
	if len(samples) > 0 {
		mean = sum / float64(len(samples))
	}
	return Scores{Mean: mean, N: int64(len(samples)), Samples: samples}
}

var (
	healthyBaseline = []float64{0.9, 0.91, 0.89, 0.9, 0.91, 0.88, 0.9, 0.9, 0.91, 0.89}
	healthyCanary   = []float64{0.9, 0.89, 0.9, 0.9, 0.88, 0.91, 0.9, 0.89, 0.91, 0.9}
	degradedCanary  = []float64{0.78, 0.75, 0.8, 0.76, 0.79, 0.77, 0.75, 0.78, 0.76, 0.77}
)

func notWorseGate() config.Gate {
	return config.Gate{
		Scorer:     "Q",
		Threshold:  0.5,
		Comparison: config.ComparisonNotWorse,
		Confidence: 0.95,
	}
}

func TestEvaluateHealthyCanaryPasses(t *testing.T) {
	res := Evaluate(notWorseGate(), scoresFrom(healthyBaseline), scoresFrom(healthyCanary), 2)

	assert.Equal(t, StatusPassing, res.Status)
	assert.True(t, res.AbsoluteCheck)
	assert.True(t, res.ComparisonCheck)
	require.NotNil(t, res.PValue)
	assert.Greater(t, *res.PValue, 0.05)
	assert.Equal(t, int64(10), res.CanaryN)
}

func TestEvaluateRegressedCanaryFails(t *testing.T) {
	res := Evaluate(notWorseGate(), scoresFrom(healthyBaseline), scoresFrom(degradedCanary), 2)

	assert.Equal(t, StatusFailing, res.Status)
	assert.True(t, res.AbsoluteCheck, "0.77 is still above the 0.5 absolute floor")
	assert.False(t, res.ComparisonCheck)
	require.NotNil(t, res.PValue)
	assert.Less(t, *res.PValue, 0.01)
}

func TestEvaluateBelowAbsoluteThresholdFails(t *testing.T) {
	g := notWorseGate()
	g.Threshold = 0.95
	res := Evaluate(g, scoresFrom(healthyBaseline), scoresFrom(healthyCanary), 2)

	assert.Equal(t, StatusFailing, res.Status)
	assert.False(t, res.AbsoluteCheck)
	assert.True(t, res.ComparisonCheck)
}

func TestEvaluateInsufficientCanarySamples(t *testing.T) {
	res := Evaluate(notWorseGate(), scoresFrom(healthyBaseline), scoresFrom(healthyCanary), 11)

	assert.Equal(t, StatusInsufficientData, res.Status)
	assert.Nil(t, res.PValue)
	assert.False(t, res.AbsoluteCheck)
	assert.False(t, res.ComparisonCheck)
}

func TestEvaluateMinSamplesBoundary(t *testing.T) {
	// canaryN = min_samples - 1 is insufficient; = min_samples evaluates.
	res := Evaluate(notWorseGate(), scoresFrom(healthyBaseline), scoresFrom(healthyCanary[:9]), 10)
	assert.Equal(t, StatusInsufficientData, res.Status)

	res = Evaluate(notWorseGate(), scoresFrom(healthyBaseline), scoresFrom(healthyCanary), 10)
	assert.NotEqual(t, StatusInsufficientData, res.Status)
}

func TestEvaluateInsufficientBaselineSamples(t *testing.T) {
	res := Evaluate(notWorseGate(), scoresFrom(healthyBaseline[:9]), scoresFrom(healthyCanary), 2)
	assert.Equal(t, StatusInsufficientData, res.Status)
}

func TestEvaluateAbsoluteOnlySkipsTTest(t *testing.T) {
	g := config.Gate{
		Scorer:     "Q",
		Threshold:  0.5,
		Comparison: config.ComparisonAbsoluteOnly,
		Confidence: 0.95,
	}
	res := Evaluate(g, scoresFrom(healthyBaseline), scoresFrom(degradedCanary), 2)

	assert.Equal(t, StatusPassing, res.Status, "degraded canary still clears the absolute floor")
	assert.Nil(t, res.PValue)
	assert.True(t, res.ComparisonCheck)
}

func TestEvaluateBetterThanBaseline(t *testing.T) {
	improved := []float64{0.97, 0.98, 0.96, 0.97, 0.98, 0.97, 0.96, 0.98, 0.97, 0.97}

	g := config.Gate{
		Scorer:     "Q",
		Threshold:  0.5,
		Comparison: config.ComparisonBetter,
		Confidence: 0.95,
	}
	res := Evaluate(g, scoresFrom(healthyBaseline), scoresFrom(improved), 2)
	assert.Equal(t, StatusPassing, res.Status)

	// An equivalent canary is not significantly better.
	res = Evaluate(g, scoresFrom(healthyBaseline), scoresFrom(healthyCanary), 2)
	assert.Equal(t, StatusFailing, res.Status)
	assert.False(t, res.ComparisonCheck)
}
