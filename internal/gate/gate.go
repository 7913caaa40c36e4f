// Package gate evaluates rollout quality gates: an absolute threshold
// on the canary mean plus an optional Welch comparison against the
// baseline.
package gate

import (
	"errors"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/stats"
)

// Status classifies a gate evaluation.
type Status string

const (
	StatusPassing          Status = "passing"
	StatusFailing          Status = "failing"
	StatusInsufficientData Status = "insufficient_data"
)

// minBaselineSamples is the floor on baseline observations before any
// comparison is meaningful, independent of the stage's min_samples.
const minBaselineSamples = 10

// Scores is one side's evidence for a single scorer: the moments plus
// the raw retained samples the t-test runs on.
type Scores struct {
	Mean    float64   `json:"mean"`
	Std     float64   `json:"std"`
	N       int64     `json:"n"`
	Samples []float64 `json:"-"`
}

// Result is the outcome of evaluating one gate.
type Result struct {
	Scorer             string   `json:"scorer"`
	Status             Status   `json:"status"`
	PValue             *float64 `json:"p_value,omitempty"`
	BaselineMean       float64  `json:"baseline_mean"`
	CanaryMean         float64  `json:"canary_mean"`
	BaselineN          int64    `json:"baseline_n"`
	CanaryN            int64    `json:"canary_n"`
	AbsoluteCheck      bool     `json:"absolute_check"`
	ComparisonCheck    bool     `json:"comparison_check"`
	ConfidenceRequired float64  `json:"confidence_required"`
}

// Evaluate runs one gate over baseline and canary scores. minSamples is
// the current stage's canary sample floor.
func Evaluate(g config.Gate, baseline, canary Scores, minSamples int) Result {
	result := Result{
		Scorer:             g.Scorer,
		BaselineMean:       baseline.Mean,
		CanaryMean:         canary.Mean,
		BaselineN:          baseline.N,
		CanaryN:            canary.N,
		ConfidenceRequired: g.Confidence,
	}

	if canary.N < int64(minSamples) || baseline.N < minBaselineSamples {
		result.Status = StatusInsufficientData
		return result
	}

	result.AbsoluteCheck = canary.Mean >= g.Threshold

	if g.Comparison == config.ComparisonAbsoluteOnly {
		result.ComparisonCheck = true
	} else {
		welch, err := stats.Welch(baseline.Samples, canary.Samples)
		if err != nil {
			if errors.Is(err, stats.ErrInsufficientSamples) {
				result.Status = StatusInsufficientData
				result.AbsoluteCheck = false
				return result
			}
			result.Status = StatusFailing
			return result
		}
		// One-sided: the probability the true canary mean is at most
		// the baseline mean.
		p := welch.POneSided
		result.PValue = &p

		switch g.Comparison {
		case config.ComparisonNotWorse:
			// Pass unless we can reject "canary is at least as good"
			// at the required confidence.
			result.ComparisonCheck = p >= 1-g.Confidence
		case config.ComparisonBetter:
			result.ComparisonCheck = (1 - p) >= g.Confidence
		}
	}

	if result.AbsoluteCheck && result.ComparisonCheck {
		result.Status = StatusPassing
	} else {
		result.Status = StatusFailing
	}
	return result
}
