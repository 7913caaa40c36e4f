// Package stats implements the numerical core of the rollout gates:
// incremental moment tracking with reservoir sampling and Welch's
// unequal-variance two-sample t-test with a self-contained Student-t
// distribution.
package stats

import (
	"math"
	"math/rand"
	"sync"
)

// ReservoirCapacity bounds the number of raw samples retained per
// (version, scorer) stream. The t-test needs raw samples, not just
// moments, so the reservoir keeps a uniform subsample of the stream.
const ReservoirCapacity = 10000

// RunningStats tracks count, mean and sum of squared deviations under
// Welford's update, plus a bounded uniform reservoir of raw samples.
type RunningStats struct {
	mu        sync.Mutex
	n         int64
	mean      float64
	m2        float64
	reservoir []float64
	rng       *rand.Rand
}

// NewRunningStats creates an empty accumulator.
func NewRunningStats() *RunningStats {
	return &RunningStats{
		reservoir: make([]float64, 0, 256),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Add folds one observation into the moments and the reservoir.
func (rs *RunningStats) Add(x float64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.n++
	delta := x - rs.mean
	rs.mean += delta / float64(rs.n)
	rs.m2 += delta * (x - rs.mean)

	if len(rs.reservoir) < ReservoirCapacity {
		rs.reservoir = append(rs.reservoir, x)
		return
	}
	// Uniform replacement keeps the retained set an unbiased sample
	// of the full stream.
	if j := rs.rng.Int63n(rs.n); j < ReservoirCapacity {
		rs.reservoir[j] = x
	}
}

// Reset zeroes the moments and drops all retained samples.
func (rs *RunningStats) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.n = 0
	rs.mean = 0
	rs.m2 = 0
	rs.reservoir = rs.reservoir[:0]
}

// N returns the number of observations folded in so far.
func (rs *RunningStats) N() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.n
}

// Mean returns the running mean.
func (rs *RunningStats) Mean() float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.mean
}

// Variance returns the Bessel-corrected sample variance.
func (rs *RunningStats) Variance() float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.varianceLocked()
}

func (rs *RunningStats) varianceLocked() float64 {
	if rs.n < 2 {
		return 0
	}
	return rs.m2 / float64(rs.n-1)
}

// StdDev returns the sample standard deviation.
func (rs *RunningStats) StdDev() float64 {
	return math.Sqrt(rs.Variance())
}

// Samples returns a copy of the retained reservoir.
func (rs *RunningStats) Samples() []float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]float64, len(rs.reservoir))
	copy(out, rs.reservoir)
	return out
}

// Summary is a point-in-time copy of the moments.
type Summary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	N    int64   `json:"n"`
}

// Summarize copies the moments out under one lock acquisition.
func (rs *RunningStats) Summarize() Summary {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Summary{
		Mean: rs.mean,
		Std:  math.Sqrt(rs.varianceLocked()),
		N:    rs.n,
	}
}
