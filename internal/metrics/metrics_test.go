package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
)

func newCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func event(t events.Type, data interface{}) events.Event {
	return events.Event{Type: t, DeploymentID: "dep-1", Timestamp: time.Now(), Data: data}
}

func TestDeploymentLifecycleMetrics(t *testing.T) {
	c := newCollector()

	c.Observe(event(events.TypeDeploymentStarted, events.DeploymentStarted{
		DeploymentID: "dep-1", StageIndex: 0, CanaryWeight: 10,
	}))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.canaryWeight))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.stageIndex))

	c.Observe(event(events.TypeStageChange, events.StageChange{From: 0, To: 1, CanaryWeight: 50}))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.canaryWeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageIndex))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promotionsTotal))

	c.Observe(event(events.TypeRollbackTriggered, events.RollbackTriggered{Reason: "score_regression:Q"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.canaryWeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rollbacksTotal))
}

func TestScoreAndGateMetrics(t *testing.T) {
	c := newCollector()

	c.Observe(event(events.TypeScoreUpdate, events.ScoreUpdate{
		Scores: map[string]events.VersionScores{
			"Factuality": {
				Baseline: events.ScoreSummary{Mean: 0.9, N: 40},
				Canary:   events.ScoreSummary{Mean: 0.85, N: 25},
			},
		},
	}))
	assert.Equal(t, 0.9, testutil.ToFloat64(c.scoreMean.WithLabelValues("baseline", "Factuality")))
	assert.Equal(t, 25.0, testutil.ToFloat64(c.scoreCount.WithLabelValues("canary", "Factuality")))

	p := 0.3
	c.Observe(event(events.TypeGateStatus, events.GateStatus{
		Gates: []gate.Result{
			{Scorer: "Factuality", Status: gate.StatusPassing, PValue: &p},
			{Scorer: "Toxicity", Status: gate.StatusFailing},
		},
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateStatus.WithLabelValues("Factuality")))
	assert.Equal(t, -1.0, testutil.ToFloat64(c.gateStatus.WithLabelValues("Toxicity")))
	assert.Equal(t, 0.3, testutil.ToFloat64(c.gatePValue.WithLabelValues("Factuality")))

	// A new stage discards the previous stage's evidence series.
	c.Observe(event(events.TypeStageChange, events.StageChange{To: 1, CanaryWeight: 50}))
	assert.Zero(t, testutil.CollectAndCount(c.scoreMean))
}

func TestMonitorHealthMetrics(t *testing.T) {
	c := newCollector()

	c.Observe(event(events.TypeMonitorHealth, events.MonitorHealth{
		Status: "degraded", ConsecutiveFailures: 4, TotalRequests: 120, TotalRateLimited: 7,
	}))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.monitorFailures))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.monitorRequests))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.monitorThrottled))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues(string(events.TypeMonitorHealth))))
}
