// Package metrics exports rollout telemetry to Prometheus. A Collector
// subscribes to the event bus and mirrors the lifecycle into gauges and
// counters; it holds no state of its own beyond the registry.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
)

// Collector turns lifecycle events into Prometheus series.
type Collector struct {
	canaryWeight    prometheus.Gauge
	stageIndex      prometheus.Gauge
	gateStatus      *prometheus.GaugeVec
	gatePValue      *prometheus.GaugeVec
	scoreMean       *prometheus.GaugeVec
	scoreCount      *prometheus.GaugeVec
	canaryErrorRate prometheus.Gauge

	eventsTotal     *prometheus.CounterVec
	rollbacksTotal  prometheus.Counter
	promotionsTotal prometheus.Counter

	monitorFailures  prometheus.Gauge
	monitorRequests  prometheus.Gauge
	monitorThrottled prometheus.Gauge
}

// NewCollector builds and registers the full metric set.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		canaryWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_canary_weight",
			Help: "Current canary traffic share in percent.",
		}),
		stageIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_stage_index",
			Help: "Zero-based index of the active rollout stage.",
		}),
		gateStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "braincanary_gate_status",
			Help: "Latest gate outcome per scorer: 1 passing, 0 insufficient data, -1 failing.",
		}, []string{"scorer"}),
		gatePValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "braincanary_gate_p_value",
			Help: "One-sided p-value of the latest gate comparison per scorer.",
		}, []string{"scorer"}),
		scoreMean: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "braincanary_score_mean",
			Help: "Running mean score per version and scorer for the active stage.",
		}, []string{"version", "scorer"}),
		scoreCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "braincanary_score_count",
			Help: "Scored trace count per version and scorer for the active stage.",
		}, []string{"version", "scorer"}),
		canaryErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_canary_error_rate",
			Help: "Fraction of canary traces that errored in the active stage.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "braincanary_events_total",
			Help: "Lifecycle events observed, by type.",
		}, []string{"type"}),
		rollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braincanary_rollbacks_total",
			Help: "Rollbacks triggered, automatic or manual.",
		}),
		promotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "braincanary_stage_promotions_total",
			Help: "Stage advances, automatic or manual.",
		}),
		monitorFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_monitor_consecutive_failures",
			Help: "Consecutive query failures reported by the score monitor.",
		}),
		monitorRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_monitor_requests_total",
			Help: "Total evaluation backend requests issued by the monitor.",
		}),
		monitorThrottled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "braincanary_monitor_rate_limited_total",
			Help: "Evaluation backend requests answered with HTTP 429.",
		}),
	}
	reg.MustRegister(
		c.canaryWeight, c.stageIndex, c.gateStatus, c.gatePValue,
		c.scoreMean, c.scoreCount, c.canaryErrorRate,
		c.eventsTotal, c.rollbacksTotal, c.promotionsTotal,
		c.monitorFailures, c.monitorRequests, c.monitorThrottled,
	)
	return c
}

// Run consumes the subscription channel until it closes or ctx ends.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe folds one event into the metric set.
func (c *Collector) Observe(ev events.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch data := ev.Data.(type) {
	case events.DeploymentStarted:
		c.stageIndex.Set(float64(data.StageIndex))
		c.canaryWeight.Set(float64(data.CanaryWeight))
		c.gateStatus.Reset()
		c.gatePValue.Reset()
		c.scoreMean.Reset()
		c.scoreCount.Reset()
		c.canaryErrorRate.Set(0)

	case events.ScoreUpdate:
		for scorer, vs := range data.Scores {
			c.scoreMean.WithLabelValues("baseline", scorer).Set(vs.Baseline.Mean)
			c.scoreMean.WithLabelValues("canary", scorer).Set(vs.Canary.Mean)
			c.scoreCount.WithLabelValues("baseline", scorer).Set(float64(vs.Baseline.N))
			c.scoreCount.WithLabelValues("canary", scorer).Set(float64(vs.Canary.N))
		}

	case events.GateStatus:
		for _, r := range data.Gates {
			c.gateStatus.WithLabelValues(r.Scorer).Set(gateStatusValue(r.Status))
			if r.PValue != nil {
				c.gatePValue.WithLabelValues(r.Scorer).Set(*r.PValue)
			}
		}

	case events.StageChange:
		c.promotionsTotal.Inc()
		c.stageIndex.Set(float64(data.To))
		c.canaryWeight.Set(float64(data.CanaryWeight))
		c.scoreMean.Reset()
		c.scoreCount.Reset()
		c.canaryErrorRate.Set(0)

	case events.RollbackTriggered:
		c.rollbacksTotal.Inc()
		c.canaryWeight.Set(0)

	case events.DeploymentComplete:
		if data.FinalState == "PROMOTED" {
			c.canaryWeight.Set(100)
		}

	case events.MonitorHealth:
		c.monitorFailures.Set(float64(data.ConsecutiveFailures))
		c.monitorRequests.Set(float64(data.TotalRequests))
		c.monitorThrottled.Set(float64(data.TotalRateLimited))
	}
}

func gateStatusValue(s gate.Status) float64 {
	switch s {
	case gate.StatusPassing:
		return 1
	case gate.StatusFailing:
		return -1
	default:
		return 0
	}
}
