// Package monitor polls the evaluation backend for newly scored
// traces and maintains running per-(version, scorer) statistics for
// the active stage.
package monitor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/braincanary/braincanary/internal/braintrust"
	"github.com/braincanary/braincanary/internal/clock"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
	"github.com/braincanary/braincanary/internal/stats"
)

// VersionScores is both sides' evidence for one scorer.
type VersionScores struct {
	Baseline gate.Scores
	Canary   gate.Scores
}

// Snapshot is the message pushed to the controller after each tick.
type Snapshot struct {
	Scores       map[string]VersionScores
	CanaryTotal  int64
	CanaryErrors int64
}

// ErrorRate returns the canary error fraction, 0 when no traffic yet.
func (s Snapshot) ErrorRate() float64 {
	if s.CanaryTotal == 0 {
		return 0
	}
	return float64(s.CanaryErrors) / float64(s.CanaryTotal)
}

// Config constructs a Monitor.
type Config struct {
	DeploymentID   string
	Project        string
	PollInterval   time.Duration
	StageStartTime time.Time
	ScorerNames    []string
	ScorerLagGrace time.Duration
	Querier        braintrust.Querier
	Clock          clock.Clock
}

// Handlers receives the monitor's outputs. Both callbacks are invoked
// from the monitor goroutine, one at a time.
type Handlers struct {
	OnScoreUpdate   func(Snapshot)
	OnMonitorHealth func(events.MonitorHealth)
}

// Monitor is the watermark-driven polling aggregator. One instance
// serves one deployment; stats reset on stage entry.
type Monitor struct {
	deploymentID string
	project      string
	pollInterval time.Duration
	scorerNames  []string
	lagGrace     time.Duration
	querier      braintrust.Querier
	clk          clock.Clock
	handlers     Handlers

	mu                sync.Mutex
	watermarkBaseline time.Time
	watermarkCanary   time.Time
	baselineStats     map[string]*stats.RunningStats
	canaryStats       map[string]*stats.RunningStats
	seenBaseline      map[string]struct{}
	seenCanary        map[string]struct{}
	canaryTotal       int64
	canaryErrors      int64

	inFlight atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a stopped monitor.
func New(cfg Config, handlers Handlers) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	m := &Monitor{
		deploymentID: cfg.DeploymentID,
		project:      cfg.Project,
		pollInterval: cfg.PollInterval,
		scorerNames:  cfg.ScorerNames,
		lagGrace:     cfg.ScorerLagGrace,
		querier:      cfg.Querier,
		clk:          cfg.Clock,
		handlers:     handlers,
	}
	m.resetLocked(cfg.StageStartTime)
	return m
}

func (m *Monitor) resetLocked(t time.Time) {
	m.watermarkBaseline = t
	m.watermarkCanary = t
	m.canaryTotal = 0
	m.canaryErrors = 0
	m.baselineStats = make(map[string]*stats.RunningStats, len(m.scorerNames))
	m.canaryStats = make(map[string]*stats.RunningStats, len(m.scorerNames))
	m.seenBaseline = make(map[string]struct{})
	m.seenCanary = make(map[string]struct{})
	for _, scorer := range m.scorerNames {
		m.baselineStats[scorer] = stats.NewRunningStats()
		m.canaryStats[scorer] = stats.NewRunningStats()
	}
}

// ResetForStage rewinds watermarks to the new stage start and zeroes
// all accumulated statistics and counters.
func (m *Monitor) ResetForStage(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(t)
	log.Debug().Str("deployment", m.deploymentID).Time("stage_start", t).Msg("monitor reset for stage")
}

// Start launches the poll loop. The first tick fires immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.tick(ctx)
		ticker := m.clk.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.tick(ctx)
			}
		}
	}()
}

// Stop cancels the poll loop and joins any in-flight tick.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// tick ingests both versions' new rows, then emits a score update and
// a health report. Overlapping ticks are dropped.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		log.Warn().Str("deployment", m.deploymentID).Msg("monitor tick overlap, dropping")
		return
	}
	defer m.inFlight.Store(false)

	if err := m.ingest(ctx, braintrust.VersionBaseline); err != nil {
		m.failTick(err)
		return
	}
	if err := m.ingest(ctx, braintrust.VersionCanary); err != nil {
		m.failTick(err)
		return
	}

	snapshot := m.snapshot()
	if m.handlers.OnScoreUpdate != nil {
		m.handlers.OnScoreUpdate(snapshot)
	}
	m.emitHealth(false)
}

// failTick reports a degraded oracle without advancing any state. A
// dead evaluation backend is not evidence of a canary regression.
func (m *Monitor) failTick(err error) {
	log.Error().Err(err).Str("deployment", m.deploymentID).Msg("monitor tick failed")
	m.emitHealth(true)
}

func (m *Monitor) ingest(ctx context.Context, version string) error {
	m.mu.Lock()
	watermark := m.watermarkBaseline
	if version == braintrust.VersionCanary {
		watermark = m.watermarkCanary
	}
	m.mu.Unlock()

	// Scores can lag trace creation; query behind the watermark and
	// rely on id de-dup to absorb the overlap.
	queryFrom := watermark.Add(-m.lagGrace)
	query := braintrust.TraceQuery(m.project, m.deploymentID, version, queryFrom)

	rows, err := m.querier.Query(ctx, query)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	maxCreated := watermark
	for _, row := range rows {
		if row.Created.After(maxCreated) {
			maxCreated = row.Created
		}
		if m.dedupeLocked(version, row.ID) {
			continue
		}
		m.consumeLocked(version, row)
	}
	if version == braintrust.VersionCanary {
		m.watermarkCanary = maxCreated
	} else {
		m.watermarkBaseline = maxCreated
	}
	return nil
}

// dedupeLocked records the row id and reports whether it was already
// consumed this stage.
func (m *Monitor) dedupeLocked(version, id string) bool {
	if id == "" {
		return false
	}
	seen := m.seenBaseline
	if version == braintrust.VersionCanary {
		seen = m.seenCanary
	}
	if _, dup := seen[id]; dup {
		return true
	}
	seen[id] = struct{}{}
	return false
}

func (m *Monitor) consumeLocked(version string, row braintrust.Row) {
	statsByScorer := m.baselineStats
	if version == braintrust.VersionCanary {
		statsByScorer = m.canaryStats
		m.canaryTotal++
		if row.Error != nil {
			m.canaryErrors++
		}
	}
	for _, scorer := range m.scorerNames {
		value, ok := row.Scores[scorer]
		if !ok || value == nil {
			continue
		}
		if math.IsNaN(*value) || math.IsInf(*value, 0) {
			continue
		}
		statsByScorer[scorer].Add(*value)
	}
}

// snapshot copies the per-scorer evidence out under the lock. Raw
// reservoir samples travel with the moments so gates can run a real
// t-test rather than reconstructing samples.
func (m *Monitor) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		Scores:       make(map[string]VersionScores, len(m.scorerNames)),
		CanaryTotal:  m.canaryTotal,
		CanaryErrors: m.canaryErrors,
	}
	for _, scorer := range m.scorerNames {
		out.Scores[scorer] = VersionScores{
			Baseline: toGateScores(m.baselineStats[scorer]),
			Canary:   toGateScores(m.canaryStats[scorer]),
		}
	}
	return out
}

func toGateScores(rs *stats.RunningStats) gate.Scores {
	summary := rs.Summarize()
	return gate.Scores{
		Mean:    summary.Mean,
		Std:     summary.Std,
		N:       summary.N,
		Samples: rs.Samples(),
	}
}

// emitHealth mirrors the query client diagnostics. A tick that just
// failed always reports degraded, even before the client's own
// consecutive-failure threshold trips.
func (m *Monitor) emitHealth(failed bool) {
	if m.handlers.OnMonitorHealth == nil {
		return
	}
	d := m.querier.Diagnostics()
	status := d.Status
	if failed {
		status = "degraded"
	}
	m.handlers.OnMonitorHealth(events.MonitorHealth{
		Status:              status,
		ConsecutiveFailures: d.ConsecutiveFailures,
		TotalRequests:       d.TotalRequests,
		TotalRateLimited:    d.TotalRateLimited,
		LastError:           d.LastError,
		LastErrorAt:         d.LastErrorAt,
		LastSuccessAt:       d.LastSuccessAt,
		LastBackoffMs:       d.LastBackoffMs,
		BreakerState:        d.BreakerState,
	})
}
