package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
	"github.com/braincanary/braincanary/internal/monitor"
	"github.com/braincanary/braincanary/internal/persistence"
)

// regressionPValue is the one-sided p-value below which a failing gate
// triggers an immediate rollback rather than a hold.
const regressionPValue = 0.01

// handleScoreUpdate is the controller's reaction to one monitor tick:
// persist the evidence, re-evaluate the current stage's gates, and act.
func (c *Controller) handleScoreUpdate(snap monitor.Snapshot) error {
	if c.snap == nil || c.snap.State.Terminal() {
		return nil
	}
	c.latestScores = &snap

	if err := c.persistScores(snap); err != nil {
		return err
	}
	if err := c.emit(events.TypeScoreUpdate, scoreUpdatePayload(snap)); err != nil {
		return err
	}

	// Gates only advance or roll back an actively running stage.
	if c.snap.State != persistence.StateStage {
		return nil
	}

	stage := c.snap.Config.Stages[c.snap.StageIndex]
	results := evaluateStage(stage, snap)
	c.latestGates = results

	action, rollbackReason := c.decide(stage, results, snap)
	c.latestAction = action
	if err := c.emit(events.TypeGateStatus, events.GateStatus{
		Gates:           results,
		NextAction:      string(action),
		TimeRemainingMS: c.stageTimeRemainingMS(stage),
	}); err != nil {
		return err
	}

	switch action {
	case ActionRollback:
		return c.rollback(rollbackReason)
	case ActionAutoPromote:
		return c.advanceStage("auto_promote")
	}
	return nil
}

// evaluateStage runs every gate of the stage against the latest
// evidence. A scorer the monitor has no rows for evaluates against
// empty Scores and comes back insufficient_data.
func evaluateStage(stage config.Stage, snap monitor.Snapshot) []gate.Result {
	results := make([]gate.Result, 0, len(stage.Gates))
	for _, g := range stage.Gates {
		vs := snap.Scores[g.Scorer]
		results = append(results, gate.Evaluate(g, vs.Baseline, vs.Canary, stage.MinSamples))
	}
	return results
}

// decide maps a gate evaluation onto the controller's next action.
// Rollback triggers are checked first: a regression must never be
// outrun by a promotion.
func (c *Controller) decide(stage config.Stage, results []gate.Result, snap monitor.Snapshot) (NextAction, string) {
	if reason := evaluateRollback(c.snap.Config.Rollback, results, snap); reason != "" {
		return ActionRollback, reason
	}

	allPassing := true
	for _, r := range results {
		if r.Status != gate.StatusPassing {
			allPassing = false
			break
		}
	}
	if allPassing &&
		snap.CanaryTotal >= int64(stage.MinSamples) &&
		c.stageDurationElapsed(stage) {
		return ActionAutoPromote, ""
	}
	return ActionHold, ""
}

// evaluateRollback checks the automatic rollback triggers in severity
// order: statistical regression, absolute score drop, error rate.
func evaluateRollback(rb config.Rollback, results []gate.Result, snap monitor.Snapshot) string {
	for _, r := range results {
		if r.Status == gate.StatusFailing && r.PValue != nil && *r.PValue < regressionPValue {
			return "score_regression:" + r.Scorer
		}
	}
	if rb.OnScoreDrop > 0 {
		for _, r := range results {
			if r.Status == gate.StatusInsufficientData {
				continue
			}
			if r.BaselineMean-r.CanaryMean > rb.OnScoreDrop {
				return "absolute_drop:" + r.Scorer
			}
		}
	}
	if rb.OnErrorRate > 0 && snap.CanaryTotal > 0 && snap.ErrorRate() > rb.OnErrorRate {
		return "error_rate_exceeded"
	}
	return ""
}

func (c *Controller) stageDurationElapsed(stage config.Stage) bool {
	if stage.Duration == 0 {
		return true
	}
	return c.clk.Now().Sub(c.snap.StageEnteredAt) >= time.Duration(stage.Duration)
}

func (c *Controller) stageTimeRemainingMS(stage config.Stage) int64 {
	if stage.Duration == 0 {
		return 0
	}
	remaining := time.Duration(stage.Duration) - c.clk.Now().Sub(c.snap.StageEnteredAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds()
}

// advanceStage moves to the next stage, or to PROMOTED after the final
// one. The monitor is reset before the stage_change event goes out so
// no observer ever sees the new stage paired with the old stage's
// statistics.
func (c *Controller) advanceStage(reason string) error {
	from := c.snap.StageIndex
	last := from >= len(c.snap.Config.Stages)-1
	now := c.clk.Now()

	if last {
		if err := c.transition(persistence.StatePromoted, reason, func(s *persistence.DeploymentSnapshot) {
			s.CanaryWeight = 100
			s.CompletedAt = &now
			final := persistence.StatePromoted
			s.FinalState = &final
			s.Reason = reason
		}); err != nil {
			return err
		}
		return c.emit(events.TypeDeploymentComplete, events.DeploymentComplete{
			FinalState: string(persistence.StatePromoted),
		})
	}

	next := from + 1
	weight := c.snap.Config.Stages[next].Weight
	if err := c.transition(persistence.StateStage, reason, func(s *persistence.DeploymentSnapshot) {
		s.StageIndex = next
		s.CanaryWeight = weight
		s.StageEnteredAt = now
	}); err != nil {
		return err
	}
	c.latestScores = nil
	c.latestGates = nil
	c.latestAction = ""
	if c.monitorCtl != nil {
		c.monitorCtl.ResetForStage(now)
	}
	return c.emit(events.TypeStageChange, events.StageChange{
		From:         from,
		To:           next,
		CanaryWeight: weight,
	})
}

// rollback drives the two-step ROLLING_BACK -> ROLLED_BACK sequence.
// Canary traffic drops to zero on the first durable write; if the
// process dies between the two steps, recovery resumes from
// ROLLING_BACK with the weight already zeroed.
func (c *Controller) rollback(reason string) error {
	if err := c.transition(persistence.StateRollingBack, reason, func(s *persistence.DeploymentSnapshot) {
		s.CanaryWeight = 0
		s.Reason = reason
	}); err != nil {
		return err
	}
	if err := c.emit(events.TypeRollbackTriggered, events.RollbackTriggered{
		Reason:       reason,
		StageIndex:   c.snap.StageIndex,
		CanaryWeight: 0,
	}); err != nil {
		return err
	}

	now := c.clk.Now()
	if err := c.transition(persistence.StateRolledBack, reason, func(s *persistence.DeploymentSnapshot) {
		s.CompletedAt = &now
		final := persistence.StateRolledBack
		s.FinalState = &final
	}); err != nil {
		return err
	}
	return c.emit(events.TypeDeploymentComplete, events.DeploymentComplete{
		FinalState: string(persistence.StateRolledBack),
	})
}

// Pause freezes gate-driven progression at the current stage. Traffic
// keeps flowing at the stage weight.
func (c *Controller) Pause() error {
	return c.call(func() error {
		if c.snap == nil {
			return ErrNoDeployment
		}
		idx := c.snap.StageIndex
		if err := c.transition(persistence.StatePaused, "manual_pause", func(s *persistence.DeploymentSnapshot) {
			s.PausedStageIndex = &idx
		}); err != nil {
			return err
		}
		return c.emit(events.TypePaused, events.Paused{StageIndex: idx})
	})
}

// Resume re-enters the paused stage and restarts its duration clock.
// Accumulated statistics are kept: scores gathered while paused still
// count toward the stage.
func (c *Controller) Resume() error {
	return c.call(func() error {
		if c.snap == nil {
			return ErrNoDeployment
		}
		now := c.clk.Now()
		if err := c.transition(persistence.StateStage, "manual_resume", func(s *persistence.DeploymentSnapshot) {
			s.StageEnteredAt = now
			s.PausedStageIndex = nil
		}); err != nil {
			return err
		}
		return c.emit(events.TypeResumed, events.Resumed{StageIndex: c.snap.StageIndex})
	})
}

// Promote advances one stage by hand. Without force it refuses unless
// the latest evaluation has every gate passing; from PAUSED it always
// advances, resuming the stage first.
func (c *Controller) Promote(force bool) error {
	return c.call(func() error {
		if c.snap == nil {
			return ErrNoDeployment
		}
		switch c.snap.State {
		case persistence.StateStage:
			if !force {
				// Re-run the full decision over the latest evidence: a
				// non-forced promote is only the automatic promotion,
				// taken by hand. Passing gates alone are not enough
				// while the stage duration or sample floor is unmet.
				if c.latestScores == nil {
					return fmt.Errorf("%w: no score evaluation yet", ErrGatesNotPassing)
				}
				stage := c.snap.Config.Stages[c.snap.StageIndex]
				results := evaluateStage(stage, *c.latestScores)
				action, _ := c.decide(stage, results, *c.latestScores)
				if action != ActionAutoPromote {
					return fmt.Errorf("%w: next action is %s", ErrGatesNotPassing, action)
				}
			}
		case persistence.StatePaused:
			// Step back into STAGE first so the advance follows the
			// normal stage path.
			if err := c.transition(persistence.StateStage, "manual_promote", func(s *persistence.DeploymentSnapshot) {
				s.PausedStageIndex = nil
			}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: cannot promote from %s", ErrInvalidTransition, c.snap.State)
		}
		return c.advanceStage("manual_promote")
	})
}

// Rollback aborts the deployment by hand. Allowed from any
// non-terminal state, including PENDING.
func (c *Controller) Rollback(reason string) error {
	return c.call(func() error {
		if c.snap == nil {
			return ErrNoDeployment
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "manual_rollback"
		} else {
			reason = "manual_rollback:" + reason
		}
		return c.rollback(reason)
	})
}

// persistScores appends one score-snapshot row per scorer for the
// current stage.
func (c *Controller) persistScores(snap monitor.Snapshot) error {
	if len(snap.Scores) == 0 {
		return nil
	}
	now := c.clk.Now()
	rows := make([]*persistence.ScoreSnapshot, 0, len(snap.Scores))
	for _, scorer := range c.snap.Config.ScorerNames() {
		vs, ok := snap.Scores[scorer]
		if !ok {
			continue
		}
		rows = append(rows, &persistence.ScoreSnapshot{
			DeploymentID: c.snap.ID,
			StageIndex:   c.snap.StageIndex,
			Scorer:       scorer,
			BaselineMean: vs.Baseline.Mean,
			BaselineStd:  vs.Baseline.Std,
			BaselineN:    vs.Baseline.N,
			CanaryMean:   vs.Canary.Mean,
			CanaryStd:    vs.Canary.Std,
			CanaryN:      vs.Canary.N,
			Timestamp:    now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.store.AppendScoreSnapshot(context.Background(), rows); err != nil {
		if errors.Is(err, persistence.ErrStoreFatal) {
			return err
		}
		return fmt.Errorf("failed to persist score snapshot: %w", err)
	}
	return nil
}

func scoreUpdatePayload(snap monitor.Snapshot) events.ScoreUpdate {
	out := events.ScoreUpdate{Scores: make(map[string]events.VersionScores, len(snap.Scores))}
	for scorer, vs := range snap.Scores {
		out.Scores[scorer] = events.VersionScores{
			Baseline: events.ScoreSummary{Mean: vs.Baseline.Mean, Std: vs.Baseline.Std, N: vs.Baseline.N},
			Canary:   events.ScoreSummary{Mean: vs.Canary.Mean, Std: vs.Canary.Std, N: vs.Canary.N},
		}
	}
	return out
}
