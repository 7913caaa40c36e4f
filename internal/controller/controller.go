// Package controller owns the deployment snapshot and drives the
// rollout state machine: gate evaluation, auto-promotion, automatic
// and manual rollback, pause/resume, and recovery from the store.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/braincanary/braincanary/internal/clock"
	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
	"github.com/braincanary/braincanary/internal/monitor"
	"github.com/braincanary/braincanary/internal/persistence"
)

var (
	// ErrInvalidTransition marks a disallowed state machine step. It is
	// a programming error, not an operational condition.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoDeployment is returned by operations that need an active
	// deployment when none exists.
	ErrNoDeployment = errors.New("no active deployment")
	// ErrGatesNotPassing is returned by a non-forced promote whose
	// gates do not currently justify promotion.
	ErrGatesNotPassing = errors.New("gates not passing")
)

// NextAction is the controller's decision after a gate evaluation.
type NextAction string

const (
	ActionHold        NextAction = "hold"
	ActionAutoPromote NextAction = "auto_promote"
	ActionRollback    NextAction = "rollback"
)

// allowedTransitions is the full state machine.
var allowedTransitions = map[persistence.State][]persistence.State{
	persistence.StateIdle:        {persistence.StatePending},
	persistence.StatePending:     {persistence.StateStage, persistence.StateRollingBack},
	persistence.StateStage:       {persistence.StateStage, persistence.StatePaused, persistence.StateRollingBack, persistence.StatePromoted},
	persistence.StatePaused:      {persistence.StateStage, persistence.StateRollingBack},
	persistence.StateRollingBack: {persistence.StateRolledBack},
}

func transitionAllowed(from, to persistence.State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MonitorControl is the slice of the monitor the controller drives.
type MonitorControl interface {
	ResetForStage(t time.Time)
}

// Controller serializes all snapshot mutations through a single
// mailbox goroutine: monitor callbacks and manual operations queue on
// the same channel, so no two mutations ever interleave.
type Controller struct {
	store persistence.Store
	bus   *events.Bus
	clk   clock.Clock

	mailbox      chan func()
	done         chan struct{}
	snap         *persistence.DeploymentSnapshot
	monitorCtl   MonitorControl
	latestScores *monitor.Snapshot
	latestGates  []gate.Result
	latestAction NextAction
}

// New constructs a controller and recovers the most recent
// non-terminal deployment, if any.
func New(ctx context.Context, store persistence.Store, bus *events.Bus, clk clock.Clock) (*Controller, error) {
	if clk == nil {
		clk = clock.NewReal()
	}
	c := &Controller{
		store:   store,
		bus:     bus,
		clk:     clk,
		mailbox: make(chan func(), 64),
		done:    make(chan struct{}),
	}

	snap, err := store.ActiveDeployment(ctx)
	switch {
	case err == nil:
		c.snap = snap
		log.Info().Str("deployment", snap.ID).Str("state", string(snap.State)).
			Int("stage", snap.StageIndex).
			Dur("stage_elapsed", clk.Now().Sub(snap.StageEnteredAt)).
			Msg("recovered active deployment")
	case errors.Is(err, persistence.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to recover active deployment: %w", err)
	}

	go c.run()
	return c, nil
}

// run drains the mailbox: every mutation executes on this goroutine,
// so monitor callbacks and manual operations never interleave.
func (c *Controller) run() {
	defer close(c.done)
	for fn := range c.mailbox {
		fn()
	}
}

// Close stops the mailbox after draining queued work.
func (c *Controller) Close() {
	close(c.mailbox)
	<-c.done
}

// call runs fn on the controller goroutine and waits for its result.
func (c *Controller) call(fn func() error) error {
	errCh := make(chan error, 1)
	c.mailbox <- func() { errCh <- fn() }
	return <-errCh
}

// AttachMonitor registers the monitor the controller resets on stage
// entry, and returns the handlers to construct it with.
func (c *Controller) AttachMonitor(m MonitorControl) monitor.Handlers {
	c.call(func() error {
		c.monitorCtl = m
		return nil
	})
	return monitor.Handlers{
		OnScoreUpdate: func(snap monitor.Snapshot) {
			// Synchronous: the monitor tick does not proceed until the
			// controller has consumed this snapshot.
			if err := c.call(func() error { return c.handleScoreUpdate(snap) }); err != nil {
				log.Error().Err(err).Msg("score update handling failed")
			}
		},
		OnMonitorHealth: func(h events.MonitorHealth) {
			c.call(func() error {
				if c.snap == nil {
					return nil
				}
				return c.emit(events.TypeMonitorHealth, h)
			})
		},
	}
}

// Snapshot returns a copy of the current deployment snapshot for
// readers (router, API). Nil when idle.
func (c *Controller) Snapshot() *persistence.DeploymentSnapshot {
	var snap *persistence.DeploymentSnapshot
	c.call(func() error {
		snap = c.snap.Clone()
		return nil
	})
	return snap
}

// LatestGates returns the last gate evaluation, if any.
func (c *Controller) LatestGates() []gate.Result {
	var out []gate.Result
	c.call(func() error {
		out = append(out, c.latestGates...)
		return nil
	})
	return out
}

// Progress reports the last decided action and how much of the active
// stage's duration remains. Outside STAGE both are zero values.
func (c *Controller) Progress() (NextAction, int64) {
	action := ActionHold
	var remaining int64
	c.call(func() error {
		if c.snap == nil || c.snap.State != persistence.StateStage {
			return nil
		}
		if c.latestAction != "" {
			action = c.latestAction
		}
		remaining = c.stageTimeRemainingMS(c.snap.Config.Stages[c.snap.StageIndex])
		return nil
	})
	return action, remaining
}

// Start creates and persists a new deployment, enters the first stage,
// and returns the fresh snapshot.
func (c *Controller) Start(cfg *config.Deployment) (*persistence.DeploymentSnapshot, error) {
	var snap *persistence.DeploymentSnapshot
	err := c.call(func() error {
		if c.snap != nil && !c.snap.State.Terminal() {
			return fmt.Errorf("%w: deployment %s is still %s", ErrInvalidTransition, c.snap.ID, c.snap.State)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		now := c.clk.Now()
		fresh := &persistence.DeploymentSnapshot{
			ID:             uuid.NewString(),
			Name:           cfg.Name,
			Config:         cfg,
			State:          persistence.StatePending,
			StageIndex:     0,
			StageEnteredAt: now,
			StartedAt:      now,
			CanaryWeight:   cfg.Stages[0].Weight,
		}
		if err := c.persist(fresh, persistence.StateIdle, "start"); err != nil {
			return err
		}
		c.latestScores = nil
		c.latestGates = nil
		c.latestAction = ""

		if err := c.emit(events.TypeDeploymentStarted, events.DeploymentStarted{
			DeploymentID: fresh.ID,
			Name:         fresh.Name,
			StageIndex:   0,
			CanaryWeight: fresh.CanaryWeight,
		}); err != nil {
			return err
		}

		if err := c.transition(persistence.StateStage, "start", func(s *persistence.DeploymentSnapshot) {}); err != nil {
			return err
		}
		log.Info().Str("deployment", fresh.ID).Str("name", fresh.Name).
			Int("canary_weight", fresh.CanaryWeight).Msg("deployment started")
		snap = c.snap.Clone()
		return nil
	})
	return snap, err
}

// persist writes a brand-new snapshot plus its first transition row.
func (c *Controller) persist(fresh *persistence.DeploymentSnapshot, from persistence.State, reason string) error {
	ctx := context.Background()
	if err := c.store.SaveDeployment(ctx, fresh); err != nil {
		return err
	}
	if err := c.store.AppendTransition(ctx, &persistence.Transition{
		DeploymentID: fresh.ID,
		FromState:    from,
		ToState:      fresh.State,
		Reason:       reason,
		Timestamp:    c.clk.Now(),
	}); err != nil {
		return err
	}
	c.snap = fresh
	return nil
}

// transition is the single path for every snapshot mutation: validate
// the step, apply the patch to a copy, persist, append the transition
// record, then swap the in-memory snapshot. The caller emits events
// only after this returns, so the durable row always precedes the
// observable event.
func (c *Controller) transition(to persistence.State, reason string, patch func(*persistence.DeploymentSnapshot)) error {
	if c.snap == nil {
		return ErrNoDeployment
	}
	from := c.snap.State
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := c.snap.Clone()
	next.State = to
	patch(next)

	ctx := context.Background()
	if err := c.store.SaveDeployment(ctx, next); err != nil {
		return err
	}

	var scoresJSON []byte
	if c.latestScores != nil {
		scoresJSON, _ = json.Marshal(scoreUpdatePayload(*c.latestScores))
	}
	if err := c.store.AppendTransition(ctx, &persistence.Transition{
		DeploymentID: next.ID,
		FromState:    from,
		ToState:      to,
		Reason:       reason,
		ScoresJSON:   scoresJSON,
		Timestamp:    c.clk.Now(),
	}); err != nil {
		return err
	}

	c.snap = next
	log.Info().Str("deployment", next.ID).
		Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).Int("stage", next.StageIndex).
		Int("canary_weight", next.CanaryWeight).
		Msg("state transition")
	return nil
}

// emit persists and publishes one lifecycle event.
func (c *Controller) emit(eventType events.Type, data interface{}) error {
	now := c.clk.Now()
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if err := c.store.AppendEvent(context.Background(), &persistence.EventRecord{
		DeploymentID: c.snap.ID,
		EventType:    string(eventType),
		PayloadJSON:  payload,
		Timestamp:    now,
	}); err != nil {
		return err
	}
	c.bus.Publish(events.Event{
		Type:         eventType,
		DeploymentID: c.snap.ID,
		Timestamp:    now,
		Data:         data,
	})
	return nil
}
