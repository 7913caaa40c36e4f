// Package deploy wires a rollout's moving parts together: the store,
// the controller, the score monitor and the traffic router share one
// lifecycle here.
package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/braincanary/braincanary/internal/braintrust"
	"github.com/braincanary/braincanary/internal/clock"
	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/controller"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/gate"
	"github.com/braincanary/braincanary/internal/monitor"
	"github.com/braincanary/braincanary/internal/persistence"
	"github.com/braincanary/braincanary/internal/router"
)

// Options tune Service construction. The zero value is production
// behavior.
type Options struct {
	// Clock overrides the wall clock.
	Clock clock.Clock
	// NewQuerier overrides query client construction, for tests.
	NewQuerier func(config.Query) braintrust.Querier
}

// Service is the single-process composition root for rollouts. One
// deployment runs at a time; terminal deployments release their
// monitor.
type Service struct {
	store persistence.Store
	bus   *events.Bus
	clk   clock.Clock
	ctrl  *controller.Controller
	rtr   *router.Router

	newQuerier func(config.Query) braintrust.Querier
	handlers   monitor.Handlers

	mu  sync.Mutex
	mon *monitor.Monitor

	cancel context.CancelFunc
	done   chan struct{}
}

// monitorProxy forwards stage resets to whichever monitor is current.
type monitorProxy struct{ s *Service }

func (p monitorProxy) ResetForStage(t time.Time) {
	p.s.mu.Lock()
	mon := p.s.mon
	p.s.mu.Unlock()
	if mon != nil {
		mon.ResetForStage(t)
	}
}

// New builds the service and, if the store holds an unfinished
// deployment, resumes monitoring it where it left off.
func New(ctx context.Context, store persistence.Store, bus *events.Bus, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.NewQuerier == nil {
		opts.NewQuerier = func(q config.Query) braintrust.Querier {
			return braintrust.NewClient(q)
		}
	}

	ctrl, err := controller.New(ctx, store, bus, opts.Clock)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:      store,
		bus:        bus,
		clk:        opts.Clock,
		ctrl:       ctrl,
		newQuerier: opts.NewQuerier,
	}
	s.rtr = router.New(ctrl.Snapshot)
	s.handlers = ctrl.AttachMonitor(monitorProxy{s})

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watchCompletion(runCtx)

	if snap := ctrl.Snapshot(); snap != nil && !snap.State.Terminal() {
		log.Info().Str("deployment", snap.ID).Msg("resuming monitor for recovered deployment")
		s.startMonitor(runCtx, snap)
	}
	return s, nil
}

// Start launches a new rollout and begins polling its scores.
func (s *Service) Start(cfg *config.Deployment) (*persistence.DeploymentSnapshot, error) {
	snap, err := s.ctrl.Start(cfg)
	if err != nil {
		return nil, err
	}
	s.startMonitor(context.Background(), snap)
	return snap, nil
}

func (s *Service) startMonitor(ctx context.Context, snap *persistence.DeploymentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mon != nil {
		s.mon.Stop()
	}
	mcfg := snap.Config.Monitor
	s.mon = monitor.New(monitor.Config{
		DeploymentID:   snap.ID,
		Project:        snap.Config.Project,
		PollInterval:   time.Duration(mcfg.PollInterval),
		StageStartTime: snap.StageEnteredAt,
		ScorerNames:    snap.Config.ScorerNames(),
		ScorerLagGrace: time.Duration(mcfg.ScorerLagGrace),
		Querier:        s.newQuerier(mcfg.Query),
		Clock:          s.clk,
	}, s.handlers)
	s.mon.Start(ctx)
}

func (s *Service) stopMonitor() {
	s.mu.Lock()
	mon := s.mon
	s.mon = nil
	s.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

// watchCompletion releases the monitor once its deployment reaches a
// terminal state.
func (s *Service) watchCompletion(ctx context.Context) {
	defer close(s.done)
	ch := s.bus.Subscribe("deploy.lifecycle")
	defer s.bus.Unsubscribe("deploy.lifecycle")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == events.TypeDeploymentComplete {
				log.Info().Str("deployment", ev.DeploymentID).Msg("deployment finished, stopping monitor")
				s.stopMonitor()
			}
		}
	}
}

// Pause forwards to the controller.
func (s *Service) Pause() error { return s.ctrl.Pause() }

// Resume forwards to the controller.
func (s *Service) Resume() error { return s.ctrl.Resume() }

// Promote forwards to the controller.
func (s *Service) Promote(force bool) error { return s.ctrl.Promote(force) }

// Rollback forwards to the controller.
func (s *Service) Rollback(reason string) error { return s.ctrl.Rollback(reason) }

// Snapshot returns the current deployment snapshot, nil when idle.
func (s *Service) Snapshot() *persistence.DeploymentSnapshot { return s.ctrl.Snapshot() }

// Gates returns the latest gate evaluation.
func (s *Service) Gates() []gate.Result { return s.ctrl.LatestGates() }

// Progress returns the last decided action and the active stage's
// remaining duration in milliseconds.
func (s *Service) Progress() (controller.NextAction, int64) { return s.ctrl.Progress() }

// Route picks a variant for one request.
func (s *Service) Route(sticky string) router.Decision { return s.rtr.Route(sticky) }

// Store exposes the backing store for read-only history queries.
func (s *Service) Store() persistence.Store { return s.store }

// Close stops the monitor, the controller mailbox and the completion
// watcher. The bus and store are owned by the caller.
func (s *Service) Close() {
	s.stopMonitor()
	s.ctrl.Close()
	s.cancel()
	<-s.done
}
