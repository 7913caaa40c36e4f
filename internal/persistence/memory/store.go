// Package memory provides an in-memory Store for tests and the
// single-process dev mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/braincanary/braincanary/internal/persistence"
)

// Store keeps all rows in process memory.
type Store struct {
	mu          sync.RWMutex
	deployments map[string]*persistence.DeploymentSnapshot
	order       []string // insertion order of deployment ids
	transitions []*persistence.Transition
	scores      []*persistence.ScoreSnapshot
	events      []*persistence.EventRecord
	nextID      int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{deployments: make(map[string]*persistence.DeploymentSnapshot)}
}

func (s *Store) SaveDeployment(_ context.Context, snap *persistence.DeploymentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[snap.ID]; !ok {
		s.order = append(s.order, snap.ID)
	}
	s.deployments[snap.ID] = snap.Clone()
	return nil
}

func (s *Store) GetDeployment(_ context.Context, id string) (*persistence.DeploymentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.deployments[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *Store) ActiveDeployment(_ context.Context) (*persistence.DeploymentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.deployments[s.order[i]]
		if !snap.State.Terminal() && snap.State != persistence.StateIdle {
			return snap.Clone(), nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *Store) ListDeployments(_ context.Context, limit int) ([]*persistence.DeploymentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.DeploymentSnapshot
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.deployments[s.order[i]].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *Store) AppendTransition(_ context.Context, tr *persistence.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *tr
	cp.ID = s.nextID
	s.transitions = append(s.transitions, &cp)
	return nil
}

func (s *Store) ListTransitions(_ context.Context, deploymentID string) ([]*persistence.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.Transition
	for _, tr := range s.transitions {
		if tr.DeploymentID == deploymentID {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AppendScoreSnapshot(_ context.Context, rows []*persistence.ScoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.nextID++
		cp := *row
		cp.ID = s.nextID
		s.scores = append(s.scores, &cp)
	}
	return nil
}

// ScoreSnapshots returns all stored score rows for a deployment,
// oldest first. Test helper beyond the Store contract.
func (s *Store) ScoreSnapshots(deploymentID string) []*persistence.ScoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.ScoreSnapshot
	for _, row := range s.scores {
		if row.DeploymentID == deploymentID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) AppendEvent(_ context.Context, rec *persistence.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEvents(_ context.Context, deploymentID string, limit int) ([]*persistence.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.EventRecord
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.events[i].DeploymentID == deploymentID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
