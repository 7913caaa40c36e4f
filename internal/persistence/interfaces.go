// Package persistence defines the durable Store contract the rollout
// controller writes through: the deployment snapshot row, append-only
// transition/score/event history, and the recovery queries.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/braincanary/braincanary/internal/config"
)

var (
	// ErrNotFound is returned by point queries with no matching row.
	ErrNotFound = errors.New("not found")
	// ErrStoreFatal wraps unrecoverable storage failures. The
	// controller aborts the in-memory mutation when it sees one.
	ErrStoreFatal = errors.New("store failure")
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle        State = "IDLE"
	StatePending     State = "PENDING"
	StateStage       State = "STAGE"
	StatePaused      State = "PAUSED"
	StateRollingBack State = "ROLLING_BACK"
	StateRolledBack  State = "ROLLED_BACK"
	StatePromoted    State = "PROMOTED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateRolledBack || s == StatePromoted
}

// DeploymentSnapshot is the controller's single source of truth,
// persisted on every transition.
type DeploymentSnapshot struct {
	ID               string             `json:"id" db:"id"`
	Name             string             `json:"name" db:"name"`
	Config           *config.Deployment `json:"config" db:"-"`
	State            State              `json:"state" db:"state"`
	StageIndex       int                `json:"stage_index" db:"stage_index"`
	StageEnteredAt   time.Time          `json:"stage_entered_at" db:"stage_entered_at"`
	StartedAt        time.Time          `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	FinalState       *State             `json:"final_state,omitempty" db:"final_state"`
	PausedStageIndex *int               `json:"paused_stage_index,omitempty" db:"paused_stage_index"`
	CanaryWeight     int                `json:"canary_weight" db:"canary_weight"`
	Reason           string             `json:"reason,omitempty" db:"reason"`
}

// Clone returns a copy safe for readers outside the controller. The
// config is immutable and shared by reference.
func (s *DeploymentSnapshot) Clone() *DeploymentSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.FinalState != nil {
		fs := *s.FinalState
		out.FinalState = &fs
	}
	if s.PausedStageIndex != nil {
		idx := *s.PausedStageIndex
		out.PausedStageIndex = &idx
	}
	return &out
}

// Transition is one append-only state machine step.
type Transition struct {
	ID           int64     `json:"id" db:"id"`
	DeploymentID string    `json:"deployment_id" db:"deployment_id"`
	FromState    State     `json:"from_state" db:"from_state"`
	ToState      State     `json:"to_state" db:"to_state"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	ScoresJSON   []byte    `json:"scores_snapshot,omitempty" db:"scores_snapshot_json"`
	Timestamp    time.Time `json:"ts" db:"ts"`
}

// ScoreSnapshot is one scorer's baseline/canary summary at a point in
// a stage.
type ScoreSnapshot struct {
	ID           int64     `json:"id" db:"id"`
	DeploymentID string    `json:"deployment_id" db:"deployment_id"`
	StageIndex   int       `json:"stage_index" db:"stage_index"`
	Scorer       string    `json:"scorer" db:"scorer"`
	BaselineMean float64   `json:"baseline_mean" db:"baseline_mean"`
	BaselineStd  float64   `json:"baseline_std" db:"baseline_std"`
	BaselineN    int64     `json:"baseline_n" db:"baseline_n"`
	CanaryMean   float64   `json:"canary_mean" db:"canary_mean"`
	CanaryStd    float64   `json:"canary_std" db:"canary_std"`
	CanaryN      int64     `json:"canary_n" db:"canary_n"`
	Timestamp    time.Time `json:"ts" db:"ts"`
}

// EventRecord is a persisted lifecycle event.
type EventRecord struct {
	ID           int64     `json:"id" db:"id"`
	DeploymentID string    `json:"deployment_id" db:"deployment_id"`
	EventType    string    `json:"event_type" db:"event_type"`
	PayloadJSON  []byte    `json:"payload" db:"payload_json"`
	Timestamp    time.Time `json:"ts" db:"ts"`
}

// Store is the durable capability injected into the controller.
type Store interface {
	// SaveDeployment atomically inserts or replaces the snapshot row.
	SaveDeployment(ctx context.Context, snap *DeploymentSnapshot) error

	// GetDeployment fetches one snapshot by id.
	GetDeployment(ctx context.Context, id string) (*DeploymentSnapshot, error)

	// ActiveDeployment returns the most recent non-terminal snapshot,
	// or ErrNotFound.
	ActiveDeployment(ctx context.Context) (*DeploymentSnapshot, error)

	// ListDeployments returns snapshots by recency.
	ListDeployments(ctx context.Context, limit int) ([]*DeploymentSnapshot, error)

	// AppendTransition records one state machine step.
	AppendTransition(ctx context.Context, tr *Transition) error

	// ListTransitions returns a deployment's steps oldest-first.
	ListTransitions(ctx context.Context, deploymentID string) ([]*Transition, error)

	// AppendScoreSnapshot records per-scorer summaries for a stage.
	AppendScoreSnapshot(ctx context.Context, rows []*ScoreSnapshot) error

	// AppendEvent records one lifecycle event.
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// ListEvents returns a deployment's recent events, newest first.
	ListEvents(ctx context.Context, deploymentID string, limit int) ([]*EventRecord, error)

	// Close releases the backing connections.
	Close() error
}
