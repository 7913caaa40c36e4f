// Package postgres implements the rollout Store on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/persistence"
)

// Store is the sqlx-backed persistence adapter.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore wraps an existing sqlx handle.
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Open connects to PostgreSQL and ensures the schema exists.
func Open(dsn string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to postgres: %v", persistence.ErrStoreFatal, err)
	}
	store := NewStore(db, timeout)
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	config_json        JSONB NOT NULL,
	state              TEXT NOT NULL,
	stage_index        INTEGER NOT NULL,
	stage_entered_at   TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	final_state        TEXT,
	paused_stage_index INTEGER,
	canary_weight      INTEGER NOT NULL,
	reason             TEXT
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id                   BIGSERIAL PRIMARY KEY,
	deployment_id        TEXT NOT NULL REFERENCES deployments(id),
	from_state           TEXT NOT NULL,
	to_state             TEXT NOT NULL,
	reason               TEXT,
	scores_snapshot_json JSONB,
	ts                   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS score_snapshots (
	id            BIGSERIAL PRIMARY KEY,
	deployment_id TEXT NOT NULL REFERENCES deployments(id),
	stage_index   INTEGER NOT NULL,
	scorer        TEXT NOT NULL,
	baseline_mean DOUBLE PRECISION NOT NULL,
	baseline_std  DOUBLE PRECISION NOT NULL,
	baseline_n    BIGINT NOT NULL,
	canary_mean   DOUBLE PRECISION NOT NULL,
	canary_std    DOUBLE PRECISION NOT NULL,
	canary_n      BIGINT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id            BIGSERIAL PRIMARY KEY,
	deployment_id TEXT NOT NULL REFERENCES deployments(id),
	event_type    TEXT NOT NULL,
	payload_json  JSONB NOT NULL,
	ts            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_deployment ON state_transitions(deployment_id, ts);
CREATE INDEX IF NOT EXISTS idx_scores_deployment ON score_snapshots(deployment_id, stage_index, ts);
CREATE INDEX IF NOT EXISTS idx_events_deployment ON events(deployment_id, ts);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to ensure schema: %v", persistence.ErrStoreFatal, err)
	}
	return nil
}

// deploymentRow is the flat scan target for the deployments table.
type deploymentRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	ConfigJSON       []byte         `db:"config_json"`
	State            string         `db:"state"`
	StageIndex       int            `db:"stage_index"`
	StageEnteredAt   time.Time      `db:"stage_entered_at"`
	StartedAt        time.Time      `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	FinalState       sql.NullString `db:"final_state"`
	PausedStageIndex sql.NullInt64  `db:"paused_stage_index"`
	CanaryWeight     int            `db:"canary_weight"`
	Reason           sql.NullString `db:"reason"`
}

func (r *deploymentRow) toSnapshot() (*persistence.DeploymentSnapshot, error) {
	var cfg config.Deployment
	if err := json.Unmarshal(r.ConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config_json: %v", persistence.ErrStoreFatal, err)
	}
	snap := &persistence.DeploymentSnapshot{
		ID:             r.ID,
		Name:           r.Name,
		Config:         &cfg,
		State:          persistence.State(r.State),
		StageIndex:     r.StageIndex,
		StageEnteredAt: r.StageEnteredAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CanaryWeight:   r.CanaryWeight,
		Reason:         r.Reason.String,
	}
	if r.FinalState.Valid {
		fs := persistence.State(r.FinalState.String)
		snap.FinalState = &fs
	}
	if r.PausedStageIndex.Valid {
		idx := int(r.PausedStageIndex.Int64)
		snap.PausedStageIndex = &idx
	}
	return snap, nil
}

func (s *Store) SaveDeployment(ctx context.Context, snap *persistence.DeploymentSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	configJSON, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal config: %v", persistence.ErrStoreFatal, err)
	}

	var finalState *string
	if snap.FinalState != nil {
		fs := string(*snap.FinalState)
		finalState = &fs
	}

	query := `
		INSERT INTO deployments
			(id, name, config_json, state, stage_index, stage_entered_at, started_at,
			 completed_at, final_state, paused_stage_index, canary_weight, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			stage_index = EXCLUDED.stage_index,
			stage_entered_at = EXCLUDED.stage_entered_at,
			completed_at = EXCLUDED.completed_at,
			final_state = EXCLUDED.final_state,
			paused_stage_index = EXCLUDED.paused_stage_index,
			canary_weight = EXCLUDED.canary_weight,
			reason = EXCLUDED.reason`

	_, err = s.db.ExecContext(ctx, query,
		snap.ID, snap.Name, configJSON, string(snap.State), snap.StageIndex,
		snap.StageEnteredAt, snap.StartedAt, snap.CompletedAt, finalState,
		snap.PausedStageIndex, snap.CanaryWeight, nullable(snap.Reason))
	if err != nil {
		return fmt.Errorf("%w: failed to save deployment: %v", persistence.ErrStoreFatal, err)
	}
	return nil
}

const deploymentColumns = `id, name, config_json, state, stage_index, stage_entered_at,
	started_at, completed_at, final_state, paused_stage_index, canary_weight, reason`

func (s *Store) GetDeployment(ctx context.Context, id string) (*persistence.DeploymentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row deploymentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query deployment: %v", persistence.ErrStoreFatal, err)
	}
	return row.toSnapshot()
}

func (s *Store) ActiveDeployment(ctx context.Context) (*persistence.DeploymentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE state NOT IN ('IDLE', 'PROMOTED', 'ROLLED_BACK')
		ORDER BY started_at DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query active deployment: %v", persistence.ErrStoreFatal, err)
	}
	return row.toSnapshot()
}

func (s *Store) ListDeployments(ctx context.Context, limit int) ([]*persistence.DeploymentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}

	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deploymentColumns+`
		FROM deployments
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list deployments: %v", persistence.ErrStoreFatal, err)
	}

	out := make([]*persistence.DeploymentSnapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) AppendTransition(ctx context.Context, tr *persistence.Transition) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var scores interface{}
	if len(tr.ScoresJSON) > 0 {
		scores = tr.ScoresJSON
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_transitions (deployment_id, from_state, to_state, reason, scores_snapshot_json, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tr.DeploymentID, string(tr.FromState), string(tr.ToState),
		nullable(tr.Reason), scores, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: failed to append transition: %v", persistence.ErrStoreFatal, err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, deploymentID string) ([]*persistence.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []struct {
		ID         int64          `db:"id"`
		FromState  string         `db:"from_state"`
		ToState    string         `db:"to_state"`
		Reason     sql.NullString `db:"reason"`
		ScoresJSON []byte         `db:"scores_snapshot_json"`
		Timestamp  time.Time      `db:"ts"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, from_state, to_state, reason, scores_snapshot_json, ts
		FROM state_transitions
		WHERE deployment_id = $1
		ORDER BY ts ASC, id ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list transitions: %v", persistence.ErrStoreFatal, err)
	}

	out := make([]*persistence.Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, &persistence.Transition{
			ID:           r.ID,
			DeploymentID: deploymentID,
			FromState:    persistence.State(r.FromState),
			ToState:      persistence.State(r.ToState),
			Reason:       r.Reason.String,
			ScoresJSON:   r.ScoresJSON,
			Timestamp:    r.Timestamp,
		})
	}
	return out, nil
}

func (s *Store) AppendScoreSnapshot(ctx context.Context, snapshots []*persistence.ScoreSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", persistence.ErrStoreFatal, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO score_snapshots
			(deployment_id, stage_index, scorer, baseline_mean, baseline_std, baseline_n,
			 canary_mean, canary_std, canary_n, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare statement: %v", persistence.ErrStoreFatal, err)
	}
	defer stmt.Close()

	for _, row := range snapshots {
		_, err = stmt.ExecContext(ctx,
			row.DeploymentID, row.StageIndex, row.Scorer,
			row.BaselineMean, row.BaselineStd, row.BaselineN,
			row.CanaryMean, row.CanaryStd, row.CanaryN, row.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: failed to insert score snapshot: %v", persistence.ErrStoreFatal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit score snapshots: %v", persistence.ErrStoreFatal, err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, rec *persistence.EventRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (deployment_id, event_type, payload_json, ts)
		VALUES ($1, $2, $3, $4)`,
		rec.DeploymentID, rec.EventType, rec.PayloadJSON, rec.Timestamp)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Idempotent replay of the same event is not a failure.
			return nil
		}
		return fmt.Errorf("%w: failed to append event: %v", persistence.ErrStoreFatal, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, deploymentID string, limit int) ([]*persistence.EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}

	var rows []persistence.EventRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, deployment_id, event_type, payload_json, ts
		FROM events
		WHERE deployment_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list events: %v", persistence.ErrStoreFatal, err)
	}

	out := make([]*persistence.EventRecord, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
