package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/persistence"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock"), 5*time.Second), mock
}

func sampleConfig() *config.Deployment {
	cfg, err := config.Parse([]byte(`
name: d
project: p
baseline: {model: a}
canary: {model: b}
stages:
  - weight: 5
    min_samples: 2
    gates:
      - scorer: Q
        threshold: 0.5
  - weight: 100
rollback: {on_score_drop: 0.1, on_error_rate: 0.1}
monitor:
  query: {api_url: http://x, api_key: k}
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func sampleSnapshot() *persistence.DeploymentSnapshot {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &persistence.DeploymentSnapshot{
		ID:             "dep-1",
		Name:           "d",
		Config:         sampleConfig(),
		State:          persistence.StateStage,
		StageIndex:     0,
		StageEnteredAt: now,
		StartedAt:      now,
		CanaryWeight:   5,
	}
}

func TestSaveDeploymentUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO deployments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveDeployment(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeploymentNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM deployments WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetDeployment(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestGetDeploymentRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	snap := sampleSnapshot()
	configJSON, err := json.Marshal(snap.Config)
	require.NoError(t, err)

	cols := []string{"id", "name", "config_json", "state", "stage_index", "stage_entered_at",
		"started_at", "completed_at", "final_state", "paused_stage_index", "canary_weight", "reason"}
	mock.ExpectQuery(`SELECT .* FROM deployments WHERE id`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			snap.ID, snap.Name, configJSON, string(snap.State), snap.StageIndex,
			snap.StageEnteredAt, snap.StartedAt, nil, nil, nil, snap.CanaryWeight, nil))

	got, err := store.GetDeployment(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, persistence.StateStage, got.State)
	assert.Equal(t, 5, got.CanaryWeight)
	assert.Equal(t, snap.Config.Name, got.Config.Name)
	assert.Len(t, got.Config.Stages, 2)
}

func TestActiveDeploymentExcludesTerminal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE state NOT IN \('IDLE', 'PROMOTED', 'ROLLED_BACK'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.ActiveDeployment(context.Background())
	require.ErrorIs(t, err, persistence.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventSwallowsDuplicates(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.AppendEvent(context.Background(), &persistence.EventRecord{
		DeploymentID: "dep-1",
		EventType:    "deployment_started",
		PayloadJSON:  []byte(`{}`),
		Timestamp:    time.Now(),
	})
	require.NoError(t, err)
}

func TestAppendTransitionWrapsStoreFatal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO state_transitions`).
		WillReturnError(assert.AnError)

	err := store.AppendTransition(context.Background(), &persistence.Transition{
		DeploymentID: "dep-1",
		FromState:    persistence.StatePending,
		ToState:      persistence.StateStage,
		Timestamp:    time.Now(),
	})
	require.ErrorIs(t, err, persistence.ErrStoreFatal)
}

func TestAppendScoreSnapshotBatch(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO score_snapshots`)
	mock.ExpectExec(`INSERT INTO score_snapshots`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO score_snapshots`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	rows := []*persistence.ScoreSnapshot{
		{DeploymentID: "dep-1", StageIndex: 0, Scorer: "Q", Timestamp: time.Now()},
		{DeploymentID: "dep-1", StageIndex: 0, Scorer: "Helpfulness", Timestamp: time.Now()},
	}
	require.NoError(t, store.AppendScoreSnapshot(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}
