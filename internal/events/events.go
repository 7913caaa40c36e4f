// Package events defines the typed lifecycle event stream published by
// the rollout controller and an in-process bus for fanning it out to
// transports.
package events

import (
	"time"

	"github.com/braincanary/braincanary/internal/gate"
)

// Type enumerates the lifecycle event kinds.
type Type string

const (
	TypeDeploymentStarted  Type = "deployment_started"
	TypeScoreUpdate        Type = "score_update"
	TypeGateStatus         Type = "gate_status"
	TypeStageChange        Type = "stage_change"
	TypeRollbackTriggered  Type = "rollback_triggered"
	TypeDeploymentComplete Type = "deployment_complete"
	TypePaused             Type = "paused"
	TypeResumed            Type = "resumed"
	TypeMonitorHealth      Type = "monitor_health"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Type         Type        `json:"type"`
	DeploymentID string      `json:"deployment_id"`
	Timestamp    time.Time   `json:"timestamp"`
	Data         interface{} `json:"data"`
}

// DeploymentStarted announces a new rollout.
type DeploymentStarted struct {
	DeploymentID string `json:"deployment_id"`
	Name         string `json:"name"`
	StageIndex   int    `json:"stage_index"`
	CanaryWeight int    `json:"canary_weight"`
}

// VersionScores pairs baseline and canary summaries for one scorer.
type VersionScores struct {
	Baseline ScoreSummary `json:"baseline"`
	Canary   ScoreSummary `json:"canary"`
}

// ScoreSummary is a moment summary for one (version, scorer) stream.
type ScoreSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	N    int64   `json:"n"`
}

// ScoreUpdate carries the per-scorer summaries of one monitor tick.
type ScoreUpdate struct {
	Scores map[string]VersionScores `json:"scores"`
}

// GateStatus reports a full gate evaluation pass.
type GateStatus struct {
	Gates           []gate.Result `json:"gates"`
	NextAction      string        `json:"next_action"`
	TimeRemainingMS int64         `json:"time_remaining_ms"`
}

// StageChange reports a stage advance.
type StageChange struct {
	From         int `json:"from"`
	To           int `json:"to"`
	CanaryWeight int `json:"canary_weight"`
}

// Paused and Resumed report manual stage holds.
type Paused struct {
	StageIndex int `json:"stage_index"`
}

type Resumed struct {
	StageIndex int `json:"stage_index"`
}

// RollbackTriggered reports an automatic or manual rollback.
type RollbackTriggered struct {
	Reason       string `json:"reason"`
	StageIndex   int    `json:"stage_index"`
	CanaryWeight int    `json:"canary_weight"`
}

// DeploymentComplete reports the terminal outcome.
type DeploymentComplete struct {
	FinalState string `json:"final_state"`
}

// MonitorHealth mirrors the query client diagnostics.
type MonitorHealth struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests"`
	TotalRateLimited    int64      `json:"total_rate_limited"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastBackoffMs       int64      `json:"last_backoff_ms,omitempty"`
	BreakerState        string     `json:"breaker_state,omitempty"`
}
