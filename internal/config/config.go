// Package config defines the deployment specification consumed by the
// rollout controller and its YAML loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every construction-time validation
// failure.
var ErrInvalidConfig = errors.New("invalid config")

// Comparison selects how a gate compares canary against baseline.
type Comparison string

const (
	ComparisonNotWorse     Comparison = "not_worse_than_baseline"
	ComparisonBetter       Comparison = "better_than_baseline"
	ComparisonAbsoluteOnly Comparison = "absolute_only"
)

// Variant describes one prompt/model bundle under evaluation.
type Variant struct {
	Model        string `yaml:"model" json:"model"`
	Prompt       string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// Gate is a quality assertion on a named scorer: an absolute threshold
// plus an optional statistical comparison against baseline.
type Gate struct {
	Scorer     string     `yaml:"scorer" json:"scorer"`
	Threshold  float64    `yaml:"threshold" json:"threshold"`
	Comparison Comparison `yaml:"comparison" json:"comparison"`
	Confidence float64    `yaml:"confidence" json:"confidence"`
}

// Stage is one step of the rollout: a target canary traffic share with
// its gating criteria.
type Stage struct {
	Weight     int      `yaml:"weight" json:"weight"`
	Duration   Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	MinSamples int      `yaml:"min_samples" json:"min_samples"`
	Gates      []Gate   `yaml:"gates" json:"gates"`
}

// Rollback holds the automatic rollback triggers. A zero threshold
// disables its trigger; omit on_score_drop or on_error_rate to rely on
// the statistical gates alone. Cooldown is parsed and persisted but
// advisory: no re-attempt flow consumes it yet.
type Rollback struct {
	OnScoreDrop float64  `yaml:"on_score_drop" json:"on_score_drop"`
	OnErrorRate float64  `yaml:"on_error_rate" json:"on_error_rate"`
	Cooldown    Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// Query configures the evaluation-backend query client.
type Query struct {
	APIURL       string `yaml:"api_url" json:"api_url"`
	Path         string `yaml:"path" json:"path"`
	APIKey       string `yaml:"api_key" json:"api_key"`
	TimeoutMs    int    `yaml:"timeout_ms" json:"timeout_ms"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
	RateLimitRPS float64 `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
}

// Monitor configures the score polling loop.
type Monitor struct {
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval"`
	StickyKey      string   `yaml:"sticky_key,omitempty" json:"sticky_key,omitempty"`
	ScorerLagGrace Duration `yaml:"scorer_lag_grace,omitempty" json:"scorer_lag_grace,omitempty"`
	Query          Query    `yaml:"query" json:"query"`
}

// Deployment is the immutable configuration for one rollout.
type Deployment struct {
	Name     string   `yaml:"name" json:"name"`
	Project  string   `yaml:"project" json:"project"`
	Baseline Variant  `yaml:"baseline" json:"baseline"`
	Canary   Variant  `yaml:"canary" json:"canary"`
	Stages   []Stage  `yaml:"stages" json:"stages"`
	Rollback Rollback `yaml:"rollback" json:"rollback"`
	Monitor  Monitor  `yaml:"monitor" json:"monitor"`
}

// Load reads and validates a deployment spec from a YAML file.
func Load(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals, defaults and validates a deployment spec.
func Parse(data []byte) (*Deployment, error) {
	var cfg Deployment
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse yaml: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Deployment) applyDefaults() {
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = Duration(30 * time.Second)
	}
	if c.Monitor.Query.TimeoutMs == 0 {
		c.Monitor.Query.TimeoutMs = 30000
	}
	if c.Monitor.Query.MaxRetries == 0 {
		c.Monitor.Query.MaxRetries = 3
	}
	if c.Monitor.Query.Path == "" {
		c.Monitor.Query.Path = "/btql"
	}
	for i := range c.Stages {
		if c.Stages[i].MinSamples == 0 {
			c.Stages[i].MinSamples = 1
		}
		for j := range c.Stages[i].Gates {
			if c.Stages[i].Gates[j].Comparison == "" {
				c.Stages[i].Gates[j].Comparison = ComparisonNotWorse
			}
			if c.Stages[i].Gates[j].Confidence == 0 {
				c.Stages[i].Gates[j].Confidence = 0.95
			}
		}
	}
}

// Validate enforces the structural invariants of a deployment spec.
func (c *Deployment) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidConfig)
	}
	if c.Baseline.Model == "" {
		return fmt.Errorf("%w: baseline.model is required", ErrInvalidConfig)
	}
	if c.Canary.Model == "" {
		return fmt.Errorf("%w: canary.model is required", ErrInvalidConfig)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidConfig)
	}

	prevWeight := 0
	gatedNonFinal := false
	for i, stage := range c.Stages {
		if stage.Weight < 1 || stage.Weight > 100 {
			return fmt.Errorf("%w: stage %d weight %d outside [1,100]", ErrInvalidConfig, i, stage.Weight)
		}
		if stage.Weight <= prevWeight {
			return fmt.Errorf("%w: stage weights must be strictly increasing (stage %d: %d after %d)",
				ErrInvalidConfig, i, stage.Weight, prevWeight)
		}
		prevWeight = stage.Weight
		if stage.MinSamples < 1 {
			return fmt.Errorf("%w: stage %d min_samples must be >= 1", ErrInvalidConfig, i)
		}
		for j, gate := range stage.Gates {
			if err := gate.validate(); err != nil {
				return fmt.Errorf("%w (stage %d gate %d)", err, i, j)
			}
		}
		if i < len(c.Stages)-1 && len(stage.Gates) > 0 {
			gatedNonFinal = true
		}
	}
	if c.Stages[len(c.Stages)-1].Weight != 100 {
		return fmt.Errorf("%w: final stage weight must be 100", ErrInvalidConfig)
	}
	if len(c.Stages) > 1 && !gatedNonFinal {
		return fmt.Errorf("%w: at least one non-final stage must define a gate", ErrInvalidConfig)
	}

	if c.Rollback.OnScoreDrop < 0 || c.Rollback.OnScoreDrop > 1 {
		return fmt.Errorf("%w: rollback.on_score_drop outside [0,1]", ErrInvalidConfig)
	}
	if c.Rollback.OnErrorRate < 0 || c.Rollback.OnErrorRate > 1 {
		return fmt.Errorf("%w: rollback.on_error_rate outside [0,1]", ErrInvalidConfig)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("%w: monitor.poll_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

func (g Gate) validate() error {
	if g.Scorer == "" {
		return fmt.Errorf("%w: gate scorer is required", ErrInvalidConfig)
	}
	if g.Threshold < 0 || g.Threshold > 1 {
		return fmt.Errorf("%w: gate threshold %v outside [0,1]", ErrInvalidConfig, g.Threshold)
	}
	switch g.Comparison {
	case ComparisonNotWorse, ComparisonBetter, ComparisonAbsoluteOnly:
	default:
		return fmt.Errorf("%w: unknown comparison %q", ErrInvalidConfig, g.Comparison)
	}
	if g.Confidence < 0.5 || g.Confidence > 0.999 {
		return fmt.Errorf("%w: gate confidence %v outside [0.5,0.999]", ErrInvalidConfig, g.Confidence)
	}
	return nil
}

// ScorerNames returns the distinct scorers referenced by any stage, in
// first-seen order.
func (c *Deployment) ScorerNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, stage := range c.Stages {
		for _, gate := range stage.Gates {
			if !seen[gate.Scorer] {
				seen[gate.Scorer] = true
				names = append(names, gate.Scorer)
			}
		}
	}
	return names
}
