// Package router decides, per request, whether to serve the baseline
// or the canary variant given the current deployment snapshot.
package router

import (
	"math/rand"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/braincanary/braincanary/internal/persistence"
)

// Version identifies the chosen variant.
type Version string

const (
	VersionBaseline Version = "baseline"
	VersionCanary   Version = "canary"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Version      Version `json:"version"`
	CanaryWeight int     `json:"canary_weight"`
	StageIndex   int     `json:"stage_index"`
	Sticky       bool    `json:"sticky"`
}

// StableHash is the deterministic, restart-stable hash used for sticky
// bucketing. The same key must land in the same bucket across
// processes and releases.
func StableHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Route is the pure decision: snapshot (may be nil) + optional sticky
// value + a uniform draw in [0,1).
func Route(snap *persistence.DeploymentSnapshot, sticky string, draw float64) Decision {
	decision := Decision{Version: VersionBaseline}
	if snap != nil {
		decision.StageIndex = snap.StageIndex
	}
	if snap == nil {
		return decision
	}

	switch snap.State {
	case persistence.StatePending, persistence.StateStage, persistence.StatePaused:
	default:
		return decision
	}
	if snap.CanaryWeight <= 0 {
		return decision
	}

	decision.CanaryWeight = snap.CanaryWeight

	var bucket int
	if sticky != "" {
		bucket = int(StableHash(sticky) % 100)
		decision.Sticky = true
	} else {
		bucket = int(draw * 100)
	}
	if bucket < snap.CanaryWeight {
		decision.Version = VersionCanary
	}
	return decision
}

// Router binds Route to a snapshot source and a random source for the
// request path.
type Router struct {
	mu       sync.Mutex
	rng      *rand.Rand
	snapshot func() *persistence.DeploymentSnapshot
}

// New creates a request-path router over a snapshot source. The source
// must be cheap: it is called once per request.
func New(snapshot func() *persistence.DeploymentSnapshot) *Router {
	return &Router{
		rng:      rand.New(rand.NewSource(rand.Int63())),
		snapshot: snapshot,
	}
}

// Route picks a variant for one request. sticky may be empty.
func (r *Router) Route(sticky string) Decision {
	r.mu.Lock()
	draw := r.rng.Float64()
	r.mu.Unlock()
	return Route(r.snapshot(), sticky, draw)
}
