// Package decision is Aurelia's Decision Maker (spec §4.1): a pure,
// always-succeeding function from Context to Decision, with mutable
// thresholds adjusted by Feedback. It holds no I/O of its own.
package decision

import (
	"sort"
	"sync"
	"time"

	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/types"
)

// Thresholds are the mutable policy knobs, adjusted by Feedback
// (spec §4.1 "Learning").
type Thresholds struct {
	MinHealthCritical float64
	MinHealthHealthy  float64
	ScaleUpCPU        float64
	ScaleUpMemory     float64
	LearningRate      float64

	ScaleUpFloor, ScaleUpCeiling float64
}

// DefaultThresholds mirrors the defaults named in spec §4.1.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHealthCritical: 0.40,
		MinHealthHealthy:  0.80,
		ScaleUpCPU:        75,
		ScaleUpMemory:     75,
		LearningRate:      1.0,
		ScaleUpFloor:      50,
		ScaleUpCeiling:    95,
	}
}

// Limits bounds replica counts, independent of the learned thresholds.
type Limits struct {
	MinReplicas, MaxReplicas, DesiredReplicas int
}

// DefaultLimits mirrors spec §4.4's defaults.
func DefaultLimits() Limits {
	return Limits{MinReplicas: 2, MaxReplicas: 5, DesiredReplicas: 2}
}

// Maker produces one Decision per tick from a Context. It is safe for
// concurrent use; threshold adjustment and decision evaluation both
// take the same lock, since Feedback from tick N's execution may
// arrive while tick N+1 is being evaluated.
type Maker struct {
	mu         sync.Mutex
	thresholds Thresholds
	limits     Limits
	tick       time.Duration
}

// NewMaker builds a Maker with the given starting thresholds, limits,
// and decision-tick period.
func NewMaker(thresholds Thresholds, limits Limits, tick time.Duration) *Maker {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Maker{thresholds: thresholds, limits: limits, tick: tick}
}

// Thresholds returns a snapshot of the current thresholds.
func (m *Maker) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Decide evaluates one Context and returns exactly one Decision. The
// Decision Maker itself cannot fail (spec §4.1 "Failure semantics").
// availableServers must already exclude servers with a non-Failed
// replica record (see engine.Engine.deployCandidates) — Decide only
// orders and caps, it has no store access of its own to check replica
// state.
func (m *Maker) Decide(ctx types.Context, availableServers []*types.TargetServer) types.Decision {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	d := m.decide(ctx, availableServers)
	metrics.DecisionsTotal.WithLabelValues(string(d.Kind)).Inc()
	return d
}

func (m *Maker) decide(ctx types.Context, availableServers []*types.TargetServer) types.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	health := ctx.Health

	if health.Status == types.HealthCritical || health.Score < m.thresholds.MinHealthCritical {
		return types.Decision{
			Kind:       types.DecisionRecover,
			FailedNode: "self",
			Action:     recoveryActionFor(ctx),
			Reason:     "health score below critical floor or status critical",
		}
	}

	atCapacity := ctx.Replicas.ActiveReplicas >= m.limits.MaxReplicas
	if !atCapacity && (health.CPUPercent > m.thresholds.ScaleUpCPU || health.MemoryPercent > m.thresholds.ScaleUpMemory) {
		return types.Decision{
			Kind:   types.DecisionScale,
			Factor: 2,
			Reason: "cpu or memory above scale-up threshold with capacity available",
		}
	}

	if health.Score > m.thresholds.MinHealthHealthy && ctx.Replicas.ActiveReplicas < m.limits.DesiredReplicas {
		deficit := m.limits.DesiredReplicas - ctx.Replicas.ActiveReplicas
		if room := m.limits.MaxReplicas - ctx.Replicas.ActiveReplicas; room < deficit {
			deficit = room
		}
		targets := selectDeployTargets(availableServers, deficit)
		if len(targets) > 0 {
			ids := make([]string, 0, len(targets))
			for _, s := range targets {
				ids = append(ids, s.ID)
			}
			return types.Decision{
				Kind:     types.DecisionDeploy,
				Targets:  ids,
				Priority: types.PriorityNormal,
				Reason:   "health is strong and desired replica count is unmet",
			}
		}
	}

	return types.Decision{
		Kind:     types.DecisionMonitor,
		Interval: m.tick,
		Reason:   "no rule matched",
	}
}

// recoveryActionFor picks among Restart, Rollback, and
// EmergencyShutdown when the Decision Maker itself triggers recovery;
// the Recovery Manager's own escalation table (spec §4.3) governs
// further action selection once a Recover decision is acted on.
func recoveryActionFor(ctx types.Context) types.RecoveryAction {
	if ctx.Health.Status == types.HealthCritical {
		return types.ActionRestartProcess
	}
	return types.ActionRollbackConfiguration
}

// selectDeployTargets picks the top-k enabled servers by priority,
// tie-broken by lowest id (spec §4.1 "Tie-breaks", §4.4 "Tie-breaks"),
// capped at limit so a Deploy decision never asks for more replicas
// than the current deficit. Callers must already have filtered servers
// down to those without a non-Failed replica record (see
// engine.Engine.deployCandidates, mirroring replicator.Replicator's own
// selectTarget filter) — this function only orders and caps.
func selectDeployTargets(servers []*types.TargetServer, limit int) []*types.TargetServer {
	if limit <= 0 {
		return nil
	}
	candidates := make([]*types.TargetServer, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// ApplyFeedback adjusts the threshold tied to the originating decision
// kind: Success relaxes it by learning_rate·10%, Failure tightens it
// by the same factor, clamped to documented floors/ceilings. Given an
// identical feedback sequence the result is deterministic (spec §8
// "Decision determinism", "Feedback monotonicity").
func (m *Maker) ApplyFeedback(fb types.Feedback) {
	metrics.FeedbackTotal.WithLabelValues(string(fb.DecisionKind), string(fb.Outcome)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.thresholds.LearningRate * 0.10

	switch fb.DecisionKind {
	case types.DecisionScale:
		switch fb.Outcome {
		case types.FeedbackSuccess:
			m.thresholds.ScaleUpCPU = clamp(m.thresholds.ScaleUpCPU*(1-step), m.thresholds.ScaleUpFloor, m.thresholds.ScaleUpCeiling)
			m.thresholds.ScaleUpMemory = clamp(m.thresholds.ScaleUpMemory*(1-step), m.thresholds.ScaleUpFloor, m.thresholds.ScaleUpCeiling)
		case types.FeedbackFailure:
			m.thresholds.ScaleUpCPU = clamp(m.thresholds.ScaleUpCPU*(1+step), m.thresholds.ScaleUpFloor, m.thresholds.ScaleUpCeiling)
			m.thresholds.ScaleUpMemory = clamp(m.thresholds.ScaleUpMemory*(1+step), m.thresholds.ScaleUpFloor, m.thresholds.ScaleUpCeiling)
		}
	case types.DecisionRecover:
		switch fb.Outcome {
		case types.FeedbackSuccess:
			m.thresholds.MinHealthCritical = clamp(m.thresholds.MinHealthCritical*(1-step), 0.05, 0.60)
		case types.FeedbackFailure:
			m.thresholds.MinHealthCritical = clamp(m.thresholds.MinHealthCritical*(1+step), 0.05, 0.60)
		}
	case types.DecisionDeploy:
		switch fb.Outcome {
		case types.FeedbackSuccess:
			m.thresholds.MinHealthHealthy = clamp(m.thresholds.MinHealthHealthy*(1-step), 0.50, 0.95)
		case types.FeedbackFailure:
			m.thresholds.MinHealthHealthy = clamp(m.thresholds.MinHealthHealthy*(1+step), 0.50, 0.95)
		}
	}

	metrics.ThresholdValue.WithLabelValues("scale_up_cpu").Set(m.thresholds.ScaleUpCPU)
	metrics.ThresholdValue.WithLabelValues("scale_up_memory").Set(m.thresholds.ScaleUpMemory)
	metrics.ThresholdValue.WithLabelValues("min_health_critical").Set(m.thresholds.MinHealthCritical)
	metrics.ThresholdValue.WithLabelValues("min_health_healthy").Set(m.thresholds.MinHealthHealthy)
}

func clamp(v, floor, ceiling float64) float64 {
	if v < floor {
		return floor
	}
	if v > ceiling {
		return ceiling
	}
	return v
}
