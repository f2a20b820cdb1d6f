package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tricorefile/aurelia/internal/types"
)

func healthyContext() types.Context {
	return types.Context{
		Health: types.HealthSnapshot{
			Status:        types.HealthHealthy,
			Score:         0.95,
			CPUPercent:    10,
			MemoryPercent: 10,
		},
		Replicas: types.ReplicaStats{ActiveReplicas: 0},
	}
}

func TestDecideRecoverOnCriticalStatus(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.Status = types.HealthCritical
	d := m.Decide(ctx, nil)
	assert.Equal(t, types.DecisionRecover, d.Kind)
}

func TestDecideRecoverOnLowScore(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.Score = 0.1
	d := m.Decide(ctx, nil)
	assert.Equal(t, types.DecisionRecover, d.Kind)
}

func TestDecideScaleWhenCPUAboveThresholdAndCapacityAvailable(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.CPUPercent = 80
	ctx.Replicas.ActiveReplicas = 1
	d := m.Decide(ctx, nil)
	assert.Equal(t, types.DecisionScale, d.Kind)
}

func TestScaleSuppressedAtMaxReplicas(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.CPUPercent = 80
	ctx.Replicas.ActiveReplicas = DefaultLimits().MaxReplicas
	d := m.Decide(ctx, nil)
	assert.NotEqual(t, types.DecisionScale, d.Kind)
}

func TestDecideDeployWhenHealthyAndUnderDesired(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	servers := []*types.TargetServer{
		{ID: "b", Enabled: true, Priority: 10},
		{ID: "a", Enabled: true, Priority: 10},
		{ID: "c", Enabled: false, Priority: 1},
	}
	d := m.Decide(ctx, servers)
	assert.Equal(t, types.DecisionDeploy, d.Kind)
	assert.NotEmpty(t, d.Targets)
	assert.Equal(t, "a", d.Targets[0], "tie on priority breaks by lowest id")
}

func TestDeployTargetsCappedToReplicaDeficit(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Replicas.ActiveReplicas = DefaultLimits().DesiredReplicas - 1 // deficit of 1
	servers := []*types.TargetServer{
		{ID: "a", Enabled: true, Priority: 1},
		{ID: "b", Enabled: true, Priority: 2},
		{ID: "c", Enabled: true, Priority: 3},
	}
	d := m.Decide(ctx, servers)
	assert.Equal(t, types.DecisionDeploy, d.Kind)
	assert.Len(t, d.Targets, 1, "deploy must not request more targets than the replica deficit")
	assert.Equal(t, "a", d.Targets[0], "lowest priority value wins")
}

func TestDeployNeverEmittedWithAllServersDisabled(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	servers := []*types.TargetServer{
		{ID: "a", Enabled: false, Priority: 1},
	}
	d := m.Decide(ctx, servers)
	assert.Equal(t, types.DecisionMonitor, d.Kind)
}

func TestDecideMonitorFallback(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.Score = 0.6
	ctx.Replicas.ActiveReplicas = DefaultLimits().DesiredReplicas
	d := m.Decide(ctx, nil)
	assert.Equal(t, types.DecisionMonitor, d.Kind)
}

func TestExactlyAtScaleUpThresholdDoesNotScale(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.CPUPercent = DefaultThresholds().ScaleUpCPU
	d := m.Decide(ctx, nil)
	assert.NotEqual(t, types.DecisionScale, d.Kind)
}

func TestAboveScaleUpThresholdByEpsilonScales(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	ctx.Health.CPUPercent = DefaultThresholds().ScaleUpCPU + 0.01
	d := m.Decide(ctx, nil)
	assert.Equal(t, types.DecisionScale, d.Kind)
}

func TestFeedbackMonotonicitySuccessOnlyNeverTightens(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	start := m.Thresholds().ScaleUpCPU
	prev := start
	for i := 0; i < 10; i++ {
		m.ApplyFeedback(types.Feedback{DecisionKind: types.DecisionScale, Outcome: types.FeedbackSuccess})
		cur := m.Thresholds().ScaleUpCPU
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestFeedbackMonotonicityFailureOnlyNeverRelaxes(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	prev := m.Thresholds().ScaleUpCPU
	for i := 0; i < 10; i++ {
		m.ApplyFeedback(types.Feedback{DecisionKind: types.DecisionScale, Outcome: types.FeedbackFailure})
		cur := m.Thresholds().ScaleUpCPU
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestThresholdLearningScenario(t *testing.T) {
	m := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	assert.Equal(t, float64(75), m.Thresholds().ScaleUpCPU)

	for i := 0; i < 10; i++ {
		m.ApplyFeedback(types.Feedback{DecisionKind: types.DecisionScale, Outcome: types.FeedbackSuccess})
	}
	assert.Less(t, m.Thresholds().ScaleUpCPU, float64(75))
	assert.GreaterOrEqual(t, m.Thresholds().ScaleUpCPU, DefaultThresholds().ScaleUpFloor)

	for i := 0; i < 20; i++ {
		m.ApplyFeedback(types.Feedback{DecisionKind: types.DecisionScale, Outcome: types.FeedbackFailure})
	}
	assert.Greater(t, m.Thresholds().ScaleUpCPU, float64(75))
	assert.LessOrEqual(t, m.Thresholds().ScaleUpCPU, DefaultThresholds().ScaleUpCeiling)
}

func TestDecisionDeterminism(t *testing.T) {
	m1 := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	m2 := NewMaker(DefaultThresholds(), DefaultLimits(), 30*time.Second)
	ctx := healthyContext()
	servers := []*types.TargetServer{{ID: "a", Enabled: true, Priority: 1}}

	d1 := m1.Decide(ctx, servers)
	d2 := m2.Decide(ctx, servers)
	assert.Equal(t, d1, d2)
}
