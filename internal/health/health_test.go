package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tricorefile/aurelia/internal/types"
)

type fixedSampler struct {
	cpu, mem, disk float64
}

func (f fixedSampler) CPUPercent() (float64, error)         { return f.cpu, nil }
func (f fixedSampler) MemoryPercent() (float64, error)      { return f.mem, nil }
func (f fixedSampler) DiskPercent(string) (float64, error)  { return f.disk, nil }

func TestClassifyHealthy(t *testing.T) {
	s := types.HealthSnapshot{CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30, NetworkLatencyMs: 5, ErrorRate: 0.01}
	assert.Equal(t, types.HealthHealthy, classify(s, DefaultThresholds()))
}

func TestClassifyDegradedOnSingleWarn(t *testing.T) {
	s := types.HealthSnapshot{CPUPercent: 71, MemoryPercent: 20, DiskPercent: 30, NetworkLatencyMs: 5, ErrorRate: 0.01}
	assert.Equal(t, types.HealthDegraded, classify(s, DefaultThresholds()))
}

func TestClassifyUnhealthyOnSingleCritical(t *testing.T) {
	s := types.HealthSnapshot{CPUPercent: 91, MemoryPercent: 20, DiskPercent: 30, NetworkLatencyMs: 5, ErrorRate: 0.01}
	assert.Equal(t, types.HealthUnhealthy, classify(s, DefaultThresholds()))
}

func TestClassifyCriticalOnTwoCriticalThresholds(t *testing.T) {
	s := types.HealthSnapshot{CPUPercent: 91, MemoryPercent: 95, DiskPercent: 30, NetworkLatencyMs: 5, ErrorRate: 0.01}
	assert.Equal(t, types.HealthCritical, classify(s, DefaultThresholds()))
}

func TestClassifyBoundaryExactlyAtWarnIsDegraded(t *testing.T) {
	// strictly-less-than on the healthy side: cpu < 70 is healthy, so cpu == 70 should warn.
	s := types.HealthSnapshot{CPUPercent: 69.999, MemoryPercent: 20, DiskPercent: 30, NetworkLatencyMs: 5, ErrorRate: 0.01}
	assert.Equal(t, types.HealthHealthy, classify(s, DefaultThresholds()))

	s.CPUPercent = 70
	assert.Equal(t, types.HealthDegraded, classify(s, DefaultThresholds()))
}

func TestScoreIsMonotonicWithCPU(t *testing.T) {
	low := score(types.HealthSnapshot{CPUPercent: 10}, DefaultThresholds())
	high := score(types.HealthSnapshot{CPUPercent: 80}, DefaultThresholds())
	assert.Greater(t, low, high)
}

func TestMonitorSampleUsesFixedSampler(t *testing.T) {
	m := NewMonitor(Config{Sampler: fixedSampler{cpu: 95, mem: 95, disk: 10}})
	snap := m.sample(context.Background())
	assert.Equal(t, types.HealthCritical, snap.Status)
}

func TestMonitorRecordOutcomeFeedsErrorRate(t *testing.T) {
	m := NewMonitor(Config{Sampler: fixedSampler{}})
	for i := 0; i < 9; i++ {
		m.RecordOutcome(true)
	}
	m.RecordOutcome(false)
	snap := m.sample(context.Background())
	assert.InDelta(t, 0.1, snap.ErrorRate, 0.0001)
}
