// Package health is Aurelia's Health Monitor (spec §4.2): it samples
// local vitals, classifies them into a HealthSnapshot, and emits
// alerts on every transition into a worse status. It is the sole
// writer of the snapshot; every other component reads it by value.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tricorefile/aurelia/internal/events"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/types"
)

// Thresholds holds the warn/critical cutoffs of the classification
// table. Warn thresholds trigger Degraded; critical thresholds trigger
// Unhealthy, and two or more simultaneously trigger Critical.
type Thresholds struct {
	CPUWarn, CPUCritical         float64
	MemWarn, MemCritical         float64
	DiskWarn, DiskCritical       float64
	LatencyWarnMs, LatencyCritMs float64
	ErrorWarn, ErrorCritical     float64
}

// DefaultThresholds mirrors the table in spec §4.2.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 70, CPUCritical: 90,
		MemWarn: 75, MemCritical: 90,
		DiskWarn: 80, DiskCritical: 95,
		LatencyWarnMs: 50, LatencyCritMs: 100,
		ErrorWarn: 0.05, ErrorCritical: 0.10,
	}
}

// VitalsSampler produces raw measurements. Separated from Monitor so
// tests can substitute fixed readings without touching the OS.
type VitalsSampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	DiskPercent(path string) (float64, error)
}

// Config configures a Monitor.
type Config struct {
	Sampler        VitalsSampler
	Thresholds     Thresholds
	Interval       time.Duration
	ProbeEndpoint  string
	ProbeTimeout   time.Duration
	WorkingVolume  string
	Bus            *events.Bus
}

// Monitor samples vitals on its own periodic timer (default 10s),
// independent of the decision tick, so the decision tick always reads
// a fresh snapshot (spec §4.2 "Scheduling").
type Monitor struct {
	cfg       Config
	startedAt time.Time

	mu           sync.RWMutex
	snapshot     types.HealthSnapshot
	successCount int64
	errorCount   int64
}

// NewMonitor builds a Monitor, defaulting interval to 10s and the
// working volume to ".".
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.WorkingVolume == "" {
		cfg.WorkingVolume = "."
	}
	if cfg.Sampler == nil {
		cfg.Sampler = osSampler{}
	}
	return &Monitor{
		cfg:       cfg,
		startedAt: time.Now(),
		snapshot:  types.HealthSnapshot{Status: types.HealthHealthy},
	}
}

// RecordOutcome feeds the rolling error/success counter that backs
// error_rate, fed by the rest of the engine (task handlers, remote
// operations) on every completed attempt.
func (m *Monitor) RecordOutcome(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.successCount++
	} else {
		m.errorCount++
	}
}

// Snapshot returns the current atomic view. Readers see a fully
// consistent value (spec §3 HealthSnapshot invariant).
func (m *Monitor) Snapshot() types.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Run samples on cfg.Interval until ctx is cancelled, mirroring the
// ticker-driven loop shape used throughout the engine's components.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithComponent("health")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sampleOnce(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx, logger)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context, logger zerolog.Logger) {
	snap := m.sample(ctx)

	m.mu.Lock()
	previous := m.snapshot.Status
	m.snapshot = snap
	m.mu.Unlock()

	metrics.HealthScore.Set(snap.Score)
	metrics.HealthStatusGauge.Set(statusGaugeValue(snap.Status))

	if statusRank(snap.Status) > statusRank(types.HealthHealthy) && snap.Status != previous {
		metrics.HealthAlertsTotal.WithLabelValues(string(snap.Status)).Inc()
		logger.Warn().Str("status", string(snap.Status)).Str("previous", string(previous)).Float64("score", snap.Score).Msg("health transitioned")
		if m.cfg.Bus != nil {
			m.cfg.Bus.Publish(events.Event{
				Kind:    events.KindHealthTransition,
				At:      time.Now(),
				Message: "health transitioned from " + string(previous) + " to " + string(snap.Status),
			})
		}
	}
}

// sample gathers one HealthSnapshot and classifies it.
func (m *Monitor) sample(ctx context.Context) types.HealthSnapshot {
	cpu, _ := m.cfg.Sampler.CPUPercent()
	mem, _ := m.cfg.Sampler.MemoryPercent()
	disk, _ := m.cfg.Sampler.DiskPercent(m.cfg.WorkingVolume)
	latency := m.probeLatency(ctx)

	m.mu.RLock()
	success, failure := m.successCount, m.errorCount
	m.mu.RUnlock()

	errorRate := 0.0
	successRate := 1.0
	if total := success + failure; total > 0 {
		errorRate = float64(failure) / float64(total)
		successRate = float64(success) / float64(total)
	}

	snap := types.HealthSnapshot{
		CPUPercent:       cpu,
		MemoryPercent:    mem,
		DiskPercent:      disk,
		NetworkLatencyMs: latency,
		ErrorRate:        errorRate,
		SuccessRate:      successRate,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		SampledAt:        time.Now(),
	}
	snap.Score = score(snap, m.thresholds())
	snap.Status = classify(snap, m.thresholds())
	return snap
}

func (m *Monitor) thresholds() Thresholds {
	t := m.cfg.Thresholds
	if t == (Thresholds{}) {
		return DefaultThresholds()
	}
	return t
}

// probeLatency performs one TCP round-trip to the configured endpoint.
// An unconfigured endpoint reports zero latency rather than failing
// the whole sample.
func (m *Monitor) probeLatency(ctx context.Context) float64 {
	if m.cfg.ProbeEndpoint == "" {
		return 0
	}
	start := time.Now()
	dialer := net.Dialer{Timeout: m.cfg.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.ProbeEndpoint)
	if err != nil {
		return float64(m.cfg.ProbeTimeout.Milliseconds())
	}
	defer conn.Close()
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// classify implements the §4.2 threshold table.
func classify(s types.HealthSnapshot, t Thresholds) types.HealthStatus {
	criticalCount := 0
	if s.CPUPercent >= t.CPUCritical {
		criticalCount++
	}
	if s.MemoryPercent >= t.MemCritical {
		criticalCount++
	}
	if s.DiskPercent >= t.DiskCritical {
		criticalCount++
	}
	if s.NetworkLatencyMs >= t.LatencyCritMs {
		criticalCount++
	}
	if s.ErrorRate >= t.ErrorCritical {
		criticalCount++
	}

	if criticalCount >= 2 {
		return types.HealthCritical
	}
	if criticalCount == 1 {
		return types.HealthUnhealthy
	}

	if s.CPUPercent >= t.CPUWarn || s.MemoryPercent >= t.MemWarn ||
		s.DiskPercent >= t.DiskWarn || s.NetworkLatencyMs >= t.LatencyWarnMs ||
		s.ErrorRate >= t.ErrorWarn {
		return types.HealthDegraded
	}

	return types.HealthHealthy
}

// score is a weighted composite in [0,1]; status buckets are
// monotonic in it by construction (worse readings only ever lower it).
func score(s types.HealthSnapshot, t Thresholds) float64 {
	cpuScore := headroom(s.CPUPercent, t.CPUCritical)
	memScore := headroom(s.MemoryPercent, t.MemCritical)
	diskScore := headroom(s.DiskPercent, t.DiskCritical)
	latencyScore := headroom(s.NetworkLatencyMs, t.LatencyCritMs)
	errorScore := headroom(s.ErrorRate*100, t.ErrorCritical*100)

	weighted := 0.25*cpuScore + 0.2*memScore + 0.15*diskScore + 0.15*latencyScore + 0.25*errorScore
	if weighted < 0 {
		return 0
	}
	if weighted > 1 {
		return 1
	}
	return weighted
}

func headroom(value, critical float64) float64 {
	if critical <= 0 {
		return 1
	}
	remaining := 1 - value/critical
	if remaining < 0 {
		return 0
	}
	if remaining > 1 {
		return 1
	}
	return remaining
}

func statusRank(s types.HealthStatus) int {
	switch s {
	case types.HealthHealthy:
		return 0
	case types.HealthDegraded:
		return 1
	case types.HealthUnhealthy:
		return 2
	case types.HealthCritical:
		return 3
	default:
		return 0
	}
}

func statusGaugeValue(s types.HealthStatus) float64 {
	return float64(statusRank(s))
}

// osSampler is the production VitalsSampler. Its readers live in
// vitals_linux.go, so it builds on Linux only; there it reads /proc and
// returns zero values when a /proc file cannot be read, matching the "best effort, never block the tick" posture asked of
// this component.
type osSampler struct{}

func (osSampler) CPUPercent() (float64, error) {
	return readProcCPUPercent()
}

func (osSampler) MemoryPercent() (float64, error) {
	return readProcMemoryPercent()
}

func (osSampler) DiskPercent(path string) (float64, error) {
	return readDiskPercent(path)
}
