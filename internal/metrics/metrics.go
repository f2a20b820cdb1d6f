// Package metrics exposes Aurelia's Prometheus collectors, adapted from
// warren's pkg/metrics to the autonomy engine's own domain: decision
// ticks, health score, replica lifecycle, task scheduling, and remote
// deployments, instead of containers/services/raft.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decision Maker
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_decisions_total",
			Help: "Total number of decisions emitted by kind",
		},
		[]string{"kind"},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_feedback_total",
			Help: "Total feedback records consumed by decision kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ThresholdValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurelia_decision_threshold",
			Help: "Current value of a learned decision threshold",
		},
		[]string{"threshold"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurelia_tick_duration_seconds",
			Help:    "Time taken to evaluate one decision tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Health Monitor
	HealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_health_score",
			Help: "Composite health score in [0,1] of the local node",
		},
	)

	HealthStatusGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_health_status",
			Help: "Current health status of the local node: 0 healthy, 1 degraded, 2 unhealthy, 3 critical",
		},
	)

	HealthAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_health_alerts_total",
			Help: "Total number of health status transitions worse than healthy, by new status",
		},
		[]string{"status"},
	)

	// Self-Replicator
	ReplicasActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_replicas_active",
			Help: "Number of replicas not in a terminal Failed state",
		},
	)

	ReplicasHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_replicas_healthy",
			Help: "Number of replicas currently Running and verified",
		},
	)

	ReplicationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_replication_attempts_total",
			Help: "Total replication attempts by outcome",
		},
		[]string{"outcome"},
	)

	ReplicationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurelia_replication_duration_seconds",
			Help:    "Time taken by one full_deploy replication attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery Manager
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_recovery_attempts_total",
			Help: "Total recovery attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	EmergencyShutdownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_emergency_shutdowns_total",
			Help: "Total number of EmergencyShutdown recoveries executed",
		},
	)

	// Task Scheduler
	TasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_tasks_scheduled_total",
			Help: "Total number of tasks that entered Running by kind",
		},
		[]string{"kind"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_tasks_failed_total",
			Help: "Total number of tasks that reached terminal Failed by kind",
		},
		[]string{"kind"},
	)

	TaskHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurelia_task_handler_duration_seconds",
			Help:    "Time taken by a task handler to run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_scheduler_queue_depth",
			Help: "Number of tasks currently queued (ready or held on dependencies)",
		},
	)

	// Remote Deployer
	DeployOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurelia_deploy_operations_total",
			Help: "Total remote deployer operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	DeployBytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_deploy_bytes_uploaded_total",
			Help: "Total bytes uploaded to target servers",
		},
	)

	DeployInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_deploy_in_flight",
			Help: "Number of remote deployment operations currently holding a concurrency slot",
		},
	)

	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurelia_deploy_full_deploy_duration_seconds",
			Help:    "Duration of full_deploy composite operations",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		FeedbackTotal,
		ThresholdValue,
		TickDuration,
		HealthScore,
		HealthStatusGauge,
		HealthAlertsTotal,
		ReplicasActive,
		ReplicasHealthy,
		ReplicationAttemptsTotal,
		ReplicationDuration,
		RecoveryAttemptsTotal,
		EmergencyShutdownsTotal,
		TasksScheduled,
		TasksFailed,
		TaskHandlerDuration,
		SchedulerQueueDepth,
		DeployOperationsTotal,
		DeployBytesUploaded,
		DeployInFlight,
		DeployDuration,
	)
}

// Handler returns the Prometheus HTTP handler for METRICS_ADDR.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations, identical in shape to
// warren's pkg/metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
