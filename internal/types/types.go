// Package types holds the data model shared across Aurelia's components:
// the target-server registry, replica records, health snapshots, tasks,
// and the decision/feedback variants exchanged between them.
package types

import "time"

// AuthMethod is a tagged variant of how Aurelia authenticates to a target
// server. Exactly one of the three shapes applies per server.
type AuthMethod struct {
	Kind AuthKind

	// KeyPath is set for Key and KeyWithPassphrase.
	KeyPath string

	// ObfuscatedPassword is set for Password and KeyWithPassphrase. It is
	// reversible (see internal/security) and carries no confidentiality
	// guarantee.
	ObfuscatedPassword []byte
}

// AuthKind enumerates the supported authentication shapes.
type AuthKind string

const (
	AuthKey               AuthKind = "key"
	AuthPassword           AuthKind = "password"
	AuthKeyWithPassphrase AuthKind = "key-with-passphrase"
)

// TargetServer is an addressable host in the fleet registry.
type TargetServer struct {
	ID         string
	Name       string
	IP         string
	Port       int
	Username   string
	RemotePath string
	Auth       AuthMethod

	Enabled    bool
	Priority   int
	Tags       []string
	MaxRetries int
	RetryDelay time.Duration
}

// ReplicaState is the lifecycle state of a ReplicaRecord.
type ReplicaState string

const (
	ReplicaPending   ReplicaState = "pending"
	ReplicaDeploying ReplicaState = "deploying"
	ReplicaRunning   ReplicaState = "running"
	ReplicaFailed    ReplicaState = "failed"
	ReplicaRetiring  ReplicaState = "retiring"
)

// ReplicaRecord is a known result of a past or ongoing replication.
type ReplicaRecord struct {
	ServerID       string
	State          ReplicaState
	DeployedAt     time.Time
	LastVerifiedAt time.Time
	AttemptCount   int
	LastError      string
}

// HealthStatus is the classification bucket for a HealthSnapshot.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// HealthSnapshot is the current, atomically-published view of the local
// node's vitals.
type HealthSnapshot struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	NetworkLatencyMs  float64
	ErrorRate         float64
	SuccessRate       float64
	UptimeSeconds     float64
	Status            HealthStatus
	Score             float64
	SampledAt         time.Time
}

// TaskKind is a tagged variant describing what a scheduled Task does.
type TaskKind struct {
	Name       string // "health_check", "replication_check", "backup", "cleanup", or a custom name
	IsCustom   bool
}

var (
	TaskHealthCheck       = TaskKind{Name: "health_check"}
	TaskReplicationCheck  = TaskKind{Name: "replication_check"}
	TaskBackup            = TaskKind{Name: "backup"}
	TaskCleanup           = TaskKind{Name: "cleanup"}
)

// CustomTask builds a TaskKind for a named custom handler.
func CustomTask(name string) TaskKind {
	return TaskKind{Name: name, IsCustom: true}
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is a unit of scheduled work.
type Task struct {
	ID           string
	Kind         TaskKind
	Priority     uint8
	ScheduledAt  time.Time
	Dependencies []string
	MaxRetries   int
	Timeout      time.Duration
	State        TaskState
	AttemptCount int

	// Recurring, when non-zero, re-enqueues a completed task with
	// ScheduledAt advanced by this period.
	Recurring time.Duration

	LastError string
}

// DecisionKind is the tag of a Decision variant.
type DecisionKind string

const (
	DecisionDeploy  DecisionKind = "deploy"
	DecisionScale   DecisionKind = "scale"
	DecisionRecover DecisionKind = "recover"
	DecisionMonitor DecisionKind = "monitor"
)

// RecoveryAction is a tagged variant of what the Recovery Manager can do.
type RecoveryAction string

const (
	ActionRestartProcess        RecoveryAction = "restart_process"
	ActionRedeployComponent     RecoveryAction = "redeploy_component"
	ActionFailoverToBackup      RecoveryAction = "failover_to_backup"
	ActionScaleUp               RecoveryAction = "scale_up"
	ActionRollbackConfiguration RecoveryAction = "rollback_configuration"
	ActionEmergencyShutdown     RecoveryAction = "emergency_shutdown"
)

// DeployPriority orders a Deploy decision's targets.
type DeployPriority string

const (
	PriorityNormal DeployPriority = "normal"
	PriorityHigh   DeployPriority = "high"
)

// Decision is the tagged-variant output of the Decision Maker. Exactly one
// tick of fields is populated, selected by Kind.
type Decision struct {
	Kind DecisionKind

	// Deploy
	Targets  []string
	Priority DeployPriority

	// Scale
	Factor float64

	// Recover
	FailedNode string
	Action     RecoveryAction

	// Monitor
	Interval time.Duration

	Reason string
}

// FeedbackOutcome is the result tag of a Feedback record.
type FeedbackOutcome string

const (
	FeedbackSuccess FeedbackOutcome = "success"
	FeedbackPartial FeedbackOutcome = "partial"
	FeedbackFailure FeedbackOutcome = "failure"
)

// Feedback is a post-execution outcome fed back to the Decision Maker.
type Feedback struct {
	DecisionKind DecisionKind
	Outcome      FeedbackOutcome
	At           time.Time
	Detail       string
}

// ReplicaStats summarizes the Self-Replicator's view for a Context.
type ReplicaStats struct {
	ActiveReplicas  int
	HealthyReplicas int
	MaxReplicas     int
	MinReplicas     int
	DesiredReplicas int
}

// TaskStats summarizes the Task Scheduler's view for a Context.
type TaskStats struct {
	Pending  int
	Overdue  int
	Running  int
	Failed   int
}

// Context is assembled once per decision tick and consumed by the
// Decision Maker.
type Context struct {
	Health    HealthSnapshot
	Replicas  ReplicaStats
	Tasks     TaskStats
	Timestamp time.Time
}
