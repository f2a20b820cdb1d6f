package types

import "time"

// AuxFile is one non-binary file uploaded alongside the agent binary,
// preserving a relative layout under the target's remote_path/config tree.
type AuxFile struct {
	LocalPath string
	RelPath   string
	Mode      uint32
}

// DeployReport is the outcome of a full_deploy composite operation.
type DeployReport struct {
	BytesUploaded int64
	Duration      time.Duration
	Verified      bool
	Diagnostics   []string
}

// RecoveryAttempt is one entry in the Recovery Manager's history.
type RecoveryAttempt struct {
	ID        string
	Action    RecoveryAction
	Cause     string
	Outcome   FeedbackOutcome
	StartedAt time.Time
	Duration  time.Duration
	Error     string
}

// ClusterAgent is one row of the consumer-facing status snapshot.
type ClusterAgent struct {
	ServerID   string
	Name       string
	State      ReplicaState
	LastError  string
	DeployedAt time.Time
}

// ClusterEvent is one row of the consumer-facing event log.
type ClusterEvent struct {
	At      time.Time
	Kind    string
	Message string
}

// ClusterStatus is the read-only structure exposed to consumers (e.g. an
// HTTP/JSON reader, out of scope here) by in-process call.
type ClusterStatus struct {
	Total         int
	Healthy       int
	Degraded      int
	Offline       int
	CPUTotal      float64
	MemoryTotal   float64
	ClusterHealth HealthStatus
	Agents        []ClusterAgent
	Events        []ClusterEvent
}
