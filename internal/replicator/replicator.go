// Package replicator is Aurelia's Self-Replicator (spec §4.4): it owns
// the target-server registry, maintains min_replicas ≤ active_replicas
// ≤ max_replicas, and drives the replication procedure through the
// Remote Deployer.
package replicator

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/deploy"
	"github.com/tricorefile/aurelia/internal/events"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

// Config configures a Replicator.
type Config struct {
	Registry   *registry.Registry
	Store      store.Store
	Deployer   *deploy.Deployer
	Bus        *events.Bus

	BinaryPath string
	AuxFiles   []types.AuxFile

	MinReplicas, MaxReplicas int
	MaxConcurrent            int // global semaphore cap, default 2
	Interval                 time.Duration
	FailedCooldown           time.Duration
	DeployBudget             time.Duration
}

// Replicator runs the auto-manage loop of spec §4.4 and exposes the
// replication procedure both for that loop and for a direct Deploy
// decision from the engine.
type Replicator struct {
	cfg Config
	sem *semaphore.Weighted
}

// New builds a Replicator with spec-default concurrency cap and
// cooldown.
func New(cfg Config) *Replicator {
	if cfg.MinReplicas <= 0 {
		cfg.MinReplicas = 2
	}
	if cfg.MaxReplicas <= 0 {
		cfg.MaxReplicas = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.FailedCooldown <= 0 {
		cfg.FailedCooldown = 30 * time.Minute
	}
	if cfg.DeployBudget <= 0 {
		cfg.DeployBudget = 5 * time.Minute
	}
	return &Replicator{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent))}
}

// Stats reports the replica counts consumed by the Decision Maker's
// Context (spec §3 ReplicaStats).
func (r *Replicator) Stats() (types.ReplicaStats, error) {
	records, err := r.cfg.Store.ListReplicas()
	if err != nil {
		return types.ReplicaStats{}, err
	}
	stats := types.ReplicaStats{
		MaxReplicas:     r.cfg.MaxReplicas,
		MinReplicas:     r.cfg.MinReplicas,
		DesiredReplicas: r.cfg.MinReplicas,
	}
	for _, rec := range records {
		if rec.State == types.ReplicaRunning {
			stats.ActiveReplicas++
			stats.HealthyReplicas++
		}
	}
	metrics.ReplicasActive.Set(float64(stats.ActiveReplicas))
	metrics.ReplicasHealthy.Set(float64(stats.HealthyReplicas))
	return stats, nil
}

// Run drives the auto-manage loop on its own timer (spec §4.4
// "Auto-manage loop", default 60s), independent of the decision tick.
func (r *Replicator) Run(ctx context.Context) {
	logger := log.WithComponent("replicator")
	logger.Info().Dur("interval", r.cfg.Interval).Msg("auto-manage loop starting")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.autoManageOnce(ctx)
		}
	}
}

func (r *Replicator) autoManageOnce(ctx context.Context) {
	r.verifyRunningReplicas(ctx)
	r.pruneFailedRecords()

	stats, err := r.Stats()
	if err != nil {
		return
	}
	if stats.ActiveReplicas < r.cfg.MinReplicas {
		target := r.selectTarget()
		if target != nil {
			go r.Replicate(ctx, target)
		}
	}
}

// verifyRunningReplicas probes each Running replica with a lightweight
// liveness check (TCP connect + one command round-trip), marking
// Failed after max_retries probes (spec §4.4 step 1).
func (r *Replicator) verifyRunningReplicas(ctx context.Context) {
	records, err := r.cfg.Store.ListReplicas()
	if err != nil {
		return
	}
	for _, rec := range records {
		if rec.State != types.ReplicaRunning {
			continue
		}
		server := r.cfg.Registry.Get(rec.ServerID)
		if server == nil {
			continue
		}
		if r.probe(ctx, server) {
			rec.LastVerifiedAt = time.Now()
			r.cfg.Store.PutReplica(rec)
			continue
		}

		rec.AttemptCount++
		maxRetries := server.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if rec.AttemptCount >= maxRetries {
			rec.State = types.ReplicaFailed
			rec.LastError = "liveness probe failed"
			if r.cfg.Bus != nil {
				r.cfg.Bus.Publish(events.Event{Kind: events.KindReplicaFailed, At: time.Now(), ServerID: rec.ServerID, Message: rec.LastError})
			}
		}
		r.cfg.Store.PutReplica(rec)
	}
}

func (r *Replicator) probe(ctx context.Context, server *types.TargetServer) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	session, err := r.cfg.Deployer.Connect(probeCtx, server)
	if err != nil {
		return false
	}
	defer session.Close()

	result, err := session.Exec(probeCtx, "true", 5*time.Second)
	return err == nil && result.Succeeded()
}

// pruneFailedRecords removes Failed records older than the cooldown
// window (spec §4.4 step 3).
func (r *Replicator) pruneFailedRecords() {
	records, err := r.cfg.Store.ListReplicas()
	if err != nil {
		return
	}
	for _, rec := range records {
		if rec.State == types.ReplicaFailed && time.Since(rec.LastVerifiedAt) > r.cfg.FailedCooldown {
			r.cfg.Store.DeleteReplica(rec.ServerID)
		}
	}
}

// selectTarget picks the top-priority enabled server without a
// non-Failed record, tie-broken by fewest historical failures then
// lowest id (spec §4.4 "Tie-breaks").
func (r *Replicator) selectTarget() *types.TargetServer {
	enabled := r.cfg.Registry.Enabled()
	records, _ := r.cfg.Store.ListReplicas()

	hasNonFailedRecord := map[string]bool{}
	failureCounts := map[string]int{}
	for _, rec := range records {
		if rec.State != types.ReplicaFailed {
			hasNonFailedRecord[rec.ServerID] = true
		}
		failureCounts[rec.ServerID] = rec.AttemptCount
	}

	candidates := make([]*types.TargetServer, 0, len(enabled))
	for _, s := range enabled {
		if !hasNonFailedRecord[s.ID] {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if failureCounts[a.ID] != failureCounts[b.ID] {
			return failureCounts[a.ID] < failureCounts[b.ID]
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// Replicate runs the replication procedure for one target (spec §4.4
// "Replication procedure"), bounded by the global concurrency
// semaphore.
func (r *Replicator) Replicate(ctx context.Context, server *types.TargetServer) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	metrics.DeployInFlight.Inc()
	defer metrics.DeployInFlight.Dec()

	logger := log.WithComponent("replicator").With().Str("server_id", server.ID).Logger()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationDuration)

	rec := &types.ReplicaRecord{ServerID: server.ID, State: types.ReplicaPending}
	r.cfg.Store.PutReplica(rec)

	rec.State = types.ReplicaDeploying
	r.cfg.Store.PutReplica(rec)

	report, err := r.cfg.Deployer.FullDeploy(ctx, server, r.cfg.BinaryPath, r.cfg.AuxFiles, r.cfg.DeployBudget)
	metrics.ReplicationAttemptsTotal.WithLabelValues(outcomeLabel(err)).Inc()

	if err == nil {
		rec.State = types.ReplicaRunning
		rec.DeployedAt = time.Now()
		rec.LastVerifiedAt = time.Now()
		r.cfg.Store.PutReplica(rec)
		if r.cfg.Bus != nil {
			r.cfg.Bus.Publish(events.Event{Kind: events.KindReplicaRunning, At: time.Now(), ServerID: server.ID})
		}
		logger.Info().Dur("duration", report.Duration).Msg("replication succeeded")
		return nil
	}

	rec.AttemptCount++
	rec.LastError = err.Error()

	if aerr.KindOf(err) == aerr.KindAuthFailed {
		rec.State = types.ReplicaFailed
		rec.LastError = aerr.KindAuthFailed.String()
		r.cfg.Store.PutReplica(rec)
		logger.Error().Err(err).Msg("replication auth failure is terminal, no retry")
		return err
	}

	maxRetries := server.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if rec.AttemptCount < maxRetries {
		rec.State = types.ReplicaPending
		r.cfg.Store.PutReplica(rec)
		delay := server.RetryDelay
		if delay <= 0 {
			delay = 60 * time.Second
		}
		logger.Warn().Err(err).Dur("retry_delay", delay).Int("attempt", rec.AttemptCount).Msg("replication failed, scheduling retry")
		go r.scheduleRetry(ctx, server, delay)
		return err
	}

	rec.State = types.ReplicaFailed
	r.cfg.Store.PutReplica(rec)
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.Event{Kind: events.KindReplicaFailed, At: time.Now(), ServerID: server.ID, Message: rec.LastError})
	}
	logger.Error().Err(err).Msg("replication exhausted retries")
	return err
}

func (r *Replicator) scheduleRetry(ctx context.Context, server *types.TargetServer, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		r.Replicate(ctx, server)
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
