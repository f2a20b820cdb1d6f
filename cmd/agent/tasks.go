package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tricorefile/aurelia/internal/config"
	"github.com/tricorefile/aurelia/internal/deploy"
	"github.com/tricorefile/aurelia/internal/engine"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/scheduler"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

// registerTaskHandlers wires the four default recurring tasks Engine
// seeds at startup (spec §4.5) to the side effects that make them more
// than a no-op tick.
func registerTaskHandlers(e *engine.Engine, reg *registry.Registry, st store.Store, deployer *deploy.Deployer, cfg config.Config) {
	e.RegisterTaskHandler(types.TaskHealthCheck, healthCheckHandler(reg, deployer))
	e.RegisterTaskHandler(types.TaskReplicationCheck, replicationCheckHandler(reg, st))
	e.RegisterTaskHandler(types.TaskBackup, backupHandler(cfg))
	e.RegisterTaskHandler(types.TaskCleanup, cleanupHandler())
}

// healthCheckHandler probes every enabled target with a lightweight
// connect-and-exec, the same liveness check the Self-Replicator uses to
// verify Running replicas (spec §4.4 step 1), surfacing failures as a
// task error rather than silently dropping them.
func healthCheckHandler(reg *registry.Registry, deployer *deploy.Deployer) scheduler.Handler {
	logger := log.WithComponent("task:health_check")
	return func(ctx context.Context, task *types.Task) error {
		var failed []string
		for _, server := range reg.Enabled() {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			session, err := deployer.Connect(probeCtx, server)
			if err != nil {
				failed = append(failed, server.ID)
				cancel()
				continue
			}
			result, err := deployer.Exec(probeCtx, session, "true", 5*time.Second)
			session.Close()
			cancel()
			if err != nil || !result.Succeeded() {
				failed = append(failed, server.ID)
			}
		}
		if len(failed) > 0 {
			logger.Warn().Strs("failed_servers", failed).Msg("health check found unreachable targets")
			return fmt.Errorf("health check: %d target(s) unreachable: %v", len(failed), failed)
		}
		return nil
	}
}

// replicationCheckHandler reconciles the store's replica records against
// the current registry: a replica whose server has been disabled since
// it was deployed is retired rather than left Running forever.
func replicationCheckHandler(reg *registry.Registry, st store.Store) scheduler.Handler {
	logger := log.WithComponent("task:replication_check")
	return func(ctx context.Context, task *types.Task) error {
		records, err := st.ListReplicas()
		if err != nil {
			return fmt.Errorf("replication check: list replicas: %w", err)
		}
		for _, rec := range records {
			if rec.State != types.ReplicaRunning {
				continue
			}
			server := reg.Get(rec.ServerID)
			if server != nil && server.Enabled {
				continue
			}
			rec.State = types.ReplicaRetiring
			if err := st.PutReplica(rec); err != nil {
				return fmt.Errorf("replication check: retire %s: %w", rec.ServerID, err)
			}
			logger.Info().Str("server_id", rec.ServerID).Msg("retired replica removed from registry")
		}
		return nil
	}
}

// backupHandler snapshots the registry's canonical JSON file to a dated
// copy, independent of the single rolling .bak Registry.SaveAs keeps.
// RollbackConfiguration restores only the .bak file, not these copies.
func backupHandler(cfg config.Config) scheduler.Handler {
	logger := log.WithComponent("task:backup")
	return func(ctx context.Context, task *types.Task) error {
		data, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return fmt.Errorf("backup: read %s: %w", cfg.ConfigPath, err)
		}
		dest := fmt.Sprintf("%s.backup-%d", cfg.ConfigPath, time.Now().Unix())
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			return fmt.Errorf("backup: write %s: %w", dest, err)
		}
		logger.Info().Str("dest", dest).Msg("configuration snapshot written")
		return nil
	}
}

// cleanupHandler removes the stale temp artifacts an interrupted
// redeploy can leave behind (see cleanupTemp), the routine counterpart to
// RecoveryManager's Cleanup action.
func cleanupHandler() scheduler.Handler {
	logger := log.WithComponent("task:cleanup")
	return func(ctx context.Context, task *types.Task) error {
		return cleanupTemp(logger)
	}
}
