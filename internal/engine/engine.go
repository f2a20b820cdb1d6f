// Package engine wires the Decision Maker, Health Monitor, Recovery
// Manager, Self-Replicator, and Task Scheduler into the single control
// loop described in spec §2, and assembles the consumer-facing
// ClusterStatus snapshot of spec §6.3. No component here reaches for a
// package-level global: every dependency is constructed in Engine and
// passed down explicitly (spec §9 "no hidden globals").
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tricorefile/aurelia/internal/config"
	"github.com/tricorefile/aurelia/internal/decision"
	"github.com/tricorefile/aurelia/internal/deploy"
	"github.com/tricorefile/aurelia/internal/events"
	"github.com/tricorefile/aurelia/internal/health"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/recovery"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/replicator"
	"github.com/tricorefile/aurelia/internal/scheduler"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

// Exit codes, spec §6.4.
const (
	ExitClean              = 0
	ExitConfigError         = 1
	ExitUnrecoverableRuntime = 2
	ExitEmergencyShutdown    = 3
)

// AgentStatus is one fleet member's row in ClusterStatus.agents.
type AgentStatus struct {
	ServerID string
	State    types.ReplicaState
	Health   types.HealthStatus
}

// ClusterStatus is the read-only, in-process snapshot of spec §6.3. It
// is a snapshot, not a stream: Engine.Status() recomputes it on demand.
type ClusterStatus struct {
	Total         int
	Healthy       int
	Degraded      int
	Offline       int
	CPUTotal      float64
	MemoryTotal   float64
	ClusterHealth types.HealthStatus
	Agents        []AgentStatus
	Events        []events.Event
}

// Engine owns the decision tick and every component it drives.
type Engine struct {
	cfg Config

	bus        *events.Bus
	store      store.Store
	registry   *registry.Registry
	maker      *decision.Maker
	monitor    *health.Monitor
	recoverer  *recovery.Manager
	replicator *replicator.Replicator
	scheduler  *scheduler.Scheduler
	deployer   *deploy.Deployer

	mu     sync.Mutex
	events []events.Event // bounded ring buffer, cap 256 (spec §11 supplement)
}

// Config configures an Engine. All fields are required except AuxFiles and RecoveryHandlers.
type Config struct {
	AppConfig config.Config
	Store     store.Store
	Registry  *registry.Registry
	AuxFiles  []types.AuxFile

	RecoveryHandlers recovery.Handlers
}

const eventLogCap = 256

// New assembles an Engine from cfg, constructing every component with
// its spec-documented defaults.
func New(cfg Config) *Engine {
	bus := events.NewBus()

	deployer := deploy.NewDeployer(deploy.Config{})

	mon := health.NewMonitor(health.Config{Bus: bus})

	rec := recovery.NewManager(recovery.Config{
		Store:    cfg.Store,
		Handlers: cfg.RecoveryHandlers,
		Bus:      bus,
	})

	repl := replicator.New(replicator.Config{
		Registry:      cfg.Registry,
		Store:         cfg.Store,
		Deployer:      deployer,
		Bus:           bus,
		BinaryPath:    cfg.AppConfig.BinaryPath,
		AuxFiles:      cfg.AuxFiles,
		MaxConcurrent: cfg.AppConfig.ReplicationConcurrency,
	})

	sched := scheduler.New(scheduler.Config{
		Store:   cfg.Store,
		Bus:     bus,
		Workers: cfg.AppConfig.SchedulerWorkers,
	})

	maker := decision.NewMaker(decision.DefaultThresholds(), decision.DefaultLimits(), cfg.AppConfig.Tick)

	e := &Engine{
		cfg:        cfg,
		bus:        bus,
		store:      cfg.Store,
		registry:   cfg.Registry,
		maker:      maker,
		monitor:    mon,
		recoverer:  rec,
		replicator: repl,
		scheduler:  sched,
		deployer:   deployer,
	}
	return e
}

// RegisterTaskHandler exposes the scheduler's Custom(name) registry so
// cmd/agent can wire built-in recurring handlers at startup.
func (e *Engine) RegisterTaskHandler(kind types.TaskKind, h scheduler.Handler) {
	e.scheduler.RegisterHandler(kind, h)
}

// SeedRecurringTasks enqueues the default recurring tasks of spec §4.5:
// health check every 5 min, replication check every 1 h, backup daily,
// cleanup weekly.
func (e *Engine) SeedRecurringTasks() error {
	now := time.Now()
	defaults := []*types.Task{
		{Kind: types.TaskHealthCheck, ScheduledAt: now, Recurring: 5 * time.Minute, MaxRetries: 3},
		{Kind: types.TaskReplicationCheck, ScheduledAt: now, Recurring: time.Hour, MaxRetries: 3},
		{Kind: types.TaskBackup, ScheduledAt: now, Recurring: 24 * time.Hour, MaxRetries: 2},
		{Kind: types.TaskCleanup, ScheduledAt: now, Recurring: 7 * 24 * time.Hour, MaxRetries: 2},
	}
	for _, t := range defaults {
		if err := e.scheduler.Enqueue(t); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the bus, the health monitor, the replicator's auto-manage
// loop, and the scheduler's worker pool, then runs the decision tick
// loop until ctx is cancelled or an EmergencyShutdown occurs. It returns
// the process exit code described in spec §6.4.
func (e *Engine) Run(ctx context.Context) int {
	logger := log.WithComponent("engine")

	e.bus.Start()
	defer e.bus.Stop()

	sub := e.bus.Subscribe(64)
	defer e.bus.Unsubscribe(sub)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.monitor.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.replicator.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.scheduler.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeEvents(ctx, sub)
	}()

	ticker := time.NewTicker(e.cfg.AppConfig.Tick)
	defer ticker.Stop()

	exitCode := ExitClean
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return exitCode
		case <-ticker.C:
			shutdown, err := e.tick(ctx)
			if shutdown {
				logger.Error().Msg("emergency shutdown triggered, stopping engine")
				exitCode = ExitEmergencyShutdown
				wg.Wait()
				return exitCode
			}
			if err != nil {
				logger.Error().Err(err).Msg("unrecoverable error during tick")
				exitCode = ExitUnrecoverableRuntime
				wg.Wait()
				return exitCode
			}
		}
	}
}

// tick runs one decision-tick cycle (spec §2, §5 "Decision ticks are
// strictly serial"): assemble Context, decide, execute, feed back.
func (e *Engine) tick(ctx context.Context) (shutdown bool, err error) {
	replicaStats, statErr := e.replicator.Stats()
	if statErr != nil {
		replicaStats = types.ReplicaStats{}
	}

	taskStats := e.scheduler.Stats()
	snapshot := e.monitor.Snapshot()

	decCtx := types.Context{
		Health:    snapshot,
		Replicas:  replicaStats,
		Tasks:     taskStats,
		Timestamp: time.Now(),
	}

	d := e.maker.Decide(decCtx, e.deployCandidates())
	e.recordEvent(events.Event{Kind: events.KindDecision, At: time.Now(), Message: string(d.Kind) + ": " + d.Reason})

	fb, execErr := e.execute(ctx, d)
	e.maker.ApplyFeedback(fb)
	e.monitor.RecordOutcome(execErr == nil)

	if execErr != nil && fb.DecisionKind == types.DecisionRecover {
		shutdown = isEmergencyShutdown(execErr)
	}
	return shutdown, nil
}

// deployCandidates returns enabled registry servers that have no
// in-flight or running replica record, mirroring
// replicator.Replicator.selectTarget's own candidate filter so the
// Decision Maker's Deploy targets and the Self-Replicator's
// auto-manage selection never disagree about which servers are free to
// deploy to. Without this filter a Deploy decision could re-target a
// server that already has a Pending, Deploying, or Running record,
// which replicator.Replicate would reset straight back to Pending.
func (e *Engine) deployCandidates() []*types.TargetServer {
	records, err := e.store.ListReplicas()
	if err != nil {
		return nil
	}
	hasNonFailedRecord := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.State != types.ReplicaFailed {
			hasNonFailedRecord[rec.ServerID] = true
		}
	}

	enabled := e.registry.Enabled()
	candidates := make([]*types.TargetServer, 0, len(enabled))
	for _, s := range enabled {
		if !hasNonFailedRecord[s.ID] {
			candidates = append(candidates, s)
		}
	}
	return candidates
}

// execute carries out a Decision and returns the Feedback fed back to
// the Decision Maker (spec §4.1 "Learning").
func (e *Engine) execute(ctx context.Context, d types.Decision) (types.Feedback, error) {
	switch d.Kind {
	case types.DecisionRecover:
		return e.recoverer.Execute(ctx, causeFor(d))
	case types.DecisionDeploy:
		return e.executeDeploy(ctx, d)
	case types.DecisionScale:
		return types.Feedback{DecisionKind: d.Kind, Outcome: types.FeedbackSuccess, At: time.Now(), Detail: d.Reason}, nil
	default:
		return types.Feedback{DecisionKind: d.Kind, Outcome: types.FeedbackSuccess, At: time.Now()}, nil
	}
}

func (e *Engine) executeDeploy(ctx context.Context, d types.Decision) (types.Feedback, error) {
	var lastErr error
	for _, id := range d.Targets {
		server := e.registry.Get(id)
		if server == nil {
			continue
		}
		if err := e.replicator.Replicate(ctx, server); err != nil {
			lastErr = err
		}
	}
	outcome := types.FeedbackSuccess
	if lastErr != nil {
		outcome = types.FeedbackFailure
	}
	return types.Feedback{DecisionKind: d.Kind, Outcome: outcome, At: time.Now(), Detail: d.Reason}, lastErr
}

// causeFor maps a Decision Maker's Recover action to the Recovery
// Manager's cause vocabulary. The Decision Maker doesn't diagnose OOM or
// disk pressure itself (spec §4.1's rule is health-score-based, not
// cause-based), so ticks always present as the general cause and let
// the escalation table (spec §4.3) run its course.
func causeFor(d types.Decision) recovery.Cause {
	return recovery.CauseGeneral
}

func isEmergencyShutdown(err error) bool {
	return err == recovery.ErrEmergencyShutdown
}

// consumeEvents drains the bus subscription into the bounded ring
// buffer backing ClusterStatus.Events (spec §11 supplement).
func (e *Engine) consumeEvents(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			e.recordEvent(ev)
		}
	}
}

func (e *Engine) recordEvent(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	if len(e.events) > eventLogCap {
		e.events = e.events[len(e.events)-eventLogCap:]
	}
}

// Status computes the consumer-facing ClusterStatus snapshot (spec
// §6.3).
func (e *Engine) Status() ClusterStatus {
	snap := e.monitor.Snapshot()
	records, _ := e.store.ListReplicas()

	status := ClusterStatus{
		CPUTotal:      snap.CPUPercent,
		MemoryTotal:   snap.MemoryPercent,
		ClusterHealth: snap.Status,
	}
	for _, rec := range records {
		status.Total++
		agentHealth := types.HealthHealthy
		switch rec.State {
		case types.ReplicaRunning:
			status.Healthy++
		case types.ReplicaFailed:
			status.Offline++
			agentHealth = types.HealthCritical
		default:
			status.Degraded++
			agentHealth = types.HealthDegraded
		}
		status.Agents = append(status.Agents, AgentStatus{ServerID: rec.ServerID, State: rec.State, Health: agentHealth})
	}

	e.mu.Lock()
	status.Events = append([]events.Event(nil), e.events...)
	e.mu.Unlock()

	return status
}

// Close releases the Engine's store handle.
func (e *Engine) Close() error {
	return e.store.Close()
}
