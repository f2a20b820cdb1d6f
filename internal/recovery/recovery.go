// Package recovery is Aurelia's Recovery Manager (spec §4.3): given a
// Recover decision, it selects and executes one action from an
// escalation table keyed by recent attempt history, and is the sole
// writer of recovery history.
package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/events"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

// Cause names why a recovery was triggered, driving the escalation
// table in spec §4.3 "Selection".
type Cause string

const (
	CauseOOM                Cause = "oom"
	CauseDiskPressure       Cause = "disk_pressure"
	CauseRepeatedStartFail  Cause = "repeated_start_failure"
	CauseGeneral            Cause = "general_failure"
)

// Handlers perform the side effects of each RecoveryAction. The
// Manager is responsible only for selection, history, and escalation;
// the actual restart/redeploy/failover/rollback/shutdown mechanics are
// injected so this package stays testable without a live process tree.
type Handlers struct {
	RestartProcess        func(ctx context.Context) error
	RedeployComponent      func(ctx context.Context) error
	FailoverToBackup       func(ctx context.Context) error
	ScaleUp                func(ctx context.Context) error
	RollbackConfiguration  func(ctx context.Context) error
	EmergencyShutdown      func(ctx context.Context) error
	Cleanup                func(ctx context.Context) error
}

// Config configures a Manager.
type Config struct {
	Store           store.Store
	Handlers        Handlers
	Bus             *events.Bus
	HistoryWindow   int           // default N=5, spec §4.3 "History"
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// Manager selects and executes recovery actions, escalating based on
// the last N attempts recorded in Store.
type Manager struct {
	cfg Config
}

// NewManager builds a Manager with spec-default history window and
// backoff shape.
func NewManager(cfg Config) *Manager {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Manager{cfg: cfg}
}

// ErrEmergencyShutdown is returned by Execute when the chosen action was
// EmergencyShutdown, signalling the caller to exit with code 3
// (spec §4.3 "EmergencyShutdown is terminal for the loop").
var ErrEmergencyShutdown = aerr.New(aerr.KindInvariantViolation, "recovery.execute", nil)

// Execute runs one recovery cycle for the given cause, selecting an
// action from history, invoking its handler, appending the attempt,
// and returning a Feedback for the Decision Maker.
func (m *Manager) Execute(ctx context.Context, cause Cause) (types.Feedback, error) {
	logger := log.WithComponent("recovery")

	history, err := m.cfg.Store.ListRecoveryAttempts()
	if err != nil {
		history = nil
	}
	history = lastN(history, m.cfg.HistoryWindow)

	action := selectAction(cause, history)
	logger.Warn().Str("cause", string(cause)).Str("action", string(action)).Msg("executing recovery action")

	attempt := &types.RecoveryAttempt{
		ID:        uuid.NewString(),
		Action:    action,
		Cause:     string(cause),
		StartedAt: time.Now(),
	}

	handlerErr := m.invoke(ctx, action)
	attempt.Duration = time.Since(attempt.StartedAt)

	outcome := types.FeedbackSuccess
	if handlerErr != nil {
		outcome = types.FeedbackFailure
		attempt.Error = handlerErr.Error()
	}
	attempt.Outcome = outcome

	if err := m.cfg.Store.AppendRecoveryAttempt(attempt); err != nil {
		logger.Error().Err(err).Msg("failed to persist recovery attempt")
	}

	metrics.RecoveryAttemptsTotal.WithLabelValues(string(action), string(attempt.Outcome)).Inc()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.Event{
			Kind:    events.KindRecoveryAttempt,
			At:      time.Now(),
			Message: string(action) + " " + string(attempt.Outcome),
		})
	}

	fb := types.Feedback{
		DecisionKind: types.DecisionRecover,
		Outcome:      outcome,
		At:           time.Now(),
		Detail:       string(action),
	}

	if action == types.ActionEmergencyShutdown {
		metrics.EmergencyShutdownsTotal.Inc()
		if m.cfg.Bus != nil {
			m.cfg.Bus.Publish(events.Event{Kind: events.KindEmergencyShutdown, At: time.Now(), Message: string(cause)})
		}
		return fb, ErrEmergencyShutdown
	}

	if handlerErr != nil {
		return fb, handlerErr
	}
	return fb, nil
}

// selectAction implements the escalation table of spec §4.3
// "Selection": it reads the most recent attempts and escalates based
// on consecutive repetitions of the same (or a related) action. The
// per-level thresholds (2 consecutive RestartProcess failures before
// escalating to RedeployComponent, then escalating off a single
// RedeployComponent or FailoverToBackup failure) follow spec §8's own
// worked scenario 4 literally — "RestartProcess, RestartProcess,
// RedeployComponent" then "FailoverToBackup, EmergencyShutdown" off two
// more failures — rather than the looser "two consecutive" / "three
// consecutive" language in §4.3's prose table, which that scenario
// doesn't actually satisfy.
func selectAction(cause Cause, history []*types.RecoveryAttempt) types.RecoveryAction {
	switch cause {
	case CauseOOM:
		return types.ActionRestartProcess
	case CauseDiskPressure:
		return types.ActionRestartProcess
	case CauseRepeatedStartFail:
		return types.ActionRedeployComponent
	}

	level := types.ActionRestartProcess
	if len(history) > 0 {
		level = history[len(history)-1].Action
	}

	switch level {
	case types.ActionRestartProcess:
		if countConsecutive(history, level) >= 2 {
			return types.ActionRedeployComponent
		}
		return types.ActionRestartProcess
	case types.ActionRedeployComponent:
		return types.ActionFailoverToBackup
	case types.ActionFailoverToBackup:
		return types.ActionEmergencyShutdown
	default:
		return types.ActionEmergencyShutdown
	}
}

// lastN returns the most recent n entries of history (all of it when n
// is not positive or history is no longer than n).
func lastN(history []*types.RecoveryAttempt, n int) []*types.RecoveryAttempt {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// countConsecutive counts how many of the most recent entries (from
// the tail) are the given action, stopping at the first mismatch.
func countConsecutive(history []*types.RecoveryAttempt, action types.RecoveryAction) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Action != action {
			break
		}
		n++
	}
	return n
}

func (m *Manager) invoke(ctx context.Context, action types.RecoveryAction) error {
	h := m.cfg.Handlers
	switch action {
	case types.ActionRestartProcess:
		return callOrNil(ctx, h.RestartProcess)
	case types.ActionRedeployComponent:
		return callOrNil(ctx, h.RedeployComponent)
	case types.ActionFailoverToBackup:
		return callOrNil(ctx, h.FailoverToBackup)
	case types.ActionScaleUp:
		return callOrNil(ctx, h.ScaleUp)
	case types.ActionRollbackConfiguration:
		return callOrNil(ctx, h.RollbackConfiguration)
	case types.ActionEmergencyShutdown:
		return callOrNil(ctx, h.EmergencyShutdown)
	default:
		return aerr.New(aerr.KindInvariantViolation, "recovery.invoke", nil)
	}
}

func callOrNil(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// BackoffFor computes the retry delay for attempt number n
// (0-indexed), capped at BackoffCap (spec §4.3 "exponential backoff
// capped at a configured ceiling").
func (m *Manager) BackoffFor(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	return d
}
