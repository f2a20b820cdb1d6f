package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricorefile/aurelia/internal/types"
)

type memStore struct {
	attempts []*types.RecoveryAttempt
}

func (m *memStore) AppendRecoveryAttempt(a *types.RecoveryAttempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) ListRecoveryAttempts() ([]*types.RecoveryAttempt, error) {
	return m.attempts, nil
}

func (m *memStore) PutReplica(*types.ReplicaRecord) error                { return nil }
func (m *memStore) GetReplica(string) (*types.ReplicaRecord, error)      { return nil, nil }
func (m *memStore) ListReplicas() ([]*types.ReplicaRecord, error)        { return nil, nil }
func (m *memStore) DeleteReplica(string) error                           { return nil }
func (m *memStore) PutTask(*types.Task) error                            { return nil }
func (m *memStore) GetTask(string) (*types.Task, error)                  { return nil, nil }
func (m *memStore) ListTasks() ([]*types.Task, error)                    { return nil, nil }
func (m *memStore) DeleteTask(string) error                              { return nil }
func (m *memStore) Close() error                                        { return nil }

// TestSelectActionEscalationSequence matches spec §8 scenario 4
// literally: three consecutive RestartProcess failures produce
// RestartProcess, RestartProcess, RedeployComponent, and two more
// failures produce FailoverToBackup, EmergencyShutdown.
func TestSelectActionEscalationSequence(t *testing.T) {
	var history []*types.RecoveryAttempt

	seq := []types.RecoveryAction{}
	for i := 0; i < 5; i++ {
		action := selectAction(CauseGeneral, history)
		seq = append(seq, action)
		history = append(history, &types.RecoveryAttempt{Action: action})
	}

	assert.Equal(t, []types.RecoveryAction{
		types.ActionRestartProcess,
		types.ActionRestartProcess,
		types.ActionRedeployComponent,
		types.ActionFailoverToBackup,
		types.ActionEmergencyShutdown,
	}, seq)
}

func TestSelectActionEscalatesToEmergencyShutdownAfterOneFailover(t *testing.T) {
	history := []*types.RecoveryAttempt{
		{Action: types.ActionRestartProcess},
		{Action: types.ActionRestartProcess},
		{Action: types.ActionRedeployComponent},
		{Action: types.ActionFailoverToBackup},
	}
	assert.Equal(t, types.ActionEmergencyShutdown, selectAction(CauseGeneral, history))
}

func TestExecuteRestartProcessSuccess(t *testing.T) {
	st := &memStore{}
	called := false
	m := NewManager(Config{
		Store: st,
		Handlers: Handlers{
			RestartProcess: func(ctx context.Context) error {
				called = true
				return nil
			},
		},
	})

	fb, err := m.Execute(context.Background(), CauseOOM)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, types.FeedbackSuccess, fb.Outcome)
	require.Len(t, st.attempts, 1)
	assert.Equal(t, types.ActionRestartProcess, st.attempts[0].Action)
}

func TestExecuteHandlerFailureReturnsFailureFeedback(t *testing.T) {
	st := &memStore{}
	m := NewManager(Config{
		Store: st,
		Handlers: Handlers{
			RestartProcess: func(ctx context.Context) error {
				return errors.New("boom")
			},
		},
	})

	fb, err := m.Execute(context.Background(), CauseOOM)
	assert.Error(t, err)
	assert.Equal(t, types.FeedbackFailure, fb.Outcome)
}

func TestExecuteEmergencyShutdownIsTerminal(t *testing.T) {
	st := &memStore{
		attempts: []*types.RecoveryAttempt{
			{Action: types.ActionRestartProcess},
			{Action: types.ActionRestartProcess},
			{Action: types.ActionRedeployComponent},
			{Action: types.ActionFailoverToBackup},
		},
	}
	shutdownCalled := false
	m := NewManager(Config{
		Store: st,
		Handlers: Handlers{
			EmergencyShutdown: func(ctx context.Context) error {
				shutdownCalled = true
				return nil
			},
		},
	})

	_, err := m.Execute(context.Background(), CauseGeneral)
	assert.ErrorIs(t, err, ErrEmergencyShutdown)
	assert.True(t, shutdownCalled)
}

func TestBackoffForIsCappedAndExponential(t *testing.T) {
	m := NewManager(Config{Store: &memStore{}})
	d0 := m.BackoffFor(0)
	d1 := m.BackoffFor(1)
	d2 := m.BackoffFor(2)
	assert.Less(t, d0, d1)
	assert.Less(t, d1, d2)

	capped := m.BackoffFor(20)
	assert.LessOrEqual(t, capped, 5*time.Minute)
}
