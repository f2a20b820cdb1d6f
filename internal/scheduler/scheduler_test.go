package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricorefile/aurelia/internal/types"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*types.Task{}}
}

func (m *memStore) PutTask(t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) GetTask(id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *memStore) ListTasks() ([]*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memStore) PutReplica(*types.ReplicaRecord) error           { return nil }
func (m *memStore) GetReplica(string) (*types.ReplicaRecord, error) { return nil, nil }
func (m *memStore) ListReplicas() ([]*types.ReplicaRecord, error)   { return nil, nil }
func (m *memStore) DeleteReplica(string) error                      { return nil }
func (m *memStore) AppendRecoveryAttempt(*types.RecoveryAttempt) error {
	return nil
}
func (m *memStore) ListRecoveryAttempts() ([]*types.RecoveryAttempt, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnqueueAndRunCompletesTask(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st, PollInterval: 10 * time.Millisecond})

	var ran bool
	s.RegisterHandler(types.TaskHealthCheck, func(ctx context.Context, task *types.Task) error {
		ran = true
		return nil
	})

	task := &types.Task{Kind: types.TaskHealthCheck, ScheduledAt: time.Now(), MaxRetries: 3}
	require.NoError(t, s.Enqueue(task))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	waitFor(t, time.Second, func() bool { return ran })

	waitFor(t, time.Second, func() bool {
		got, _ := st.GetTask(task.ID)
		return got != nil && got.State == types.TaskCompleted
	})
}

func TestTaskHeldUntilDependencySatisfied(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st, PollInterval: 10 * time.Millisecond})

	var depRan, mainRan bool
	s.RegisterHandler(types.TaskCleanup, func(ctx context.Context, task *types.Task) error {
		depRan = true
		return nil
	})
	s.RegisterHandler(types.TaskBackup, func(ctx context.Context, task *types.Task) error {
		mainRan = true
		return nil
	})

	dep := &types.Task{ID: "dep-1", Kind: types.TaskCleanup, ScheduledAt: time.Now(), MaxRetries: 1}
	main := &types.Task{ID: "main-1", Kind: types.TaskBackup, ScheduledAt: time.Now(), Dependencies: []string{"dep-1"}, MaxRetries: 1}
	require.NoError(t, s.Enqueue(dep))
	require.NoError(t, s.Enqueue(main))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	waitFor(t, time.Second, func() bool { return depRan && mainRan })
}

func TestHandlerFailureRetriesThenFails(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st, PollInterval: 5 * time.Millisecond, BackoffBase: 5 * time.Millisecond, BackoffCap: 10 * time.Millisecond})

	var calls int
	var mu sync.Mutex
	s.RegisterHandler(types.TaskCleanup, func(ctx context.Context, task *types.Task) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	task := &types.Task{Kind: types.TaskCleanup, ScheduledAt: time.Now(), MaxRetries: 2}
	require.NoError(t, s.Enqueue(task))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		got, _ := st.GetTask(task.ID)
		return got != nil && got.State == types.TaskFailed
	})

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}

func TestDependencyFailurePropagates(t *testing.T) {
	st := newMemStore()
	st.PutTask(&types.Task{ID: "parent", Kind: types.TaskCleanup, State: types.TaskFailed})
	st.PutTask(&types.Task{ID: "child", Kind: types.TaskBackup, State: types.TaskReady, Dependencies: []string{"parent"}})

	s := New(Config{Store: st})
	s.propagateFailure("parent", nopLogger())

	got, _ := st.GetTask("child")
	require.NotNil(t, got)
	assert.Equal(t, types.TaskFailed, got.State)
}

func TestDependencyFailurePropagationRemovesHeapResidentTask(t *testing.T) {
	st := newMemStore()
	st.PutTask(&types.Task{ID: "parent", Kind: types.TaskCleanup, State: types.TaskFailed})

	s := New(Config{Store: st})
	child := &types.Task{ID: "child", Kind: types.TaskBackup, ScheduledAt: time.Now(), Dependencies: []string{"parent"}}
	require.NoError(t, s.Enqueue(child))
	require.Equal(t, 1, s.queue.Len())

	s.propagateFailure("parent", nopLogger())

	assert.Equal(t, 0, s.queue.Len(), "failed dependent task must not linger in the heap across ticks")
	stats := s.Stats()
	assert.Equal(t, 0, stats.Pending)
}

func TestCancelReadyTaskRemovesWithoutPropagatingFailure(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st})

	task := &types.Task{Kind: types.TaskCleanup, ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Enqueue(task))

	s.Cancel(task.ID)

	got, _ := st.GetTask(task.ID)
	require.NotNil(t, got)
	assert.Equal(t, types.TaskCancelled, got.State)
	assert.Equal(t, 0, s.queue.Len())
}

func TestOnSuccessReenqueuesRecurringTask(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st})

	start := time.Now()
	task := &types.Task{ID: "t1", Kind: types.TaskHealthCheck, ScheduledAt: start, Recurring: 5 * time.Minute}
	s.onSuccess(task, nopLogger())

	tasks, _ := st.ListTasks()
	var foundNext bool
	for _, t := range tasks {
		if t.ID != "t1" && t.Kind == types.TaskHealthCheck {
			foundNext = true
			assert.True(t, t.ScheduledAt.After(start))
		}
	}
	assert.True(t, foundNext)
}

func TestStatsReflectsQueueComposition(t *testing.T) {
	st := newMemStore()
	s := New(Config{Store: st})
	require.NoError(t, s.Enqueue(&types.Task{Kind: types.TaskCleanup, ScheduledAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, s.Enqueue(&types.Task{Kind: types.TaskBackup, ScheduledAt: time.Now().Add(time.Hour)}))

	stats := s.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Overdue)
}
