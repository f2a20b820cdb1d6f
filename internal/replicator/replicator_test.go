package replicator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/deploy"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/types"
)

// memStore is a minimal in-memory store.Store for exercising the
// replication procedure without bbolt.
type memStore struct {
	mu       sync.Mutex
	replicas map[string]*types.ReplicaRecord
}

func newMemStore() *memStore {
	return &memStore{replicas: map[string]*types.ReplicaRecord{}}
}

func (s *memStore) PutReplica(r *types.ReplicaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.replicas[r.ServerID] = &cp
	return nil
}

func (s *memStore) GetReplica(id string) (*types.ReplicaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas[id], nil
}

func (s *memStore) ListReplicas() ([]*types.ReplicaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ReplicaRecord, 0, len(s.replicas))
	for _, r := range s.replicas {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) DeleteReplica(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, id)
	return nil
}

func (s *memStore) PutTask(*types.Task) error                       { return nil }
func (s *memStore) GetTask(string) (*types.Task, error)              { return nil, nil }
func (s *memStore) ListTasks() ([]*types.Task, error)                { return nil, nil }
func (s *memStore) DeleteTask(string) error                          { return nil }
func (s *memStore) AppendRecoveryAttempt(*types.RecoveryAttempt) error { return nil }
func (s *memStore) ListRecoveryAttempts() ([]*types.RecoveryAttempt, error) {
	return nil, nil
}
func (s *memStore) Close() error { return nil }

// fakeSession is a minimal deploy.Session good enough to let
// full_deploy converge without a real SSH server.
type fakeSession struct {
	files     map[string][]byte
	transport *fakeTransport
}

func (f *fakeSession) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	return f.UploadBytes(ctx, data, remotePath, mode)
}

func (f *fakeSession) UploadBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) (int64, error) {
	f.files[remotePath] = data
	return int64(len(data)), nil
}

func (f *fakeSession) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if d, ok := f.files[remotePath]; ok {
		return d, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeSession) Mkdir(ctx context.Context, remotePath string) error { return nil }

func (f *fakeSession) Exec(ctx context.Context, command string, timeout time.Duration) (deploy.ExecResult, error) {
	if command == "systemctl is-active "+deploy.ServiceName {
		return deploy.ExecResult{ExitCode: 0, Stdout: "active\n"}, nil
	}
	return deploy.ExecResult{ExitCode: 0}, nil
}

func (f *fakeSession) Close() error {
	if f.transport != nil {
		f.transport.mu.Lock()
		f.transport.inFlight--
		f.transport.mu.Unlock()
	}
	return nil
}

// fakeTransport hands out fakeSessions and records the highest number
// of sessions open at once; with fail set it rejects the credentials.
type fakeTransport struct {
	fail bool

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (t *fakeTransport) Connect(ctx context.Context, server *types.TargetServer) (deploy.Session, error) {
	if t.fail {
		return nil, aerr.New(aerr.KindAuthFailed, "fake.connect", nil)
	}
	t.mu.Lock()
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.mu.Unlock()
	return &fakeSession{files: map[string][]byte{}, transport: t}, nil
}

func newTestRegistry(t *testing.T, servers ...*types.TargetServer) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target_servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"target_servers": []}`), 0600))
	reg, err := registry.Load(path)
	require.NoError(t, err)
	for _, s := range servers {
		reg.Upsert(s)
	}
	return reg
}

func writeTempBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0755))
	return path
}

func TestReplicateSuccessTransitionsToRunning(t *testing.T) {
	st := newMemStore()
	reg := newTestRegistry(t, &types.TargetServer{ID: "a", Enabled: true, Priority: 1, RemotePath: "/opt/aurelia", MaxRetries: 3})
	d := deploy.NewDeployer(deploy.Config{Transport: &fakeTransport{}, ProbeInterval: 5 * time.Millisecond, HealthTimeout: 200 * time.Millisecond})

	r := New(Config{Registry: reg, Store: st, Deployer: d, BinaryPath: writeTempBinary(t), MaxConcurrent: 2})

	err := r.Replicate(context.Background(), reg.Get("a"))
	require.NoError(t, err)

	rec, err := st.GetReplica("a")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaRunning, rec.State)
}

func TestReplicateAuthFailureIsTerminal(t *testing.T) {
	st := newMemStore()
	reg := newTestRegistry(t, &types.TargetServer{ID: "a", Enabled: true, Priority: 1, RemotePath: "/opt/aurelia", MaxRetries: 3})
	d := deploy.NewDeployer(deploy.Config{Transport: &fakeTransport{fail: true}})

	r := New(Config{Registry: reg, Store: st, Deployer: d, BinaryPath: writeTempBinary(t), MaxConcurrent: 2})

	err := r.Replicate(context.Background(), reg.Get("a"))
	assert.Error(t, err)

	rec, _ := st.GetReplica("a")
	require.NotNil(t, rec)
	assert.Equal(t, types.ReplicaFailed, rec.State)
}

func TestSelectTargetPrefersLowestPriorityThenID(t *testing.T) {
	st := newMemStore()
	reg := newTestRegistry(t,
		&types.TargetServer{ID: "b", Enabled: true, Priority: 5},
		&types.TargetServer{ID: "a", Enabled: true, Priority: 5},
		&types.TargetServer{ID: "c", Enabled: true, Priority: 1},
		&types.TargetServer{ID: "d", Enabled: false, Priority: 0},
	)
	r := New(Config{Registry: reg, Store: st, MaxConcurrent: 2})

	target := r.selectTarget()
	require.NotNil(t, target)
	assert.Equal(t, "c", target.ID)
}

func TestSelectTargetSkipsServersWithNonFailedRecord(t *testing.T) {
	st := newMemStore()
	st.PutReplica(&types.ReplicaRecord{ServerID: "a", State: types.ReplicaRunning})
	reg := newTestRegistry(t,
		&types.TargetServer{ID: "a", Enabled: true, Priority: 1},
		&types.TargetServer{ID: "b", Enabled: true, Priority: 2},
	)
	r := New(Config{Registry: reg, Store: st, MaxConcurrent: 2})

	target := r.selectTarget()
	require.NotNil(t, target)
	assert.Equal(t, "b", target.ID)
}

func TestStatsCountsOnlyRunningAsActive(t *testing.T) {
	st := newMemStore()
	st.PutReplica(&types.ReplicaRecord{ServerID: "a", State: types.ReplicaRunning})
	st.PutReplica(&types.ReplicaRecord{ServerID: "b", State: types.ReplicaFailed})
	reg := newTestRegistry(t)
	r := New(Config{Registry: reg, Store: st, MinReplicas: 2, MaxReplicas: 5})

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveReplicas)
}

func TestConcurrencyCapBoundsInFlightReplications(t *testing.T) {
	st := newMemStore()
	servers := []*types.TargetServer{}
	for _, id := range []string{"a", "b", "c", "d"} {
		servers = append(servers, &types.TargetServer{ID: id, Enabled: true, Priority: 1, RemotePath: "/opt/aurelia", MaxRetries: 3})
	}
	reg := newTestRegistry(t, servers...)
	tr := &fakeTransport{}
	d := deploy.NewDeployer(deploy.Config{Transport: tr, ProbeInterval: 5 * time.Millisecond, HealthTimeout: 200 * time.Millisecond})
	r := New(Config{Registry: reg, Store: st, Deployer: d, BinaryPath: writeTempBinary(t), MaxConcurrent: 2})

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *types.TargetServer) {
			defer wg.Done()
			r.Replicate(context.Background(), s)
		}(s)
	}
	wg.Wait()

	assert.LessOrEqual(t, tr.maxInFlight, 2)
	for _, s := range servers {
		rec, err := st.GetReplica(s.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ReplicaRunning, rec.State)
	}
}
