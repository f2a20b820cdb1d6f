package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricorefile/aurelia/internal/security"
	"github.com/tricorefile/aurelia/internal/types"
)

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "target_servers.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadKeyAuth(t *testing.T) {
	path := writeRegistry(t, `{
		"target_servers": [
			{
				"id": "srv-1",
				"name": "edge-1",
				"ip": "10.0.0.5",
				"username": "deploy",
				"auth_method": "key",
				"ssh_key_path": "/home/deploy/.ssh/id_ed25519",
				"remote_path": "/opt/aurelia",
				"priority": 1
			}
		],
		"default_settings": {"port": 22, "username": "deploy", "remote_path": "/opt/aurelia"},
		"deployment_strategy": {"parallel_deployments": 2, "deployment_timeout_seconds": 300, "health_check_interval_seconds": 30}
	}`)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Servers, 1)

	s := reg.Servers[0]
	assert.Equal(t, "srv-1", s.ID)
	assert.Equal(t, 22, s.Port)
	assert.True(t, s.Enabled)
	assert.Equal(t, types.AuthKey, s.Auth.Kind)
	assert.Equal(t, 2, reg.Strategy.ParallelDeployments)
}

func TestLoadDuplicateIDRejected(t *testing.T) {
	path := writeRegistry(t, `{
		"target_servers": [
			{"id": "dup", "ip": "1.1.1.1", "username": "a", "auth_method": "key", "ssh_key_path": "/k", "remote_path": "/opt/a"},
			{"id": "dup", "ip": "2.2.2.2", "username": "a", "auth_method": "key", "ssh_key_path": "/k", "remote_path": "/opt/a"}
		]
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRelativeRemotePathRejected(t *testing.T) {
	path := writeRegistry(t, `{
		"target_servers": [
			{"id": "a", "ip": "1.1.1.1", "username": "a", "auth_method": "key", "ssh_key_path": "/k", "remote_path": "relative/path"}
		]
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeRegistry(t, `{"target_servers": []}`)
	reg, err := Load(path)
	require.NoError(t, err)

	reg.Upsert(&types.TargetServer{
		ID:         "srv-2",
		IP:         "10.0.0.9",
		Port:       22,
		Username:   "deploy",
		RemotePath: "/opt/aurelia",
		Auth: types.AuthMethod{
			Kind:               types.AuthPassword,
			ObfuscatedPassword: security.Obfuscate([]byte("hunter2")),
		},
		Enabled:    true,
		Priority:   5,
		MaxRetries: 3,
	})
	require.NoError(t, reg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Servers, 1)
	assert.Equal(t, "srv-2", reloaded.Servers[0].ID)

	pw := security.Deobfuscate(reloaded.Servers[0].Auth.ObfuscatedPassword)
	assert.Equal(t, "hunter2", string(pw))

	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestValidateCatchesDuplicatesIntroducedInMemory(t *testing.T) {
	path := writeRegistry(t, `{"target_servers": []}`)
	reg, err := Load(path)
	require.NoError(t, err)

	reg.Servers = append(reg.Servers,
		&types.TargetServer{ID: "x", RemotePath: "/opt/a"},
		&types.TargetServer{ID: "x", RemotePath: "/opt/a"},
	)
	assert.Error(t, reg.Validate())
}
