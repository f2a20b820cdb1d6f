package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/security"
)

const sampleManifest = `
apiVersion: aurelia/v1
kind: TargetServer
metadata:
  name: edge-01
spec:
  ip: 10.0.0.5
  username: deploy
  authMethod: key
  sshKeyPath: /home/deploy/.ssh/id_ed25519
  remotePath: /opt/aurelia
  priority: 10
  tags: ["edge"]
`

func TestApplyFileUpsertsIntoRegistry(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "target_servers.json")
	require.NoError(t, os.WriteFile(regPath, []byte(`{"target_servers": []}`), 0600))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	manifestPath := filepath.Join(dir, "edge-01.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(sampleManifest), 0600))

	server, err := ApplyFile(reg, manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "edge-01", server.ID)
	assert.Equal(t, 10, server.Priority)
	assert.True(t, server.Enabled)

	reloaded, err := registry.Load(regPath)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.Get("edge-01"))
}

// TestApplyFilePasswordAuthMatchesRegistrySchema proves a manifest's
// passwordBase64 field (spec §6.1: base64(obfuscated_bytes), the same
// convention the registry file itself uses) ends up decodable back to
// the original plaintext through security.Deobfuscate, the same path
// internal/deploy's SSH transport uses.
func TestApplyFilePasswordAuthMatchesRegistrySchema(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "target_servers.json")
	require.NoError(t, os.WriteFile(regPath, []byte(`{"target_servers": []}`), 0600))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	pwB64 := base64.StdEncoding.EncodeToString(security.Obfuscate([]byte("hunter2")))
	manifest := `
apiVersion: aurelia/v1
kind: TargetServer
metadata:
  name: edge-02
spec:
  ip: 10.0.0.6
  username: deploy
  authMethod: password
  passwordBase64: ` + pwB64 + `
  remotePath: /opt/aurelia
`
	manifestPath := filepath.Join(dir, "edge-02.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0600))

	server, err := ApplyFile(reg, manifestPath)
	require.NoError(t, err)

	pw := security.Deobfuscate(server.Auth.ObfuscatedPassword)
	assert.Equal(t, "hunter2", string(pw))
}

func TestApplyFileRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "target_servers.json")
	require.NoError(t, os.WriteFile(regPath, []byte(`{"target_servers": []}`), 0600))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	manifestPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("kind: TargetServer\nspec:\n  ip: 1.2.3.4\n"), 0600))

	_, err = ApplyFile(reg, manifestPath)
	assert.Error(t, err)
}
