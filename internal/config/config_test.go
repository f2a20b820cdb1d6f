package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAuroraEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_PATH", "BINARY_PATH", "TICK_SECONDS", "LOG_LEVEL", "LOG_JSON",
		"AUX_FILES_PATH", "METRICS_ADDR", "REPLICATION_CONCURRENCY", "SCHEDULER_WORKERS",
	} {
		orig, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, orig)
			} else {
				os.Unsetenv(key)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearAuroraEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "config/target_servers.json", cfg.ConfigPath)
	assert.Equal(t, 30*time.Second, cfg.Tick)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 2, cfg.ReplicationConcurrency)
	assert.Equal(t, 5, cfg.SchedulerWorkers)
}

func TestLoadReadsOverrides(t *testing.T) {
	clearAuroraEnv(t)
	os.Setenv("TICK_SECONDS", "10")
	os.Setenv("LOG_JSON", "false")
	os.Setenv("AUX_FILES_PATH", "a.yaml, b.pem")
	os.Setenv("REPLICATION_CONCURRENCY", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Tick)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, []string{"a.yaml", "b.pem"}, cfg.AuxFilesPath)
	assert.Equal(t, 4, cfg.ReplicationConcurrency)
}

func TestLoadRejectsNonPositiveTick(t *testing.T) {
	clearAuroraEnv(t)
	os.Setenv("TICK_SECONDS", "0")

	_, err := Load()
	assert.Error(t, err)
}
