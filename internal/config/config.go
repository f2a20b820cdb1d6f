// Package config loads Aurelia's environment-driven settings (spec
// §6.4), in the same flat os.Getenv style warren's cmd/warren-migrate
// uses for its own flags, extended with the ambient knobs a real
// deployment needs beyond what the distilled spec names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is Aurelia's complete runtime configuration, resolved once at
// startup and passed down explicitly — no component reads the
// environment directly (spec §9 "no hidden globals").
type Config struct {
	ConfigPath string
	BinaryPath string
	Tick       time.Duration
	LogLevel   string
	LogJSON    bool

	AuxFilesPath []string

	MetricsAddr string

	ReplicationConcurrency int
	SchedulerWorkers       int
}

// Load resolves Config from the process environment, applying the
// documented defaults to anything unset or unparsable.
func Load() (Config, error) {
	cfg := Config{
		ConfigPath:             getString("CONFIG_PATH", "config/target_servers.json"),
		BinaryPath:             getString("BINARY_PATH", "./aurelia-agent"),
		LogLevel:               getString("LOG_LEVEL", "info"),
		LogJSON:                getBool("LOG_JSON", true),
		MetricsAddr:            getString("METRICS_ADDR", ":9090"),
		ReplicationConcurrency: getInt("REPLICATION_CONCURRENCY", 2),
		SchedulerWorkers:       getInt("SCHEDULER_WORKERS", 5),
	}

	tickSeconds := getInt("TICK_SECONDS", 30)
	if tickSeconds <= 0 {
		return Config{}, fmt.Errorf("config: TICK_SECONDS must be positive, got %d", tickSeconds)
	}
	cfg.Tick = time.Duration(tickSeconds) * time.Second

	if raw := os.Getenv("AUX_FILES_PATH"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.AuxFilesPath = append(cfg.AuxFilesPath, p)
			}
		}
	}

	if cfg.ReplicationConcurrency <= 0 {
		return Config{}, fmt.Errorf("config: REPLICATION_CONCURRENCY must be positive, got %d", cfg.ReplicationConcurrency)
	}
	if cfg.SchedulerWorkers <= 0 {
		return Config{}, fmt.Errorf("config: SCHEDULER_WORKERS must be positive, got %d", cfg.SchedulerWorkers)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
