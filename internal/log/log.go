// Package log provides structured logging for Aurelia using zerolog. It
// wraps the library with component-scoped child loggers so every part of
// the control loop (decision maker, health monitor, recovery manager,
// self-replicator, scheduler, remote deployer) logs with consistent
// fields instead of reaching for a global singleton ad hoc.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger, set by Init. Components should
// derive their own child logger from it via With* rather than logging
// through this value directly.
var Logger zerolog.Logger

// Level is the logging verbosity floor.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithServer returns a child logger tagged with a target server ID.
func WithServer(serverID string) zerolog.Logger {
	return Logger.With().Str("server_id", serverID).Logger()
}

// WithTask returns a child logger tagged with a task ID.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithReplica returns a child logger tagged with a replica's server ID.
func WithReplica(serverID string) zerolog.Logger {
	return Logger.With().Str("replica_id", serverID).Logger()
}

func init() {
	// A usable default before Init is called, e.g. from package tests.
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
