package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tricorefile/aurelia/internal/config"
	"github.com/tricorefile/aurelia/internal/deploy"
	"github.com/tricorefile/aurelia/internal/engine"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Aurelia control loop until terminated",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().String("data-dir", "./data", "Directory for the durable bbolt store")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(engine.ExitConfigError)
	}

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.ConfigPath).Msg("failed to load registry")
		os.Exit(engine.ExitConfigError)
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create data directory")
		os.Exit(engine.ExitConfigError)
	}

	st, err := store.Open(dataDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		os.Exit(engine.ExitConfigError)
	}

	auxFiles := make([]types.AuxFile, 0, len(cfg.AuxFilesPath))
	for _, p := range cfg.AuxFilesPath {
		auxFiles = append(auxFiles, types.AuxFile{LocalPath: p, RelPath: filepath.Base(p), Mode: 0o644})
	}

	deployer := deploy.NewDeployer(deploy.Config{})

	e := engine.New(engine.Config{
		AppConfig:        cfg,
		Store:            st,
		Registry:         reg,
		AuxFiles:         auxFiles,
		RecoveryHandlers: newRecoveryHandlers(cfg, reg, st, deployer),
	})
	defer e.Close()

	if err := e.SeedRecurringTasks(); err != nil {
		logger.Error().Err(err).Msg("failed to seed recurring tasks")
		os.Exit(engine.ExitConfigError)
	}
	registerTaskHandlers(e, reg, st, deployer, cfg)

	go serveMetrics(cfg.MetricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("config_path", cfg.ConfigPath).
		Dur("tick", cfg.Tick).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("aurelia starting")

	code := e.Run(ctx)
	logger.Info().Int("exit_code", code).Msg("aurelia stopped")
	os.Exit(code)
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
