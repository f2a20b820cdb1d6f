package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tricorefile/aurelia/internal/config"
	"github.com/tricorefile/aurelia/internal/engine"
	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the cluster status snapshot (spec §6.3) from the durable store",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("data-dir", "./data", "Directory holding the durable bbolt store")
}

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleHealthy  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleDegraded = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleOffline  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleHeader   = lipgloss.NewStyle().Bold(true).Underline(true)
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("status: load registry: %w", err)
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("status: open store: %w", err)
	}
	defer st.Close()

	e := engine.New(engine.Config{AppConfig: cfg, Store: st, Registry: reg})
	snap := e.Status()

	renderStatus(snap)
	return nil
}

func renderStatus(snap engine.ClusterStatus) {
	fmt.Println(styleTitle.Render("Aurelia Cluster Status"))
	fmt.Printf("Cluster health: %s\n", colorHealth(snap.ClusterHealth))
	fmt.Printf("Total: %d  Healthy: %d  Degraded: %d  Offline: %d\n",
		snap.Total, snap.Healthy, snap.Degraded, snap.Offline)
	fmt.Printf("Local CPU: %.1f%%  Memory: %.1f%%\n\n", snap.CPUTotal, snap.MemoryTotal)

	if len(snap.Agents) > 0 {
		fmt.Println(styleHeader.Render(fmt.Sprintf("%-20s %-12s %s", "SERVER", "STATE", "HEALTH")))
		for _, a := range snap.Agents {
			fmt.Printf("%-20s %-12s %s\n", a.ServerID, a.State, colorHealth(a.Health))
		}
		fmt.Println()
	}

	if len(snap.Events) > 0 {
		fmt.Println(styleHeader.Render("Recent events"))
		start := 0
		if len(snap.Events) > 20 {
			start = len(snap.Events) - 20
		}
		for _, ev := range snap.Events[start:] {
			fmt.Printf("  [%s] %s: %s\n", ev.At.Format("15:04:05"), ev.Kind, ev.Message)
		}
	}
}

func colorHealth(h types.HealthStatus) string {
	switch h {
	case types.HealthHealthy:
		return styleHealthy.Render(string(h))
	case types.HealthDegraded, types.HealthUnhealthy:
		return styleDegraded.Render(string(h))
	default:
		return styleOffline.Render(string(h))
	}
}
