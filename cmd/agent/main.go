// Command agent is Aurelia's single binary: the autonomous control-plane
// process described in spec §1-2, wiring the Decision Maker, Health
// Monitor, Recovery Manager, Self-Replicator, Task Scheduler, and Remote
// Deployer behind one CLI, the way warren's cmd/warren wires its own
// cluster/worker/manager commands behind one root.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/tricorefile/aurelia/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Aurelia - self-replicating autonomous control-plane agent",
	Long: `Aurelia watches its own health, decides whether to replicate,
recover, scale, or simply observe, and carries out that decision by
shipping itself onto a fleet of remote hosts over SSH.`,
}

func init() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {})); err != nil {
		fmt.Fprintf(os.Stderr, "agent: GOMAXPROCS tuning skipped: %v\n", err)
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output regardless of LOG_JSON")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serversCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonFlagSet := rootCmd.PersistentFlags().Changed("log-json")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	levelStr := os.Getenv("LOG_LEVEL")
	if level != "" {
		levelStr = level
	}
	if levelStr == "" {
		levelStr = "info"
	}

	jsonOut := os.Getenv("LOG_JSON") != "false"
	if jsonFlagSet {
		jsonOut = jsonOutput
	}

	log.Init(log.Config{Level: log.Level(levelStr), JSONOutput: jsonOut})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}
