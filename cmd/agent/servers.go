package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tricorefile/aurelia/internal/config"
	"github.com/tricorefile/aurelia/internal/registry"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage the target-server registry (spec §6.1)",
}

var serversApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Merge a YAML server manifest into the registry",
	RunE:  runServersApply,
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered target servers",
	RunE:  runServersList,
}

func init() {
	serversApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = serversApplyCmd.MarkFlagRequired("file")

	serversCmd.AddCommand(serversApplyCmd)
	serversCmd.AddCommand(serversListCmd)
}

func runServersApply(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("servers apply: %w", err)
	}

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("servers apply: load registry: %w", err)
	}

	file, _ := cmd.Flags().GetString("file")
	server, err := config.ApplyFile(reg, file)
	if err != nil {
		return fmt.Errorf("servers apply: %w", err)
	}

	fmt.Printf("✓ server applied: %s (%s:%d)\n", server.ID, server.IP, server.Port)
	return nil
}

func runServersList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("servers list: %w", err)
	}

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("servers list: load registry: %w", err)
	}

	if len(reg.Servers) == 0 {
		fmt.Println("No servers registered")
		return nil
	}

	fmt.Printf("%-20s %-16s %-8s %-10s %s\n", "ID", "IP", "PORT", "ENABLED", "PRIORITY")
	for _, s := range reg.Servers {
		fmt.Printf("%-20s %-16s %-8d %-10t %d\n", s.ID, s.IP, s.Port, s.Enabled, s.Priority)
	}
	return nil
}
