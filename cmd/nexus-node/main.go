// nexus-node is the node daemon: it connects to a Nexus gateway over a
// websocket and serves capability invocations under the local security
// policy.
//
// # Basic Usage
//
// Write a config and start the daemon:
//
//	nexus-node config init
//	nexus-node run --gateway ws://gateway.local:18789/ws
//
// Inspect what this node would expose:
//
//	nexus-node capabilities
//	nexus-node identity show
//	nexus-node audit --capability system.run
//
// # Environment Variables
//
//   - NEXUS_NODE_CONFIG: path to the node config (default ~/.nexus-node/config.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var flagConfig Config

	rootCmd := &cobra.Command{
		Use:          "nexus-node",
		Short:        "Nexus node daemon",
		Long:         "Expose gated local capabilities (files, shell, clipboard, screen, processes) to a Nexus gateway.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Node config file (default ~/.nexus-node/config.yaml or NEXUS_NODE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagConfig.Log.Level, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagConfig.Log.Format, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(
		buildRunCmd(&flagConfig, &configPath),
		buildConfigCmd(&flagConfig, &configPath),
		buildIdentityCmd(&flagConfig, &configPath),
		buildCapabilitiesCmd(&flagConfig, &configPath),
		buildAuditCmd(&flagConfig, &configPath),
	)
	return rootCmd
}
