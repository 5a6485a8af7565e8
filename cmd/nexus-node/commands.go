package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func buildRunCmd(flagConfig *Config, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve invocations",
		Long: `Connect to the gateway and serve capability invocations until interrupted.

Every invocation passes the security policy before any handler runs.
Capabilities at or above the approval threshold are confirmed on this
terminal (approval: prompt) or always refused (approval: deny).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveRunConfig(cmd, *flagConfig, *configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runNode(ctx, cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&flagConfig.GatewayURL, "gateway", "", "Gateway websocket URL")
	cmd.Flags().StringVar(&flagConfig.IdentityPath, "identity", "", "Device identity file")
	cmd.Flags().StringVar(&flagConfig.SecurityConfig, "security-config", "", "Security policy file (.yaml, .json, .json5); reloaded on change")
	cmd.Flags().BoolVar(&flagConfig.Development, "dev", false, "Use the development security preset when no policy file is set")
	cmd.Flags().StringVar(&flagConfig.Approval, "approval", approvalPrompt, "Approval mode: prompt or deny")
	cmd.Flags().StringVar(&flagConfig.ChromeDebugURL, "chrome-debug-url", "", "Chrome DevTools endpoint used by browser.open")
	cmd.Flags().StringVar(&flagConfig.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	cmd.Flags().IntVar(&flagConfig.MaxConcurrent, "max-concurrent", 10, "Maximum concurrent invocations")
	return cmd
}

func buildConfigCmd(flagConfig *Config, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage node and security configuration",
	}
	cmd.AddCommand(
		buildConfigInitCmd(flagConfig, configPath),
		buildConfigShowCmd(flagConfig, configPath),
		buildConfigSchemaCmd(),
		buildConfigValidateCmd(flagConfig, configPath),
	)
	return cmd
}

func buildConfigInitCmd(flagConfig *Config, configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a node config and a fail-closed security policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := resolveConfigPath(*configPath)
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config already exists: %s", path)
				}
			}
			cfg := applyFlagOverrides(cmd, DefaultConfig(), *flagConfig)
			return runConfigInit(cmd, path, normalizeConfig(cfg), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	cmd.Flags().StringVar(&flagConfig.GatewayURL, "gateway", "", "Gateway websocket URL")
	cmd.Flags().StringVar(&flagConfig.SecurityConfig, "security-config", "", "Security policy path (default next to the node config)")
	return cmd
}

func buildConfigShowCmd(flagConfig *Config, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective node configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadResolvedConfig(*configPath)
			if err != nil {
				return err
			}
			cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, *flagConfig))
			return runConfigShow(cmd, path, cfg)
		},
	}
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the security policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd(flagConfig *Config, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [security-config]",
		Short: "Validate the node config and a security policy file",
		Long: `Validate the node config and a security policy file.

The policy file defaults to security_config from the node config. A policy
that fails validation is never loaded, so the daemon keeps running with its
previous policy.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadResolvedConfig(*configPath)
			if err != nil {
				return err
			}
			cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, *flagConfig))
			security := cfg.SecurityConfig
			if len(args) == 1 {
				security = expandUserPath(args[0])
			}
			return runConfigValidate(cmd, path, cfg, security)
		},
	}
}

func buildIdentityCmd(flagConfig *Config, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the device identity",
	}

	var jsonOutput bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the device ID and public key, creating the identity if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadResolvedConfig(*configPath)
			if err != nil {
				return err
			}
			cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, *flagConfig))
			return runIdentityShow(cmd, cfg, jsonOutput)
		},
	}
	show.Flags().StringVar(&flagConfig.IdentityPath, "identity", "", "Device identity file")
	show.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	cmd.AddCommand(show)
	return cmd
}

func buildCapabilitiesCmd(flagConfig *Config, configPath *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List capabilities and whether the security policy enables them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadResolvedConfig(*configPath)
			if err != nil {
				return err
			}
			cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, *flagConfig))
			return runCapabilities(cmd, cfg, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", true, "Include capabilities the policy does not enable")
	cmd.Flags().StringVar(&flagConfig.SecurityConfig, "security-config", "", "Security policy file")
	cmd.Flags().BoolVar(&flagConfig.Development, "dev", false, "Use the development security preset")
	return cmd
}

func buildAuditCmd(flagConfig *Config, configPath *string) *cobra.Command {
	var (
		capabilityName string
		limit          int
		dbPath         string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show persisted policy decisions from the audit database",
		Long: `Show persisted policy decisions, newest first.

Requires audit.sqlite_path in the node config or --db.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadResolvedConfig(*configPath)
			if err != nil {
				return err
			}
			cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, *flagConfig))
			if dbPath != "" {
				cfg.Audit.SQLitePath = expandUserPath(dbPath)
			}
			return runAuditShow(cmd, cfg, capabilityName, limit)
		},
	}
	cmd.Flags().StringVar(&capabilityName, "capability", "", "Only show entries for this capability")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit database path (overrides audit.sqlite_path)")
	return cmd
}
