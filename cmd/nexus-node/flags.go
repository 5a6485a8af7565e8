package main

import (
	"github.com/spf13/cobra"
)

func applyFlagOverrides(cmd *cobra.Command, base Config, flags Config) Config {
	if flagChanged(cmd, "gateway") {
		base.GatewayURL = flags.GatewayURL
	}
	if flagChanged(cmd, "identity") {
		base.IdentityPath = flags.IdentityPath
	}
	if flagChanged(cmd, "security-config") {
		base.SecurityConfig = flags.SecurityConfig
	}
	if flagChanged(cmd, "dev") {
		base.Development = flags.Development
	}
	if flagChanged(cmd, "approval") {
		base.Approval = flags.Approval
	}
	if flagChanged(cmd, "chrome-debug-url") {
		base.ChromeDebugURL = flags.ChromeDebugURL
	}
	if flagChanged(cmd, "metrics-addr") {
		base.MetricsAddr = flags.MetricsAddr
	}
	if flagChanged(cmd, "max-concurrent") {
		base.MaxConcurrent = flags.MaxConcurrent
	}
	if flagChanged(cmd, "log-level") {
		base.Log.Level = flags.Log.Level
	}
	if flagChanged(cmd, "log-format") {
		base.Log.Format = flags.Log.Format
	}
	return base
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Changed
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil {
		return f.Changed
	}
	return false
}
