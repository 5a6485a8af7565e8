// Package policy implements the security gate that sits between an inbound
// capability invocation and any host side effect.
//
// A Config is an immutable snapshot of allow-lists, limits and toggles. A
// Policy evaluates requests against the current snapshot and owns the only
// mutable security state (rate-limit counters). Every check returns a Verdict;
// denials carry a reason naming the rule that failed.
package policy

import (
	"slices"
)

// Default limits used by DefaultConfig.
const (
	DefaultMaxFileSizeBytes       = 10 << 20
	DefaultShellTimeoutSeconds    = 30
	DefaultMaxClipboardLength     = 100_000
	DefaultMaxScreenRecordSeconds = 60
	DefaultRateLimitPerMinute     = 60
	DefaultApprovalTimeoutSeconds = 60
)

// WildcardCaller allow-lists every caller device.
const WildcardCaller = "*"

// Config is the security configuration snapshot. Treat values as immutable
// once handed to a Policy; replace the whole value to change behavior.
type Config struct {
	// EnabledCapabilities lists capability names that may be invoked (case-insensitive).
	EnabledCapabilities []string `json:"enabled_capabilities,omitempty" yaml:"enabled_capabilities,omitempty"`

	// AllowedCallers lists caller device IDs; "*" admits any caller.
	AllowedCallers []string `json:"allowed_callers,omitempty" yaml:"allowed_callers,omitempty"`

	// AllowedRoots jails file capabilities to these directories.
	AllowedRoots []string `json:"allowed_roots,omitempty" yaml:"allowed_roots,omitempty"`

	// BlockedExtensions cannot be written or deleted (e.g. ".exe").
	BlockedExtensions []string `json:"blocked_extensions,omitempty" yaml:"blocked_extensions,omitempty"`

	// AllowedApplications may be started by app.launch.
	AllowedApplications []string `json:"allowed_applications,omitempty" yaml:"allowed_applications,omitempty"`

	// BlockedApplications are never started, even when allow-listed.
	BlockedApplications []string `json:"blocked_applications,omitempty" yaml:"blocked_applications,omitempty"`

	// ProtectedProcesses can never be killed.
	ProtectedProcesses []string `json:"protected_processes,omitempty" yaml:"protected_processes,omitempty"`

	// BlockedShellPatterns deny any shell command containing them.
	BlockedShellPatterns []string `json:"blocked_shell_patterns,omitempty" yaml:"blocked_shell_patterns,omitempty"`

	// ShellAllowlist, when non-empty, restricts shell commands to exact matches.
	ShellAllowlist []string `json:"shell_allowlist,omitempty" yaml:"shell_allowlist,omitempty"`

	ShellEnabled bool `json:"shell_enabled" yaml:"shell_enabled"`

	MaxFileSizeBytes       int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes" validate:"gte=0"`
	ShellTimeoutSeconds    int   `json:"shell_timeout_seconds" yaml:"shell_timeout_seconds" validate:"gte=1,lte=3600"`
	MaxClipboardLength     int   `json:"max_clipboard_length" yaml:"max_clipboard_length" validate:"gte=0"`
	MaxScreenRecordSeconds int   `json:"max_screen_record_seconds" yaml:"max_screen_record_seconds" validate:"gte=0"`

	// RateLimitPerMinute bounds invocations across all callers in one window.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gte=0"`

	// RateLimitPerCallerPerMinute additionally bounds each caller; 0 disables it.
	RateLimitPerCallerPerMinute int `json:"rate_limit_per_caller_per_minute" yaml:"rate_limit_per_caller_per_minute" validate:"gte=0"`

	// ApprovalThreshold is the lowest risk level that needs operator approval.
	ApprovalThreshold RiskLevel `json:"approval_threshold" yaml:"approval_threshold" validate:"gte=0,lte=3"`

	// ApprovalTimeoutSeconds bounds how long an approval may stay unanswered.
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds" validate:"gte=1"`

	AllowedURLSchemes []string `json:"allowed_url_schemes,omitempty" yaml:"allowed_url_schemes,omitempty"`
	BlockedDomains    []string `json:"blocked_domains,omitempty" yaml:"blocked_domains,omitempty"`

	// ScanOutbound denies results that look like they contain secrets.
	ScanOutbound bool `json:"scan_outbound" yaml:"scan_outbound"`
}

// DefaultBlockedExtensions are executables, scripts and libraries.
var DefaultBlockedExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".bat", ".cmd", ".com", ".msi", ".scr",
	".ps1", ".psm1", ".vbs", ".js", ".jse", ".wsf", ".sh", ".bash", ".zsh",
	".app", ".pkg", ".deb", ".rpm", ".jar", ".sys", ".drv",
}

// DefaultProtectedProcesses are operating system processes whose loss
// destabilises the host.
var DefaultProtectedProcesses = []string{
	"init", "systemd", "launchd", "kernel_task", "loginwindow", "WindowServer",
	"sshd", "csrss", "wininit", "winlogon", "lsass", "services", "smss",
	"svchost", "explorer", "dwm", "System",
}

// DefaultBlockedShellPatterns match destructive or privilege-escalating commands.
var DefaultBlockedShellPatterns = []string{
	"rm -rf", "rm -fr", "rm -r /", "mkfs", "dd if=", "> /dev/sd", ":(){",
	"shutdown", "reboot", "halt", "poweroff", "format c:", "del /f", "del /s",
	"rd /s", "rmdir /s", "diskpart", "chmod -r 777 /", "chown -r", "sudo ",
	"su -", "curl | sh", "wget | sh", "| sh", "| bash",
}

// DevelopmentCapabilities are the read-mostly capabilities enabled by
// DevelopmentConfig. File mutation and shell access are never included.
var DevelopmentCapabilities = []string{
	"system.info", "system.notify", "clipboard.read", "screen.capture", "process.list",
}

// DefaultConfig returns the fail-closed configuration: nothing is enabled,
// no caller is trusted, and the shell is off. A node started without
// configuration denies every request.
func DefaultConfig() Config {
	return Config{
		BlockedExtensions:      slices.Clone(DefaultBlockedExtensions),
		ProtectedProcesses:     slices.Clone(DefaultProtectedProcesses),
		BlockedShellPatterns:   slices.Clone(DefaultBlockedShellPatterns),
		ShellEnabled:           false,
		MaxFileSizeBytes:       DefaultMaxFileSizeBytes,
		ShellTimeoutSeconds:    DefaultShellTimeoutSeconds,
		MaxClipboardLength:     DefaultMaxClipboardLength,
		MaxScreenRecordSeconds: DefaultMaxScreenRecordSeconds,
		RateLimitPerMinute:     DefaultRateLimitPerMinute,
		ApprovalThreshold:      RiskHigh,
		ApprovalTimeoutSeconds: DefaultApprovalTimeoutSeconds,
		AllowedURLSchemes:      []string{"http", "https"},
		ScanOutbound:           true,
	}
}

// DevelopmentConfig enables a safe subset of capabilities for any caller.
// Intended for local testing only.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.EnabledCapabilities = slices.Clone(DevelopmentCapabilities)
	cfg.AllowedCallers = []string{WildcardCaller}
	cfg.RateLimitPerMinute = 600
	cfg.ApprovalThreshold = RiskCritical
	return cfg
}

// Clone returns a deep copy so callers cannot mutate a snapshot in use.
func (c Config) Clone() Config {
	out := c
	out.EnabledCapabilities = slices.Clone(c.EnabledCapabilities)
	out.AllowedCallers = slices.Clone(c.AllowedCallers)
	out.AllowedRoots = slices.Clone(c.AllowedRoots)
	out.BlockedExtensions = slices.Clone(c.BlockedExtensions)
	out.AllowedApplications = slices.Clone(c.AllowedApplications)
	out.BlockedApplications = slices.Clone(c.BlockedApplications)
	out.ProtectedProcesses = slices.Clone(c.ProtectedProcesses)
	out.BlockedShellPatterns = slices.Clone(c.BlockedShellPatterns)
	out.ShellAllowlist = slices.Clone(c.ShellAllowlist)
	out.AllowedURLSchemes = slices.Clone(c.AllowedURLSchemes)
	out.BlockedDomains = slices.Clone(c.BlockedDomains)
	return out
}

// CapabilityEnabled reports whether name is in the enabled set (case-insensitive).
func (c Config) CapabilityEnabled(name string) bool {
	key := NormalizeName(name)
	if key == "" {
		return false
	}
	for _, enabled := range c.EnabledCapabilities {
		if NormalizeName(enabled) == key {
			return true
		}
	}
	return false
}
