package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/events"
	"github.com/haasonsaas/nexus-node/internal/observability"
	"github.com/haasonsaas/nexus-node/internal/resilience"
)

const (
	defaultNodeConfigDir  = ".nexus-node"
	defaultNodeConfigName = "config.yaml"
	defaultIdentityName   = "device.json"
)

// Approval modes for gated invocations.
const (
	approvalPrompt = "prompt"
	approvalDeny   = "deny"
)

var errConfigNotFound = errors.New("node config not found")

// Config is the on-disk daemon configuration. The security policy lives in
// its own file (SecurityConfig) so it can be hot reloaded on its own.
type Config struct {
	GatewayURL     string `yaml:"gateway_url"`
	ClientID       string `yaml:"client_id,omitempty"`
	IdentityPath   string `yaml:"identity_path,omitempty"`
	SecurityConfig string `yaml:"security_config,omitempty"`

	// Development uses the development security preset when no
	// SecurityConfig is set.
	Development bool `yaml:"development,omitempty"`

	// Approval is "prompt" (ask on the controlling terminal) or "deny".
	Approval string `yaml:"approval,omitempty"`

	ChromeDebugURL string `yaml:"chrome_debug_url,omitempty"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"`
	MaxConcurrent  int    `yaml:"max_concurrent,omitempty"`
	EventCapacity  int    `yaml:"event_capacity,omitempty"`

	Log        observability.LogConfig   `yaml:"log"`
	Tracing    observability.TraceConfig `yaml:"tracing,omitempty"`
	Audit      audit.Config              `yaml:"audit"`
	Resilience resilience.Config         `yaml:"resilience"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		GatewayURL:    "ws://127.0.0.1:18789/ws",
		ClientID:      "nexus-node",
		IdentityPath:  filepath.Join(defaultConfigDir(), defaultIdentityName),
		Approval:      approvalPrompt,
		MaxConcurrent: 10,
		EventCapacity: events.DefaultCapacity,
		Log:           observability.LogConfig{Level: "info", Format: "text"},
		Audit:         audit.DefaultConfig(),
		Resilience:    resilience.DefaultConfig(),
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultNodeConfigDir
	}
	return filepath.Join(home, defaultNodeConfigDir)
}

func defaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), defaultNodeConfigName)
}

func resolveConfigPath(explicit string) (string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return expandUserPath(explicit), true
	}
	if env := strings.TrimSpace(os.Getenv("NEXUS_NODE_CONFIG")); env != "" {
		return expandUserPath(env), true
	}
	defaultPath := defaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath, true
	}
	return defaultPath, false
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

// loadConfig decodes path on top of DefaultConfig.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errConfigNotFound
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// loadResolvedConfig loads the config file if there is one and falls back
// to the defaults when the default path does not exist.
func loadResolvedConfig(explicit string) (Config, string, error) {
	path, found := resolveConfigPath(explicit)
	if !found {
		return DefaultConfig(), path, nil
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func normalizeConfig(cfg Config) Config {
	cfg.GatewayURL = strings.TrimSpace(cfg.GatewayURL)
	cfg.IdentityPath = expandUserPath(strings.TrimSpace(cfg.IdentityPath))
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = filepath.Join(defaultConfigDir(), defaultIdentityName)
	}
	cfg.SecurityConfig = expandUserPath(strings.TrimSpace(cfg.SecurityConfig))
	cfg.Approval = strings.ToLower(strings.TrimSpace(cfg.Approval))
	if cfg.Approval == "" {
		cfg.Approval = approvalPrompt
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = events.DefaultCapacity
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.GatewayURL == "" {
		return errors.New("gateway_url is required")
	}
	if !strings.HasPrefix(cfg.GatewayURL, "ws://") && !strings.HasPrefix(cfg.GatewayURL, "wss://") {
		return fmt.Errorf("gateway_url must use ws:// or wss://, got %q", cfg.GatewayURL)
	}
	switch cfg.Approval {
	case approvalPrompt, approvalDeny:
	default:
		return fmt.Errorf("approval must be %q or %q, got %q", approvalPrompt, approvalDeny, cfg.Approval)
	}
	if err := cfg.Resilience.Validate(); err != nil {
		return err
	}
	return nil
}

func writeConfig(path string, cfg Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	path = expandUserPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
