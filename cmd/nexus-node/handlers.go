package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/events"
	"github.com/haasonsaas/nexus-node/internal/identity"
	"github.com/haasonsaas/nexus-node/internal/node"
	"github.com/haasonsaas/nexus-node/internal/observability"
	"github.com/haasonsaas/nexus-node/internal/policy"
	"github.com/haasonsaas/nexus-node/internal/transport"
)

const defaultSecurityName = "security.yaml"

func resolveRunConfig(cmd *cobra.Command, flags Config, explicit string) (Config, error) {
	cfg, _, err := loadResolvedConfig(explicit)
	if err != nil {
		return Config{}, err
	}
	cfg = normalizeConfig(applyFlagOverrides(cmd, cfg, flags))
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadSecurityConfig picks the policy file, the development preset or the
// fail-closed default, in that order.
func loadSecurityConfig(cfg Config) (policy.Config, error) {
	if cfg.SecurityConfig != "" {
		return policy.LoadConfig(cfg.SecurityConfig)
	}
	if cfg.Development {
		return policy.DevelopmentConfig(), nil
	}
	return policy.DefaultConfig(), nil
}

func runNode(ctx context.Context, cmd *cobra.Command, cfg Config) error {
	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	security, err := loadSecurityConfig(cfg)
	if err != nil {
		return err
	}
	device, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}

	auditLog, err := audit.NewLog(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracing := observability.NewTracer(cfg.Tracing)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer stop()
	}

	n, err := node.New(node.Options{
		Config:        security,
		Resilience:    cfg.Resilience,
		Signer:        device,
		Dialer:        transport.NewWSDialer(cfg.GatewayURL, logger),
		Hello:         transport.Hello{ClientID: cfg.ClientID, Version: version},
		Tokens:        device,
		Backends:      capability.HostBackends(cfg.ChromeDebugURL, logger),
		Audit:         auditLog,
		Events:        events.NewBus(cfg.EventCapacity, logger),
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	switch {
	case cfg.Approval == approvalDeny:
		logger.Info("approval mode is deny; gated capabilities will be refused")
	case term.IsTerminal(int(os.Stdin.Fd())):
		n.SetApprovalHandler(newTerminalApprover(os.Stdin, cmd.ErrOrStderr()).Approve)
	default:
		logger.Warn("stdin is not a terminal; gated capabilities will be refused")
	}

	if cfg.SecurityConfig != "" {
		watcher := policy.NewWatcher(cfg.SecurityConfig, func(next policy.Config) {
			if err := n.ApplyConfig(next); err != nil {
				logger.Error("security config reload rejected", "path", cfg.SecurityConfig, "error", err)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("security config hot reload disabled", "path", cfg.SecurityConfig, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	lost := make(chan string, 1)
	unsubscribe := n.Subscribe(func(e events.Event) {
		if e.Type != events.TypeStateChanged || e.Payload["to"] != node.StateDisconnected.String() {
			return
		}
		reason, _ := e.Payload["reason"].(string)
		if strings.HasPrefix(reason, "reconnect failed") {
			select {
			case lost <- reason:
			default:
			}
		}
	})
	defer unsubscribe()

	logger.Info("starting nexus-node",
		"device_id", device.DeviceID(),
		"gateway", cfg.GatewayURL,
		"enabled_capabilities", len(n.EnabledCapabilities()),
	)
	if err := n.Connect(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case reason := <-lost:
		runErr = errors.New(reason)
	}
	if err := n.Disconnect(); err != nil {
		logger.Debug("disconnect", "error", err)
	}
	fmt.Fprint(cmd.ErrOrStderr(), n.AuditSummary(200))
	logger.Info("node stopped")
	return runErr
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func runConfigInit(cmd *cobra.Command, path string, cfg Config, force bool) error {
	if cfg.SecurityConfig == "" {
		cfg.SecurityConfig = filepath.Join(filepath.Dir(path), defaultSecurityName)
	}
	if err := writeConfig(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", path)

	if _, err := os.Stat(cfg.SecurityConfig); err == nil && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "Kept existing security policy %s\n", cfg.SecurityConfig)
		return nil
	}
	data, err := yaml.Marshal(policy.DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode security config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SecurityConfig), 0o700); err != nil {
		return fmt.Errorf("create security config dir: %w", err)
	}
	if err := os.WriteFile(cfg.SecurityConfig, data, 0o600); err != nil {
		return fmt.Errorf("write security config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote fail-closed security policy to %s\n", cfg.SecurityConfig)
	return nil
}

func runConfigShow(cmd *cobra.Command, path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := policy.ConfigSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

func runConfigValidate(cmd *cobra.Command, path string, cfg Config, security string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "node config OK (%s)\n", path)

	if security == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no security policy file set; the fail-closed default applies")
		return nil
	}
	sec, err := policy.LoadConfig(security)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "security policy OK (%s): %d capabilities enabled, %d callers allowed\n",
		security, len(sec.EnabledCapabilities), len(sec.AllowedCallers))
	return nil
}

type identitySummary struct {
	DeviceID     string    `json:"device_id"`
	PublicKey    string    `json:"public_key"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
	HasToken     bool      `json:"has_token"`
	TokenExpired bool      `json:"token_expired,omitempty"`
}

func runIdentityShow(cmd *cobra.Command, cfg Config, jsonOutput bool) error {
	device, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	summary := identitySummary{
		DeviceID:  device.DeviceID(),
		PublicKey: device.PublicKey(),
		Path:      device.Path(),
		CreatedAt: device.CreatedAt(),
	}
	if token := device.Token(); token != "" {
		summary.HasToken = true
		summary.TokenExpired = identity.TokenExpired(token, time.Now())
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(out, "Device ID:  %s\n", summary.DeviceID)
	fmt.Fprintf(out, "Public key: %s\n", summary.PublicKey)
	fmt.Fprintf(out, "File:       %s\n", summary.Path)
	fmt.Fprintf(out, "Created:    %s\n", summary.CreatedAt.Format(time.RFC3339))
	switch {
	case !summary.HasToken:
		fmt.Fprintln(out, "Token:      none")
	case summary.TokenExpired:
		fmt.Fprintln(out, "Token:      expired")
	default:
		fmt.Fprintln(out, "Token:      present")
	}
	return nil
}

func runCapabilities(cmd *cobra.Command, cfg Config, all bool) error {
	security, err := loadSecurityConfig(cfg)
	if err != nil {
		return err
	}
	p := policy.New(security, nil)
	registry := capability.NewDefaultRegistry(p, security, capability.Backends{})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRISK\tAPPROVAL\tENABLED\tDESCRIPTION")
	for _, d := range registry.Capabilities() {
		enabled := security.CapabilityEnabled(d.Name)
		if !all && !enabled {
			continue
		}
		approval := "-"
		if p.RequiresApproval(d.RiskLevel, d.RequiresApproval) {
			approval = "required"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.RiskLevel, approval, yesNo(enabled), d.Description)
	}
	return w.Flush()
}

func runAuditShow(cmd *cobra.Command, cfg Config, capabilityName string, limit int) error {
	if cfg.Audit.SQLitePath == "" {
		return errors.New("no audit database configured; set audit.sqlite_path or pass --db")
	}
	if _, err := os.Stat(cfg.Audit.SQLitePath); err != nil {
		return fmt.Errorf("audit database: %w", err)
	}
	store, err := audit.OpenSQLiteStore(cfg.Audit.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Query(cmd.Context(), policy.NormalizeName(capabilityName), limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOUTCOME\tTYPE\tCAPABILITY\tCALLER\tREASON")
	for _, e := range entries {
		outcome := "allow"
		if !e.Allowed {
			outcome = "deny"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), outcome, e.Type, e.Capability, e.CallerDeviceID, e.Reason)
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
