package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus-node/internal/ratelimit"
)

// Policy evaluates requests against the current Config snapshot. It is safe
// for concurrent use; the only mutable state is the rate-limit counters and
// the snapshot pointer, which Replace swaps wholesale.
type Policy struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes Replace
	now     func() time.Time
	logger  *slog.Logger
}

// snapshot is a Config with its lookup sets precomputed.
type snapshot struct {
	cfg Config

	capabilities map[string]struct{}
	callers      map[string]struct{}
	anyCaller    bool

	roots          []string
	blockedExts    map[string]struct{}
	schemes        map[string]struct{}
	blockedDomains []string

	shellPatterns  []string
	shellAllowlist map[string]struct{}

	protected   []string
	allowedApps []string
	blockedApps []string

	global    *ratelimit.Limiter
	perCaller *ratelimit.Limiter
}

// New creates a policy over cfg. The config is copied; later changes to the
// caller's value have no effect.
func New(cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{
		now:    time.Now,
		logger: logger.With("component", "policy"),
	}
	p.current.Store(p.compile(cfg.Clone(), nil))
	return p
}

// SetClock replaces the time source used by the rate limiters.
func (p *Policy) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	s := p.current.Load()
	s.global.SetClock(now)
	if s.perCaller != nil {
		s.perCaller.SetClock(now)
	}
}

// Config returns a copy of the active configuration.
func (p *Policy) Config() Config {
	return p.current.Load().cfg.Clone()
}

// Replace swaps in a new configuration. Rate-limit counters survive when the
// corresponding limit is unchanged so a reload cannot be used to reset them.
func (p *Policy) Replace(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.current.Load()
	p.current.Store(p.compile(cfg.Clone(), prev))
	p.logger.Info("security configuration replaced",
		"enabled_capabilities", len(cfg.EnabledCapabilities),
		"allowed_callers", len(cfg.AllowedCallers),
		"shell_enabled", cfg.ShellEnabled,
	)
}

func (p *Policy) compile(cfg Config, prev *snapshot) *snapshot {
	s := &snapshot{
		cfg:            cfg,
		capabilities:   nameSet(cfg.EnabledCapabilities),
		callers:        make(map[string]struct{}, len(cfg.AllowedCallers)),
		blockedExts:    make(map[string]struct{}, len(cfg.BlockedExtensions)),
		schemes:        make(map[string]struct{}, len(cfg.AllowedURLSchemes)),
		shellAllowlist: make(map[string]struct{}, len(cfg.ShellAllowlist)),
	}
	for _, c := range cfg.AllowedCallers {
		c = strings.TrimSpace(c)
		if c == WildcardCaller {
			s.anyCaller = true
		} else if c != "" {
			s.callers[c] = struct{}{}
		}
	}
	for _, root := range cfg.AllowedRoots {
		if resolved, err := resolvePath(root); err == nil {
			s.roots = append(s.roots, resolved)
		}
	}
	for _, ext := range cfg.BlockedExtensions {
		if ext = normalizeExt(ext); ext != "" {
			s.blockedExts[ext] = struct{}{}
		}
	}
	for _, scheme := range cfg.AllowedURLSchemes {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme != "" && scheme != "file" {
			s.schemes[scheme] = struct{}{}
		}
	}
	for _, d := range cfg.BlockedDomains {
		if d = normalizeDomain(d); d != "" {
			s.blockedDomains = append(s.blockedDomains, d)
		}
	}
	for _, pattern := range cfg.BlockedShellPatterns {
		if pattern = normalizeCommand(pattern); pattern != "" {
			s.shellPatterns = append(s.shellPatterns, pattern)
		}
	}
	for _, cmd := range cfg.ShellAllowlist {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			s.shellAllowlist[cmd] = struct{}{}
		}
	}
	for _, name := range cfg.ProtectedProcesses {
		if name = CanonicalProcessName(name); name != "" {
			s.protected = append(s.protected, name)
		}
	}
	s.allowedApps = trimmedNonEmpty(cfg.AllowedApplications)
	s.blockedApps = trimmedNonEmpty(cfg.BlockedApplications)

	if prev != nil && prev.global.Limit() == cfg.RateLimitPerMinute {
		s.global = prev.global
	} else {
		s.global = ratelimit.NewLimiter(ratelimit.Config{Limit: cfg.RateLimitPerMinute, Window: time.Minute})
		s.global.SetClock(p.now)
	}
	if cfg.RateLimitPerCallerPerMinute > 0 {
		if prev != nil && prev.perCaller != nil && prev.perCaller.Limit() == cfg.RateLimitPerCallerPerMinute {
			s.perCaller = prev.perCaller
		} else {
			s.perCaller = ratelimit.NewLimiter(ratelimit.Config{Limit: cfg.RateLimitPerCallerPerMinute, Window: time.Minute})
			s.perCaller.SetClock(p.now)
		}
	}
	return s
}

// ValidateIncomingInvoke is the generic gate every invocation passes first.
// Checks run in order (capability, caller, rate limit) and the verdict names
// only the first failure. A request that passes consumes one rate-limit slot.
func (p *Policy) ValidateIncomingInvoke(capability, callerDeviceID string) Verdict {
	s := p.current.Load()

	key := NormalizeName(capability)
	if key == "" {
		return Deny("capability name is required")
	}
	if _, ok := s.capabilities[key]; !ok {
		return Deny("capability not enabled: " + key)
	}

	caller := strings.TrimSpace(callerDeviceID)
	if caller == "" {
		return Deny("caller device id is required")
	}
	if !s.anyCaller {
		if _, ok := s.callers[caller]; !ok {
			return Deny("caller not allowed")
		}
	}

	// A throttled caller must not spend the shared budget, so the caller
	// slot is taken first and handed back if the global window is full.
	callerKey := ratelimit.CompositeKey("caller", caller)
	if s.perCaller != nil && !s.perCaller.Allow(callerKey) {
		return Deny(fmt.Sprintf("caller rate limit exceeded: %d invocations per minute", s.cfg.RateLimitPerCallerPerMinute))
	}
	if !s.global.Allow(ratelimit.GlobalKey) {
		if s.perCaller != nil {
			s.perCaller.Refund(callerKey)
		}
		return Deny(fmt.Sprintf("rate limit exceeded: %d invocations per minute", s.cfg.RateLimitPerMinute))
	}
	return Allow()
}

// RequiresApproval reports whether an operator must approve an invocation.
func (p *Policy) RequiresApproval(risk RiskLevel, handlerRequires bool) bool {
	return handlerRequires || risk >= p.current.Load().cfg.ApprovalThreshold
}

// RateLimitStatus reports the global window state.
func (p *Policy) RateLimitStatus() ratelimit.Status {
	return p.current.Load().global.GetStatus(ratelimit.GlobalKey)
}

func trimmedNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
