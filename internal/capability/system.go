package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

type systemInfo struct {
	base
	info InfoSource
}

func newSystemInfo(info InfoSource) *systemInfo {
	return &systemInfo{
		base: base{
			name:        SystemInfo,
			description: "Report read-only facts about the host (OS, architecture, CPUs, hostname).",
			risk:        policy.RiskLow,
		},
		info: info,
	}
}

func (h *systemInfo) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if h.info == nil {
		return unavailable(h.name)
	}
	if r, done := cancelled(ctx); done {
		return r
	}
	return Succeed(h.info.Info(ctx))
}

type systemNotify struct {
	base
	notifier host.Notifier
}

func newSystemNotify(n host.Notifier) *systemNotify {
	return &systemNotify{
		base: base{
			name:        SystemNotify,
			description: "Show a desktop notification.",
			risk:        policy.RiskLow,
			schema: `{
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "string", "maxLength": 2000},
					"title": {"type": "string", "maxLength": 200}
				}
			}`,
		},
		notifier: n,
	}
}

func (h *systemNotify) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "message"); !ok {
		return r
	}
	if h.notifier == nil {
		return unavailable(h.name)
	}
	message, _ := params.String("message")
	title, _ := params.String("title")
	if strings.TrimSpace(title) == "" {
		title = "Nexus"
	}
	if err := h.notifier.Notify(ctx, title, message); err != nil {
		return Fail(fmt.Sprintf("notification failed: %v", err))
	}
	return Succeed(map[string]any{"delivered": true})
}

type systemRun struct {
	base
	policy  *policy.Policy
	timeout time.Duration
	shell   host.Shell
}

func newSystemRun(p *policy.Policy, cfg policy.Config, shell host.Shell) *systemRun {
	return &systemRun{
		base: base{
			name:        SystemRun,
			description: "Run a shell command and return its combined output.",
			risk:        policy.RiskCritical,
			approval:    true,
			schema: `{
				"type": "object",
				"required": ["command"],
				"properties": {
					"command": {"type": "string", "maxLength": 8192},
					"timeout_seconds": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		policy:  p,
		timeout: time.Duration(cfg.ShellTimeoutSeconds) * time.Second,
		shell:   shell,
	}
}

func (h *systemRun) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "command"); !ok {
		return r
	}
	command, _ := params.String("command")
	if v := ec.check(ctx, h.name, "shell", h.policy.ValidateShellCommand(command)); v.Denied() {
		return deny(v)
	}
	if h.shell == nil {
		return unavailable(h.name)
	}

	timeout := h.timeout
	if secs, ok := params.Int("timeout_seconds"); ok && secs > 0 {
		if requested := time.Duration(secs) * time.Second; timeout <= 0 || requested < timeout {
			timeout = requested
		}
	}
	if r, done := cancelled(ctx); done {
		return r
	}

	res, err := h.shell.Run(ctx, command, timeout)
	switch {
	case errors.Is(err, host.ErrShellTimeout):
		return Result{Data: res, Error: fmt.Sprintf("command timed out after %s", timeout)}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Fail("cancelled: " + err.Error())
	case err != nil:
		return Fail(fmt.Sprintf("command could not run: %v", err))
	case res.ExitCode != 0:
		return Result{Data: res, Error: fmt.Sprintf("command exited with status %d", res.ExitCode)}
	}
	return Succeed(res)
}
