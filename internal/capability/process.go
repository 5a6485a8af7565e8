package capability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

type processList struct {
	base
	processes host.Processes
}

func newProcessList(p host.Processes) *processList {
	return &processList{
		base: base{
			name:        ProcessList,
			description: "List running processes, optionally filtered by name.",
			risk:        policy.RiskLow,
			schema: `{
				"type": "object",
				"properties": {"filter": {"type": "string"}}
			}`,
		},
		processes: p,
	}
}

func (h *processList) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params); !ok {
		return r
	}
	if h.processes == nil {
		return unavailable(h.name)
	}
	procs, err := h.processes.List(ctx)
	if err != nil {
		return Fail(fmt.Sprintf("process list failed: %v", err))
	}
	if filter, _ := params.String("filter"); strings.TrimSpace(filter) != "" {
		needle := policy.NormalizeName(filter)
		kept := make([]host.ProcessInfo, 0, len(procs))
		for _, p := range procs {
			if strings.Contains(policy.NormalizeName(p.Name), needle) {
				kept = append(kept, p)
			}
		}
		procs = kept
	}
	return Succeed(map[string]any{"processes": procs, "count": len(procs)})
}

type processKill struct {
	base
	policy    *policy.Policy
	processes host.Processes
}

func newProcessKill(p *policy.Policy, procs host.Processes) *processKill {
	return &processKill{
		base: base{
			name:        ProcessKill,
			description: "Terminate a process by PID or name. Protected processes are refused.",
			risk:        policy.RiskHigh,
			schema: `{
				"type": "object",
				"required": ["target"],
				"properties": {"target": {"type": ["string", "integer"]}}
			}`,
		},
		policy:    p,
		processes: procs,
	}
}

func (h *processKill) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "target"); !ok {
		return r
	}
	if h.processes == nil {
		return unavailable(h.name)
	}

	pid, byPID := params.Int("target")
	name, _ := params.String("target")
	name = strings.TrimSpace(name)
	if !byPID {
		if n, err := strconv.Atoi(name); err == nil {
			pid, byPID = n, true
		}
	}
	if !byPID {
		// Check the requested name before touching the process table.
		if v := ec.check(ctx, h.name, "process_kill", h.policy.ValidateProcessKill(name)); v.Denied() {
			return deny(v)
		}
	}

	procs, err := h.processes.List(ctx)
	if err != nil {
		return Fail(fmt.Sprintf("process list failed: %v", err))
	}
	var targets []host.ProcessInfo
	for _, p := range procs {
		if byPID && p.PID == pid {
			targets = append(targets, p)
		}
		if !byPID && policy.CanonicalProcessName(p.Name) == policy.CanonicalProcessName(name) {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return Fail("process not found")
	}
	for _, t := range targets {
		if v := ec.check(ctx, h.name, "process_kill", h.policy.ValidateProcessKill(t.Name)); v.Denied() {
			return deny(v)
		}
		if v := ec.check(ctx, h.name, "process_pid", h.policy.ValidateProcessPID(t.PID)); v.Denied() {
			return deny(v)
		}
	}

	killed := make([]int, 0, len(targets))
	for _, t := range targets {
		if r, done := cancelled(ctx); done {
			return r
		}
		if err := h.processes.Kill(ctx, t.PID); err != nil {
			if errors.Is(err, host.ErrProcessNotFound) {
				continue
			}
			return Result{Data: map[string]any{"killed": killed}, Error: fmt.Sprintf("kill pid %d failed: %v", t.PID, err)}
		}
		killed = append(killed, t.PID)
	}
	if len(killed) == 0 {
		return Fail("process not found")
	}
	return Succeed(map[string]any{"killed": killed})
}

type appLaunch struct {
	base
	policy    *policy.Policy
	processes host.Processes
}

func newAppLaunch(p *policy.Policy, procs host.Processes) *appLaunch {
	return &appLaunch{
		base: base{
			name:        AppLaunch,
			description: "Start an allow-listed application.",
			risk:        policy.RiskMedium,
			schema: `{
				"type": "object",
				"required": ["program"],
				"properties": {
					"program": {"type": "string"},
					"args": {"type": "array", "items": {"type": "string"}, "maxItems": 64}
				}
			}`,
		},
		policy:    p,
		processes: procs,
	}
}

func (h *appLaunch) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "program"); !ok {
		return r
	}
	program, _ := params.String("program")
	program = strings.TrimSpace(program)
	if v := ec.check(ctx, h.name, "app_launch", h.policy.ValidateAppLaunch(program)); v.Denied() {
		return deny(v)
	}
	if h.processes == nil {
		return unavailable(h.name)
	}
	args, _ := params.Strings("args")
	if r, done := cancelled(ctx); done {
		return r
	}
	pid, err := h.processes.Launch(ctx, program, args)
	if err != nil {
		return Fail(fmt.Sprintf("launch failed: %v", err))
	}
	return Succeed(map[string]any{"pid": pid, "program": policy.CanonicalProcessName(program)})
}
