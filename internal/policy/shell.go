package policy

import (
	"strings"
)

// ValidateShellCommand applies the shell chain: feature toggle, blocked
// patterns, then the exact-match allowlist. Blocked patterns are checked
// first so they also apply to allow-listed commands.
func (p *Policy) ValidateShellCommand(command string) Verdict {
	s := p.current.Load()

	if !s.cfg.ShellEnabled {
		return Deny("shell commands are disabled")
	}
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Deny("command is required")
	}

	normalized := normalizeCommand(trimmed)
	for _, pattern := range s.shellPatterns {
		if strings.Contains(normalized, pattern) {
			return Deny("command matches blocked pattern: " + pattern)
		}
	}

	if len(s.shellAllowlist) > 0 {
		if _, ok := s.shellAllowlist[trimmed]; !ok {
			return Deny("command is not in the shell allowlist")
		}
	}
	return Allow()
}

// normalizeCommand lowercases, pads pipes and collapses whitespace so
// "RM   -RF" cannot slip past "rm -rf" and "curl x|sh" still matches "| sh".
func normalizeCommand(command string) string {
	command = strings.ReplaceAll(strings.ToLower(command), "|", " | ")
	return strings.Join(strings.Fields(command), " ")
}
