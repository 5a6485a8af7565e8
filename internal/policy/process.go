package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateProcessKill denies killing a protected process. name is matched on
// its canonical form (basename, no ".exe", case-folded) either exactly or by
// containing a protected name.
func (p *Policy) ValidateProcessKill(name string) Verdict {
	s := p.current.Load()

	canonical := CanonicalProcessName(name)
	if canonical == "" {
		return Deny("process target is required")
	}
	for _, protected := range s.protected {
		if canonical == protected || strings.Contains(canonical, protected) {
			return Deny("process is protected: " + protected)
		}
	}
	return Allow()
}

// ValidateProcessPID denies init, kernel placeholders and the node's own
// process, whatever their names.
func (p *Policy) ValidateProcessPID(pid int) Verdict {
	switch {
	case pid <= 1:
		return Deny(fmt.Sprintf("process is protected: pid %d", pid))
	case pid == os.Getpid():
		return Deny("process is protected: the node itself")
	}
	return Allow()
}

// ValidateAppLaunch allows program only when it is allow-listed and not
// blocked. Bare names match entries by canonical name; a program given as a
// path must match an allow-list entry exactly.
func (p *Policy) ValidateAppLaunch(program string) Verdict {
	s := p.current.Load()

	program = strings.TrimSpace(program)
	canonical := CanonicalProcessName(program)
	if canonical == "" {
		return Deny("program is required")
	}
	for _, blocked := range s.blockedApps {
		if CanonicalProcessName(blocked) == canonical {
			return Deny("application is blocked: " + canonical)
		}
	}
	if len(s.allowedApps) == 0 {
		return Deny("no applications are allowed")
	}

	hasPath := strings.ContainsAny(program, `/\`)
	for _, allowed := range s.allowedApps {
		if NormalizeName(allowed) == NormalizeName(program) {
			return Allow()
		}
		if !hasPath && CanonicalProcessName(allowed) == canonical {
			return Allow()
		}
	}
	return Deny("application is not allowed: " + canonical)
}

// CanonicalProcessName reduces a process or program reference to its
// case-folded basename without a Windows executable suffix.
func CanonicalProcessName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	base = NormalizeName(base)
	return strings.TrimSuffix(base, ".exe")
}
