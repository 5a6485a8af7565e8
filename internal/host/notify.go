package host

import (
	"context"
	"runtime"
	"strings"
)

// Notifier shows a desktop notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// ExecNotifier uses osascript on macOS and notify-send on Linux.
type ExecNotifier struct {
	Run      CommandRunner
	Platform string
}

// NewExecNotifier returns a Notifier for the current machine.
func NewExecNotifier() *ExecNotifier {
	return &ExecNotifier{Run: ExecRunner, Platform: runtime.GOOS}
}

// Notify displays message with title.
func (n *ExecNotifier) Notify(ctx context.Context, title, message string) error {
	run := runnerOrDefault(n.Run)
	switch n.Platform {
	case "darwin":
		script := "display notification " + appleScriptString(message) + " with title " + appleScriptString(title)
		_, err := run(ctx, "osascript", "-e", script)
		return err
	case "linux":
		_, err := run(ctx, "notify-send", "--app-name=nexus-node", "--", title, message)
		return err
	default:
		return ErrUnsupported
	}
}

// appleScriptString quotes s as an AppleScript string literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
