// Package host performs the side effects behind the node's capabilities:
// screen capture, notifications, browser navigation, process control and
// shell execution. Each backend is an interface so the capability layer can
// be exercised without touching the real machine.
//
// Backends shell out to the platform tools the node already relies on
// (screencapture, import, ffmpeg, notify-send, osascript, ps, tasklist).
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrUnsupported is returned when the current platform has no backend for
// the requested operation.
var ErrUnsupported = errors.New("not supported on this platform")

// CommandRunner runs a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, folding stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s is not installed: %w", name, err)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func runnerOrDefault(r CommandRunner) CommandRunner {
	if r == nil {
		return ExecRunner
	}
	return r
}
