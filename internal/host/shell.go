package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
	"unicode/utf8"
)

// MaxShellOutput is the number of characters of combined output kept.
const MaxShellOutput = 100000

// ErrShellTimeout is returned when a command outlives its timeout.
var ErrShellTimeout = errors.New("command timed out")

// ShellResult is the outcome of a command that ran to completion.
type ShellResult struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Shell runs a validated command line.
type Shell interface {
	Run(ctx context.Context, command string, timeout time.Duration) (ShellResult, error)
}

// ExecShell runs commands through /bin/sh or cmd.exe.
type ExecShell struct {
	Platform   string
	WorkingDir string
}

// NewExecShell returns a shell for the current machine.
func NewExecShell() *ExecShell {
	return &ExecShell{Platform: runtime.GOOS}
}

// Run executes command. A non-zero exit is reported in the result, not as
// an error; errors mean the command could not run or timed out.
func (s *ExecShell) Run(ctx context.Context, command string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if s.Platform == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/c", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}
	cmd.Dir = s.WorkingDir
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	result := ShellResult{}
	result.Output, result.Truncated = TruncateOutput(string(output), MaxShellOutput)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s", ErrShellTimeout, timeout)
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

// TruncateOutput keeps at most limit characters of s.
func TruncateOutput(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
