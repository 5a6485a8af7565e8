// Package clipboard reads and writes the host clipboard for the clipboard.*
// capabilities.
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	native "github.com/atotto/clipboard"
)

// DefaultTimeout bounds each helper-tool attempt.
const DefaultTimeout = 3 * time.Second

// ErrUnavailable is returned when neither the native backend nor any helper
// tool could service the request.
var ErrUnavailable = errors.New("clipboard unavailable")

// Tool is a command-line clipboard helper.
type Tool struct {
	Name     string
	Args     []string
	Platform string // "" matches every platform
}

var writeTools = []Tool{
	{Name: "pbcopy", Platform: "darwin"},
	{Name: "wl-copy", Platform: "linux"},
	{Name: "xclip", Args: []string{"-selection", "clipboard"}, Platform: "linux"},
	{Name: "clip.exe"},
	{Name: "powershell", Args: []string{"-NoProfile", "-Command", "Set-Clipboard"}, Platform: "windows"},
}

var readTools = []Tool{
	{Name: "pbpaste", Platform: "darwin"},
	{Name: "wl-paste", Args: []string{"--no-newline"}, Platform: "linux"},
	{Name: "xclip", Args: []string{"-selection", "clipboard", "-o"}, Platform: "linux"},
	{Name: "powershell", Args: []string{"-NoProfile", "-Command", "Get-Clipboard"}, Platform: "windows"},
}

// Backend is the raw clipboard access used by System. The default is
// github.com/atotto/clipboard.
type Backend interface {
	ReadAll() (string, error)
	WriteAll(text string) error
	Supported() bool
}

type atottoBackend struct{}

func (atottoBackend) ReadAll() (string, error)   { return native.ReadAll() }
func (atottoBackend) WriteAll(text string) error { return native.WriteAll(text) }
func (atottoBackend) Supported() bool            { return !native.Unsupported }

// Runner executes a helper tool, feeding stdin when non-empty, and returns stdout.
type Runner func(ctx context.Context, tool Tool, stdin string) (string, error)

func execRunner(ctx context.Context, tool Tool, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, tool.Name, tool.Args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// System is the host clipboard. It tries the native backend first and falls
// back to platform helper tools in priority order.
type System struct {
	backend  Backend
	run      Runner
	platform string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a System.
type Option func(*System)

// WithBackend replaces the native backend.
func WithBackend(b Backend) Option { return func(s *System) { s.backend = b } }

// WithRunner replaces the helper tool runner.
func WithRunner(r Runner) Option { return func(s *System) { s.run = r } }

// WithPlatform overrides runtime.GOOS for helper selection.
func WithPlatform(p string) Option { return func(s *System) { s.platform = p } }

// WithTimeout sets the per-helper timeout.
func WithTimeout(d time.Duration) Option { return func(s *System) { s.timeout = d } }

// New creates a System clipboard.
func New(logger *slog.Logger, opts ...Option) *System {
	if logger == nil {
		logger = slog.Default()
	}
	s := &System{
		backend:  atottoBackend{},
		run:      execRunner,
		platform: runtime.GOOS,
		timeout:  DefaultTimeout,
		logger:   logger.With("component", "clipboard"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the current clipboard text.
func (s *System) Read(ctx context.Context) (string, error) {
	if s.backend != nil && s.backend.Supported() {
		text, err := s.backend.ReadAll()
		if err == nil {
			return text, nil
		}
		s.logger.Debug("native clipboard read failed", "error", err)
	}
	for _, tool := range ToolsFor(readTools, s.platform) {
		out, err := s.attempt(ctx, tool, "")
		if err == nil {
			return strings.TrimSuffix(out, "\n"), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", ErrUnavailable
}

// Write replaces the clipboard contents with text.
func (s *System) Write(ctx context.Context, text string) error {
	if s.backend != nil && s.backend.Supported() {
		err := s.backend.WriteAll(text)
		if err == nil {
			return nil
		}
		s.logger.Debug("native clipboard write failed", "error", err)
	}
	for _, tool := range ToolsFor(writeTools, s.platform) {
		_, err := s.attempt(ctx, tool, text)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ErrUnavailable
}

func (s *System) attempt(ctx context.Context, tool Tool, stdin string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.run(ctx, tool, stdin)
	if err != nil {
		return "", fmt.Errorf("%s: %w", tool.Name, err)
	}
	return out, nil
}

// ToolsFor filters tools to those usable on platform.
func ToolsFor(tools []Tool, platform string) []Tool {
	var applicable []Tool
	for _, tool := range tools {
		if tool.Platform == "" || tool.Platform == platform {
			applicable = append(applicable, tool)
		}
	}
	return applicable
}
