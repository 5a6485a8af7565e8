package capability

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/nexus-node/internal/clipboard"
	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

// Built-in capability names.
const (
	SystemInfo     = "system.info"
	SystemNotify   = "system.notify"
	SystemRun      = "system.run"
	ClipboardRead  = "clipboard.read"
	ClipboardWrite = "clipboard.write"
	ScreenCapture  = "screen.capture"
	ScreenRecord   = "screen.record"
	BrowserOpen    = "browser.open"
	FileList       = "file.list"
	FileRead       = "file.read"
	FileWrite      = "file.write"
	FileDelete     = "file.delete"
	ProcessList    = "process.list"
	ProcessKill    = "process.kill"
	AppLaunch      = "app.launch"
)

// InfoSource reports host facts.
type InfoSource interface {
	Info(ctx context.Context) host.SystemInfo
}

// Clipboard reads and writes clipboard text.
type Clipboard interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
}

// Backends are the host side effects handlers delegate to. A nil backend
// makes its capabilities fail with "not available on this node".
type Backends struct {
	Info      InfoSource
	Notifier  host.Notifier
	Clipboard Clipboard
	Screen    host.Screen
	Browser   host.Browser
	Processes host.Processes
	Shell     host.Shell
}

// HostBackends wires the real machine. Browser navigation prefers an
// attached Chrome (chromeDebugURL) and falls back to the system opener.
func HostBackends(chromeDebugURL string, logger *slog.Logger) Backends {
	if logger == nil {
		logger = slog.Default()
	}
	browsers := []host.Browser{host.NewSystemBrowser()}
	if chromeDebugURL != "" {
		browsers = append([]host.Browser{&host.ChromeBrowser{DebugURL: chromeDebugURL}}, browsers...)
	}
	return Backends{
		Info:      host.NewInfoReader(),
		Notifier:  host.NewExecNotifier(),
		Clipboard: clipboard.New(logger),
		Screen:    host.NewExecScreen(),
		Browser:   &host.FallbackBrowser{Browsers: browsers, Logger: logger.With("component", "browser")},
		Processes: host.NewProcessTable(),
		Shell:     host.NewExecShell(),
	}
}

// NewDefaultRegistry returns a registry with all built-in handlers. Handlers
// that enforce domain rules consult p on every call; limits that are plain
// numbers are taken from cfg, so rebuild the registry when cfg changes.
func NewDefaultRegistry(p *policy.Policy, cfg policy.Config, b Backends) *Registry {
	handlers := []Handler{
		newSystemInfo(b.Info),
		newSystemNotify(b.Notifier),
		newSystemRun(p, cfg, b.Shell),
		newClipboardRead(b.Clipboard),
		newClipboardWrite(cfg, b.Clipboard),
		newScreenCapture(b.Screen),
		newScreenRecord(cfg, b.Screen),
		newBrowserOpen(p, b.Browser),
		newFileList(p),
		newFileRead(p, cfg),
		newFileWrite(p, cfg),
		newFileDelete(p),
		newProcessList(b.Processes),
		newProcessKill(p, b.Processes),
		newAppLaunch(p, b.Processes),
	}
	r := NewRegistry()
	for _, h := range handlers {
		r = r.WithHandler(h)
	}
	return r
}

func unavailable(name string) Result {
	return Fail(name + " is not available on this node")
}

// cancelled reports ctx cancellation as a failure result.
func cancelled(ctx context.Context) (Result, bool) {
	if err := ctx.Err(); err != nil {
		return Fail("cancelled: " + err.Error()), true
	}
	return Result{}, false
}
