package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

type fakeInfo struct{}

func (fakeInfo) Info(context.Context) host.SystemInfo {
	return host.SystemInfo{Hostname: "test-host", Platform: "linux", CPUs: 4}
}

type fakeNotifier struct {
	title, message string
}

func (f *fakeNotifier) Notify(_ context.Context, title, message string) error {
	f.title, f.message = title, message
	return nil
}

type fakeClipboard struct {
	mu   sync.Mutex
	text string
}

func (f *fakeClipboard) Read(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, nil
}

func (f *fakeClipboard) Write(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	return nil
}

type fakeScreen struct {
	monitors int
	recorded int
}

func (f *fakeScreen) Monitors(context.Context) (int, error) { return f.monitors, nil }
func (f *fakeScreen) Capture(context.Context, int) ([]byte, error) {
	return []byte("png"), nil
}
func (f *fakeScreen) Record(_ context.Context, _ int, seconds int) ([]byte, error) {
	f.recorded = seconds
	return []byte("mp4"), nil
}

type fakeBrowser struct{ opened []string }

func (f *fakeBrowser) Open(_ context.Context, url string) error {
	f.opened = append(f.opened, url)
	return nil
}

type fakeProcesses struct {
	procs    []host.ProcessInfo
	killed   []int
	launched []string
}

func (f *fakeProcesses) List(context.Context) ([]host.ProcessInfo, error) { return f.procs, nil }
func (f *fakeProcesses) Kill(_ context.Context, pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}
func (f *fakeProcesses) Launch(_ context.Context, program string, _ []string) (int, error) {
	f.launched = append(f.launched, program)
	return 4242, nil
}

type fakeShell struct {
	result host.ShellResult
	err    error
	ran    []string
}

func (f *fakeShell) Run(_ context.Context, command string, _ time.Duration) (host.ShellResult, error) {
	f.ran = append(f.ran, command)
	return f.result, f.err
}

type fixture struct {
	root      string
	cfg       policy.Config
	policy    *policy.Policy
	audit     *audit.Log
	notifier  *fakeNotifier
	clipboard *fakeClipboard
	screen    *fakeScreen
	browser   *fakeBrowser
	processes *fakeProcesses
	shell     *fakeShell
	registry  *Registry
}

func newFixture(t *testing.T, mutate func(*policy.Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := policy.DefaultConfig()
	cfg.AllowedRoots = []string{root}
	cfg.AllowedApplications = []string{"firefox"}
	cfg.BlockedDomains = []string{"evil.example"}
	cfg.MaxClipboardLength = 10
	cfg.MaxScreenRecordSeconds = 30
	cfg.MaxFileSizeBytes = 64
	if mutate != nil {
		mutate(&cfg)
	}
	log, err := audit.NewLog(audit.Config{Capacity: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	f := &fixture{
		root:      root,
		cfg:       cfg,
		policy:    policy.New(cfg, nil),
		audit:     log,
		notifier:  &fakeNotifier{},
		clipboard: &fakeClipboard{},
		screen:    &fakeScreen{monitors: 1},
		browser:   &fakeBrowser{},
		processes: &fakeProcesses{procs: []host.ProcessInfo{
			{PID: 1, Name: "launchd"},
			{PID: 300, Name: "/usr/lib/systemd/systemd-journald"},
			{PID: 500, Name: "Calculator"},
		}},
		shell: &fakeShell{result: host.ShellResult{Output: "ok\n"}},
	}
	f.registry = NewDefaultRegistry(f.policy, cfg, Backends{
		Info:      fakeInfo{},
		Notifier:  f.notifier,
		Clipboard: f.clipboard,
		Screen:    f.screen,
		Browser:   f.browser,
		Processes: f.processes,
		Shell:     f.shell,
	})
	return f
}

func (f *fixture) run(t *testing.T, name string, params Params) Result {
	t.Helper()
	return f.runCtx(t, context.Background(), name, params)
}

func (f *fixture) runCtx(t *testing.T, ctx context.Context, name string, params Params) Result {
	t.Helper()
	h, ok := f.registry.Handler(name)
	if !ok {
		t.Fatalf("handler %s not registered", name)
	}
	return h.Execute(ctx, params, &ExecContext{
		RequestID:      "req-1",
		CallerDeviceID: "caller-1",
		Timestamp:      time.Now(),
		Audit:          f.audit,
	})
}

func expectFailure(t *testing.T, r Result, reason string) {
	t.Helper()
	if r.Success {
		t.Fatalf("expected failure %q, got success %+v", reason, r)
	}
	if r.Error != reason {
		t.Errorf("Error = %q, want %q", r.Error, reason)
	}
}

func expectSuccess(t *testing.T, r Result) {
	t.Helper()
	if !r.Success {
		t.Fatalf("expected success, got error %q", r.Error)
	}
}

func TestHandlers_MissingRequiredParameters(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		capability string
		param      string
	}{
		{SystemNotify, "message"},
		{ClipboardWrite, "text"},
		{ScreenRecord, "duration_seconds"},
		{BrowserOpen, "url"},
		{FileList, "path"},
		{FileRead, "path"},
		{FileWrite, "path"},
		{FileDelete, "path"},
		{ProcessKill, "target"},
		{AppLaunch, "program"},
		{SystemRun, "command"},
	}
	for _, tt := range tests {
		t.Run(tt.capability, func(t *testing.T) {
			expectFailure(t, f.run(t, tt.capability, Params{}), "missing required parameter: "+tt.param)
			expectFailure(t, f.run(t, tt.capability, Params{tt.param: "   "}), "missing required parameter: "+tt.param)
		})
	}
}

func TestHandlers_SchemaViolation(t *testing.T) {
	f := newFixture(t, nil)
	r := f.run(t, ScreenRecord, Params{"duration_seconds": "ten"})
	if r.Success || !strings.HasPrefix(r.Error, "invalid parameter duration_seconds") {
		t.Errorf("Error = %q", r.Error)
	}
	if strings.Contains(r.Error, "ten") {
		t.Error("schema error echoed the parameter value")
	}
}

func TestSystemInfoAndNotify(t *testing.T) {
	f := newFixture(t, nil)
	r := f.run(t, SystemInfo, nil)
	expectSuccess(t, r)
	if info, ok := r.Data.(host.SystemInfo); !ok || info.Hostname != "test-host" {
		t.Errorf("Data = %+v", r.Data)
	}

	expectSuccess(t, f.run(t, SystemNotify, Params{"message": "build done"}))
	if f.notifier.message != "build done" || f.notifier.title != "Nexus" {
		t.Errorf("notifier got %q / %q", f.notifier.title, f.notifier.message)
	}
}

func TestUnavailableBackend(t *testing.T) {
	cfg := policy.DefaultConfig()
	r := NewDefaultRegistry(policy.New(cfg, nil), cfg, Backends{})
	h, _ := r.Handler(ClipboardRead)
	expectFailure(t, h.Execute(context.Background(), nil, nil), "clipboard.read is not available on this node")
}

func TestClipboard(t *testing.T) {
	f := newFixture(t, nil)
	expectSuccess(t, f.run(t, ClipboardWrite, Params{"text": "hello"}))
	r := f.run(t, ClipboardRead, nil)
	expectSuccess(t, r)
	if data := r.Data.(map[string]any); data["text"] != "hello" {
		t.Errorf("read back %v", data["text"])
	}

	expectFailure(t, f.run(t, ClipboardWrite, Params{"text": "this is far too long"}),
		"text exceeds maximum clipboard length of 10 characters")
	if f.clipboard.text != "hello" {
		t.Error("denied write changed the clipboard")
	}

	entries := f.audit.Recent(1)
	if len(entries) != 1 || entries[0].Type != audit.EventCheckDenied || entries[0].Check != "clipboard_length" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestScreen(t *testing.T) {
	f := newFixture(t, nil)

	r := f.run(t, ScreenCapture, nil)
	expectSuccess(t, r)
	if got, _ := base64.StdEncoding.DecodeString(r.Base64Payload); string(got) != "png" {
		t.Errorf("payload = %q", got)
	}
	expectFailure(t, f.run(t, ScreenCapture, Params{"monitor": 2}), "invalid monitor index: 2 (available: 1)")

	expectFailure(t, f.run(t, ScreenRecord, Params{"duration_seconds": 31}), "duration_seconds exceeds maximum of 30 seconds")
	if f.screen.recorded != 0 {
		t.Error("recording started despite denial")
	}
	expectSuccess(t, f.run(t, ScreenRecord, Params{"duration_seconds": float64(5)}))
	if f.screen.recorded != 5 {
		t.Errorf("recorded %d seconds", f.screen.recorded)
	}
}

func TestBrowserOpen(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		url    string
		reason string
	}{
		{url: "file:///etc/passwd", reason: "url scheme not allowed: file"},
		{url: "https://login.evil.example/x", reason: "url domain is blocked: evil.example"},
		{url: "https://", reason: "malformed url: missing host"},
	}
	for _, tt := range tests {
		expectFailure(t, f.run(t, BrowserOpen, Params{"url": tt.url}), tt.reason)
	}
	if len(f.browser.opened) != 0 {
		t.Fatalf("browser opened %v", f.browser.opened)
	}
	expectSuccess(t, f.run(t, BrowserOpen, Params{"url": "https://example.com"}))
	if len(f.browser.opened) != 1 {
		t.Error("browser not called for an allowed url")
	}
}

func TestFileLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.root, "notes.txt")

	expectSuccess(t, f.run(t, FileWrite, Params{"path": path, "content": "hello"}))

	r := f.run(t, FileRead, Params{"path": path})
	expectSuccess(t, r)
	if data := r.Data.(map[string]any); data["content"] != "hello" {
		t.Errorf("content = %v", data["content"])
	}

	r = f.run(t, FileList, Params{"path": f.root})
	expectSuccess(t, r)
	entries := r.Data.(map[string]any)["entries"].([]FileEntry)
	if len(entries) != 1 || entries[0].Name != "notes.txt" || entries[0].Size != 5 {
		t.Errorf("entries = %+v", entries)
	}

	expectSuccess(t, f.run(t, FileDelete, Params{"path": path}))
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("file still exists after delete")
	}
	expectFailure(t, f.run(t, FileDelete, Params{"path": path}), "file not found")
}

func TestFilePolicy(t *testing.T) {
	f := newFixture(t, nil)
	exe := filepath.Join(f.root, "tool.exe")
	if err := os.WriteFile(exe, []byte("MZ"), 0o600); err != nil {
		t.Fatal(err)
	}

	expectFailure(t, f.run(t, FileWrite, Params{"path": exe, "content": "x"}), "file extension is blocked: .exe")
	expectFailure(t, f.run(t, FileDelete, Params{"path": exe}), "file extension is blocked: .exe")
	expectSuccess(t, f.run(t, FileRead, Params{"path": exe}))

	escape := filepath.Join(f.root, "..", "..", "etc", "passwd")
	expectFailure(t, f.run(t, FileRead, Params{"path": escape}), "path is outside allowed roots")
	expectFailure(t, f.run(t, FileList, Params{"path": "/"}), "path is outside allowed roots")

	expectFailure(t, f.run(t, FileDelete, Params{"path": f.root}), "path is a directory")
	expectFailure(t, f.run(t, FileWrite, Params{"path": filepath.Join(f.root, "big.txt"), "content": strings.Repeat("x", 65)}),
		"content exceeds maximum size of 64 bytes")

	big := filepath.Join(f.root, "big.log")
	if err := os.WriteFile(big, []byte(strings.Repeat("y", 100)), 0o600); err != nil {
		t.Fatal(err)
	}
	expectFailure(t, f.run(t, FileRead, Params{"path": big}), "file exceeds maximum size of 64 bytes")
}

func TestFileWrite_CreateDirsAndBase64(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.root, "a", "b", "blob.bin")

	r := f.run(t, FileWrite, Params{"path": path, "content": base64.StdEncoding.EncodeToString([]byte{0xff, 0x00}), "encoding": "base64"})
	if r.Success {
		t.Fatal("write into a missing directory succeeded without create_dirs")
	}

	expectSuccess(t, f.run(t, FileWrite, Params{
		"path":        path,
		"content":     base64.StdEncoding.EncodeToString([]byte{0xff, 0x00}),
		"encoding":    "base64",
		"create_dirs": true,
	}))
	r = f.run(t, FileRead, Params{"path": path})
	expectSuccess(t, r)
	if r.Base64Payload != base64.StdEncoding.EncodeToString([]byte{0xff, 0x00}) {
		t.Errorf("binary read payload = %q", r.Base64Payload)
	}
}

func TestFileWrite_CancelledLeavesNoFile(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.root, "partial.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := f.runCtx(t, ctx, FileWrite, Params{"path": path, "content": "data"})
	if r.Success {
		t.Fatal("cancelled write reported success")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("cancelled write left the target file")
	}
	leftovers, _ := filepath.Glob(filepath.Join(f.root, ".partial.txt.nexus-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left: %v", leftovers)
	}
}

func TestProcessHandlers(t *testing.T) {
	f := newFixture(t, nil)

	r := f.run(t, ProcessList, Params{"filter": "CALC"})
	expectSuccess(t, r)
	if r.Data.(map[string]any)["count"] != 1 {
		t.Errorf("filtered list = %+v", r.Data)
	}

	expectFailure(t, f.run(t, ProcessKill, Params{"target": "launchd"}), "process is protected: launchd")
	expectFailure(t, f.run(t, ProcessKill, Params{"target": float64(300)}), "process is protected: systemd")
	expectFailure(t, f.run(t, ProcessKill, Params{"target": "1"}), "process is protected: launchd")
	expectFailure(t, f.run(t, ProcessKill, Params{"target": "nonexistent"}), "process not found")
	if len(f.processes.killed) != 0 {
		t.Fatalf("killed %v despite denials", f.processes.killed)
	}

	f.processes.procs = append(f.processes.procs, host.ProcessInfo{PID: os.Getpid(), Name: "nexus-node"})
	expectFailure(t, f.run(t, ProcessKill, Params{"target": float64(os.Getpid())}), "process is protected: the node itself")
	if len(f.processes.killed) != 0 {
		t.Fatalf("killed %v despite denials", f.processes.killed)
	}

	expectSuccess(t, f.run(t, ProcessKill, Params{"target": "calculator"}))
	if len(f.processes.killed) != 1 || f.processes.killed[0] != 500 {
		t.Errorf("killed = %v", f.processes.killed)
	}
}

func TestAppLaunch(t *testing.T) {
	f := newFixture(t, func(c *policy.Config) { c.BlockedApplications = []string{"Terminal"} })
	expectFailure(t, f.run(t, AppLaunch, Params{"program": "terminal"}), "application is blocked: terminal")
	expectFailure(t, f.run(t, AppLaunch, Params{"program": "chrome"}), "application is not allowed: chrome")
	expectSuccess(t, f.run(t, AppLaunch, Params{"program": "firefox", "args": []any{"--private-window"}}))
	if len(f.processes.launched) != 1 {
		t.Errorf("launched = %v", f.processes.launched)
	}
}

func TestSystemRun(t *testing.T) {
	f := newFixture(t, nil)
	expectFailure(t, f.run(t, SystemRun, Params{"command": "ls"}), "shell commands are disabled")

	f = newFixture(t, func(c *policy.Config) {
		c.ShellEnabled = true
		c.ShellAllowlist = []string{"rm", "uptime", "false"}
	})
	expectFailure(t, f.run(t, SystemRun, Params{"command": "rm -rf /"}), "command matches blocked pattern: rm -rf")
	expectFailure(t, f.run(t, SystemRun, Params{"command": "whoami"}), "command is not in the shell allowlist")
	if len(f.shell.ran) != 0 {
		t.Fatalf("shell ran %v despite denials", f.shell.ran)
	}

	expectSuccess(t, f.run(t, SystemRun, Params{"command": "uptime"}))

	f.shell.result = host.ShellResult{Output: "", ExitCode: 1}
	expectFailure(t, f.run(t, SystemRun, Params{"command": "false"}), "command exited with status 1")

	f.shell.err = host.ErrShellTimeout
	r := f.run(t, SystemRun, Params{"command": "uptime", "timeout_seconds": 2})
	expectFailure(t, r, "command timed out after 2s")
}
