package clipboard

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	supported bool
	text      string
	err       error
	writes    []string
}

func (f *fakeBackend) ReadAll() (string, error) { return f.text, f.err }
func (f *fakeBackend) WriteAll(text string) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, text)
	return nil
}
func (f *fakeBackend) Supported() bool { return f.supported }

func TestToolsFor(t *testing.T) {
	tests := []struct {
		platform string
		tools    []Tool
		expected []string
	}{
		{platform: "darwin", tools: writeTools, expected: []string{"pbcopy", "clip.exe"}},
		{platform: "linux", tools: writeTools, expected: []string{"wl-copy", "xclip", "clip.exe"}},
		{platform: "windows", tools: writeTools, expected: []string{"clip.exe", "powershell"}},
		{platform: "linux", tools: readTools, expected: []string{"wl-paste", "xclip"}},
		{platform: "plan9", tools: readTools, expected: nil},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			got := ToolsFor(tt.tools, tt.platform)
			if len(got) != len(tt.expected) {
				t.Fatalf("ToolsFor() returned %d tools, want %d", len(got), len(tt.expected))
			}
			for i, tool := range got {
				if tool.Name != tt.expected[i] {
					t.Errorf("tool %d = %q, want %q", i, tool.Name, tt.expected[i])
				}
			}
		})
	}
}

func TestSystem_NativeBackend(t *testing.T) {
	backend := &fakeBackend{supported: true, text: "hello"}
	s := New(nil, WithBackend(backend), WithRunner(func(context.Context, Tool, string) (string, error) {
		t.Fatal("helper tools should not run when the native backend works")
		return "", nil
	}))

	got, err := s.Read(context.Background())
	if err != nil || got != "hello" {
		t.Errorf("Read() = %q, %v", got, err)
	}
	if err := s.Write(context.Background(), "bye"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(backend.writes) != 1 || backend.writes[0] != "bye" {
		t.Errorf("writes = %v", backend.writes)
	}
}

func TestSystem_FallsBackToHelpers(t *testing.T) {
	var tried []string
	runner := func(_ context.Context, tool Tool, stdin string) (string, error) {
		tried = append(tried, tool.Name)
		if tool.Name == "xclip" {
			return "from xclip\n", nil
		}
		return "", errors.New("not installed")
	}
	s := New(nil, WithBackend(&fakeBackend{supported: false}), WithRunner(runner), WithPlatform("linux"))

	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "from xclip" {
		t.Errorf("Read() = %q, want trailing newline trimmed", got)
	}
	if len(tried) != 2 || tried[0] != "wl-paste" {
		t.Errorf("tried = %v", tried)
	}
}

func TestSystem_WritePassesStdin(t *testing.T) {
	var got string
	runner := func(_ context.Context, tool Tool, stdin string) (string, error) {
		got = stdin
		return "", nil
	}
	s := New(nil, WithBackend(&fakeBackend{supported: true, err: errors.New("no display")}), WithRunner(runner), WithPlatform("darwin"))
	if err := s.Write(context.Background(), "copied"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got != "copied" {
		t.Errorf("stdin = %q", got)
	}
}

func TestSystem_Unavailable(t *testing.T) {
	runner := func(context.Context, Tool, string) (string, error) { return "", errors.New("missing") }
	s := New(nil, WithBackend(&fakeBackend{}), WithRunner(runner), WithPlatform("linux"))
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Read() error = %v, want ErrUnavailable", err)
	}
	if err := s.Write(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Write() error = %v, want ErrUnavailable", err)
	}
}

func TestSystem_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := func(ctx context.Context, _ Tool, _ string) (string, error) { return "", ctx.Err() }
	s := New(nil, WithBackend(&fakeBackend{}), WithRunner(runner), WithPlatform("linux"))
	if _, err := s.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
}
