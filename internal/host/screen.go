package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Screen captures and records displays.
type Screen interface {
	// Monitors returns the number of attached displays.
	Monitors(ctx context.Context) (int, error)
	// Capture returns a PNG of the given zero-based monitor.
	Capture(ctx context.Context, monitor int) ([]byte, error)
	// Record returns an MP4 of the given monitor lasting seconds.
	Record(ctx context.Context, monitor, seconds int) ([]byte, error)
}

// ExecScreen implements Screen with screencapture on macOS and ImageMagick
// import on Linux; recordings use ffmpeg.
type ExecScreen struct {
	Run      CommandRunner
	Platform string
	TempDir  string
}

// NewExecScreen returns a Screen for the current machine.
func NewExecScreen() *ExecScreen {
	return &ExecScreen{Run: ExecRunner, Platform: runtime.GOOS}
}

var xrandrMonitors = regexp.MustCompile(`(?m)^Monitors:\s*(\d+)`)

// Monitors reports attached displays, defaulting to one when the platform
// tool is unavailable.
func (s *ExecScreen) Monitors(ctx context.Context) (int, error) {
	run := runnerOrDefault(s.Run)
	switch s.Platform {
	case "darwin":
		out, err := run(ctx, "system_profiler", "SPDisplaysDataType")
		if err != nil {
			return 1, nil
		}
		if n := strings.Count(string(out), "Resolution:"); n > 0 {
			return n, nil
		}
		return 1, nil
	case "linux":
		out, err := run(ctx, "xrandr", "--listmonitors")
		if err != nil {
			return 1, nil
		}
		if m := xrandrMonitors.FindSubmatch(out); m != nil {
			if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
				return n, nil
			}
		}
		return 1, nil
	default:
		return 0, ErrUnsupported
	}
}

// Capture takes a screenshot.
func (s *ExecScreen) Capture(ctx context.Context, monitor int) ([]byte, error) {
	run := runnerOrDefault(s.Run)
	switch s.Platform {
	case "darwin":
		return s.viaTempFile("capture-*.png", func(path string) error {
			_, err := run(ctx, "screencapture", "-x", "-t", "png", "-D", strconv.Itoa(monitor+1), path)
			return err
		})
	case "linux":
		out, err := run(ctx, "import", "-window", "root", "png:-")
		if err != nil {
			return nil, fmt.Errorf("screen capture failed: %w", err)
		}
		return out, nil
	default:
		return nil, ErrUnsupported
	}
}

// Record captures video for the given duration.
func (s *ExecScreen) Record(ctx context.Context, monitor, seconds int) ([]byte, error) {
	run := runnerOrDefault(s.Run)
	var input []string
	switch s.Platform {
	case "darwin":
		input = []string{"-f", "avfoundation", "-capture_cursor", "1", "-i", strconv.Itoa(monitor) + ":none"}
	case "linux":
		display := os.Getenv("DISPLAY")
		if display == "" {
			display = ":0"
		}
		input = []string{"-f", "x11grab", "-i", display + ".0"}
	default:
		return nil, ErrUnsupported
	}
	return s.viaTempFile("record-*.mp4", func(path string) error {
		args := append([]string{"-y", "-loglevel", "error"}, input...)
		args = append(args, "-t", strconv.Itoa(seconds), "-pix_fmt", "yuv420p", path)
		_, err := run(ctx, "ffmpeg", args...)
		return err
	})
}

func (s *ExecScreen) viaTempFile(pattern string, produce func(path string) error) ([]byte, error) {
	f, err := os.CreateTemp(s.TempDir, "nexus-node-"+pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if err := produce(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("capture produced no data")
	}
	return data, nil
}
