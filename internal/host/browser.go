package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// DefaultDebugURL is where a Chrome started with --remote-debugging-port=9222 listens.
const DefaultDebugURL = "http://localhost:9222"

// Browser opens URLs. Callers validate the URL first.
type Browser interface {
	Open(ctx context.Context, url string) error
}

// ChromeBrowser opens a new tab in an already running Chrome over the
// DevTools protocol.
type ChromeBrowser struct {
	DebugURL string
	Timeout  time.Duration
}

// Open creates a new tab navigated to url. The tab outlives the call.
func (b *ChromeBrowser) Open(ctx context.Context, url string) error {
	debugURL := b.DebugURL
	if debugURL == "" {
		debugURL = DefaultDebugURL
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, debugURL)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := target.CreateTarget(url).Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("chrome at %s: %w", debugURL, err)
	}
	return nil
}

// SystemBrowser hands the URL to the platform's default handler.
type SystemBrowser struct {
	Run      CommandRunner
	Platform string
}

// NewSystemBrowser returns a SystemBrowser for the current machine.
func NewSystemBrowser() *SystemBrowser {
	return &SystemBrowser{Run: ExecRunner, Platform: runtime.GOOS}
}

// Open launches the default browser.
func (b *SystemBrowser) Open(ctx context.Context, url string) error {
	run := runnerOrDefault(b.Run)
	var err error
	switch b.Platform {
	case "darwin":
		_, err = run(ctx, "open", url)
	case "linux":
		_, err = run(ctx, "xdg-open", url)
	case "windows":
		_, err = run(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return ErrUnsupported
	}
	return err
}

// FallbackBrowser tries each browser in order until one succeeds.
type FallbackBrowser struct {
	Browsers []Browser
	Logger   *slog.Logger
}

// Open returns nil on the first success, or all errors joined.
func (f *FallbackBrowser) Open(ctx context.Context, url string) error {
	var errs []error
	for _, b := range f.Browsers {
		err := b.Open(ctx, url)
		if err == nil {
			return nil
		}
		if f.Logger != nil {
			f.Logger.Debug("browser backend failed", "backend", fmt.Sprintf("%T", b), "error", err)
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return ErrUnsupported
	}
	return errors.Join(errs...)
}
