package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

type screenCapture struct {
	base
	screen host.Screen
}

func newScreenCapture(s host.Screen) *screenCapture {
	return &screenCapture{
		base: base{
			name:        ScreenCapture,
			description: "Capture a PNG screenshot of one monitor.",
			risk:        policy.RiskMedium,
			schema: `{
				"type": "object",
				"properties": {"monitor": {"type": "integer", "minimum": 0}}
			}`,
		},
		screen: s,
	}
}

// monitorIndex validates the optional monitor parameter against the attached displays.
func monitorIndex(ctx context.Context, s host.Screen, params Params) (int, Result, bool) {
	monitor := 0
	if _, present := params["monitor"]; present {
		m, ok := params.Int("monitor")
		if !ok {
			return 0, Fail("invalid monitor index"), false
		}
		monitor = m
	}
	count, err := s.Monitors(ctx)
	if err != nil {
		return 0, Fail(fmt.Sprintf("cannot enumerate monitors: %v", err)), false
	}
	if monitor < 0 || monitor >= count {
		return 0, Fail(fmt.Sprintf("invalid monitor index: %d (available: %d)", monitor, count)), false
	}
	return monitor, Result{}, true
}

func (h *screenCapture) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params); !ok {
		return r
	}
	if h.screen == nil {
		return unavailable(h.name)
	}
	monitor, r, ok := monitorIndex(ctx, h.screen, params)
	if !ok {
		return r
	}
	png, err := h.screen.Capture(ctx, monitor)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Fail("cancelled: " + err.Error())
		}
		return Fail(fmt.Sprintf("screen capture failed: %v", err))
	}
	return SucceedMedia(png, map[string]any{"monitor": monitor, "format": "png", "bytes": len(png)})
}

type screenRecord struct {
	base
	maxSeconds int
	screen     host.Screen
}

func newScreenRecord(cfg policy.Config, s host.Screen) *screenRecord {
	return &screenRecord{
		base: base{
			name:        ScreenRecord,
			description: "Record one monitor to MP4 for a bounded duration.",
			risk:        policy.RiskHigh,
			approval:    true,
			schema: `{
				"type": "object",
				"required": ["duration_seconds"],
				"properties": {
					"duration_seconds": {"type": "integer", "minimum": 1},
					"monitor": {"type": "integer", "minimum": 0}
				}
			}`,
		},
		maxSeconds: cfg.MaxScreenRecordSeconds,
		screen:     s,
	}
}

func (h *screenRecord) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "duration_seconds"); !ok {
		return r
	}
	seconds, _ := params.Int("duration_seconds")

	v := policy.Allow()
	switch {
	case h.maxSeconds <= 0:
		v = policy.Deny("screen recording is disabled")
	case seconds > h.maxSeconds:
		v = policy.Deny(fmt.Sprintf("duration_seconds exceeds maximum of %d seconds", h.maxSeconds))
	}
	if v = ec.check(ctx, h.name, "record_duration", v); v.Denied() {
		return deny(v)
	}
	if h.screen == nil {
		return unavailable(h.name)
	}
	monitor, r, ok := monitorIndex(ctx, h.screen, params)
	if !ok {
		return r
	}

	video, err := h.screen.Record(ctx, monitor, seconds)
	if ctx.Err() != nil {
		return Fail("cancelled: " + ctx.Err().Error())
	}
	if err != nil {
		return Fail(fmt.Sprintf("screen recording failed: %v", err))
	}
	return SucceedMedia(video, map[string]any{
		"monitor":          monitor,
		"format":           "mp4",
		"duration_seconds": seconds,
		"bytes":            len(video),
	})
}
