package capability

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/haasonsaas/nexus-node/internal/policy"
)

type clipboardRead struct {
	base
	clipboard Clipboard
}

func newClipboardRead(c Clipboard) *clipboardRead {
	return &clipboardRead{
		base: base{
			name:        ClipboardRead,
			description: "Read the current clipboard text.",
			risk:        policy.RiskLow,
		},
		clipboard: c,
	}
}

func (h *clipboardRead) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if h.clipboard == nil {
		return unavailable(h.name)
	}
	text, err := h.clipboard.Read(ctx)
	if err != nil {
		return Fail(fmt.Sprintf("clipboard read failed: %v", err))
	}
	return Succeed(map[string]any{"text": text, "length": utf8.RuneCountInString(text)})
}

type clipboardWrite struct {
	base
	maxLength int
	clipboard Clipboard
}

func newClipboardWrite(cfg policy.Config, c Clipboard) *clipboardWrite {
	return &clipboardWrite{
		base: base{
			name:        ClipboardWrite,
			description: "Replace the clipboard with the given text.",
			risk:        policy.RiskMedium,
			schema: `{
				"type": "object",
				"required": ["text"],
				"properties": {"text": {"type": "string"}}
			}`,
		},
		maxLength: cfg.MaxClipboardLength,
		clipboard: c,
	}
}

func (h *clipboardWrite) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "text"); !ok {
		return r
	}
	text, _ := params.String("text")

	v := policy.Allow()
	if n := utf8.RuneCountInString(text); h.maxLength > 0 && n > h.maxLength {
		v = policy.Deny(fmt.Sprintf("text exceeds maximum clipboard length of %d characters", h.maxLength))
	}
	if v = ec.check(ctx, h.name, "clipboard_length", v); v.Denied() {
		return deny(v)
	}
	if h.clipboard == nil {
		return unavailable(h.name)
	}
	if r, done := cancelled(ctx); done {
		return r
	}
	if err := h.clipboard.Write(ctx, text); err != nil {
		return Fail(fmt.Sprintf("clipboard write failed: %v", err))
	}
	return Succeed(map[string]any{"written": utf8.RuneCountInString(text)})
}
