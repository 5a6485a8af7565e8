package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus-node/internal/host"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

type browserOpen struct {
	base
	policy  *policy.Policy
	browser host.Browser
}

func newBrowserOpen(p *policy.Policy, b host.Browser) *browserOpen {
	return &browserOpen{
		base: base{
			name:        BrowserOpen,
			description: "Open a URL in the browser.",
			risk:        policy.RiskMedium,
			schema: `{
				"type": "object",
				"required": ["url"],
				"properties": {"url": {"type": "string", "maxLength": 8192}}
			}`,
		},
		policy:  p,
		browser: b,
	}
}

func (h *browserOpen) Execute(ctx context.Context, params Params, ec *ExecContext) Result {
	if r, ok := checkParams(h, params, "url"); !ok {
		return r
	}
	raw, _ := params.String("url")
	raw = strings.TrimSpace(raw)
	if v := ec.check(ctx, h.name, "url", h.policy.ValidateURL(raw)); v.Denied() {
		return deny(v)
	}
	if h.browser == nil {
		return unavailable(h.name)
	}
	if r, done := cancelled(ctx); done {
		return r
	}
	if err := h.browser.Open(ctx, raw); err != nil {
		return Fail(fmt.Sprintf("browser open failed: %v", err))
	}
	return Succeed(map[string]any{"opened": true})
}
