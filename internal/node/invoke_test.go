package node

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/events"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

func newTestNode(t *testing.T, cfg policy.Config, handlers ...*stubHandler) *Node {
	t.Helper()
	log, err := audit.NewLog(audit.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}
	t.Cleanup(func() { log.Close() })
	n, err := New(Options{
		Config:     cfg,
		Resilience: fastResilience(),
		Registry:   stubRegistry(handlers...),
		Audit:      log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return n
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.ShellTimeoutSeconds = 0
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatal("New() accepted an invalid security config")
	}

	res := fastResilience()
	res.BreakerFailureRatio = 2
	if _, err := New(Options{Config: policy.DefaultConfig(), Resilience: res}); err == nil {
		t.Fatal("New() accepted an invalid resilience config")
	}
}

func TestNew_DefaultRegistry(t *testing.T) {
	n, err := New(Options{Config: policy.DefaultConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := len(n.Capabilities()); got != 15 {
		t.Errorf("Capabilities() = %d, want 15", got)
	}
	if got := len(n.EnabledCapabilities()); got != 0 {
		t.Errorf("EnabledCapabilities() = %d, want 0 under the default config", got)
	}
	if n.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", n.State())
	}
}

func TestInvoke_Gate(t *testing.T) {
	echo := &stubHandler{name: "test.echo", risk: policy.RiskLow}
	hidden := &stubHandler{name: "test.hidden", risk: policy.RiskLow}
	n := newTestNode(t, openConfig("test.echo"), echo, hidden)

	tests := []struct {
		name    string
		req     Request
		success bool
		reason  string
	}{
		{"unknown capability", Request{Capability: "test.nope", CallerDeviceID: "caller-1"}, false, "unknown capability: test.nope"},
		{"not enabled", Request{Capability: "test.hidden", CallerDeviceID: "caller-1"}, false, "capability not enabled: test.hidden"},
		{"unknown caller", Request{Capability: "test.echo", CallerDeviceID: "stranger"}, false, "caller not allowed"},
		{"missing caller", Request{Capability: "test.echo"}, false, "caller device id is required"},
		{"allowed", Request{Capability: "TEST.ECHO", CallerDeviceID: "caller-1", Params: map[string]any{"x": 1.0}}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Invoke(context.Background(), tt.req)
			if res.Success != tt.success {
				t.Fatalf("Success = %v (error %q), want %v", res.Success, res.Error, tt.success)
			}
			if res.Error != tt.reason {
				t.Errorf("Error = %q, want %q", res.Error, tt.reason)
			}
		})
	}
}

func TestInvoke_RateLimit(t *testing.T) {
	cfg := openConfig("test.echo")
	cfg.RateLimitPerMinute = 2
	n := newTestNode(t, cfg, &stubHandler{name: "test.echo"})

	req := Request{Capability: "test.echo", CallerDeviceID: "caller-1"}
	for i := 0; i < 2; i++ {
		if res := n.Invoke(context.Background(), req); !res.Success {
			t.Fatalf("invocation %d denied: %s", i+1, res.Error)
		}
	}
	res := n.Invoke(context.Background(), req)
	if res.Success || !strings.Contains(res.Error, "rate limit exceeded") {
		t.Errorf("third invocation = %+v, want rate limit denial", res)
	}
}

func TestInvoke_Approval(t *testing.T) {
	gated := &stubHandler{name: "test.gated", risk: policy.RiskLow, approval: true}
	critical := &stubHandler{name: "test.critical", risk: policy.RiskCritical}
	medium := &stubHandler{name: "test.medium", risk: policy.RiskMedium}
	cfg := openConfig("test.gated", "test.critical", "test.medium")

	tests := []struct {
		name       string
		capability string
		handler    ApprovalHandler
		cancel     bool
		success    bool
		reason     string
		asked      bool
	}{
		{name: "no handler fails closed", capability: "test.gated", reason: "approval required but no approval handler is registered"},
		{
			name: "operator denies", capability: "test.gated", asked: true,
			handler: func(context.Context, ApprovalRequest) bool { return false },
			reason:  "approval denied by operator",
		},
		{
			name: "operator approves", capability: "test.gated", asked: true, success: true,
			handler: func(context.Context, ApprovalRequest) bool { return true },
		},
		{
			name: "risk above threshold", capability: "test.critical", asked: true,
			handler: func(context.Context, ApprovalRequest) bool { return false },
			reason:  "approval denied by operator",
		},
		{
			name: "below threshold skips approval", capability: "test.medium", success: true,
			handler: func(context.Context, ApprovalRequest) bool { return false },
		},
		{
			name: "timeout", capability: "test.gated", asked: true,
			handler: func(ctx context.Context, _ ApprovalRequest) bool {
				<-ctx.Done()
				time.Sleep(100 * time.Millisecond)
				return true
			},
			reason: "approval timed out after 1s",
		},
		{
			name: "panic denies", capability: "test.gated", asked: true,
			handler: func(context.Context, ApprovalRequest) bool { panic("ui crashed") },
			reason:  "approval denied by operator",
		},
		{
			name: "cancelled", capability: "test.gated", asked: true, cancel: true,
			handler: func(ctx context.Context, _ ApprovalRequest) bool {
				<-ctx.Done()
				time.Sleep(100 * time.Millisecond)
				return true
			},
			reason: "approval cancelled: context canceled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, cfg, gated, critical, medium)
			var asked atomic.Bool
			if tt.handler != nil {
				n.SetApprovalHandler(func(ctx context.Context, req ApprovalRequest) bool {
					asked.Store(true)
					if req.Capability != tt.capability || req.CallerDeviceID != "caller-1" || req.RequestID == "" {
						t.Errorf("approval request = %+v", req)
					}
					return tt.handler(ctx, req)
				})
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				time.AfterFunc(20*time.Millisecond, cancel)
			}
			res := n.Invoke(ctx, Request{Capability: tt.capability, CallerDeviceID: "caller-1"})
			if res.Success != tt.success {
				t.Fatalf("Success = %v (error %q), want %v", res.Success, res.Error, tt.success)
			}
			if res.Error != tt.reason {
				t.Errorf("Error = %q, want %q", res.Error, tt.reason)
			}
			if asked.Load() != tt.asked {
				t.Errorf("approval handler asked = %v, want %v", asked.Load(), tt.asked)
			}
		})
	}
}

func TestInvoke_OutboundScan(t *testing.T) {
	leaky := &stubHandler{name: "test.leak", exec: func(context.Context, capability.Params) capability.Result {
		return capability.Succeed(map[string]any{"note": "api_key=sk-ABCDEFGHIJKLMNOPQRSTuvwxyz1234567890"})
	}}

	cfg := openConfig("test.leak")
	n := newTestNode(t, cfg, leaky)
	res := n.Invoke(context.Background(), Request{Capability: "test.leak", CallerDeviceID: "caller-1"})
	if res.Success || !strings.HasPrefix(res.Error, "outbound content contains sensitive data") {
		t.Fatalf("scan enabled: result = %+v, want outbound denial", res)
	}
	if res.Data != nil {
		t.Error("blocked result must not carry data")
	}

	cfg.ScanOutbound = false
	n = newTestNode(t, cfg, leaky)
	if res := n.Invoke(context.Background(), Request{Capability: "test.leak", CallerDeviceID: "caller-1"}); !res.Success {
		t.Errorf("scan disabled: result = %+v, want success", res)
	}
}

func TestInvoke_OutboundScanCoversEveryPayload(t *testing.T) {
	const secret = "api_key=sk-ABCDEFGHIJKLMNOPQRSTuvwxyz1234567890"
	tests := []struct {
		name    string
		result  capability.Result
		blocked bool
	}{
		{
			name:    "failed result with data",
			result:  capability.Result{Data: map[string]any{"output": secret}, Error: "command exited with status 1"},
			blocked: true,
		},
		{
			name:    "binary payload",
			result:  capability.SucceedBinary([]byte(secret+"\n\xff"), map[string]any{"encoding": "base64"}),
			blocked: true,
		},
		{
			name:   "media payload",
			result: capability.SucceedMedia([]byte(secret), map[string]any{"format": "png"}),
		},
		{
			name:   "clean failure",
			result: capability.Result{Data: map[string]any{"output": "permission denied"}, Error: "command exited with status 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &stubHandler{name: "test.out", exec: func(context.Context, capability.Params) capability.Result {
				return tt.result
			}}
			n := newTestNode(t, openConfig("test.out"), h)
			res := n.Invoke(context.Background(), Request{Capability: "test.out", CallerDeviceID: "caller-1"})
			blocked := strings.HasPrefix(res.Error, "outbound content contains sensitive data")
			if blocked != tt.blocked {
				t.Fatalf("result = %+v, blocked = %v, want %v", res, blocked, tt.blocked)
			}
			if blocked && (res.Data != nil || res.Base64Payload != "" || res.Success) {
				t.Errorf("blocked result still carries content: %+v", res)
			}
		})
	}
}

func TestInvoke_FileReadBinaryIsScanned(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "creds.bin")
	if err := os.WriteFile(path, []byte("api_key=sk-ABCDEFGHIJKLMNOPQRSTuvwxyz1234567890\n\xff"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := openConfig(capability.FileRead)
	cfg.AllowedRoots = []string{root}

	log, err := audit.NewLog(audit.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewLog() error = %v", err)
	}
	t.Cleanup(func() { log.Close() })
	n, err := New(Options{Config: cfg, Resilience: fastResilience(), Audit: log})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res := n.Invoke(context.Background(), Request{
		Capability:     capability.FileRead,
		CallerDeviceID: "caller-1",
		Params:         map[string]any{"path": path},
	})
	if res.Success || res.Base64Payload != "" || !strings.HasPrefix(res.Error, "outbound content contains sensitive data") {
		t.Fatalf("result = %+v, want outbound denial", res)
	}
}

func TestInvoke_HandlerPanic(t *testing.T) {
	boom := &stubHandler{name: "test.boom", exec: func(context.Context, capability.Params) capability.Result {
		panic("kaboom")
	}}
	n := newTestNode(t, openConfig("test.boom"), boom)
	res := n.Invoke(context.Background(), Request{Capability: "test.boom", CallerDeviceID: "caller-1"})
	if res.Success || res.Error != "internal error in test.boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_AuditAndEvents(t *testing.T) {
	n := newTestNode(t, openConfig("test.echo"), &stubHandler{name: "test.echo"})

	var seen []string
	unsubscribe := n.Subscribe(func(e events.Event) { seen = append(seen, e.Type) })
	n.Invoke(context.Background(), Request{ID: "r1", Capability: "test.echo", CallerDeviceID: "caller-1"})
	n.Invoke(context.Background(), Request{ID: "r2", Capability: "test.echo", CallerDeviceID: "stranger"})
	unsubscribe()

	want := []string{
		events.TypeInvokeReceived, events.TypeInvokeCompleted,
		events.TypeInvokeReceived, events.TypeInvokeDenied, events.TypeInvokeCompleted,
	}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", seen, want)
	}

	denied := n.Events().Recent(0, events.TypeInvokeDenied)
	if len(denied) != 1 || denied[0].Payload["request_id"] != "r2" || denied[0].Payload["reason"] != "caller not allowed" {
		t.Errorf("denied events = %+v", denied)
	}

	summary := n.AuditSummary(50)
	if !strings.Contains(summary, "caller not allowed") {
		t.Errorf("AuditSummary() missing denial reason:\n%s", summary)
	}
	if !strings.Contains(summary, "1 denied") {
		t.Errorf("AuditSummary() should count one denial:\n%s", summary)
	}
	if !strings.Contains(summary, "of 100 invocations left this window") {
		t.Errorf("AuditSummary() missing rate limit status:\n%s", summary)
	}
}

func TestAuditSummary_Disabled(t *testing.T) {
	n, err := New(Options{Config: policy.DefaultConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := n.AuditSummary(10); !strings.Contains(got, "disabled") {
		t.Errorf("AuditSummary() = %q", got)
	}
}

func TestApplyConfig(t *testing.T) {
	var builds atomic.Int32
	echo := &stubHandler{name: "test.echo"}
	factory := stubRegistry(echo)
	n, err := New(Options{
		Config:   policy.DefaultConfig(),
		Registry: func(p *policy.Policy, cfg policy.Config) *capability.Registry { builds.Add(1); return factory(p, cfg) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	req := Request{Capability: "test.echo", CallerDeviceID: "caller-1"}
	if res := n.Invoke(context.Background(), req); res.Success {
		t.Fatal("default config must deny")
	}

	if err := n.ApplyConfig(openConfig("test.echo")); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if res := n.Invoke(context.Background(), req); !res.Success {
		t.Fatalf("after ApplyConfig: %+v", res)
	}
	if builds.Load() != 2 {
		t.Errorf("registry builds = %d, want 2", builds.Load())
	}
	if got := n.Events().Recent(1, events.TypeConfigReloaded); len(got) != 1 {
		t.Error("config reload event not published")
	}

	bad := openConfig()
	bad.ShellTimeoutSeconds = -1
	if err := n.ApplyConfig(bad); err == nil {
		t.Fatal("ApplyConfig() accepted an invalid config")
	}
	if res := n.Invoke(context.Background(), req); !res.Success {
		t.Error("rejected config must leave the running config in place")
	}
}
