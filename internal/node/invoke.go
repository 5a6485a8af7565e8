package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/events"
	"github.com/haasonsaas/nexus-node/internal/observability"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

// ApprovalRequest is what an operator sees before a gated invocation runs.
type ApprovalRequest struct {
	RequestID      string           `json:"request_id"`
	CallerDeviceID string           `json:"caller_device_id"`
	Capability     string           `json:"capability"`
	Params         map[string]any   `json:"params,omitempty"`
	RiskLevel      policy.RiskLevel `json:"risk_level"`
}

// ApprovalHandler decides an ApprovalRequest. It should return promptly
// once ctx is done; the node stops waiting at that point either way.
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) bool

// SetApprovalHandler installs the approval callback. nil removes it, which
// makes every invocation that needs approval fail closed.
func (n *Node) SetApprovalHandler(h ApprovalHandler) {
	n.approvalMu.Lock()
	defer n.approvalMu.Unlock()
	n.approval = h
}

// Invoke runs one capability invocation end to end: handler lookup, the
// incoming gate, operator approval, the handler itself and the outbound
// scan. It never returns a Go error; every failure is a Result.
func (n *Node) Invoke(ctx context.Context, req Request) capability.Result {
	start := n.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := n.tracer.TraceInvocation(ctx, req.Capability, req.ID, req.CallerDeviceID)
	defer span.End()

	n.publish(events.TypeInvokeReceived, map[string]any{
		"request_id": req.ID,
		"capability": req.Capability,
		"caller":     req.CallerDeviceID,
	})

	res, outcome := n.invoke(ctx, req)
	elapsed := n.now().Sub(start)

	n.metrics.RecordInvocation(req.Capability, outcome, elapsed)
	observability.SetAttributes(span, "success", res.Success, "outcome", outcome)
	if !res.Success {
		observability.RecordError(span, errors.New(res.Error))
	}

	payload := map[string]any{
		"request_id":  req.ID,
		"capability":  req.Capability,
		"success":     res.Success,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	n.publish(events.TypeInvokeCompleted, payload)
	return res
}

func (n *Node) invoke(ctx context.Context, req Request) (capability.Result, string) {
	h, ok := n.registry.Load().Handler(req.Capability)
	if !ok {
		return n.denyInvoke(ctx, req, "registry", "unknown capability: "+policy.NormalizeName(req.Capability)), observability.OutcomeDenied
	}
	name := h.Name()

	if v := n.policy.ValidateIncomingInvoke(name, req.CallerDeviceID); v.Denied() {
		return n.denyInvoke(ctx, req, "invoke", v.Reason), observability.OutcomeDenied
	}

	if n.policy.RequiresApproval(h.RiskLevel(), h.RequiresApproval()) {
		if approved, reason := n.awaitApproval(ctx, req, h); !approved {
			return n.denyInvoke(ctx, req, "approval", reason), observability.OutcomeDenied
		}
	}

	n.audit.Decision(ctx, audit.EventInvokeAllowed, req.ID, name, req.CallerDeviceID, "invoke", true, "")

	ec := &capability.ExecContext{
		RequestID:      req.ID,
		CallerDeviceID: req.CallerDeviceID,
		Timestamp:      n.now(),
		Audit:          n.audit,
		Logger:         n.logger.With("capability", name, "request_id", req.ID),
	}
	started := n.now()
	res := n.execute(ctx, h, capability.Params(req.Params), ec)
	duration := n.now().Sub(started)

	if v := n.scanOutbound(res); v.Denied() {
		n.audit.Record(ctx, audit.Entry{
			Type:           audit.EventOutboundBlocked,
			RequestID:      req.ID,
			CallerDeviceID: req.CallerDeviceID,
			Capability:     name,
			Check:          "outbound",
			Reason:         v.Reason,
		})
		n.metrics.RecordDenial("outbound")
		n.logger.Warn("outbound content blocked", "request_id", req.ID, "capability", name, "reason", v.Reason)
		return capability.Fail(v.Reason), observability.OutcomeDenied
	}

	entry := audit.Entry{
		Type:           audit.EventCapabilityCompleted,
		RequestID:      req.ID,
		CallerDeviceID: req.CallerDeviceID,
		Capability:     name,
		Allowed:        true,
		Duration:       duration,
	}
	outcome := observability.OutcomeSuccess
	if !res.Success {
		entry.Type = audit.EventCapabilityFailed
		entry.Level = audit.LevelWarn
		entry.Reason = res.Error
		outcome = observability.OutcomeFailure
	}
	n.audit.Record(ctx, entry)
	return res, outcome
}

// execute runs the handler, converting a panic into a failure result.
func (n *Node) execute(ctx context.Context, h capability.Handler, params capability.Params, ec *capability.ExecContext) (res capability.Result) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("capability handler panicked", "capability", h.Name(), "request_id", ec.RequestID, "panic", r)
			res = capability.Fail("internal error in " + h.Name())
		}
	}()
	if params == nil {
		params = capability.Params{}
	}
	return h.Execute(ctx, params, ec)
}

// scanOutbound checks everything a result would carry back, failed results
// included. Binary payloads are scanned as raw bytes unless marked as media.
func (n *Node) scanOutbound(res capability.Result) policy.Verdict {
	if res.Data != nil {
		data, err := json.Marshal(res.Data)
		if err != nil {
			return policy.Deny("result could not be encoded for scanning")
		}
		if v := n.policy.ValidateOutboundContent(string(data)); v.Denied() {
			return v
		}
	}
	if res.Base64Payload == "" || res.Media {
		return policy.Allow()
	}
	raw, err := base64.StdEncoding.DecodeString(res.Base64Payload)
	if err != nil {
		return policy.Deny("result payload could not be decoded for scanning")
	}
	return n.policy.ValidateOutboundContent(string(raw))
}

func (n *Node) denyInvoke(ctx context.Context, req Request, check, reason string) capability.Result {
	capName := policy.NormalizeName(req.Capability)
	n.audit.Decision(ctx, audit.EventInvokeDenied, req.ID, capName, req.CallerDeviceID, check, false, reason)
	n.metrics.RecordDenial(check)
	n.publish(events.TypeInvokeDenied, map[string]any{
		"request_id": req.ID,
		"capability": capName,
		"caller":     req.CallerDeviceID,
		"check":      check,
		"reason":     reason,
	})
	n.logger.Warn("invocation denied",
		"request_id", req.ID,
		"capability", capName,
		"check", check,
		"reason", reason,
	)
	return capability.Fail(reason)
}

// awaitApproval asks the approval handler and waits at most
// ApprovalTimeoutSeconds. Anything other than an explicit true denies.
func (n *Node) awaitApproval(ctx context.Context, req Request, h capability.Handler) (bool, string) {
	n.approvalMu.RLock()
	handler := n.approval
	n.approvalMu.RUnlock()

	ar := ApprovalRequest{
		RequestID:      req.ID,
		CallerDeviceID: req.CallerDeviceID,
		Capability:     h.Name(),
		Params:         req.Params,
		RiskLevel:      h.RiskLevel(),
	}
	n.audit.Decision(ctx, audit.EventApprovalRequested, req.ID, h.Name(), req.CallerDeviceID, "approval", true, "")
	n.publish(events.TypeApprovalRequested, map[string]any{
		"request_id": req.ID,
		"capability": h.Name(),
		"caller":     req.CallerDeviceID,
		"risk_level": h.RiskLevel().String(),
	})

	approved, decision, reason := n.decideApproval(ctx, handler, ar)

	eventType := audit.EventApprovalDenied
	if approved {
		eventType = audit.EventApprovalGranted
	}
	n.audit.Decision(ctx, eventType, req.ID, h.Name(), req.CallerDeviceID, "approval", approved, reason)
	n.metrics.RecordApproval(h.Name(), decision)
	n.publish(events.TypeApprovalResolved, map[string]any{
		"request_id": req.ID,
		"capability": h.Name(),
		"approved":   approved,
		"decision":   decision,
	})
	return approved, reason
}

func (n *Node) decideApproval(ctx context.Context, handler ApprovalHandler, ar ApprovalRequest) (approved bool, decision, reason string) {
	if handler == nil {
		return false, "unavailable", "approval required but no approval handler is registered"
	}
	timeout := time.Duration(n.policy.Config().ApprovalTimeoutSeconds) * time.Second
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("approval handler panicked", "request_id", ar.RequestID, "panic", r)
				result <- false
			}
		}()
		result <- handler(actx, ar)
	}()

	select {
	case ok := <-result:
		if ok {
			return true, "approved", ""
		}
		return false, "denied", "approval denied by operator"
	case <-actx.Done():
		if ctx.Err() != nil {
			return false, "cancelled", "approval cancelled: " + ctx.Err().Error()
		}
		return false, "timeout", fmt.Sprintf("approval timed out after %s", timeout)
	}
}
