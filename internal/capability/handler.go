// Package capability defines the remotely invocable actions a node exposes
// and the immutable registry that maps names to handlers.
//
// Handlers validate their own parameters and run the policy checks that
// apply to their domain before touching the host. Failures are returned as
// Result values, never as Go errors, so a denied or malformed request can
// never escape the capability boundary as a panic or transport error.
package capability

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/policy"
)

// Handler is one named capability.
type Handler interface {
	// Name is the capability name, e.g. "file.read". Lookups are case-insensitive.
	Name() string

	// Description is a one-line summary for operators.
	Description() string

	// RiskLevel drives the approval threshold check.
	RiskLevel() policy.RiskLevel

	// ParameterSchema is a JSON Schema for the parameters, or "" for none.
	ParameterSchema() string

	// RequiresApproval forces operator approval regardless of risk.
	RequiresApproval() bool

	// Execute performs the action. It must honor ctx cancellation and must
	// not report success for a side effect that was abandoned.
	Execute(ctx context.Context, params Params, ec *ExecContext) Result
}

// Descriptor is the advertised shape of a capability.
type Descriptor struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	ParameterSchema  string            `json:"parameter_schema,omitempty"`
	RiskLevel        policy.RiskLevel  `json:"risk_level"`
	RequiresApproval bool              `json:"requires_approval"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Describe projects a handler to its Descriptor.
func Describe(h Handler) Descriptor {
	return Descriptor{
		Name:             h.Name(),
		Description:      h.Description(),
		ParameterSchema:  h.ParameterSchema(),
		RiskLevel:        h.RiskLevel(),
		RequiresApproval: h.RequiresApproval(),
	}
}

// ExecContext carries per-invocation metadata into a handler.
type ExecContext struct {
	RequestID      string
	CallerDeviceID string
	Timestamp      time.Time
	Audit          *audit.Log
	Logger         *slog.Logger
}

func (ec *ExecContext) logger() *slog.Logger {
	if ec == nil || ec.Logger == nil {
		return slog.Default()
	}
	return ec.Logger
}

// check records a domain policy decision and returns it unchanged.
func (ec *ExecContext) check(ctx context.Context, capability, name string, v policy.Verdict) policy.Verdict {
	if ec == nil {
		return v
	}
	eventType := audit.EventCheckAllowed
	if v.Denied() {
		eventType = audit.EventCheckDenied
		ec.logger().Warn("policy check denied",
			"request_id", ec.RequestID,
			"capability", capability,
			"check", name,
			"reason", v.Reason,
		)
	}
	ec.Audit.Decision(ctx, eventType, ec.RequestID, capability, ec.CallerDeviceID, name, v.Allowed, v.Reason)
	return v
}

// Result is the outcome of one invocation.
type Result struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Base64Payload string `json:"base64_payload,omitempty"`
	Error         string `json:"error,omitempty"`

	// Media marks Base64Payload as an image or video. Media payloads are
	// not scanned for sensitive text.
	Media bool `json:"-"`
}

// Succeed returns a successful result carrying data.
func Succeed(data any) Result {
	return Result{Success: true, Data: data}
}

// SucceedBinary returns a successful result with a binary payload.
func SucceedBinary(payload []byte, data any) Result {
	return Result{Success: true, Data: data, Base64Payload: base64.StdEncoding.EncodeToString(payload)}
}

// SucceedMedia returns a successful result with an image or video payload.
func SucceedMedia(payload []byte, data any) Result {
	r := SucceedBinary(payload, data)
	r.Media = true
	return r
}

// Fail returns a failure result with a specific reason.
func Fail(reason string) Result {
	if reason == "" {
		reason = "capability failed"
	}
	return Result{Error: reason}
}

// deny converts a policy verdict to a failure result, reason verbatim.
func deny(v policy.Verdict) Result {
	return Fail(v.Reason)
}

// base holds the static parts every handler shares.
type base struct {
	name        string
	description string
	risk        policy.RiskLevel
	schema      string
	approval    bool
}

func (b base) Name() string                { return b.name }
func (b base) Description() string         { return b.description }
func (b base) RiskLevel() policy.RiskLevel { return b.risk }
func (b base) ParameterSchema() string     { return b.schema }
func (b base) RequiresApproval() bool      { return b.approval }
