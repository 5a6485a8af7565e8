// Package audit records every policy decision and capability outcome made by
// the node, keeps a bounded in-memory history for on-demand summaries, and
// optionally mirrors entries to a structured log file or a SQLite store.
package audit

import (
	"time"
)

// EventType categorizes audit entries.
type EventType string

const (
	// Invocation gate
	EventInvokeAllowed EventType = "invoke.allowed"
	EventInvokeDenied  EventType = "invoke.denied"

	// Domain checks performed by handlers
	EventCheckAllowed EventType = "check.allowed"
	EventCheckDenied  EventType = "check.denied"

	// Approval flow
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalGranted   EventType = "approval.granted"
	EventApprovalDenied    EventType = "approval.denied"

	// Execution
	EventCapabilityCompleted EventType = "capability.completed"
	EventCapabilityFailed    EventType = "capability.failed"
	EventOutboundBlocked     EventType = "outbound.blocked"

	// Configuration
	EventConfigReloaded EventType = "config.reloaded"
)

// Level represents audit entry severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single audit record. Entries never include raw parameter
// values; Reason names the rule that decided the outcome.
type Entry struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Level          Level          `json:"level"`
	Timestamp      time.Time      `json:"timestamp"`
	RequestID      string         `json:"request_id,omitempty"`
	CallerDeviceID string         `json:"caller_device_id,omitempty"`
	Capability     string         `json:"capability,omitempty"`
	Check          string         `json:"check,omitempty"`
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason,omitempty"`
	Duration       time.Duration  `json:"duration,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// OutputFormat specifies the sink log format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit log.
type Config struct {
	// Capacity bounds the in-memory history.
	Capacity int `json:"capacity" yaml:"capacity"`

	// Output mirrors entries to "stdout", "stderr" or "file:/path". Empty disables it.
	Output string `json:"output" yaml:"output"`

	// Format of the mirrored log.
	Format OutputFormat `json:"format" yaml:"format"`

	// SQLitePath persists entries to a SQLite database when set.
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// BufferSize is the size of the async sink buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns an in-memory only audit configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:   500,
		Format:     FormatJSON,
		BufferSize: 1000,
	}
}
