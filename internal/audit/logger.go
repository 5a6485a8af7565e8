package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Store persists audit entries beyond the in-memory history.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Close() error
}

// Log keeps the most recent policy decisions in a bounded ring and mirrors
// them to optional sinks. A nil *Log is valid and records nothing.
//
// Usage:
//
//	log, err := audit.NewLog(audit.Config{Capacity: 500, Output: "file:/var/log/node-audit.log"}, logger)
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//
//	log.Decision(ctx, audit.EventInvokeDenied, "req-1", "file.write", callerID, "invoke", false, "capability not enabled: file.write")
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool

	logger *slog.Logger
	store  Store

	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewLog creates an audit log. Sinks named in config are opened immediately.
func NewLog(config Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	l := &Log{
		entries: make([]Entry, config.Capacity),
		logger:  logger.With("component", "audit"),
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}
	if output != nil {
		l.output = output
		var handler slog.Handler
		if config.Format == FormatText {
			handler = slog.NewTextHandler(output, nil)
		} else {
			handler = slog.NewJSONHandler(output, nil)
		}
		l.slogger = slog.New(handler).With("component", "audit")
	}

	if config.SQLitePath != "" {
		store, err := OpenSQLiteStore(config.SQLitePath)
		if err != nil {
			l.closeOutput()
			return nil, err
		}
		l.store = store
	}

	if l.slogger != nil || l.store != nil {
		l.buffer = make(chan Entry, config.BufferSize)
		l.done = make(chan struct{})
		l.wg.Add(1)
		go l.writeLoop()
	}
	return l, nil
}

func openOutput(output string) (io.WriteCloser, error) {
	switch {
	case output == "":
		return nil, nil
	case output == "stdout":
		return os.Stdout, nil
	case output == "stderr":
		return os.Stderr, nil
	case strings.HasPrefix(output, "file:"):
		path := strings.TrimPrefix(output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", output)
	}
}

// Record appends an entry, filling in its ID, timestamp and level.
func (l *Log) Record(ctx context.Context, entry Entry) Entry {
	if l == nil {
		return entry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
		if !entry.Allowed {
			entry.Level = LevelWarn
		}
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			if entry.Details == nil {
				entry.Details = map[string]any{}
			}
			entry.Details["trace_id"] = sc.TraceID().String()
		}
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	closed := l.closed
	l.mu.Unlock()

	if l.buffer != nil && !closed {
		select {
		case l.buffer <- entry:
		default:
			// Buffer full, write synchronously rather than drop.
			l.writeEntry(entry)
		}
	}
	return entry
}

// Decision records the outcome of a single check.
func (l *Log) Decision(ctx context.Context, eventType EventType, requestID, capability, caller, check string, allowed bool, reason string) {
	l.Record(ctx, Entry{
		Type:           eventType,
		RequestID:      requestID,
		CallerDeviceID: caller,
		Capability:     capability,
		Check:          check,
		Allowed:        allowed,
		Reason:         reason,
	})
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of entries currently retained.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Summary renders a human-readable report over the last limit entries.
// The format is for operators and is not stable.
func (l *Log) Summary(limit int) string {
	entries := l.Recent(limit)

	var allowed, denied int
	reasons := make(map[string]int)
	capabilities := make(map[string]int)
	for _, e := range entries {
		if e.Allowed {
			allowed++
			continue
		}
		denied++
		if e.Reason != "" {
			reasons[e.Reason]++
		}
		if e.Capability != "" {
			capabilities[e.Capability]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Security audit: %d decisions (%d allowed, %d denied)\n", len(entries), allowed, denied)
	if denied > 0 {
		b.WriteString("\nDenials by reason:\n")
		for _, kv := range sortedCounts(reasons) {
			fmt.Fprintf(&b, "  %4d  %s\n", kv.count, kv.key)
		}
		b.WriteString("\nDenials by capability:\n")
		for _, kv := range sortedCounts(capabilities) {
			fmt.Fprintf(&b, "  %4d  %s\n", kv.count, kv.key)
		}
	}
	if len(entries) > 0 {
		b.WriteString("\nRecent decisions:\n")
		shown := entries
		if len(shown) > 20 {
			shown = shown[:20]
		}
		for _, e := range shown {
			outcome := "ALLOW"
			if !e.Allowed {
				outcome = "DENY "
			}
			line := fmt.Sprintf("  %s %s %-20s %s", e.Timestamp.Format(time.RFC3339), outcome, e.Capability, e.Type)
			if e.CallerDeviceID != "" {
				line += " caller=" + shortID(e.CallerDeviceID)
			}
			if e.Reason != "" {
				line += " reason=" + e.Reason
			}
			b.WriteString(strings.TrimRight(line, " ") + "\n")
		}
	}
	return b.String()
}

type countEntry struct {
	key   string
	count int
}

func sortedCounts(m map[string]int) []countEntry {
	out := make([]countEntry, 0, len(m))
	for k, v := range m {
		out = append(out, countEntry{key: k, count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Close flushes pending entries and closes every sink.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.done != nil {
		close(l.done)
		l.wg.Wait()
	}

	var firstErr error
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			firstErr = err
		}
	}
	if err := l.closeOutput(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Log) closeOutput() error {
	if l.output == nil || l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	return l.output.Close()
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.buffer:
			l.writeEntry(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.buffer:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) writeEntry(entry Entry) {
	if l.slogger != nil {
		attrs := []any{
			"audit_id", entry.ID,
			"audit_type", entry.Type,
			"timestamp", entry.Timestamp.Format(time.RFC3339Nano),
			"allowed", entry.Allowed,
		}
		if entry.RequestID != "" {
			attrs = append(attrs, "request_id", entry.RequestID)
		}
		if entry.CallerDeviceID != "" {
			attrs = append(attrs, "caller_device_id", entry.CallerDeviceID)
		}
		if entry.Capability != "" {
			attrs = append(attrs, "capability", entry.Capability)
		}
		if entry.Check != "" {
			attrs = append(attrs, "check", entry.Check)
		}
		if entry.Reason != "" {
			attrs = append(attrs, "reason", entry.Reason)
		}
		if entry.Duration > 0 {
			attrs = append(attrs, "duration_ms", entry.Duration.Milliseconds())
		}
		for k, v := range entry.Details {
			attrs = append(attrs, k, v)
		}

		switch entry.Level {
		case LevelWarn:
			l.slogger.Warn("audit", attrs...)
		case LevelError:
			l.slogger.Error("audit", attrs...)
		default:
			l.slogger.Info("audit", attrs...)
		}
	}
	if l.store != nil {
		if err := l.store.Insert(context.Background(), entry); err != nil {
			l.logger.Warn("failed to persist audit entry", "audit_id", entry.ID, "error", err)
		}
	}
}
