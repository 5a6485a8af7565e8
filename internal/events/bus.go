// Package events provides the node's in-process event bus: a fixed-capacity
// ring of structured events with newest-first queries, synchronous
// subscribers and a long-poll for events published after a cursor.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is used when NewBus is given a non-positive capacity.
const DefaultCapacity = 1000

// Event types published by the node.
const (
	TypeStateChanged       = "node.state"
	TypeInvokeReceived     = "invoke.received"
	TypeInvokeDenied       = "invoke.denied"
	TypeInvokeCompleted    = "invoke.completed"
	TypeApprovalRequested  = "approval.requested"
	TypeApprovalResolved   = "approval.resolved"
	TypeConfigReloaded     = "config.reloaded"
	TypeBreakerStateChange = "breaker.state"

	// Message-like events, filterable by their "channel" payload field.
	TypeMessageInbound  = "message.inbound"
	TypeMessageOutbound = "message.outbound"
	TypeChatMessage     = "chat.message"
)

var messageTypes = map[string]struct{}{
	TypeMessageInbound:  {},
	TypeMessageOutbound: {},
	TypeChatMessage:     {},
}

// Event is an immutable bus entry. Seq increases by one per publish and
// doubles as a poll cursor.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener receives events synchronously on the publisher's goroutine.
type Listener func(Event)

// Bus is a thread-safe ring buffer of events. Once full, each publish
// overwrites the oldest entry.
type Bus struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	count  int
	seq    uint64
	notify chan struct{}

	subs   map[uint64]Listener
	subSeq uint64

	now    func() time.Time
	logger *slog.Logger
}

// NewBus creates a bus holding up to capacity events.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}),
		subs:   make(map[uint64]Listener),
		now:    time.Now,
		logger: logger.With("component", "events"),
	}
}

// Publish appends an event and wakes pollers and subscribers. The payload
// map is owned by the bus after the call.
func (b *Bus) Publish(eventType string, payload map[string]any) Event {
	b.mu.Lock()
	b.seq++
	event := Event{
		Seq:       b.seq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.now(),
	}
	b.buf[b.next] = event
	b.next = (b.next + 1) % len(b.buf)
	if b.count < len(b.buf) {
		b.count++
	}
	close(b.notify)
	b.notify = make(chan struct{})

	listeners := make([]Listener, 0, len(b.subs))
	for _, l := range b.subs {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, listener := range listeners {
		b.deliver(listener, event)
	}
	return event
}

func (b *Bus) deliver(listener Listener, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Warn("event listener panicked", "type", event.Type, "panic", recovered)
		}
	}()
	listener(event)
}

// Subscribe registers a synchronous listener and returns a function that
// removes it. The unsubscribe function is safe to call more than once.
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	id := b.subSeq
	b.subs[id] = listener
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Recent returns up to limit events, newest first. A non-empty eventType
// keeps only exact matches. limit <= 0 means every retained event.
func (b *Bus) Recent(limit int, eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.collectNewest(limit, func(e Event) bool {
		return eventType == "" || e.Type == eventType
	})
}

// RecentMessages returns message-like events newest first, optionally
// restricted to a channel named in the payload.
func (b *Bus) RecentMessages(channel string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.collectNewest(limit, func(e Event) bool {
		if _, ok := messageTypes[e.Type]; !ok {
			return false
		}
		if channel == "" {
			return true
		}
		got, _ := e.Payload["channel"].(string)
		return got == channel
	})
}

// collectNewest walks the ring from newest to oldest (must be called with lock held).
func (b *Bus) collectNewest(limit int, keep func(Event) bool) []Event {
	out := make([]Event, 0)
	for i := 1; i <= b.count; i++ {
		e := b.buf[(b.next-i+len(b.buf))%len(b.buf)]
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Cursor returns the sequence number of the newest event (0 if none).
func (b *Bus) Cursor() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Len returns the number of retained events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the ring capacity.
func (b *Bus) Cap() int {
	return len(b.buf)
}

// Poll returns the retained events published after cursor since, oldest
// first, together with the cursor to pass on the next call. If none are
// available it waits until one is published, timeout elapses or ctx is
// done; the latter two return an empty slice and never an error. A
// non-positive timeout does not wait.
func (b *Bus) Poll(ctx context.Context, since uint64, timeout time.Duration) ([]Event, uint64) {
	t := time.NewTimer(max(timeout, 0))
	defer t.Stop()

	for {
		b.mu.RLock()
		events := b.after(since)
		cursor := b.seq
		wake := b.notify
		b.mu.RUnlock()

		if len(events) > 0 {
			return events, cursor
		}
		if timeout <= 0 {
			return []Event{}, cursor
		}
		if since > cursor {
			// A cursor from the future (e.g. a previous bus) restarts at the present.
			since = cursor
		}

		select {
		case <-wake:
		case <-t.C:
			return []Event{}, since
		case <-ctx.Done():
			return []Event{}, since
		}
	}
}

// after returns retained events with Seq > since, oldest first (must be
// called with lock held).
func (b *Bus) after(since uint64) []Event {
	if b.seq <= since {
		return nil
	}
	n := int(b.seq - since)
	if n > b.count {
		n = b.count
	}
	out := make([]Event, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, b.buf[(b.next-i+len(b.buf))%len(b.buf)])
	}
	return out
}
