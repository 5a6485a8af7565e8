// Package ratelimit provides fixed-window request counters keyed by caller,
// channel or any other string.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// GlobalKey is the key used for the node-wide counter.
const GlobalKey = "global"

// Config configures a fixed-window limiter.
type Config struct {
	// Limit is the number of requests allowed per window. Zero or less
	// means every request is rejected.
	Limit int `yaml:"limit"`
	// Window is the window length (default one minute).
	Window time.Duration `yaml:"window"`
}

// counter tracks usage within a single window.
type counter struct {
	window int64
	count  int
}

// Limiter counts requests per key in fixed windows. The window ID is the
// clock tick bucket now/Window; when it changes a key's count resets
// implicitly on next use.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*counter
	maxKeys  int
	now      func() time.Time
}

// NewLimiter creates a fixed-window limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &Limiter{
		limit:    config.Limit,
		window:   config.Window,
		counters: make(map[string]*counter),
		maxKeys:  10000,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests use it to cross window boundaries.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) windowID() int64 {
	return l.now().UnixNano() / int64(l.window)
}

// Allow consumes one slot for key if the current window has capacity.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return false
	}

	id := l.windowID()
	c, ok := l.counters[key]
	if !ok {
		if len(l.counters) >= l.maxKeys {
			l.prune(id)
		}
		c = &counter{window: id}
		l.counters[key] = c
	}
	if c.window != id {
		c.window = id
		c.count = 0
	}
	if c.count >= l.limit {
		return false
	}
	c.count++
	return true
}

// prune drops counters from previous windows (must be called with lock held).
func (l *Limiter) prune(current int64) {
	for key, c := range l.counters {
		if c.window != current {
			delete(l.counters, key)
		}
	}
}

// Remaining returns how many requests key may still make in this window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return 0
	}
	c, ok := l.counters[key]
	if !ok || c.window != l.windowID() {
		return l.limit
	}
	return l.limit - c.count
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// Refund returns one slot consumed by Allow in the current window. It is a
// no-op once the window has rolled over.
func (l *Limiter) Refund(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[key]; ok && c.window == l.windowID() && c.count > 0 {
		c.count--
	}
}

// Status is a point-in-time view of a key's window.
type Status struct {
	Key       string        `json:"key"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// GetStatus returns the window status for key.
func (l *Limiter) GetStatus(key string) Status {
	remaining := l.Remaining(key)

	l.mu.Lock()
	now := l.now()
	l.mu.Unlock()

	next := time.Unix(0, (now.UnixNano()/int64(l.window)+1)*int64(l.window))
	return Status{
		Key:       key,
		Limit:     l.limit,
		Remaining: remaining,
		ResetIn:   next.Sub(now),
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
