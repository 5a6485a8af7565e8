package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a ratio-based circuit breaker.
type BreakerConfig struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureRatio trips the breaker once failures/total reaches it.
	FailureRatio float64

	// MinThroughput is the number of calls in the window before the ratio is considered.
	MinThroughput int

	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration

	// SamplingWindow bounds how far back outcomes are counted.
	SamplingWindow time.Duration

	// HalfOpenProbes is the number of successful probes needed to close again.
	HalfOpenProbes int

	// OnStateChange is called after each transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is a Closed/Open/HalfOpen state machine driven by the failure
// ratio over a rolling window.
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           State
	samples         []sample
	openedAt        time.Time
	probesInFlight  int
	probeSuccesses  int
	lastStateChange time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureRatio <= 0 || config.FailureRatio > 1 {
		config.FailureRatio = 0.5
	}
	if config.MinThroughput <= 0 {
		config.MinThroughput = 10
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	if config.SamplingWindow <= 0 {
		config.SamplingWindow = time.Minute
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &Breaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// SetClock replaces the time source; tests use it to expire the open period.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed. Each nil return must be paired
// with exactly one Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenDuration {
			return ErrCircuitOpen
		}
		change = b.transitionTo(StateHalfOpen)
		b.probesInFlight = 1
		return nil
	case StateHalfOpen:
		if b.probesInFlight+b.probeSuccesses >= b.config.HalfOpenProbes {
			return ErrCircuitOpen
		}
		b.probesInFlight++
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	failed := err != nil
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if failed {
			change = b.transitionTo(StateOpen)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.HalfOpenProbes {
			change = b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.samples = append(b.samples, sample{at: now, failed: failed})
		b.prune(now)
		total, failures := len(b.samples), 0
		for _, s := range b.samples {
			if s.failed {
				failures++
			}
		}
		if total >= b.config.MinThroughput && float64(failures)/float64(total) >= b.config.FailureRatio {
			change = b.transitionTo(StateOpen)
		}
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// prune drops samples older than the window (must be called with lock held).
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.SamplingWindow)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

type transition struct {
	from, to State
}

// transitionTo changes state and resets counters (must be called with lock held).
func (b *Breaker) transitionTo(state State) *transition {
	if b.state == state {
		return nil
	}
	t := &transition{from: b.state, to: state}
	b.state = state
	b.lastStateChange = b.now()
	b.samples = b.samples[:0]
	b.probesInFlight = 0
	b.probeSuccesses = 0
	if state == StateOpen {
		b.openedAt = b.lastStateChange
	}
	return t
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose open period has
// elapsed still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionTo(StateClosed)
	b.mu.Unlock()
	b.notify(change)
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name            string
	State           State
	Calls           int
	Failures        int
	LastStateChange time.Time
}

// Stats returns current statistics for the rolling window.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	failures := 0
	for _, s := range b.samples {
		if s.failed {
			failures++
		}
	}
	return BreakerStats{
		Name:            b.config.Name,
		State:           b.state,
		Calls:           len(b.samples),
		Failures:        failures,
		LastStateChange: b.lastStateChange,
	}
}
