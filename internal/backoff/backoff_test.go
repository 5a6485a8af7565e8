package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoffWithRand(t *testing.T) {
	noJitter := BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2}
	tests := []struct {
		name        string
		policy      BackoffPolicy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{name: "first attempt", policy: noJitter, attempt: 1, expected: 100 * time.Millisecond},
		{name: "second attempt doubles", policy: noJitter, attempt: 2, expected: 200 * time.Millisecond},
		{name: "fifth attempt", policy: noJitter, attempt: 5, expected: 1600 * time.Millisecond},
		{name: "attempt 0 treated as 1", policy: noJitter, attempt: 0, expected: 100 * time.Millisecond},
		{
			name:     "clamped to max",
			policy:   BackoffPolicy{InitialMs: 100, MaxMs: 500, Factor: 2},
			attempt:  10,
			expected: 500 * time.Millisecond,
		},
		{
			name:        "jitter at max random",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			expected:    110 * time.Millisecond,
		},
		{
			name:        "jitter at mid random",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.5},
			attempt:     2,
			randomValue: 0.5,
			expected:    250 * time.Millisecond,
		},
		{
			name:     "huge attempt stays at max",
			policy:   BackoffPolicy{InitialMs: 500, MaxMs: 60000, Factor: 2},
			attempt:  5000,
			expected: time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeBackoffWithRand(tt.policy, tt.attempt, tt.randomValue); got != tt.expected {
				t.Errorf("ComputeBackoffWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestExponential(t *testing.T) {
	p := Exponential(500*time.Millisecond, time.Minute)
	if p.InitialMs != 500 || p.MaxMs != 60000 || p.Factor != 2 {
		t.Errorf("Exponential() = %+v", p)
	}
}

func TestSleepWithContext(t *testing.T) {
	if err := SleepWithContext(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("SleepWithContext() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext(cancelled) = %v", err)
	}
}

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 2}
}

func TestRetryWithBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithBackoff(context.Background(), fastPolicy(), 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v", err)
	}
	if result.Value != "ok" || result.Attempts != 3 || calls != 3 {
		t.Errorf("result = %+v, calls = %d", result, calls)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	result, err := RetryWithBackoff(context.Background(), fastPolicy(), 3, func(int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, boom) {
		t.Errorf("error = %v, want exhausted wrapping boom", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestRetryWithBackoff_Permanent(t *testing.T) {
	denied := errors.New("denied")
	calls := 0
	_, err := RetryWithBackoff(context.Background(), fastPolicy(), 10, func(int) (int, error) {
		calls++
		return 0, &Permanent{Err: denied}
	})
	if !errors.Is(err, denied) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryWithBackoff_UnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryWithBackoff(ctx, fastPolicy(), Unbounded, func(int) (int, error) {
		calls++
		if calls == 20 {
			cancel()
		}
		return 0, errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 20 {
		t.Errorf("calls = %d, want 20", calls)
	}
}
