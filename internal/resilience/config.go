// Package resilience holds the tunables for the node's gateway connection
// and the circuit breakers that enforce them.
package resilience

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haasonsaas/nexus-node/internal/backoff"
)

var validate = validator.New()

// UnboundedRetries disables the reconnect attempt limit.
const UnboundedRetries = -1

// Config is an immutable set of timeout, retry and breaker parameters.
// Reconnect parameters feed a separate breaker and are more tolerant than
// the steady-state RPC parameters.
type Config struct {
	RPCTimeout     time.Duration `json:"rpc_timeout" yaml:"rpc_timeout" validate:"gt=0"`
	MaxRPCRetries  int           `json:"max_rpc_retries" yaml:"max_rpc_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" validate:"gt=0"`

	BreakerFailureRatio   float64       `json:"breaker_failure_ratio" yaml:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerMinThroughput  int           `json:"breaker_min_throughput" yaml:"breaker_min_throughput" validate:"gte=1"`
	BreakerOpenDuration   time.Duration `json:"breaker_open_duration" yaml:"breaker_open_duration" validate:"gt=0"`
	BreakerSamplingWindow time.Duration `json:"breaker_sampling_window" yaml:"breaker_sampling_window" validate:"gt=0"`

	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	ConnectMaxRetries int           `json:"connect_max_retries" yaml:"connect_max_retries" validate:"gte=0"`

	// ReconnectMaxRetries of -1 retries until the node is disconnected.
	ReconnectMaxRetries    int           `json:"reconnect_max_retries" yaml:"reconnect_max_retries" validate:"gte=-1"`
	ReconnectMaxDelay      time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay" validate:"gt=0"`
	ReconnectFailureRatio  float64       `json:"reconnect_failure_ratio" yaml:"reconnect_failure_ratio" validate:"gt=0,lte=1"`
	ReconnectMinThroughput int           `json:"reconnect_min_throughput" yaml:"reconnect_min_throughput" validate:"gte=1"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:             30 * time.Second,
		MaxRPCRetries:          3,
		RetryBaseDelay:         500 * time.Millisecond,
		BreakerFailureRatio:    0.5,
		BreakerMinThroughput:   10,
		BreakerOpenDuration:    30 * time.Second,
		BreakerSamplingWindow:  time.Minute,
		ConnectTimeout:         10 * time.Second,
		ConnectMaxRetries:      3,
		ReconnectMaxRetries:    UnboundedRetries,
		ReconnectMaxDelay:      time.Minute,
		ReconnectFailureRatio:  0.9,
		ReconnectMinThroughput: 20,
	}
}

// Validate checks every field's bounds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid resilience config: %w", err)
	}
	if c.ReconnectMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid resilience config: reconnect_max_delay %s is below retry_base_delay %s", c.ReconnectMaxDelay, c.RetryBaseDelay)
	}
	return nil
}

// RPCBreaker returns the breaker settings for steady-state calls.
func (c Config) RPCBreaker(name string) BreakerConfig {
	return BreakerConfig{
		Name:           name,
		FailureRatio:   c.BreakerFailureRatio,
		MinThroughput:  c.BreakerMinThroughput,
		OpenDuration:   c.BreakerOpenDuration,
		SamplingWindow: c.BreakerSamplingWindow,
	}
}

// ReconnectBreaker returns the more tolerant breaker used for reconnects.
func (c Config) ReconnectBreaker(name string) BreakerConfig {
	return BreakerConfig{
		Name:           name,
		FailureRatio:   c.ReconnectFailureRatio,
		MinThroughput:  c.ReconnectMinThroughput,
		OpenDuration:   c.BreakerOpenDuration,
		SamplingWindow: c.BreakerSamplingWindow,
	}
}

// RetryPolicy is the backoff used for RPC and initial connect retries.
func (c Config) RetryPolicy() backoff.BackoffPolicy {
	return backoff.Exponential(c.RetryBaseDelay, c.RPCTimeout)
}

// ReconnectPolicy is the backoff used after a connection is lost.
func (c Config) ReconnectPolicy() backoff.BackoffPolicy {
	return backoff.Exponential(c.RetryBaseDelay, c.ReconnectMaxDelay)
}
