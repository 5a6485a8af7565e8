// Package node is the composition root: it owns the gateway connection and
// routes every inbound invocation through the policy gate, the approval
// step, the capability handler and the outbound scan.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus-node/internal/audit"
	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/events"
	"github.com/haasonsaas/nexus-node/internal/observability"
	"github.com/haasonsaas/nexus-node/internal/policy"
	"github.com/haasonsaas/nexus-node/internal/resilience"
	"github.com/haasonsaas/nexus-node/internal/transport"
)

var (
	// ErrNotConnected is returned by operations that need a live gateway connection.
	ErrNotConnected = errors.New("node is not connected")

	// ErrDisconnected is returned by Connect when Disconnect interrupts it.
	ErrDisconnected = errors.New("node disconnected while connecting")

	// ErrConnectInProgress is returned by Connect when another Connect is running.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// Request is one capability invocation.
type Request = transport.Request

// TokenStore persists the device token the gateway issues.
type TokenStore interface {
	UsableToken(now time.Time) string
	SetToken(token string) error
}

// RegistryFactory builds the handler registry for a config.
type RegistryFactory func(p *policy.Policy, cfg policy.Config) *capability.Registry

// Options configures a Node. Only Signer and Dialer are needed to connect;
// a Node without them can still serve Invoke locally.
type Options struct {
	Config     policy.Config
	Resilience resilience.Config

	Signer transport.Signer
	Dialer transport.Dialer
	Hello  transport.Hello
	Tokens TokenStore

	// Registry defaults to the built-in handlers over Backends.
	Registry RegistryFactory
	Backends capability.Backends

	Audit   *audit.Log
	Events  *events.Bus
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	// MaxConcurrent bounds parallel invocations from the gateway. Default 10.
	MaxConcurrent int
}

// Node is a capability-gated remote execution endpoint.
type Node struct {
	policy     *policy.Policy
	registry   atomic.Pointer[capability.Registry]
	factory    RegistryFactory
	resilience resilience.Config

	signer transport.Signer
	dialer transport.Dialer
	hello  transport.Hello
	tokens TokenStore

	audit   *audit.Log
	events  *events.Bus
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	maxConcurrent    int
	rpcBreaker       *resilience.Breaker
	connectBreaker   *resilience.Breaker
	reconnectBreaker *resilience.Breaker

	approvalMu sync.RWMutex
	approval   ApprovalHandler

	mu      sync.Mutex
	state   State
	conn    transport.Conn
	cancel  context.CancelFunc
	pending []stateChange
	gen     uint64
	runDone chan struct{}

	now func() time.Time
}

type stateChange struct {
	from, to State
	reason   string
}

// New builds a node. The security and resilience configs are validated;
// an invalid config is an error rather than a silent fallback.
func New(opts Options) (*Node, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	res := opts.Resilience
	if res == (resilience.Config{}) {
		res = resilience.DefaultConfig()
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "node")

	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(events.DefaultCapacity, logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	factory := opts.Registry
	if factory == nil {
		backends := opts.Backends
		factory = func(p *policy.Policy, cfg policy.Config) *capability.Registry {
			return capability.NewDefaultRegistry(p, cfg, backends)
		}
	}

	hello := opts.Hello
	if hello.ClientID == "" {
		hello.ClientID = "nexus-node"
	}
	if hello.ClientMode == "" {
		hello.ClientMode = "node"
	}
	if hello.Role == "" {
		hello.Role = "node"
	}
	if hello.Scopes == nil {
		hello.Scopes = []string{"node.invoke"}
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	n := &Node{
		policy:        policy.New(opts.Config, logger),
		factory:       factory,
		resilience:    res,
		signer:        opts.Signer,
		dialer:        opts.Dialer,
		hello:         hello,
		tokens:        opts.Tokens,
		audit:         opts.Audit,
		events:        bus,
		metrics:       opts.Metrics,
		tracer:        tracer,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}

	rpcCfg := res.RPCBreaker("rpc")
	rpcCfg.OnStateChange = n.breakerChanged
	n.rpcBreaker = resilience.NewBreaker(rpcCfg)
	connectCfg := res.RPCBreaker("connect")
	connectCfg.OnStateChange = n.breakerChanged
	n.connectBreaker = resilience.NewBreaker(connectCfg)
	reconnectCfg := res.ReconnectBreaker("reconnect")
	reconnectCfg.OnStateChange = n.breakerChanged
	n.reconnectBreaker = resilience.NewBreaker(reconnectCfg)

	n.registry.Store(factory(n.policy, opts.Config))
	n.metrics.SetConnectionState(StateDisconnected.String(), StateNames())
	return n, nil
}

// Policy exposes the live security policy.
func (n *Node) Policy() *policy.Policy { return n.policy }

// Events exposes the event bus for Recent, RecentMessages and Poll.
func (n *Node) Events() *events.Bus { return n.events }

// Subscribe registers an event listener. Listeners run on the publisher's
// goroutine and must not call Disconnect.
func (n *Node) Subscribe(listener events.Listener) func() {
	return n.events.Subscribe(listener)
}

// AuditSummary renders the last limit audit decisions for operators.
func (n *Node) AuditSummary(limit int) string {
	if n.audit == nil {
		return "Security audit: disabled\n"
	}
	rl := n.policy.RateLimitStatus()
	return n.audit.Summary(limit) + fmt.Sprintf("\nRate limit: %d of %d invocations left this window (resets in %s)\n",
		rl.Remaining, rl.Limit, rl.ResetIn.Round(time.Second))
}

// Capabilities lists every registered capability.
func (n *Node) Capabilities() []capability.Descriptor {
	return n.registry.Load().Capabilities()
}

// EnabledCapabilities lists the capabilities the current config enables.
func (n *Node) EnabledCapabilities() []capability.Descriptor {
	return n.registry.Load().EnabledCapabilities(n.policy.Config())
}

// ApplyConfig validates cfg and replaces the security config wholesale.
// The handler registry is rebuilt so per-handler limits follow the new
// values. An invalid cfg leaves the running config in place.
func (n *Node) ApplyConfig(cfg policy.Config) error {
	if err := cfg.Validate(); err != nil {
		n.logger.Warn("rejected security config", "error", err)
		return err
	}
	n.policy.Replace(cfg)
	n.registry.Store(n.factory(n.policy, cfg))

	enabled := len(n.registry.Load().EnabledCapabilities(cfg))
	n.audit.Record(context.Background(), audit.Entry{
		Type:    audit.EventConfigReloaded,
		Allowed: true,
		Details: map[string]any{"enabled_capabilities": enabled},
	})
	n.publish(events.TypeConfigReloaded, map[string]any{"enabled_capabilities": enabled})
	n.logger.Info("security config applied", "enabled_capabilities", enabled, "shell_enabled", cfg.ShellEnabled)
	return nil
}

// State reports the connection state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SendEvent pushes an event to the gateway.
func (n *Node) SendEvent(ctx context.Context, event string, payload any) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	err := n.rpc(ctx, func(ctx context.Context) error {
		return conn.SendEvent(ctx, event, payload)
	})
	if err != nil {
		return fmt.Errorf("send event %s: %w", event, err)
	}
	return nil
}

func (n *Node) publish(eventType string, payload map[string]any) {
	n.events.Publish(eventType, payload)
	n.metrics.RecordEvent(eventType)
}

// setStateLocked records a transition; it is published by unlockAndNotify.
func (n *Node) setStateLocked(to State, reason string) {
	if n.state == to {
		return
	}
	n.pending = append(n.pending, stateChange{from: n.state, to: to, reason: reason})
	n.state = to
}

// unlockAndNotify releases n.mu and then publishes queued transitions, so
// listeners may call back into the node.
func (n *Node) unlockAndNotify() {
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		n.metrics.SetConnectionState(c.to.String(), StateNames())
		payload := map[string]any{"from": c.from.String(), "to": c.to.String()}
		if c.reason != "" {
			payload["reason"] = c.reason
		}
		n.publish(events.TypeStateChanged, payload)
		n.logger.Info("connection state changed", "from", c.from.String(), "to", c.to.String(), "reason", c.reason)
	}
}

func (n *Node) breakerChanged(name string, from, to resilience.State) {
	n.metrics.SetBreakerState(name, string(to), []string{
		string(resilience.StateClosed), string(resilience.StateOpen), string(resilience.StateHalfOpen),
	})
	n.publish(events.TypeBreakerStateChange, map[string]any{
		"breaker": name,
		"from":    string(from),
		"to":      string(to),
	})
	n.logger.Warn("circuit breaker state changed", "breaker", name, "from", string(from), "to", string(to))
}
