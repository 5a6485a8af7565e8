package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/policy"
	"github.com/haasonsaas/nexus-node/internal/resilience"
	"github.com/haasonsaas/nexus-node/internal/transport"
)

type stubHandler struct {
	name     string
	risk     policy.RiskLevel
	approval bool
	exec     func(ctx context.Context, params capability.Params) capability.Result
}

func (h *stubHandler) Name() string                { return h.name }
func (h *stubHandler) Description() string         { return "stub " + h.name }
func (h *stubHandler) RiskLevel() policy.RiskLevel { return h.risk }
func (h *stubHandler) ParameterSchema() string     { return "" }
func (h *stubHandler) RequiresApproval() bool      { return h.approval }

func (h *stubHandler) Execute(ctx context.Context, params capability.Params, _ *capability.ExecContext) capability.Result {
	if h.exec != nil {
		return h.exec(ctx, params)
	}
	return capability.Succeed(map[string]any{"echo": map[string]any(params)})
}

func stubRegistry(handlers ...*stubHandler) RegistryFactory {
	return func(*policy.Policy, policy.Config) *capability.Registry {
		r := capability.NewRegistry()
		for _, h := range handlers {
			r = r.WithHandler(h)
		}
		return r
	}
}

type fakeSigner struct{}

func (fakeSigner) DeviceID() string  { return "device-1" }
func (fakeSigner) PublicKey() string { return "public-key" }
func (fakeSigner) SignHandshake(nonce, _, _, _, _, _ string) string {
	return "sig:" + nonce
}

type response struct {
	id      string
	ok      bool
	payload any
	errMsg  string
}

type fakeConn struct {
	requests  chan Request
	responses chan response
	done      chan struct{}
	token     string

	once     sync.Once
	mu       sync.Mutex
	err      error
	closed   bool
	sendErrs []error
	sends    atomic.Int32
}

func newFakeConn(token string) *fakeConn {
	return &fakeConn{
		requests:  make(chan Request, 8),
		responses: make(chan response, 8),
		done:      make(chan struct{}),
		token:     token,
	}
}

func (c *fakeConn) Requests() <-chan Request { return c.requests }
func (c *fakeConn) Done() <-chan struct{}    { return c.done }
func (c *fakeConn) IssuedToken() string      { return c.token }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Respond(ctx context.Context, id string, ok bool, payload any, errMsg string) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.responses <- response{id: id, ok: ok, payload: payload, errMsg: errMsg}
	return nil
}

// failSends makes the next SendEvent calls return errs in order.
func (c *fakeConn) failSends(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErrs = append(c.sendErrs, errs...)
}

func (c *fakeConn) SendEvent(context.Context, string, any) error {
	c.sends.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) == 0 {
		return nil
	}
	err := c.sendErrs[0]
	c.sendErrs = c.sendErrs[1:]
	return err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.end(nil)
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates transport loss.
func (c *fakeConn) drop(err error) {
	c.end(err)
}

func (c *fakeConn) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.requests)
	})
}

// fakeDialer hands out conns in order; a nil conn entry means "fail".
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	hellos  []transport.Hello
	dials   atomic.Int32
}

type dialResult struct {
	conn *fakeConn
	err  error
}

var errDialFailed = errors.New("dial failed")

func (d *fakeDialer) push(results ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) Dial(ctx context.Context, hello transport.Hello, _ transport.Signer) (transport.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.hellos = append(d.hellos, hello)
	if len(d.results) == 0 {
		d.mu.Unlock()
		return nil, errDialFailed
	}
	r := d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) lastHello() transport.Hello {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hellos[len(d.hellos)-1]
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
}

func (f *fakeTokens) UsableToken(time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) SetToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	return nil
}

func fastResilience() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RPCTimeout = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func openConfig(names ...string) policy.Config {
	cfg := policy.DefaultConfig()
	cfg.EnabledCapabilities = names
	cfg.AllowedCallers = []string{"caller-1"}
	cfg.RateLimitPerMinute = 100
	cfg.ApprovalTimeoutSeconds = 1
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
