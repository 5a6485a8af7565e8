package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus-node/internal/backoff"
	"github.com/haasonsaas/nexus-node/internal/capability"
	"github.com/haasonsaas/nexus-node/internal/resilience"
	"github.com/haasonsaas/nexus-node/internal/transport"
)

// Connect dials the gateway and starts serving invocations. Each attempt
// is bounded by ConnectTimeout and attempts are retried with backoff up to
// ConnectMaxRetries. While the connect breaker is open Connect fails fast
// without dialing. Connect on a connected node is a no-op.
func (n *Node) Connect(ctx context.Context) error {
	if n.dialer == nil || n.signer == nil {
		return errors.New("node has no gateway dialer or device signer")
	}

	n.mu.Lock()
	switch n.state {
	case StateConnected, StateReconnecting:
		n.mu.Unlock()
		return nil
	case StateConnecting:
		n.mu.Unlock()
		return ErrConnectInProgress
	}
	gen := n.gen
	dialCtx, cancelDial := context.WithCancel(ctx)
	n.cancel = cancelDial
	n.setStateLocked(StateConnecting, "")
	n.unlockAndNotify()

	result, err := backoff.RetryWithBackoff(dialCtx, n.resilience.RetryPolicy(), n.resilience.ConnectMaxRetries+1,
		func(attempt int) (transport.Conn, error) {
			conn, err := n.dial(dialCtx, n.connectBreaker)
			if err != nil {
				n.logger.Warn("gateway connect attempt failed", "attempt", attempt, "error", err)
				if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, transport.ErrHandshakeRejected) {
					return nil, &backoff.Permanent{Err: err}
				}
			}
			return conn, err
		})
	cancelDial()

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		if err == nil {
			result.Value.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		n.cancel = nil
		n.setStateLocked(StateDisconnected, err.Error())
		n.unlockAndNotify()
		return fmt.Errorf("connect to gateway: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.cancel = cancelRun
	n.conn = result.Value
	n.runDone = done
	n.setStateLocked(StateConnected, "")
	go n.run(runCtx, gen, result.Value, done)
	n.unlockAndNotify()
	return nil
}

// Disconnect closes the connection and stops reconnecting. It is safe to
// call from any state and more than once. In-flight invocations are
// cancelled and Disconnect waits for them to finish.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	n.gen++
	cancel, conn, done := n.cancel, n.conn, n.runDone
	n.cancel, n.conn, n.runDone = nil, nil, nil
	n.setStateLocked(StateDisconnected, "disconnect requested")
	n.unlockAndNotify()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// dial performs one handshake through breaker.
func (n *Node) dial(ctx context.Context, breaker *resilience.Breaker) (transport.Conn, error) {
	hello := n.helloFor()
	var conn transport.Conn
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, n.resilience.ConnectTimeout)
		defer cancel()
		c, err := n.dialer.Dial(dctx, hello, n.signer)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if token := conn.IssuedToken(); token != "" && n.tokens != nil {
		if err := n.tokens.SetToken(token); err != nil {
			n.logger.Warn("failed to persist device token", "error", err)
		}
	}
	return conn, nil
}

func (n *Node) helloFor() transport.Hello {
	hello := n.hello
	hello.Scopes = append([]string(nil), n.hello.Scopes...)
	if hello.Token == "" && n.tokens != nil {
		hello.Token = n.tokens.UsableToken(n.now())
	}
	enabled := n.registry.Load().EnabledCapabilities(n.policy.Config())
	hello.Capabilities = make([]string, 0, len(enabled))
	for _, d := range enabled {
		hello.Capabilities = append(hello.Capabilities, d.Name)
	}
	return hello
}

// run serves conn and reconnects after transport loss until ctx ends or
// reconnecting gives up.
func (n *Node) run(ctx context.Context, gen uint64, conn transport.Conn, done chan struct{}) {
	defer close(done)
	for {
		n.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		reason := "connection lost"
		if err := conn.Err(); err != nil {
			reason = err.Error()
		}
		n.mu.Lock()
		if n.gen != gen {
			n.mu.Unlock()
			return
		}
		n.conn = nil
		n.setStateLocked(StateReconnecting, reason)
		n.unlockAndNotify()

		next, err := n.reconnect(ctx)

		n.mu.Lock()
		if n.gen != gen {
			n.mu.Unlock()
			if next != nil {
				next.Close()
			}
			return
		}
		if err != nil {
			cancel := n.cancel
			n.cancel, n.runDone = nil, nil
			n.setStateLocked(StateDisconnected, "reconnect failed: "+err.Error())
			n.unlockAndNotify()
			if cancel != nil {
				cancel()
			}
			return
		}
		n.conn = next
		n.setStateLocked(StateConnected, "")
		n.unlockAndNotify()
		conn = next
	}
}

// reconnect retries the handshake through the reconnect breaker. While
// that breaker is open, attempts fail fast and only the backoff elapses.
func (n *Node) reconnect(ctx context.Context) (transport.Conn, error) {
	result, err := backoff.RetryWithBackoff(ctx, n.resilience.ReconnectPolicy(), n.resilience.ReconnectMaxRetries,
		func(attempt int) (transport.Conn, error) {
			n.metrics.IncReconnects()
			conn, err := n.dial(ctx, n.reconnectBreaker)
			if err != nil {
				n.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
				if errors.Is(err, transport.ErrHandshakeRejected) {
					return nil, &backoff.Permanent{Err: err}
				}
			}
			return conn, err
		})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// serve dispatches requests from conn until it closes or ctx ends.
// Invocations still running when the connection drops are cancelled.
func (n *Node) serve(ctx context.Context, conn transport.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	sem := make(chan struct{}, n.maxConcurrent)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case req, ok := <-conn.Requests():
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-connCtx.Done():
				return
			}
			inflight.Add(1)
			go func(req Request) {
				defer inflight.Done()
				defer func() { <-sem }()
				n.respond(conn, req.ID, n.Invoke(connCtx, req))
			}(req)
		}
	}
}

func (n *Node) respond(conn transport.Conn, requestID string, res capability.Result) {
	err := n.rpc(context.Background(), func(ctx context.Context) error {
		return conn.Respond(ctx, requestID, res.Success, res, res.Error)
	})
	if err != nil {
		n.logger.Warn("failed to send invocation result", "request_id", requestID, "error", err)
	}
}

// rpc runs one steady-state gateway call through the RPC breaker. Each
// attempt is bounded by RPCTimeout and failures are retried with backoff up
// to MaxRPCRetries times. An open breaker or a closed connection is not
// retried.
func (n *Node) rpc(ctx context.Context, call func(context.Context) error) error {
	_, err := backoff.RetryWithBackoff(ctx, n.resilience.RetryPolicy(), n.resilience.MaxRPCRetries+1,
		func(attempt int) (struct{}, error) {
			if err := n.rpcBreaker.Allow(); err != nil {
				return struct{}{}, &backoff.Permanent{Err: err}
			}
			actx, cancel := context.WithTimeout(ctx, n.resilience.RPCTimeout)
			err := call(actx)
			cancel()

			// A closed connection or a caller that gave up says nothing
			// about gateway health.
			closed := errors.Is(err, transport.ErrClosed) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
			if closed {
				n.rpcBreaker.Record(nil)
				return struct{}{}, &backoff.Permanent{Err: err}
			}
			n.rpcBreaker.Record(err)
			if err != nil {
				n.logger.Debug("gateway call failed", "attempt", attempt, "error", err)
			}
			return struct{}{}, err
		})
	return err
}
