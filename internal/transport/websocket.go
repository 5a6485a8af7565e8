package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 15 * time.Second
	wsSendBuffer      = 64
	wsRequestBuffer   = 32

	// ProtocolVersion is the only gateway protocol revision this node speaks.
	ProtocolVersion = 1

	// Frame methods and events.
	MethodConnect   = "connect"
	MethodInvoke    = "node.invoke"
	MethodPing      = "ping"
	EventChallenge  = "connect.challenge"
	ErrCodeNotFound = "method_not_found"
	ErrCodeInvalid  = "invalid_request"
	ErrCodeFailed   = "invoke_failed"
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps,omitempty"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	Device      connectDevice `json:"device"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

type helloPayload struct {
	Protocol int `json:"protocol"`
	Auth     *struct {
		DeviceToken string `json:"deviceToken"`
	} `json:"auth,omitempty"`
}

type invokeParams struct {
	Capability     string         `json:"capability"`
	Params         map[string]any `json:"params"`
	CallerDeviceID string         `json:"callerDeviceId"`
}

// WSDialer connects to a gateway over websocket.
type WSDialer struct {
	URL    string
	Header http.Header
	Logger *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewWSDialer creates a dialer for url.
func NewWSDialer(url string, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{URL: url, Logger: logger.With("component", "transport")}
}

// Dial opens the socket and runs the challenge/connect handshake. The
// context bounds the handshake only; the returned Conn lives until Close
// or until the gateway drops it.
func (d *WSDialer) Dial(ctx context.Context, hello Hello, signer Signer) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("gateway url is required")
	}
	if signer == nil {
		return nil, errors.New("device signer is required")
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	ws.SetReadLimit(wsMaxPayloadBytes)

	token, err := handshake(ctx, ws, hello, signer)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c := newWSConn(ws, token, logger)
	logger.Info("connected to gateway", "url", d.URL, "device_id", signer.DeviceID())
	return c, nil
}

func handshake(ctx context.Context, ws *websocket.Conn, hello Hello, signer Signer) (string, error) {
	deadline := time.Now().Add(wsPongWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)
	defer func() {
		ws.SetReadDeadline(time.Time{})
		ws.SetWriteDeadline(time.Time{})
	}()

	// Unblock the reads below if ctx ends first.
	stop := context.AfterFunc(ctx, func() { ws.SetReadDeadline(time.Now()) })
	defer stop()

	var challenge wsFrame
	if err := ws.ReadJSON(&challenge); err != nil {
		return "", handshakeErr(ctx, "read challenge", err)
	}
	if challenge.Type != "event" || challenge.Event != EventChallenge {
		return "", fmt.Errorf("%w: expected %s, got %s %s", ErrHandshakeRejected, EventChallenge, challenge.Type, challenge.Event)
	}
	var cp challengePayload
	if err := json.Unmarshal(challenge.Payload, &cp); err != nil || cp.Nonce == "" {
		return "", fmt.Errorf("%w: challenge has no nonce", ErrHandshakeRejected)
	}

	scopes := hello.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	params := connectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: connectClient{
			ID:       hello.ClientID,
			Version:  hello.Version,
			Platform: runtime.GOOS,
			Mode:     hello.ClientMode,
		},
		Role:   hello.Role,
		Scopes: scopes,
		Caps:   hello.Capabilities,
		Device: connectDevice{
			ID:        signer.DeviceID(),
			PublicKey: signer.PublicKey(),
			Signature: signer.SignHandshake(cp.Nonce, hello.ClientID, hello.ClientMode, hello.Role, strings.Join(scopes, ","), hello.Token),
			SignedAt:  time.Now().UnixMilli(),
			Nonce:     cp.Nonce,
		},
	}
	if hello.Token != "" {
		params.Auth = &connectAuth{Token: hello.Token}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode connect: %w", err)
	}
	reqID := uuid.NewString()
	if err := ws.WriteJSON(wsFrame{Type: "req", ID: reqID, Method: MethodConnect, Params: raw}); err != nil {
		return "", handshakeErr(ctx, "send connect", err)
	}

	for {
		var res wsFrame
		if err := ws.ReadJSON(&res); err != nil {
			return "", handshakeErr(ctx, "read hello", err)
		}
		// Events may arrive before the response; skip them.
		if res.Type != "res" || res.ID != reqID {
			continue
		}
		if res.OK == nil || !*res.OK {
			if res.Error != nil {
				return "", fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, res.Error.Code, res.Error.Message)
			}
			return "", ErrHandshakeRejected
		}
		var hp helloPayload
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &hp); err != nil {
				return "", fmt.Errorf("decode hello: %w", err)
			}
		}
		if hp.Auth != nil {
			return hp.Auth.DeviceToken, nil
		}
		return "", nil
	}
}

func handshakeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type wsConn struct {
	ws       *websocket.Conn
	token    string
	logger   *slog.Logger
	send     chan []byte
	requests chan Request
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	closed    bool
}

func newWSConn(ws *websocket.Conn, token string, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:       ws,
		token:    token,
		logger:   logger,
		send:     make(chan []byte, wsSendBuffer),
		requests: make(chan Request, wsRequestBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsConn) Requests() <-chan Request { return c.requests }
func (c *wsConn) Done() <-chan struct{}    { return c.done }
func (c *wsConn) IssuedToken() string      { return c.token }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.closed {
			c.err = err
		}
		c.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *wsConn) Respond(ctx context.Context, requestID string, ok bool, payload any, errMsg string) error {
	frame := wsFrame{Type: "res", ID: requestID, OK: &ok}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		frame.Payload = raw
	}
	if !ok {
		frame.Error = &wsError{Code: ErrCodeFailed, Message: errMsg}
	}
	return c.enqueue(ctx, frame)
}

func (c *wsConn) SendEvent(ctx context.Context, event string, payload any) error {
	frame := wsFrame{Type: "event", Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		frame.Payload = raw
	}
	return c.enqueue(ctx, frame)
}

func (c *wsConn) enqueue(ctx context.Context, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) readLoop() {
	defer close(c.requests)
	c.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("gateway closed connection: %w", err)
			}
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if frame.Type != "req" {
			continue
		}
		c.handleRequest(frame)
	}
}

func (c *wsConn) handleRequest(frame wsFrame) {
	ctx := context.Background()
	switch frame.Method {
	case MethodPing:
		ok := true
		_ = c.enqueue(ctx, wsFrame{Type: "res", ID: frame.ID, OK: &ok})
	case MethodInvoke:
		var p invokeParams
		if err := json.Unmarshal(frame.Params, &p); err != nil || strings.TrimSpace(p.Capability) == "" {
			c.reject(frame.ID, ErrCodeInvalid, "invalid invoke params")
			return
		}
		req := Request{ID: frame.ID, Capability: p.Capability, Params: p.Params, CallerDeviceID: p.CallerDeviceID}
		select {
		case c.requests <- req:
		case <-c.done:
		}
	default:
		c.reject(frame.ID, ErrCodeNotFound, "unknown method: "+frame.Method)
	}
}

func (c *wsConn) reject(id, code, message string) {
	ok := false
	_ = c.enqueue(context.Background(), wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
