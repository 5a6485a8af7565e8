package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus-node/internal/identity"
)

type gatewayScript func(t *testing.T, ws *websocket.Conn)

// newGateway starts a test gateway that issues a challenge, verifies the
// connect signature and then hands the socket to script.
func newGateway(t *testing.T, accept bool, token string, script gatewayScript) (*httptest.Server, chan bool) {
	t.Helper()
	verified := make(chan bool, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		payload, _ := json.Marshal(challengePayload{Nonce: "nonce-123"})
		if err := ws.WriteJSON(wsFrame{Type: "event", Event: EventChallenge, Payload: payload}); err != nil {
			t.Errorf("write challenge: %v", err)
			return
		}
		var req wsFrame
		if err := ws.ReadJSON(&req); err != nil {
			t.Errorf("read connect: %v", err)
			return
		}
		var p connectParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			t.Errorf("decode connect: %v", err)
			return
		}
		authToken := ""
		if p.Auth != nil {
			authToken = p.Auth.Token
		}
		verified <- req.Method == MethodConnect && p.Device.Nonce == "nonce-123" &&
			identity.VerifyHandshake(p.Device.PublicKey, p.Device.ID, p.Device.Signature,
				p.Client.ID, p.Client.Mode, p.Role, strings.Join(p.Scopes, ","), authToken, p.Device.Nonce)

		ok := accept
		res := wsFrame{Type: "res", ID: req.ID, OK: &ok}
		if accept {
			res.Payload, _ = json.Marshal(map[string]any{
				"protocol": ProtocolVersion,
				"auth":     map[string]any{"deviceToken": token},
			})
		} else {
			res.Error = &wsError{Code: "unauthorized", Message: "bad signature"}
		}
		if err := ws.WriteJSON(res); err != nil {
			t.Errorf("write hello: %v", err)
			return
		}
		if script != nil {
			script(t, ws)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, verified
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newDevice(t *testing.T) *identity.Device {
	t.Helper()
	dev, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	return dev
}

var testHello = Hello{
	ClientID:   "nexus-node",
	ClientMode: "node",
	Version:    "test",
	Role:       "node",
	Scopes:     []string{"node.invoke", "node.events"},
	Token:      "prior-token",
}

func TestWSDialer_HandshakeAndInvoke(t *testing.T) {
	responses := make(chan wsFrame, 2)
	srv, verified := newGateway(t, true, "issued-token", func(t *testing.T, ws *websocket.Conn) {
		params, _ := json.Marshal(invokeParams{
			Capability:     "system.info",
			Params:         map[string]any{"verbose": true},
			CallerDeviceID: "caller-1",
		})
		ws.WriteJSON(wsFrame{Type: "req", ID: "r1", Method: MethodInvoke, Params: params})
		ws.WriteJSON(wsFrame{Type: "req", ID: "r2", Method: "bogus"})
		for i := 0; i < 2; i++ {
			var f wsFrame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			responses <- f
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewWSDialer(wsURL(srv), nil).Dial(ctx, testHello, newDevice(t))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if !<-verified {
		t.Fatal("gateway could not verify the handshake signature")
	}
	if got := conn.IssuedToken(); got != "issued-token" {
		t.Errorf("IssuedToken() = %q, want issued-token", got)
	}

	var req Request
	select {
	case req = <-conn.Requests():
	case <-ctx.Done():
		t.Fatal("no invoke request delivered")
	}
	if req.ID != "r1" || req.Capability != "system.info" || req.CallerDeviceID != "caller-1" {
		t.Errorf("request = %+v", req)
	}
	if req.Params["verbose"] != true {
		t.Errorf("request params = %v", req.Params)
	}
	if err := conn.Respond(ctx, req.ID, true, map[string]any{"hostname": "box"}, ""); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	got := map[string]wsFrame{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-responses:
			got[f.ID] = f
		case <-ctx.Done():
			t.Fatal("gateway did not receive responses")
		}
	}
	if f := got["r1"]; f.OK == nil || !*f.OK || !strings.Contains(string(f.Payload), "box") {
		t.Errorf("invoke response = %+v", f)
	}
	if f := got["r2"]; f.OK == nil || *f.OK || f.Error == nil || f.Error.Code != ErrCodeNotFound {
		t.Errorf("unknown method response = %+v", f)
	}
}

func TestWSDialer_Rejected(t *testing.T) {
	srv, _ := newGateway(t, false, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWSDialer(wsURL(srv), nil).Dial(ctx, testHello, newDevice(t))
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Dial() error = %v, want ErrHandshakeRejected", err)
	}
	if !strings.Contains(err.Error(), "bad signature") {
		t.Errorf("error %q should carry the gateway message", err)
	}
}

func TestWSDialer_HandshakeTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Never send a challenge.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewWSDialer(wsURL(srv), nil).Dial(ctx, testHello, newDevice(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial() error = %v, want deadline exceeded", err)
	}
}

func TestWSDialer_Validation(t *testing.T) {
	if _, err := NewWSDialer("", nil).Dial(context.Background(), testHello, newDevice(t)); err == nil {
		t.Error("Dial() with empty url should fail")
	}
	if _, err := NewWSDialer("ws://127.0.0.1:1", nil).Dial(context.Background(), testHello, nil); err == nil {
		t.Error("Dial() without signer should fail")
	}
}

func TestWSConn_LocalCloseAndRemoteDrop(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newGateway(t, true, "", func(t *testing.T, ws *websocket.Conn) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWSDialer(wsURL(srv), nil).Dial(ctx, testHello, newDevice(t))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.IssuedToken() != "" {
		t.Errorf("IssuedToken() = %q, want empty", conn.IssuedToken())
	}
	conn.Close()
	conn.Close()
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("Done() not closed after Close()")
	}
	if err := conn.Err(); err != nil {
		t.Errorf("Err() after local close = %v, want nil", err)
	}
	if err := conn.Respond(ctx, "x", true, nil, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Respond() after close = %v, want ErrClosed", err)
	}
	close(release)

	// The gateway ends the next session right after the handshake.
	srv2, _ := newGateway(t, true, "", nil)
	conn2, err := NewWSDialer(wsURL(srv2), nil).Dial(ctx, testHello, newDevice(t))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	select {
	case <-conn2.Done():
	case <-ctx.Done():
		t.Fatal("Done() not closed after gateway dropped the connection")
	}
	if conn2.Err() == nil {
		t.Error("Err() should report a remote drop")
	}
	if _, open := <-conn2.Requests(); open {
		t.Error("Requests() should be closed after the connection ends")
	}
}
