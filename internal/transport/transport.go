// Package transport connects a node to its gateway and carries capability
// invocations in both directions. The Node depends only on the Dialer and
// Conn interfaces; WSDialer is the websocket implementation.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrHandshakeRejected is returned when the gateway refuses the connect request.
	ErrHandshakeRejected = errors.New("gateway rejected handshake")

	// ErrClosed is returned when writing to a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Request is one inbound capability invocation.
type Request struct {
	ID             string         `json:"id"`
	Capability     string         `json:"capability"`
	Params         map[string]any `json:"params,omitempty"`
	CallerDeviceID string         `json:"callerDeviceId"`
}

// Hello describes this node to the gateway during the handshake.
type Hello struct {
	ClientID     string
	ClientMode   string
	Version      string
	Role         string
	Scopes       []string
	Token        string
	Capabilities []string
}

// Signer proves the node's device identity.
type Signer interface {
	DeviceID() string
	PublicKey() string
	SignHandshake(nonce, clientID, clientMode, role, scopesCSV, token string) string
}

// Dialer opens an authenticated connection.
type Dialer interface {
	Dial(ctx context.Context, hello Hello, signer Signer) (Conn, error)
}

// Conn is an established gateway connection.
type Conn interface {
	// Requests delivers inbound invocations. It is closed when the connection ends.
	Requests() <-chan Request

	// Respond answers a request.
	Respond(ctx context.Context, requestID string, ok bool, payload any, errMsg string) error

	// SendEvent pushes an unsolicited event to the gateway.
	SendEvent(ctx context.Context, event string, payload any) error

	// IssuedToken is the device token granted during the handshake, if any.
	IssuedToken() string

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Err reports why the connection ended; nil after a local Close.
	Err() error

	// Close shuts the connection down. It is safe to call more than once.
	Close() error
}
