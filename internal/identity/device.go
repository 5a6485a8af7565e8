// Package identity manages the node's long-lived device keypair.
//
// The device ID is the hex SHA-256 of the raw ed25519 public key, so it is
// stable for as long as the key file survives. Handshakes with the gateway
// are signed over a canonical pipe-joined payload (see HandshakePayload).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCorruptKey is returned when the key file exists but cannot be decoded.
// The file is left untouched; replacing it would change the device ID.
var ErrCorruptKey = errors.New("identity: corrupt device key file")

// HandshakeVersion prefixes every signed handshake payload.
const HandshakeVersion = "v2"

const keyFileVersion = 1

type keyFile struct {
	Version    int       `json:"version"`
	PrivateKey string    `json:"private_key"`
	Token      string    `json:"token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Device is a loaded device identity. It is safe for concurrent use.
type Device struct {
	path      string
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	deviceID  string
	publicKey string
	createdAt time.Time

	mu    sync.RWMutex
	token string
}

var (
	loadedMu sync.Mutex
	loaded   = make(map[string]*Device)
)

// LoadOrCreate returns the identity stored at path, generating and
// persisting a new keypair if the file does not exist. Repeated calls for
// the same path in one process return the same *Device.
func LoadOrCreate(path string) (*Device, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity: key path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve key path: %w", err)
	}

	loadedMu.Lock()
	defer loadedMu.Unlock()
	if d, ok := loaded[abs]; ok {
		return d, nil
	}

	d, err := load(abs)
	if errors.Is(err, fs.ErrNotExist) {
		d, err = create(abs)
	}
	if err != nil {
		return nil, err
	}
	loaded[abs] = d
	return d, nil
}

func load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	der, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, not ed25519", ErrCorruptKey, parsed)
	}
	d := newDevice(path, priv, kf.CreatedAt)
	d.token = kf.Token
	return d, nil
}

func create(path string) (*Device, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	d := newDevice(path, priv, time.Now().UTC())

	data, err := d.marshal()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("identity: create key directory: %w", err)
	}

	tmp, err := writeTemp(path, data)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	// Link fails if another process created the file first; its key wins.
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return load(path)
		}
		return nil, fmt.Errorf("identity: persist key: %w", err)
	}
	return d, nil
}

func newDevice(path string, priv ed25519.PrivateKey, createdAt time.Time) *Device {
	pub := priv.Public().(ed25519.PublicKey) //nolint:errcheck // type is guaranteed by ed25519
	sum := sha256.Sum256(pub)
	return &Device{
		path:      path,
		priv:      priv,
		pub:       pub,
		deviceID:  hex.EncodeToString(sum[:]),
		publicKey: base64.RawURLEncoding.EncodeToString(pub),
		createdAt: createdAt,
	}
}

func (d *Device) marshal() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(d.priv)
	if err != nil {
		return nil, fmt.Errorf("identity: encode key: %w", err)
	}
	d.mu.RLock()
	kf := keyFile{
		Version:    keyFileVersion,
		PrivateKey: base64.StdEncoding.EncodeToString(der),
		Token:      d.token,
		CreatedAt:  d.createdAt,
	}
	d.mu.RUnlock()
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("identity: encode key file: %w", err)
	}
	return data, nil
}

func writeTemp(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("identity: create temp key file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("identity: chmod temp key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("identity: write temp key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("identity: sync temp key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("identity: close temp key file: %w", err)
	}
	return name, nil
}

// DeviceID returns the hex SHA-256 of the public key.
func (d *Device) DeviceID() string { return d.deviceID }

// PublicKey returns the raw public key as unpadded base64url.
func (d *Device) PublicKey() string { return d.publicKey }

// Path returns the key file location.
func (d *Device) Path() string { return d.path }

// CreatedAt returns when the keypair was generated.
func (d *Device) CreatedAt() time.Time { return d.createdAt }

// Token returns the last device token issued by the gateway, if any.
func (d *Device) Token() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// UsableToken returns the stored token unless it is a JWT whose expiry has
// passed, in which case the token is cleared and "" is returned.
func (d *Device) UsableToken(now time.Time) string {
	token := d.Token()
	if token == "" || !TokenExpired(token, now) {
		return token
	}
	_ = d.SetToken("")
	return ""
}

// SetToken stores and persists a gateway-issued device token.
func (d *Device) SetToken(token string) error {
	d.mu.Lock()
	if d.token == token {
		d.mu.Unlock()
		return nil
	}
	d.token = token
	d.mu.Unlock()

	data, err := d.marshal()
	if err != nil {
		return err
	}
	tmp, err := writeTemp(d.path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity: persist token: %w", err)
	}
	return nil
}

// HandshakePayload builds the canonical byte string signed during the
// gateway handshake: the version tag, device ID and arguments joined by "|"
// as UTF-8, with the nonce last.
func HandshakePayload(deviceID, clientID, clientMode, role, scopesCSV, token, nonce string) []byte {
	return []byte(strings.Join([]string{
		HandshakeVersion, deviceID, clientID, clientMode, role, scopesCSV, token, nonce,
	}, "|"))
}

// SignHandshake signs the handshake payload and returns the signature as
// unpadded base64url. Different nonces always yield different signatures.
func (d *Device) SignHandshake(nonce, clientID, clientMode, role, scopesCSV, token string) string {
	payload := HandshakePayload(d.deviceID, clientID, clientMode, role, scopesCSV, token, nonce)
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(d.priv, payload))
}

// VerifyHandshake checks a handshake signature against a base64url public
// key. It also confirms that deviceID is derived from that key.
func VerifyHandshake(publicKey, deviceID, signature string, clientID, clientMode, role, scopesCSV, token, nonce string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sum := sha256.Sum256(pub)
	if hex.EncodeToString(sum[:]) != deviceID {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	payload := HandshakePayload(deviceID, clientID, clientMode, role, scopesCSV, token, nonce)
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// TokenExpired reports whether token is a JWT whose exp claim is before
// now. Opaque (non-JWT) tokens never expire from the node's point of view;
// the gateway remains the authority.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
