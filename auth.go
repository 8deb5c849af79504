package onionchat

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

// Authenticator proves the identities of both ends of a fresh stream
// connection before any protocol frame is exchanged.
type Authenticator interface {
	// AuthenticateInbound runs the server side of the handshake and returns
	// the peer's onion hostname.
	AuthenticateInbound(ctx context.Context, conn net.Conn) (string, error)
	// AuthenticateOutbound runs the client side and fails unless the peer
	// proves it is hostname.
	AuthenticateOutbound(ctx context.Context, conn net.Conn, hostname string) error
}

var (
	// ErrAuthenticationFailed indicates a peer that did not prove its identity.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnexpectedPeer indicates a peer that proved a different identity
	// than the one dialed.
	ErrUnexpectedPeer = errors.New("peer identity does not match dialed hostname")
)

const (
	authVersion   = 1
	authNonceSize = 32
	authAccepted  = 1

	authServerContext = "onionchat auth server"
	authClientContext = "onionchat auth client"
)

// KeyAuthenticator authenticates with the ed25519 key of the onion service.
// Each side signs both nonces with its service key, and the hostname is
// derived from the key, so a successful handshake proves ownership of the
// onion address.
//
// Handshake:
//
//	client -> server  version(1) | client key(32) | client nonce(32)
//	server -> client  server key(32) | server nonce(32) | server signature(64)
//	client -> server  client signature(64)
//	server -> client  accepted(1)
type KeyAuthenticator struct {
	key      ed25519.PrivateKey
	hostname string
}

// NewKeyAuthenticator creates an authenticator for the service key.
func NewKeyAuthenticator(key ed25519.PrivateKey) (*KeyAuthenticator, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(key))
	}
	hostname, err := transport.OnionHostnameFromKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &KeyAuthenticator{key: key, hostname: hostname}, nil
}

// Hostname returns the onion hostname of the authenticator's key.
func (a *KeyAuthenticator) Hostname() string { return a.hostname }

// AuthenticateInbound implements Authenticator.
func (a *KeyAuthenticator) AuthenticateInbound(ctx context.Context, conn net.Conn) (string, error) {
	defer bindDeadline(ctx, conn)()

	hello := make([]byte, 1+ed25519.PublicKeySize+authNonceSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if hello[0] != authVersion {
		return "", fmt.Errorf("%w: version %d", ErrAuthenticationFailed, hello[0])
	}
	clientKey := ed25519.PublicKey(hello[1 : 1+ed25519.PublicKeySize])
	clientNonce := hello[1+ed25519.PublicKeySize:]

	serverNonce, err := newNonce()
	if err != nil {
		return "", err
	}
	serverKey := a.key.Public().(ed25519.PublicKey)
	reply := make([]byte, 0, ed25519.PublicKeySize+authNonceSize+ed25519.SignatureSize)
	reply = append(reply, serverKey...)
	reply = append(reply, serverNonce...)
	reply = append(reply, ed25519.Sign(a.key, transcript(authServerContext, serverKey, clientNonce, serverNonce))...)
	if _, err := conn.Write(reply); err != nil {
		return "", fmt.Errorf("write challenge: %w", err)
	}

	proof := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(conn, proof); err != nil {
		return "", fmt.Errorf("read proof: %w", err)
	}
	if !ed25519.Verify(clientKey, transcript(authClientContext, clientKey, serverNonce, clientNonce), proof) {
		logrus.WithFields(logrus.Fields{
			"function": "AuthenticateInbound",
			"remote":   conn.RemoteAddr().String(),
			"fault":    "remote",
		}).Warn("Client signature did not verify")
		return "", fmt.Errorf("%w: bad client signature", ErrAuthenticationFailed)
	}

	identity, err := transport.OnionHostnameFromKey(clientKey)
	if err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte{authAccepted}); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return identity, nil
}

// AuthenticateOutbound implements Authenticator.
func (a *KeyAuthenticator) AuthenticateOutbound(ctx context.Context, conn net.Conn, hostname string) error {
	defer bindDeadline(ctx, conn)()

	clientNonce, err := newNonce()
	if err != nil {
		return err
	}
	clientKey := a.key.Public().(ed25519.PublicKey)
	hello := make([]byte, 0, 1+ed25519.PublicKeySize+authNonceSize)
	hello = append(hello, authVersion)
	hello = append(hello, clientKey...)
	hello = append(hello, clientNonce...)
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	reply := make([]byte, ed25519.PublicKeySize+authNonceSize+ed25519.SignatureSize)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	serverKey := ed25519.PublicKey(reply[:ed25519.PublicKeySize])
	serverNonce := reply[ed25519.PublicKeySize : ed25519.PublicKeySize+authNonceSize]
	signature := reply[ed25519.PublicKeySize+authNonceSize:]

	serverHostname, err := transport.OnionHostnameFromKey(serverKey)
	if err != nil {
		return err
	}
	if serverHostname != transport.NormalizeHostname(hostname) {
		return fmt.Errorf("%w: dialed %s, reached %s", ErrUnexpectedPeer, transport.NormalizeHostname(hostname), serverHostname)
	}
	if !ed25519.Verify(serverKey, transcript(authServerContext, serverKey, clientNonce, serverNonce), signature) {
		return fmt.Errorf("%w: bad server signature", ErrAuthenticationFailed)
	}

	proof := ed25519.Sign(a.key, transcript(authClientContext, clientKey, serverNonce, clientNonce))
	if _, err := conn.Write(proof); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if result[0] != authAccepted {
		return ErrAuthenticationFailed
	}
	return nil
}

// transcript is the signed message: label | signer key | peer nonce | own nonce.
func transcript(label string, key ed25519.PublicKey, peerNonce, ownNonce []byte) []byte {
	var b bytes.Buffer
	b.WriteString(label)
	b.Write(key)
	b.Write(peerNonce)
	b.Write(ownNonce)
	return b.Bytes()
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// bindDeadline applies ctx's deadline and cancellation to conn until the
// returned function is called.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}
