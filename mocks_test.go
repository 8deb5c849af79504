package onionchat

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/onionchat/protocol"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// newTestAuthenticator returns an authenticator for a fresh service key.
func newTestAuthenticator(t *testing.T) *KeyAuthenticator {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth, err := NewKeyAuthenticator(key)
	require.NoError(t, err)
	return auth
}

// testOptions returns loopback options suitable for tests. Keep-alives and
// redials only happen once, when Run starts.
func testOptions(t *testing.T, hostname, nickname string) *Options {
	opts := NewOptions()
	opts.Hostname = hostname
	opts.Nickname = nickname
	opts.ListenAddress = "127.0.0.1:0"
	opts.DownloadDir = t.TempDir()
	opts.KeepAliveInterval = time.Hour
	opts.HandshakeTimeout = 2 * time.Second
	opts.DialTimeout = time.Second
	return opts
}

// testClient is a listening client with its own identity.
type testClient struct {
	*Client
	auth *KeyAuthenticator
}

func newTestClient(t *testing.T, nickname string) *testClient {
	t.Helper()
	auth := newTestAuthenticator(t)
	c, err := New(testOptions(t, auth.Hostname(), nickname), auth)
	require.NoError(t, err)
	_, err = c.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &testClient{Client: c, auth: auth}
}

// knows makes c dial other at its loopback address and, with nickname set,
// adds other as a contact.
func (c *testClient) knows(t *testing.T, other *testClient, nickname string) {
	t.Helper()
	require.NoError(t, c.AddPeerAddress(other.Hostname(), other.listener.Addr().String()))
	if nickname != "" {
		_, err := c.contacts.Add(other.Hostname(), nickname)
		require.NoError(t, err)
	}
}

// refusedAddress returns a loopback address nothing listens on.
func refusedAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// run starts Run and stops it when the test ends.
func (c *testClient) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(testTimeout):
			t.Error("Run did not return")
		}
	})
}

// contactConn returns the connection c holds for the contact hostname.
func (c *testClient) contactConn(hostname string) *protocol.Connection {
	ct := c.contacts.Lookup(hostname)
	if ct == nil {
		return nil
	}
	conn, _ := ct.Connection().(*protocol.Connection)
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	return conn
}

// waitPaired waits until a and b hold opposite ends of one connection.
func waitPaired(t *testing.T, a, b *testClient) {
	t.Helper()
	require.Eventually(t, func() bool {
		ac := a.contactConn(b.Hostname())
		bc := b.contactConn(a.Hostname())
		return ac != nil && bc != nil &&
			ac.Direction() != bc.Direction() &&
			ac.Purpose() == protocol.PurposeKnownContact &&
			bc.Purpose() == protocol.PurposeKnownContact
	}, testTimeout, 10*time.Millisecond, "clients never settled on one connection")
}
