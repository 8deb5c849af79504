package contact

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/onionchat/protocol"
)

const (
	testAlice   = "alice"
	testBob     = "bob"
	testTimeout = 2 * time.Second
)

// fakeConn implements Conn and counts Close calls.
type fakeConn struct {
	name      string
	direction protocol.Direction
	identity  string

	mu         sync.Mutex
	age        time.Duration
	purpose    protocol.Purpose
	connected  bool
	closes     int
	refuseFrom protocol.Purpose
	done       chan struct{}
}

func newFakeConn(name string, direction protocol.Direction, identity string) *fakeConn {
	return &fakeConn{
		name:       name,
		direction:  direction,
		identity:   identity,
		connected:  true,
		refuseFrom: protocol.Purpose(255),
		done:       make(chan struct{}),
	}
}

func (f *fakeConn) String() string { return fmt.Sprintf("fakeConn(%s)", f.name) }

func (f *fakeConn) Direction() protocol.Direction { return f.direction }

func (f *fakeConn) AuthenticatedIdentity() string { return f.identity }

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Age() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.age
}

func (f *fakeConn) setAge(d time.Duration) {
	f.mu.Lock()
	f.age = d
	f.mu.Unlock()
}

func (f *fakeConn) Purpose() protocol.Purpose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purpose
}

func (f *fakeConn) SetPurpose(p protocol.Purpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purpose == f.refuseFrom && p != f.purpose {
		return protocol.ErrPurposeChange
	}
	f.purpose = p
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.connected {
		f.connected = false
		close(f.done)
	}
	return nil
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// newTestContact returns a contact for remote as seen by local.
func newTestContact(t *testing.T, local, remote string) *Contact {
	t.Helper()
	m := NewManager(local)
	c, err := m.Add(remote, remote)
	if err != nil {
		t.Fatalf("Add(%q) failed: %v", remote, err)
	}
	return c
}

// newConnectionPair returns two protocol connections joined by a pipe. They
// are not started. The client authenticated the server as serverIdentity and the server
// authenticated the client as clientIdentity.
func newConnectionPair(t *testing.T, clientIdentity, serverIdentity string) (client, server *protocol.Connection) {
	t.Helper()
	a, b := net.Pipe()
	client = protocol.NewConnection(a, protocol.ClientSide, protocol.WithAuthenticatedIdentity(serverIdentity))
	server = protocol.NewConnection(b, protocol.ServerSide, protocol.WithAuthenticatedIdentity(clientIdentity))
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
