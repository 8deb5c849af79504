package file

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/onionchat/protocol"
	"github.com/stretchr/testify/require"
)

const (
	testAlice   = "alice"
	testBob     = "bob"
	testTimeout = 3 * time.Second
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// testPeer implements Peer over a fixed connection.
type testPeer struct {
	hostname string
	conn     *protocol.Connection
}

func (p testPeer) Hostname() string                        { return p.hostname }
func (p testPeer) ControlConnection() *protocol.Connection { return p.conn }

// peers is alice and bob joined by a KnownContact connection, each with a
// file manager. Alice sends and bob receives.
type peers struct {
	aliceCtl *protocol.Connection
	bobCtl   *protocol.Connection
	alice    *Manager
	bob      *Manager
	offers   chan *Transfer

	mu        sync.Mutex
	dataConns []*protocol.Connection
	dials     int
}

// newPeers starts both sides. With separateData, bob opens a new connection
// to alice for every transfer's data; otherwise data shares the contact
// connection.
func newPeers(t *testing.T, separateData bool) *peers {
	t.Helper()
	p := &peers{offers: make(chan *Transfer, 4)}

	a, b := net.Pipe()
	p.aliceCtl = protocol.NewConnection(a, protocol.ClientSide, protocol.WithAuthenticatedIdentity(testBob))
	p.bobCtl = protocol.NewConnection(b, protocol.ServerSide, protocol.WithAuthenticatedIdentity(testAlice))
	require.NoError(t, p.aliceCtl.SetPurpose(protocol.PurposeKnownContact))
	require.NoError(t, p.bobCtl.SetPurpose(protocol.PurposeKnownContact))
	t.Cleanup(func() {
		p.aliceCtl.Close()
		p.bobCtl.Close()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.dataConns {
			c.Close()
		}
	})

	p.alice = NewManager(nil)
	var dialer DataDialer
	if separateData {
		dialer = DataDialerFunc(p.dialAlice)
	}
	p.bob = NewManager(dialer)
	p.alice.AttachConnection(p.aliceCtl)
	p.bob.AttachConnection(p.bobCtl)
	p.bob.OnTransferAdded(func(tr *Transfer) {
		if tr.Direction() == TransferIncoming {
			p.offers <- tr
		}
	})

	p.aliceCtl.Start()
	p.bobCtl.Start()
	return p
}

func (p *peers) dialAlice(_ context.Context, hostname string) (*protocol.Connection, error) {
	if hostname != testAlice {
		return nil, fmt.Errorf("unexpected host %q", hostname)
	}
	x, y := net.Pipe()
	bobData := protocol.NewConnection(x, protocol.ClientSide, protocol.WithAuthenticatedIdentity(testAlice))
	aliceData := protocol.NewConnection(y, protocol.ServerSide, protocol.WithAuthenticatedIdentity(testBob))
	if err := bobData.SetPurpose(protocol.PurposeFileTransferData); err != nil {
		return nil, err
	}
	p.alice.AttachConnection(aliceData)

	p.mu.Lock()
	p.dataConns = append(p.dataConns, bobData, aliceData)
	p.dials++
	p.mu.Unlock()

	aliceData.Start()
	bobData.Start()
	return bobData, nil
}

func (p *peers) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func (p *peers) alicePeer() Peer { return testPeer{hostname: testBob, conn: p.aliceCtl} }

func (p *peers) nextOffer(t *testing.T) *Transfer {
	t.Helper()
	select {
	case tr := <-p.offers:
		return tr
	case <-time.After(testTimeout):
		t.Fatal("no offer received")
		return nil
	}
}

// stateLog records every state change of a transfer.
type stateLog struct {
	mu     sync.Mutex
	states []TransferState
}

func recordStates(tr *Transfer) *stateLog {
	l := &stateLog{}
	tr.OnStateChanged(func(_, s TransferState) {
		l.mu.Lock()
		l.states = append(l.states, s)
		l.mu.Unlock()
	})
	return l
}

func (l *stateLog) all() []TransferState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransferState(nil), l.states...)
}

func waitState(t *testing.T, tr *Transfer, want TransferState) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.State() == want },
		testTimeout, 5*time.Millisecond, "transfer %s never reached %s (now %s)", tr.ID(), want, tr.State())
}

// writeSource creates a file of size bytes with a position dependent
// pattern.
func writeSource(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}
