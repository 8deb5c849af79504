package protocol

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/onionchat/transport"
	"github.com/stretchr/testify/require"
)

const (
	testClientIdentity = "alice"
	testServerIdentity = "bob"
	testTimeout        = 2 * time.Second
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

// newConnectionPair returns two unstarted connections joined by a pipe.
// The client dialed the server, and each side knows the other's identity.
func newConnectionPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	a, b := net.Pipe()
	client = NewConnection(a, ClientSide, WithAuthenticatedIdentity(testServerIdentity))
	server = NewConnection(b, ServerSide, WithAuthenticatedIdentity(testClientIdentity))
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func startAll(conns ...*Connection) {
	for _, c := range conns {
		c.Start()
	}
}

// onLoop runs fn on the connection's event loop and fails the test on error.
func onLoop(t *testing.T, c *Connection, fn func() error) {
	t.Helper()
	require.NoError(t, c.Do(fn))
}

// rawPeer speaks the frame protocol directly, for driving a Connection with
// hand-built or malformed messages.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

// newRawPeer returns a started Connection on one end of a pipe and a raw
// peer on the other.
func newRawPeer(t *testing.T, direction Direction, opts ...ConnectionOption) (*Connection, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	c := NewConnection(a, direction, opts...)
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, &rawPeer{t: t, conn: b}
}

func (p *rawPeer) sendFrame(channel uint16, data []byte) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	require.NoError(p.t, transport.WritePacket(p.conn, &transport.Packet{Channel: channel, Data: data}))
}

func (p *rawPeer) sendControl(msg *ControlPacket) {
	p.t.Helper()
	data, err := Marshal(msg)
	require.NoError(p.t, err)
	p.sendFrame(transport.ControlChannel, data)
}

func (p *rawPeer) sendMessage(channel uint16, msg any) {
	p.t.Helper()
	data, err := Marshal(msg)
	require.NoError(p.t, err)
	p.sendFrame(channel, data)
}

func (p *rawPeer) readFrame() *transport.Packet {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	packet, err := transport.ReadPacket(p.conn)
	require.NoError(p.t, err)
	return packet
}

func (p *rawPeer) readControl() *ControlPacket {
	p.t.Helper()
	packet := p.readFrame()
	require.Equal(p.t, transport.ControlChannel, packet.Channel)
	var msg ControlPacket
	require.NoError(p.t, Unmarshal(packet.Data, &msg))
	return &msg
}

// expectClosed reads until the Connection closes its end of the pipe.
func (p *rawPeer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		_, err := transport.ReadPacket(p.conn)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			p.t.Fatal("connection was not closed")
		}
		return
	}
}

// memFile is an in-memory io.ReaderAt/io.WriterAt safe for concurrent use.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile(size int) *memFile {
	return &memFile{data: make([]byte, size)}
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *memFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

// signal is a one-shot event recorder usable from the event loop.
type signal struct {
	mu    sync.Mutex
	count int
	ch    chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.count == 1 {
		close(s.ch)
	}
}

func (s *signal) fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *signal) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for signal")
	}
}
