package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/onionchat/limits"
	"github.com/opd-ai/onionchat/protocol"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected indicates the peer has no usable contact connection.
	ErrNotConnected = errors.New("peer is not connected")

	// ErrNotRegularFile indicates a source path that is not a regular file.
	ErrNotRegularFile = errors.New("not a regular file")
)

// Peer is the contact a file is sent to.
type Peer interface {
	Hostname() string
	// ControlConnection returns the contact's KnownContact connection, or
	// nil when offline.
	ControlConnection() *protocol.Connection
}

// DataDialer opens the data connection an incoming transfer streams over.
// The returned connection is started, authenticated as hostname and
// classified as a file transfer data connection.
type DataDialer interface {
	DialData(ctx context.Context, hostname string) (*protocol.Connection, error)
}

// DataDialerFunc adapts a function to DataDialer.
type DataDialerFunc func(ctx context.Context, hostname string) (*protocol.Connection, error)

// DialData implements DataDialer.
func (f DataDialerFunc) DialData(ctx context.Context, hostname string) (*protocol.Connection, error) {
	return f(ctx, hostname)
}

// Manager tracks the transfers in progress and routes inbound offers and
// data channels to them. Transfers leave the manager when they end.
type Manager struct {
	dialer       DataDialer
	timeProvider protocol.TimeProvider
	stallTimeout time.Duration

	mu              sync.RWMutex
	transfers       map[TransferID]*Transfer
	addedHandlers   []func(*Transfer)
	removedHandlers []func(*Transfer)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeProvider sets the clock used for rates and stall detection.
func WithTimeProvider(tp protocol.TimeProvider) ManagerOption {
	return func(m *Manager) {
		m.timeProvider = tp
	}
}

// WithStallTimeout sets the stall timeout of new transfers; zero disables
// stall detection.
func WithStallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.stallTimeout = d
	}
}

// NewManager creates a transfer manager. With a nil dialer, incoming data is
// received on the contact connection itself.
func NewManager(dialer DataDialer, opts ...ManagerOption) *Manager {
	logrus.WithFields(logrus.Fields{
		"function":    "file.NewManager",
		"data_dialer": dialer != nil,
	}).Info("Creating new file transfer manager")

	m := &Manager{
		dialer:       dialer,
		timeProvider: protocol.DefaultTimeProvider{},
		stallTimeout: DefaultStallTimeout,
		transfers:    make(map[TransferID]*Transfer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AttachConnection lets the manager receive offers and serve data channels
// on conn. Call it before conn.Start.
func (m *Manager) AttachConnection(conn *protocol.Connection) {
	conn.OnChannelOpened(func(ch protocol.Channel) {
		offer, ok := ch.(*protocol.FileTransferChannel)
		if !ok || offer.Direction() != protocol.Inbound {
			return
		}
		m.acceptOffer(offer)
	})
	conn.OnDataChannelRequest(m.claimData)
}

// SendFile prepares an outgoing transfer of the file at path. Call Start on
// the result to offer it.
func (m *Manager) SendFile(peer Peer, path string) (*Transfer, error) {
	fields := logrus.Fields{
		"function": "SendFile",
		"peer":     peer.Hostname(),
		"path":     path,
	}

	conn := peer.ControlConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, fmt.Errorf("send %s: %w", peer.Hostname(), ErrNotConnected)
	}
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Failed to open file for sending")
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, safePath)
	}
	size := uint64(info.Size())
	if err := limits.ValidateFileSize(size); err != nil {
		f.Close()
		return nil, err
	}

	name := filepath.Base(safePath)
	if err := limits.ValidateFileName(name); err != nil {
		f.Close()
		return nil, err
	}

	t := newTransfer(m, NewTransferID(), TransferOutgoing, transport.NormalizeHostname(peer.Hostname()), name, size)
	t.file = f
	t.path = safePath
	t.control = conn
	m.add(t)

	fields["transfer_id"] = t.id.String()
	fields["file_size"] = size
	logrus.WithFields(fields).Info("Prepared outgoing transfer")
	return t, nil
}

// acceptOffer records an inbound offer. It runs on the contact connection's
// event loop.
func (m *Manager) acceptOffer(ch *protocol.FileTransferChannel) {
	conn := ch.Connection()
	fields := logrus.Fields{
		"function":  "acceptOffer",
		"identity":  conn.AuthenticatedIdentity(),
		"file_name": ch.FileName(),
		"file_size": ch.FileSize(),
	}

	id, err := ParseTransferID(ch.TransferID())
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Offer with invalid transfer id")
		ch.SendCancel(false)
		return
	}
	if m.Transfer(id) != nil {
		fields["transfer_id"] = id.String()
		logrus.WithFields(fields).Warn("Offer reuses an active transfer id")
		ch.SendCancel(false)
		return
	}

	t := newTransfer(m, id, TransferIncoming, transport.NormalizeHostname(conn.AuthenticatedIdentity()), ch.FileName(), ch.FileSize())
	t.state = StateOffer
	t.control = conn
	t.controlCh = ch
	ch.OnCancel(t.peerCanceled)
	ch.OnClosed(t.controlClosed)
	m.add(t)

	fields["transfer_id"] = id.String()
	logrus.WithFields(fields).Info("Received file offer")
}

// claimData hands an inbound data channel to the outgoing transfer it names.
func (m *Manager) claimData(ch *protocol.FileTransferDataChannel) bool {
	id, err := ParseTransferID(ch.TransferID())
	if err != nil {
		return false
	}
	t := m.Transfer(id)
	if t == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "claimData",
			"transfer_id": id.String(),
			"identity":    ch.Connection().AuthenticatedIdentity(),
		}).Warn("Data channel for unknown transfer")
		return false
	}
	return t.claim(ch)
}

// Transfer returns the transfer with the given id, or nil.
func (m *Manager) Transfer(id TransferID) *Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transfers[id]
}

// Transfers returns the transfers in progress ordered by id.
func (m *Manager) Transfers() []*Transfer {
	m.mu.RLock()
	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// CheckStalled fails every active transfer that stopped moving data and
// returns how many it failed.
func (m *Manager) CheckStalled() int {
	failed := 0
	for _, t := range m.Transfers() {
		if t.CheckTimeout() != nil {
			failed++
		}
	}
	return failed
}

// CancelAll cancels every transfer in progress.
func (m *Manager) CancelAll() {
	for _, t := range m.Transfers() {
		t.Cancel()
	}
}

// OnTransferAdded registers a callback for new transfers, including inbound
// offers. It may run on a connection's event loop.
func (m *Manager) OnTransferAdded(fn func(*Transfer)) {
	m.mu.Lock()
	m.addedHandlers = append(m.addedHandlers, fn)
	m.mu.Unlock()
}

// OnTransferRemoved registers a callback for transfers that ended.
func (m *Manager) OnTransferRemoved(fn func(*Transfer)) {
	m.mu.Lock()
	m.removedHandlers = append(m.removedHandlers, fn)
	m.mu.Unlock()
}

func (m *Manager) add(t *Transfer) {
	m.mu.Lock()
	m.transfers[t.id] = t
	handlers := append([]func(*Transfer){}, m.addedHandlers...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(t)
	}
}

func (m *Manager) remove(t *Transfer) {
	m.mu.Lock()
	if m.transfers[t.id] != t {
		m.mu.Unlock()
		return
	}
	delete(m.transfers, t.id)
	handlers := append([]func(*Transfer){}, m.removedHandlers...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(t)
	}
}
