package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/onionchat/protocol"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransferState indicates an operation the transfer's state or
	// direction does not allow.
	ErrTransferState = errors.New("operation not valid in transfer state")

	// ErrNoDestination indicates an incoming transfer started without a
	// destination file.
	ErrNoDestination = errors.New("no destination file")

	// ErrStartPosition indicates a resume offset at or past the end of the file.
	ErrStartPosition = errors.New("start position past the end of the file")

	// ErrControlLost indicates the control channel closed before the
	// transfer ended.
	ErrControlLost = errors.New("control channel closed")

	// ErrDataLost indicates the data channel closed before all data was
	// transferred.
	ErrDataLost = errors.New("data channel closed before the transfer finished")

	// ErrTransferStalled indicates that a transfer has not received data within the timeout period.
	ErrTransferStalled = errors.New("transfer stalled: no data received within timeout period")
)

// DefaultStallTimeout is the default timeout duration for detecting stalled transfers.
// Active transfers that move no data for this duration fail.
const DefaultStallTimeout = 30 * time.Second

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferIncoming represents a file being received.
	TransferIncoming TransferDirection = iota
	// TransferOutgoing represents a file being sent.
	TransferOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// StateUnknown is an outgoing transfer that has not been offered yet.
	StateUnknown TransferState = iota
	// StateOffer is an offer waiting for the recipient to start it.
	StateOffer
	// StateActive is a started transfer moving data.
	StateActive
	// StateFinished is a transfer whose data all arrived.
	StateFinished
	// StateCanceled is a transfer either side canceled.
	StateCanceled
	// StateError is a transfer that failed.
	StateError
)

func (s TransferState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOffer:
		return "offer"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("TransferState(%d)", uint8(s))
	}
}

// IsTerminal reports whether the state is final.
func (s TransferState) IsTerminal() bool {
	return s == StateFinished || s == StateCanceled || s == StateError
}

// Transfer is one file moving between two peers.
//
// A transfer talks to its peer through two channels: the control channel on
// the contact connection carries the offer, start, cancel and finished
// messages, and a data channel streams the bytes. Channel operations are
// posted to the owning connection's event loop, so every Transfer method is
// safe from any goroutine.
type Transfer struct {
	id           TransferID
	direction    TransferDirection
	peer         string
	fileName     string
	fileSize     uint64
	manager      *Manager
	timeProvider protocol.TimeProvider
	rate         *RateEstimator

	mu            sync.Mutex
	state         TransferState
	err           error
	transferred   uint64
	startPosition uint64
	file          *os.File
	path          string
	control       *protocol.Connection
	controlCh     *protocol.FileTransferChannel
	dataConn      *protocol.Connection
	dataCh        *protocol.FileTransferDataChannel
	dataComplete  bool
	cancelDial    context.CancelFunc
	lastActivity  time.Time
	stallTimeout  time.Duration

	stateHandlers    []func(old, new TransferState)
	progressHandlers []func(transferred uint64)
	startedHandlers  []func()
}

func newTransfer(m *Manager, id TransferID, direction TransferDirection, peer, fileName string, fileSize uint64) *Transfer {
	return &Transfer{
		id:           id,
		direction:    direction,
		peer:         peer,
		fileName:     fileName,
		fileSize:     fileSize,
		manager:      m,
		timeProvider: m.timeProvider,
		rate:         NewRateEstimator(m.timeProvider),
		stallTimeout: m.stallTimeout,
	}
}

// ID returns the transfer identifier.
func (t *Transfer) ID() TransferID { return t.id }

// Direction reports whether the file is sent or received.
func (t *Transfer) Direction() TransferDirection { return t.direction }

// Peer returns the hostname of the other side.
func (t *Transfer) Peer() string { return t.peer }

// FileName returns the offered name. Incoming names are sanitized.
func (t *Transfer) FileName() string { return t.fileName }

// FileSize returns the size in bytes.
func (t *Transfer) FileSize() uint64 { return t.fileSize }

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of a transfer in StateError.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Transferred returns the bytes moved so far, counted from the start of the
// file.
func (t *Transfer) Transferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// LocalPath returns the source or destination path on this machine.
func (t *Transfer) LocalPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Rate returns the recent throughput in bytes per second.
func (t *Transfer) Rate() uint64 { return t.rate.Rate() }

// Progress returns the completion percentage.
func (t *Transfer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fileSize == 0 {
		return 0
	}
	return float64(t.transferred) / float64(t.fileSize) * 100
}

// EstimatedTimeRemaining extrapolates the current rate. It returns zero when
// nothing is moving.
func (t *Transfer) EstimatedTimeRemaining() time.Duration {
	rate := t.Rate()
	t.mu.Lock()
	remaining := t.fileSize - t.transferred
	t.mu.Unlock()
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(remaining) / float64(rate) * float64(time.Second))
}

// OnStateChanged registers a callback for state changes. Each terminal state
// is reported once.
func (t *Transfer) OnStateChanged(fn func(old, new TransferState)) {
	t.mu.Lock()
	t.stateHandlers = append(t.stateHandlers, fn)
	t.mu.Unlock()
}

// OnProgress registers a callback receiving the transferred byte count.
func (t *Transfer) OnProgress(fn func(transferred uint64)) {
	t.mu.Lock()
	t.progressHandlers = append(t.progressHandlers, fn)
	t.mu.Unlock()
}

// OnStarted registers a callback for the transfer becoming active.
func (t *Transfer) OnStarted(fn func()) {
	t.mu.Lock()
	t.startedHandlers = append(t.startedHandlers, fn)
	t.mu.Unlock()
}

// SetStallTimeout sets the inactivity limit for active transfers; zero
// disables it.
func (t *Transfer) SetStallTimeout(timeout time.Duration) {
	t.mu.Lock()
	t.stallTimeout = timeout
	t.mu.Unlock()
}

// SetDestination opens the file an incoming transfer is written to. The file
// is created if missing and not truncated, so a partial download can be
// resumed with SetStartPosition.
func (t *Transfer) SetDestination(path string) error {
	safePath, err := ValidatePath(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.direction != TransferIncoming || t.state != StateOffer {
		return fmt.Errorf("set destination: %w (%s %s)", ErrTransferState, t.direction, t.state)
	}

	f, err := os.OpenFile(safePath, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "SetDestination",
			"transfer_id": t.id.String(),
			"path":        safePath,
			"error":       err.Error(),
		}).Error("Failed to open destination file")
		return err
	}
	if t.file != nil {
		t.file.Close()
	}
	t.file = f
	t.path = safePath
	return nil
}

// SetStartPosition makes an incoming transfer resume at pos instead of the
// beginning of the file.
func (t *Transfer) SetStartPosition(pos uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.direction != TransferIncoming || t.state != StateOffer {
		return fmt.Errorf("set start position: %w (%s %s)", ErrTransferState, t.direction, t.state)
	}
	if pos >= t.fileSize {
		return fmt.Errorf("%w: %d of %d", ErrStartPosition, pos, t.fileSize)
	}
	t.startPosition = pos
	return nil
}

// Start offers an outgoing file to the peer, or accepts an incoming offer
// and starts receiving into the destination file.
func (t *Transfer) Start() error {
	if t.direction == TransferOutgoing {
		return t.startOutgoing()
	}
	return t.startIncoming()
}

func (t *Transfer) startOutgoing() error {
	t.mu.Lock()
	conn := t.control
	t.mu.Unlock()

	if !t.advance(StateUnknown, StateOffer) {
		return fmt.Errorf("start: %w (%s)", ErrTransferState, t.State())
	}
	if !conn.Post(func() { t.openOffer(conn) }) {
		t.fail(protocol.ErrConnectionClosed)
		return protocol.ErrConnectionClosed
	}
	return nil
}

// openOffer runs on the contact connection's event loop.
func (t *Transfer) openOffer(conn *protocol.Connection) {
	ch := protocol.NewFileTransferChannel(conn, t.fileName, t.fileSize, t.id.Bytes())
	ch.OnStart(t.peerStarted)
	ch.OnCancel(t.peerCanceled)
	ch.OnFinished(func() { t.finish(StateFinished, nil) })
	ch.OnClosed(t.controlClosed)

	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.controlCh = ch
	t.mu.Unlock()

	if err := conn.OpenChannel(ch); err != nil {
		t.fail(fmt.Errorf("offer: %w", err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Transfer.Start",
		"transfer_id": t.id.String(),
		"peer":        t.peer,
		"file_name":   t.fileName,
		"file_size":   t.fileSize,
	}).Info("Offered file")
}

func (t *Transfer) startIncoming() error {
	t.mu.Lock()
	if t.state != StateOffer {
		t.mu.Unlock()
		return fmt.Errorf("start: %w (%s)", ErrTransferState, t.state)
	}
	if t.file == nil {
		t.mu.Unlock()
		return ErrNoDestination
	}
	conn, ch := t.control, t.controlCh
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelDial = cancel
	t.transferred = t.startPosition
	t.mu.Unlock()

	if !t.advance(StateOffer, StateActive) {
		cancel()
		return fmt.Errorf("start: %w (%s)", ErrTransferState, t.State())
	}

	posted := conn.Post(func() {
		if err := ch.SendStart(); err != nil {
			t.fail(err)
			return
		}
		if t.manager.dialer == nil {
			t.openData(conn)
			return
		}
		go t.dialData(ctx)
	})
	if !posted {
		t.fail(protocol.ErrConnectionClosed)
		return protocol.ErrConnectionClosed
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Transfer.Start",
		"transfer_id":    t.id.String(),
		"peer":           t.peer,
		"start_position": t.startPosition,
	}).Info("Accepted file offer")
	return nil
}

func (t *Transfer) dialData(ctx context.Context) {
	conn, err := t.manager.dialer.DialData(ctx, t.peer)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Transfer.dialData",
			"transfer_id": t.id.String(),
			"peer":        t.peer,
			"error":       err.Error(),
		}).Warn("Failed to open data connection")
		t.fail(fmt.Errorf("data connection: %w", err))
		return
	}
	if !conn.Post(func() { t.openData(conn) }) {
		t.fail(fmt.Errorf("data connection: %w", protocol.ErrConnectionClosed))
	}
}

// openData opens the receiving end of the data channel. It runs on the data
// connection's event loop.
func (t *Transfer) openData(conn *protocol.Connection) {
	t.mu.Lock()
	if t.state != StateActive {
		separate := conn != t.control
		t.mu.Unlock()
		if separate {
			conn.Close()
		}
		return
	}
	ch := protocol.NewFileTransferDataChannel(conn, t.id.Bytes(), t.file, t.startPosition, t.fileSize)
	t.dataConn, t.dataCh = conn, ch
	t.mu.Unlock()

	t.watchData(ch)
	if err := conn.OpenChannel(ch); err != nil {
		t.fail(fmt.Errorf("data channel: %w", err))
	}
}

// claim attaches an inbound data channel to this outgoing transfer. It runs
// on the data connection's event loop. A data request arriving before the
// start message counts as the start.
func (t *Transfer) claim(ch *protocol.FileTransferDataChannel) bool {
	conn := ch.Connection()
	fields := logrus.Fields{
		"function":    "Transfer.claim",
		"transfer_id": t.id.String(),
		"identity":    conn.AuthenticatedIdentity(),
	}

	if transport.NormalizeHostname(conn.AuthenticatedIdentity()) != t.peer {
		logrus.WithFields(fields).Warn("Data channel from a different peer")
		return false
	}

	t.mu.Lock()
	if t.direction != TransferOutgoing || (t.state != StateOffer && t.state != StateActive) || t.dataCh != nil {
		t.mu.Unlock()
		logrus.WithFields(fields).Warn("Transfer cannot take a data channel")
		return false
	}
	if conn.Purpose() == protocol.PurposeUnknown {
		if err := conn.SetPurpose(protocol.PurposeFileTransferData); err != nil {
			t.mu.Unlock()
			return false
		}
	}
	ch.Claim(t.file, t.fileSize)
	t.dataConn, t.dataCh = conn, ch
	t.dataComplete = false
	t.mu.Unlock()

	t.advance(StateOffer, StateActive)
	t.watchData(ch)
	logrus.WithFields(fields).Info("Claimed data channel")
	return true
}

func (t *Transfer) watchData(ch *protocol.FileTransferDataChannel) {
	ch.OnDataTransferred(func(n uint64) { t.progress(ch.DataPosition(), n) })
	ch.OnFinished(func() { t.dataFinished(ch) })
	ch.OnClosed(func() { t.dataClosed(ch) })
}

func (t *Transfer) progress(position, n uint64) {
	t.rate.Add(n)

	t.mu.Lock()
	t.transferred = position
	t.lastActivity = t.timeProvider.Now()
	handlers := append([]func(uint64){}, t.progressHandlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(position)
	}
}

// dataFinished runs on the data connection's loop after the last packet.
// The recipient confirms on the control channel; the sender waits for that
// confirmation.
func (t *Transfer) dataFinished(ch *protocol.FileTransferDataChannel) {
	t.mu.Lock()
	if t.dataCh != ch {
		t.mu.Unlock()
		return
	}
	t.dataComplete = true
	conn, cch := t.control, t.controlCh
	t.mu.Unlock()

	if t.direction == TransferOutgoing {
		return
	}
	posted := conn.Post(func() {
		if t.finish(StateFinished, nil) && cch.IsOpen() {
			cch.SendFinished()
		}
	})
	if !posted {
		t.finish(StateFinished, nil)
	}
}

func (t *Transfer) dataClosed(ch *protocol.FileTransferDataChannel) {
	t.mu.Lock()
	if t.dataCh != ch {
		t.mu.Unlock()
		return
	}
	complete := t.dataComplete
	conn := t.dataConn
	separate := conn != t.control
	t.dataCh = nil
	t.dataConn = nil
	t.mu.Unlock()

	if !complete {
		t.fail(ErrDataLost)
		return
	}
	if separate {
		conn.Close()
	}
}

func (t *Transfer) peerStarted() {
	t.advance(StateOffer, StateActive)
}

func (t *Transfer) peerCanceled(byUser bool) {
	logrus.WithFields(logrus.Fields{
		"function":    "Transfer.peerCanceled",
		"transfer_id": t.id.String(),
		"by_user":     byUser,
	}).Info("Peer canceled transfer")
	t.finish(StateCanceled, nil)
}

func (t *Transfer) controlClosed() {
	if !t.State().IsTerminal() {
		t.finish(StateError, ErrControlLost)
	}
}

// Cancel aborts the transfer and tells the peer. Finished, canceled and
// failed transfers are left as they are.
func (t *Transfer) Cancel() error {
	if !t.finish(StateCanceled, nil) {
		return nil
	}
	t.notifyPeer(true)
	return nil
}

// CheckTimeout fails an active transfer that moved no data within its stall
// timeout.
func (t *Transfer) CheckTimeout() error {
	t.mu.Lock()
	stalled := t.state == StateActive && t.stallTimeout > 0 &&
		t.timeProvider.Since(t.lastActivity) > t.stallTimeout
	idle := t.timeProvider.Since(t.lastActivity)
	t.mu.Unlock()

	if !stalled {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":    "CheckTimeout",
		"transfer_id": t.id.String(),
		"idle":        idle.String(),
	}).Warn("Transfer stalled")
	t.fail(ErrTransferStalled)
	return ErrTransferStalled
}

func (t *Transfer) fail(err error) {
	if t.finish(StateError, err) {
		t.notifyPeer(false)
	}
}

func (t *Transfer) notifyPeer(byUser bool) {
	t.mu.Lock()
	conn, ch := t.control, t.controlCh
	t.mu.Unlock()
	if conn == nil || ch == nil {
		return
	}
	conn.Post(func() {
		switch ch.State() {
		case protocol.ChannelOpen:
			ch.SendCancel(byUser)
		case protocol.ChannelOpening:
			ch.OnOpened(func() { ch.SendCancel(byUser) })
		}
	})
}

// advance moves the transfer from one state to the next, firing the state
// handlers and, on activation, the started handlers.
func (t *Transfer) advance(from, to TransferState) bool {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return false
	}
	t.state = to
	if to == StateActive {
		t.lastActivity = t.timeProvider.Now()
	}
	stateHandlers := append([]func(old, new TransferState){}, t.stateHandlers...)
	var startedHandlers []func()
	if to == StateActive {
		startedHandlers = append(startedHandlers, t.startedHandlers...)
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Transfer.advance",
		"transfer_id": t.id.String(),
		"from":        from.String(),
		"to":          to.String(),
	}).Info("Transfer state changed")

	for _, fn := range stateHandlers {
		fn(from, to)
	}
	for _, fn := range startedHandlers {
		fn()
	}
	return true
}

// finish moves the transfer to a terminal state once and releases its file
// and data connection.
func (t *Transfer) finish(state TransferState, err error) bool {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	old := t.state
	t.state = state
	t.err = err
	f := t.file
	t.file = nil
	transferred := t.transferred
	dataConn, dataCh, control := t.dataConn, t.dataCh, t.control
	cancel := t.cancelDial
	handlers := append([]func(old, new TransferState){}, t.stateHandlers...)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dataConn != nil && dataConn != control {
		dataConn.Close()
	} else if dataConn != nil && dataCh != nil {
		dataConn.Post(func() {
			if dataCh.IsOpen() {
				dataCh.Close()
			}
		})
	}
	if f != nil {
		if t.direction == TransferIncoming && state == StateFinished {
			f.Truncate(int64(transferred))
		}
		if cerr := f.Close(); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Transfer.finish",
				"transfer_id": t.id.String(),
				"error":       cerr.Error(),
			}).Warn("Failed to close file")
		}
	}

	fields := logrus.Fields{
		"function":    "Transfer.finish",
		"transfer_id": t.id.String(),
		"peer":        t.peer,
		"state":       state.String(),
		"transferred": transferred,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Transfer failed")
	} else {
		logrus.WithFields(fields).Info("Transfer ended")
	}

	for _, fn := range handlers {
		fn(old, state)
	}
	t.manager.remove(t)
	return true
}
