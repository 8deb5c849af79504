package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

const maxChannelIdentifier = 65535

// Connection is one authenticated transport session to a peer,
// multiplexing any number of channels.
//
// Channel state is owned by a single event loop goroutine started by Start.
// Packet handling, channel callbacks and the connection hooks all run on
// that goroutine. Other goroutines reach the loop through Post and Do.
type Connection struct {
	conn          net.Conn
	direction     Direction
	timeProvider  TimeProvider
	establishedAt time.Time

	mu            sync.RWMutex
	purpose       Purpose
	identity      string
	closeErr      error
	classifyHooks []func(*Connection, string)
	createdHooks  []func(Channel)
	openedHooks   []func(Channel)
	claimHooks    []func(*FileTransferDataChannel) bool
	closedHooks   []func()

	// Owned by the event loop.
	channels   map[int32]Channel
	nextID     int32
	closeDrain bool

	taskMu sync.Mutex
	tasks  []func()
	wake   chan struct{}

	writeMu      sync.Mutex
	writeQueue   [][]byte
	writeWake    chan struct{}
	bytesToWrite atomic.Int64

	incoming  chan *transport.Packet
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithTimeProvider sets the clock used for connection age.
func WithTimeProvider(tp TimeProvider) ConnectionOption {
	return func(c *Connection) {
		c.timeProvider = tp
	}
}

// WithAuthenticatedIdentity records the peer identity verified by the
// authentication layer.
func WithAuthenticatedIdentity(identity string) ConnectionOption {
	return func(c *Connection) {
		c.identity = identity
	}
}

// NewConnection wraps an established stream. The connection does not read
// or process packets until Start is called, so hooks can be registered first.
func NewConnection(conn net.Conn, direction Direction, opts ...ConnectionOption) *Connection {
	c := &Connection{
		conn:         conn,
		direction:    direction,
		timeProvider: DefaultTimeProvider{},
		channels:     make(map[int32]Channel),
		wake:         make(chan struct{}, 1),
		writeWake:    make(chan struct{}, 1),
		incoming:     make(chan *transport.Packet, 16),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.establishedAt = c.timeProvider.Now()
	c.nextID = firstIdentifier(direction)

	logrus.WithFields(logrus.Fields{
		"function":    "NewConnection",
		"direction":   direction.String(),
		"remote_addr": remoteAddr(conn),
		"identity":    c.identity,
	}).Info("Created connection")

	return c
}

func firstIdentifier(d Direction) int32 {
	if d == ClientSide {
		return 1
	}
	return 2
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Start launches the reader, writer and event loop goroutines.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
		go c.writeLoop()
		go c.run()
	})
}

// Direction returns which side dialed.
func (c *Connection) Direction() Direction { return c.direction }

// EstablishedAt returns when the connection was created.
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// Age returns the time since the connection was established.
func (c *Connection) Age() time.Duration {
	return c.timeProvider.Since(c.establishedAt)
}

// Purpose returns the current classification.
func (c *Connection) Purpose() Purpose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.purpose
}

// SetPurpose classifies the connection. Unknown may become anything, and a
// request connection may be upgraded to KnownContact; every other change is
// refused so a classification is never silently reverted.
func (c *Connection) SetPurpose(p Purpose) error {
	c.mu.Lock()
	old := c.purpose
	switch {
	case old == p:
		c.mu.Unlock()
		return nil
	case old == PurposeUnknown,
		(old == PurposeOutboundRequest || old == PurposeInboundRequest) && p == PurposeKnownContact:
		c.purpose = p
	default:
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SetPurpose",
			"from":     old.String(),
			"to":       p.String(),
			"fault":    "local",
		}).Error("Refused connection purpose change")
		return fmt.Errorf("%w: %s to %s", ErrPurposeChange, old, p)
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetPurpose",
		"from":     old.String(),
		"to":       p.String(),
		"identity": c.AuthenticatedIdentity(),
	}).Info("Connection purpose changed")
	return nil
}

// AuthenticatedIdentity returns the verified peer identity, or "".
func (c *Connection) AuthenticatedIdentity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// SetAuthenticatedIdentity records the peer identity verified by the
// authentication layer.
func (c *Connection) SetAuthenticatedIdentity(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

// IsConnected reports whether the connection is still usable.
func (c *Connection) IsConnected() bool {
	select {
	case <-c.closing:
		return false
	default:
		return true
	}
}

// Done is closed once the connection has shut down and every channel on it
// has been closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error that closed the connection, if any.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeErr
}

// BytesToWrite returns the number of bytes queued but not yet written.
func (c *Connection) BytesToWrite() int64 { return c.bytesToWrite.Load() }

// Close shuts the connection down. It is idempotent and safe from any
// goroutine; channels are closed by the event loop before Done is closed.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":    "Connection.Close",
			"direction":   c.direction.String(),
			"purpose":     c.Purpose().String(),
			"remote_addr": remoteAddr(c.conn),
		}).Info("Closing connection")
	})
	// A connection closed before Start still needs its loop to finalize.
	c.startOnce.Do(func() { go c.run() })
	return err
}

func (c *Connection) closeWithError(err error) {
	c.setCloseErr(err)
	c.Close()
}

// setCloseErr records the first error that ends the connection.
func (c *Connection) setCloseErr(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
}

// Post queues fn to run on the event loop and returns immediately. It
// returns false if the connection is already closing.
func (c *Connection) Post(fn func()) bool {
	if !c.IsConnected() {
		return false
	}
	c.taskMu.Lock()
	c.tasks = append(c.tasks, fn)
	c.taskMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the event loop and waits for its result. It must not be
// called from the event loop itself.
func (c *Connection) Do(fn func() error) error {
	result := make(chan error, 1)
	if !c.Post(func() { result <- fn() }) {
		return ErrConnectionClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrConnectionClosed
		}
	}
}

// OnClassify registers a hook called on the event loop when the peer acts on
// a connection whose purpose is still Unknown: before an inbound open request
// is negotiated (with its channel type) or on a keep-alive (with "").
func (c *Connection) OnClassify(fn func(conn *Connection, channelType string)) {
	c.mu.Lock()
	c.classifyHooks = append(c.classifyHooks, fn)
	c.mu.Unlock()
}

// OnChannelCreated registers a hook called for every inbound channel before
// its open request is evaluated.
func (c *Connection) OnChannelCreated(fn func(Channel)) {
	c.mu.Lock()
	c.createdHooks = append(c.createdHooks, fn)
	c.mu.Unlock()
}

// OnChannelOpened registers a hook called whenever a channel becomes open.
func (c *Connection) OnChannelOpened(fn func(Channel)) {
	c.mu.Lock()
	c.openedHooks = append(c.openedHooks, fn)
	c.mu.Unlock()
}

// OnDataChannelRequest registers a hook that may claim an inbound data
// channel by its transfer id. A hook claims the channel by calling
// FileTransferDataChannel.Claim and returning true.
func (c *Connection) OnDataChannelRequest(fn func(*FileTransferDataChannel) bool) {
	c.mu.Lock()
	c.claimHooks = append(c.claimHooks, fn)
	c.mu.Unlock()
}

// OnClosed registers a hook called once after the connection shut down.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	c.closedHooks = append(c.closedHooks, fn)
	c.mu.Unlock()
}

// SendKeepAlive sends a keep-alive on the control channel. It is safe from
// any goroutine.
func (c *Connection) SendKeepAlive(responseRequested bool) error {
	return c.sendControl(&ControlPacket{KeepAlive: &KeepAlive{ResponseRequested: responseRequested}})
}

// OpenChannel negotiates an outbound channel. It must run on the event loop.
// A nil error means the open request was sent; the channel becomes open when
// the peer accepts it.
func (c *Connection) OpenChannel(ch Channel) error {
	b := ch.base()
	if b.conn != c {
		return channelError("open", ch, errors.New("channel belongs to another connection"))
	}
	if b.state != ChannelUnopened || b.direction != Outbound {
		return channelError("open", ch, ErrChannelState)
	}
	if !c.IsConnected() {
		c.closeChannel(ch, false)
		return channelError("open", ch, ErrConnectionClosed)
	}
	if isExclusive(ch.Type()) && c.FindChannel(ch.Type()) != nil {
		c.closeChannel(ch, false)
		return channelError("open", ch, ErrChannelExists)
	}

	req := &OpenChannel{ChannelType: ch.Type()}
	if !ch.allowOutboundChannelRequest(req) {
		logrus.WithFields(logrus.Fields{
			"function":     "OpenChannel",
			"channel_type": ch.Type(),
			"purpose":      c.Purpose().String(),
		}).Warn("Outbound channel request refused by local checks")
		c.closeChannel(ch, false)
		return channelError("open", ch, ErrChannelRejected)
	}

	id, err := c.allocateIdentifier()
	if err != nil {
		c.closeChannel(ch, false)
		return channelError("open", ch, err)
	}
	req.ChannelIdentifier = id
	b.id = id
	b.state = ChannelOpening
	c.channels[id] = ch

	if err := c.sendControl(&ControlPacket{OpenChannel: req}); err != nil {
		c.closeChannel(ch, false)
		return channelError("open", ch, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OpenChannel",
		"channel_type": ch.Type(),
		"channel_id":   id,
	}).Debug("Sent open channel request")
	return nil
}

// FindChannel returns an open or opening channel of the given type, or nil.
// It must run on the event loop.
func (c *Connection) FindChannel(typ string) Channel {
	for _, ch := range c.channels {
		if ch.Type() == typ && ch.State() != ChannelClosed {
			return ch
		}
	}
	return nil
}

// Channels returns the channels currently registered on the connection.
// It must run on the event loop.
func (c *Connection) Channels() []Channel {
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) allocateIdentifier() (int32, error) {
	for i := 0; i < maxChannelIdentifier/2; i++ {
		id := c.nextID
		c.nextID += 2
		if c.nextID > maxChannelIdentifier {
			c.nextID = firstIdentifier(c.direction)
		}
		if _, used := c.channels[id]; !used {
			return id, nil
		}
	}
	return 0, ErrNoChannelIdentifiers
}

// validPeerIdentifier checks range and parity: the dialing side uses odd
// identifiers and the accepting side even ones.
func (c *Connection) validPeerIdentifier(id int32) bool {
	if id < 1 || id > maxChannelIdentifier {
		return false
	}
	peerIsClient := c.direction == ServerSide
	return (id%2 == 1) == peerIsClient
}

func (c *Connection) readLoop() {
	for {
		p, err := transport.ReadPacket(c.conn)
		if err != nil {
			if c.IsConnected() {
				logrus.WithFields(logrus.Fields{
					"function":    "readLoop",
					"remote_addr": remoteAddr(c.conn),
					"error":       err.Error(),
				}).Info("Connection read ended")
			}
			// The loop closes the connection once it has handled every
			// packet read before the error.
			c.setCloseErr(err)
			select {
			case c.incoming <- nil:
			case <-c.closing:
			}
			return
		}
		select {
		case c.incoming <- p:
		case <-c.closing:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closing:
			return
		case <-c.writeWake:
		}

		for {
			c.writeMu.Lock()
			if len(c.writeQueue) == 0 {
				c.writeMu.Unlock()
				break
			}
			frame := c.writeQueue[0]
			c.writeQueue = c.writeQueue[1:]
			c.writeMu.Unlock()

			if _, err := c.conn.Write(frame); err != nil {
				// Closing the stream ends readLoop, which hands the close to
				// the event loop behind any packets already read.
				c.setCloseErr(err)
				c.conn.Close()
				return
			}
			c.bytesToWrite.Add(-int64(len(frame)))
			c.Post(c.handleDataWritten)
		}
	}
}

func (c *Connection) run() {
	defer c.finish()
	for {
		select {
		case <-c.closing:
			return
		case p := <-c.incoming:
			if p == nil {
				c.Close()
				return
			}
			c.handlePacket(p)
		case <-c.wake:
			c.runTasks()
		}
	}
}

func (c *Connection) runTasks() {
	c.taskMu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.taskMu.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (c *Connection) finish() {
	for _, ch := range c.channels {
		c.closeChannel(ch, false)
	}

	c.mu.RLock()
	hooks := append([]func(){}, c.closedHooks...)
	c.mu.RUnlock()

	close(c.done)
	for _, hook := range hooks {
		hook()
	}
}

func (c *Connection) handlePacket(p *transport.Packet) {
	if p.Channel == transport.ControlChannel {
		c.handleControlPacket(p.Data)
		return
	}

	ch, ok := c.channels[int32(p.Channel)]
	if !ok {
		if !p.IsClose() {
			logrus.WithFields(logrus.Fields{
				"function":   "handlePacket",
				"channel_id": p.Channel,
			}).Debug("Dropping packet for unknown channel")
		}
		return
	}

	if p.IsClose() {
		logrus.WithFields(logrus.Fields{
			"function":     "handlePacket",
			"channel_type": ch.Type(),
			"channel_id":   p.Channel,
		}).Debug("Peer closed channel")
		c.closeChannel(ch, true)
		return
	}

	if ch.State() != ChannelOpen {
		ch.base().protocolViolation("packet before channel was opened", nil)
		return
	}
	ch.receivePacket(p.Data)
}

func (c *Connection) handleControlPacket(data []byte) {
	var msg ControlPacket
	err := Unmarshal(data, &msg)
	if err == nil {
		err = msg.validate()
	}
	if err != nil {
		c.protocolViolation("malformed control packet", err)
		return
	}

	switch {
	case msg.OpenChannel != nil:
		c.handleOpenChannel(msg.OpenChannel)
	case msg.ChannelResult != nil:
		c.handleChannelResult(msg.ChannelResult)
	case msg.KeepAlive != nil:
		c.handleKeepAlive(msg.KeepAlive)
	}
}

func (c *Connection) handleOpenChannel(req *OpenChannel) {
	if c.Purpose() == PurposeUnknown {
		c.classify(req.ChannelType)
		if !c.IsConnected() {
			return
		}
	}

	id := req.ChannelIdentifier
	if !c.validPeerIdentifier(id) {
		c.protocolViolation("invalid channel identifier", nil)
		return
	}
	if _, used := c.channels[id]; used {
		c.protocolViolation("channel identifier already in use", nil)
		return
	}

	result := &ChannelResult{ChannelIdentifier: id}
	typ, known := channelTypes[req.ChannelType]
	if !known {
		logrus.WithFields(logrus.Fields{
			"function":     "handleOpenChannel",
			"channel_type": req.ChannelType,
		}).Warn("Peer requested unknown channel type")
		result.CommonError = UnknownTypeError
		c.sendControl(&ControlPacket{ChannelResult: result})
		return
	}
	if typ.exclusive && c.FindChannel(req.ChannelType) != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "handleOpenChannel",
			"channel_type": req.ChannelType,
			"fault":        "remote",
		}).Warn("Peer requested a second exclusive channel")
		result.CommonError = BadUsageError
		c.sendControl(&ControlPacket{ChannelResult: result})
		return
	}

	ch := typ.newInbound(c)
	b := ch.base()
	b.id = id
	c.fireChannelCreated(ch)

	if !ch.allowInboundChannelRequest(req, result) {
		result.Opened = false
		c.sendControl(&ControlPacket{ChannelResult: result})
		logrus.WithFields(logrus.Fields{
			"function":     "handleOpenChannel",
			"channel_type": req.ChannelType,
			"channel_id":   id,
			"common_error": result.CommonError.String(),
		}).Info("Rejected inbound channel")
		c.closeChannel(ch, false)
		return
	}

	result.Opened = true
	c.channels[id] = ch
	b.state = ChannelOpen
	c.sendControl(&ControlPacket{ChannelResult: result})

	logrus.WithFields(logrus.Fields{
		"function":     "handleOpenChannel",
		"channel_type": req.ChannelType,
		"channel_id":   id,
	}).Info("Opened inbound channel")

	c.channelOpened(ch)
	if b.closeAfterOpen {
		c.closeChannel(ch, true)
	}
}

func (c *Connection) handleChannelResult(result *ChannelResult) {
	ch, ok := c.channels[result.ChannelIdentifier]
	if !ok || ch.Direction() != Outbound {
		logrus.WithFields(logrus.Fields{
			"function":   "handleChannelResult",
			"channel_id": result.ChannelIdentifier,
		}).Debug("Ignoring result for unknown channel")
		return
	}
	if ch.State() != ChannelOpening {
		ch.base().protocolViolation("unexpected channel result", nil)
		return
	}

	accepted := ch.processChannelOpenResult(result)
	if ch.State() != ChannelOpening {
		return
	}
	if !accepted || !result.Opened {
		logrus.WithFields(logrus.Fields{
			"function":     "handleChannelResult",
			"channel_type": ch.Type(),
			"channel_id":   result.ChannelIdentifier,
			"opened":       result.Opened,
			"common_error": result.CommonError.String(),
		}).Info("Outbound channel was not opened")
		c.closeChannel(ch, result.Opened)
		return
	}

	ch.base().state = ChannelOpen
	logrus.WithFields(logrus.Fields{
		"function":     "handleChannelResult",
		"channel_type": ch.Type(),
		"channel_id":   result.ChannelIdentifier,
	}).Info("Opened outbound channel")
	c.channelOpened(ch)
}

func (c *Connection) handleKeepAlive(k *KeepAlive) {
	if c.Purpose() == PurposeUnknown {
		c.classify("")
		if !c.IsConnected() {
			return
		}
	}
	if k.ResponseRequested {
		c.SendKeepAlive(false)
	}
}

// closeChannel moves ch to Closed, removes it from the table and fires its
// closed handlers. With notifyPeer, a negotiated channel sends one close frame.
func (c *Connection) closeChannel(ch Channel, notifyPeer bool) {
	b := ch.base()
	if b.state == ChannelClosed {
		return
	}
	negotiated := b.state == ChannelOpening || b.state == ChannelOpen
	b.state = ChannelClosed

	if cur, ok := c.channels[b.id]; ok && cur == ch {
		delete(c.channels, b.id)
	}
	if notifyPeer && negotiated && !b.closeSent && c.IsConnected() {
		b.closeSent = true
		c.sendFrame(uint16(b.id), nil)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "closeChannel",
		"channel_type": b.typ,
		"channel_id":   b.id,
		"direction":    b.direction.String(),
	}).Debug("Channel closed")

	handlers := b.closedHandlers
	b.closedHandlers = nil
	b.openedHandlers = nil
	for _, h := range handlers {
		h()
	}
}

func (c *Connection) channelOpened(ch Channel) {
	for _, h := range ch.base().openedHandlers {
		if ch.State() != ChannelOpen {
			return
		}
		h()
	}

	c.mu.RLock()
	hooks := append([]func(Channel){}, c.openedHooks...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		if ch.State() != ChannelOpen {
			return
		}
		hook(ch)
	}
}

func (c *Connection) classify(channelType string) {
	c.mu.RLock()
	hooks := append([]func(*Connection, string){}, c.classifyHooks...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(c, channelType)
	}
}

func (c *Connection) fireChannelCreated(ch Channel) {
	c.mu.RLock()
	hooks := append([]func(Channel){}, c.createdHooks...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(ch)
	}
}

func (c *Connection) claimDataChannel(ch *FileTransferDataChannel) bool {
	c.mu.RLock()
	hooks := append([]func(*FileTransferDataChannel) bool{}, c.claimHooks...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		if hook(ch) {
			return true
		}
	}
	return false
}

// CloseAfterWrites closes the connection once every queued frame has been
// written. It must be called on the event loop.
func (c *Connection) CloseAfterWrites() {
	c.closeDrain = true
	if c.bytesToWrite.Load() == 0 {
		c.Close()
	}
}

func (c *Connection) handleDataWritten() {
	if c.closeDrain && c.bytesToWrite.Load() == 0 {
		c.Close()
		return
	}
	for _, ch := range c.channels {
		if dc, ok := ch.(*FileTransferDataChannel); ok {
			dc.pump()
		}
	}
}

func (c *Connection) sendControl(msg *ControlPacket) error {
	data, err := Marshal(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendControl",
			"error":    err.Error(),
			"fault":    "local",
		}).Error("Failed to encode control packet")
		return err
	}
	return c.sendFrame(transport.ControlChannel, data)
}

func (c *Connection) sendChannelPacket(id int32, data []byte) error {
	if len(data) == 0 {
		return ErrMalformedMessage
	}
	return c.sendFrame(uint16(id), data)
}

// sendFrame queues a frame for the writer goroutine. It never blocks.
func (c *Connection) sendFrame(channel uint16, data []byte) error {
	if !c.IsConnected() {
		return ErrConnectionClosed
	}
	frame, err := (&transport.Packet{Channel: channel, Data: data}).Serialize()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendFrame",
			"channel_id": channel,
			"error":      err.Error(),
			"fault":      "local",
		}).Error("Failed to frame packet")
		return err
	}

	c.bytesToWrite.Add(int64(len(frame)))
	c.writeMu.Lock()
	c.writeQueue = append(c.writeQueue, frame)
	c.writeMu.Unlock()
	select {
	case c.writeWake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Connection) protocolViolation(reason string, err error) {
	fields := logrus.Fields{
		"function":    "Connection.protocolViolation",
		"remote_addr": remoteAddr(c.conn),
		"fault":       "remote",
		"reason":      reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Warn("Closing connection after protocol violation")
	c.closeWithError(errors.New(reason))
}
