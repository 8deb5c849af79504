package protocol

import (
	"github.com/sirupsen/logrus"
)

// Channel is one logical sub-protocol bound to a Connection.
//
// The set of channel types is closed: ContactRequestChannel,
// FileTransferChannel and FileTransferDataChannel. Channel methods must be
// called from the owning connection's event loop; use Connection.Post or
// Connection.Do from other goroutines.
type Channel interface {
	Type() string
	Direction() ChannelDirection
	Identifier() int32
	State() ChannelState
	Connection() *Connection
	IsOpen() bool
	Close()
	OnOpened(func())
	OnClosed(func())

	base() *channelBase

	// allowOutboundChannelRequest validates local preconditions and fills
	// the channel specific parameters of req. Returning false aborts the
	// open without sending anything.
	allowOutboundChannelRequest(req *OpenChannel) bool

	// allowInboundChannelRequest validates a peer's open request and fills
	// result. Returning false rejects the channel.
	allowInboundChannelRequest(req *OpenChannel, result *ChannelResult) bool

	// processChannelOpenResult handles the peer's answer to an outbound
	// request. Returning false closes the channel.
	processChannelOpenResult(result *ChannelResult) bool

	// receivePacket handles one message on an open channel.
	receivePacket(data []byte)
}

// channelBase holds the state shared by every channel type.
type channelBase struct {
	self      Channel
	typ       string
	direction ChannelDirection
	conn      *Connection
	id        int32
	state     ChannelState

	closeSent      bool
	closeAfterOpen bool

	openedHandlers []func()
	closedHandlers []func()
}

func (b *channelBase) init(self Channel, typ string, direction ChannelDirection, conn *Connection) {
	b.self = self
	b.typ = typ
	b.direction = direction
	b.conn = conn
	b.id = -1
}

func (b *channelBase) base() *channelBase { return b }

// Type returns the channel type identifier.
func (b *channelBase) Type() string { return b.typ }

// Direction returns whether the channel was opened locally or by the peer.
func (b *channelBase) Direction() ChannelDirection { return b.direction }

// Identifier returns the channel identifier, or -1 before negotiation.
func (b *channelBase) Identifier() int32 { return b.id }

// State returns the lifecycle state.
func (b *channelBase) State() ChannelState { return b.state }

// Connection returns the owning connection.
func (b *channelBase) Connection() *Connection { return b.conn }

// IsOpen reports whether the channel can exchange packets.
func (b *channelBase) IsOpen() bool { return b.state == ChannelOpen }

// Close closes the channel. It is safe in any state and emits at most one
// closed signal.
func (b *channelBase) Close() {
	b.conn.closeChannel(b.self, true)
}

// OnOpened registers a callback invoked when negotiation succeeds.
func (b *channelBase) OnOpened(fn func()) {
	b.openedHandlers = append(b.openedHandlers, fn)
}

// OnClosed registers a callback invoked once when the channel closes.
func (b *channelBase) OnClosed(fn func()) {
	b.closedHandlers = append(b.closedHandlers, fn)
}

func (b *channelBase) processChannelOpenResult(result *ChannelResult) bool {
	return result.Opened
}

// sendPacket sends a channel message. It fails on channels that are not open.
func (b *channelBase) sendPacket(data []byte) bool {
	if b.state != ChannelOpen {
		logrus.WithFields(logrus.Fields{
			"function":     "channelBase.sendPacket",
			"channel_type": b.typ,
			"state":        b.state.String(),
			"fault":        "local",
		}).Error("Attempted to send on a channel that is not open")
		return false
	}
	return b.conn.sendChannelPacket(b.id, data) == nil
}

// protocolViolation logs a malformed or unexpected message from the peer
// and closes the channel.
func (b *channelBase) protocolViolation(reason string, err error) {
	fields := logrus.Fields{
		"function":     "protocolViolation",
		"channel_type": b.typ,
		"channel_id":   b.id,
		"fault":        "remote",
		"reason":       reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Warn("Closing channel after protocol violation")
	b.Close()
}

type channelType struct {
	exclusive  bool
	newInbound func(conn *Connection) Channel
}

// channelTypes is the registry the connection dispatches inbound open
// requests through.
var channelTypes = map[string]channelType{
	ContactRequestChannelType: {
		exclusive:  true,
		newInbound: func(conn *Connection) Channel { return newContactRequestChannel(conn, Inbound) },
	},
	FileTransferChannelType: {
		newInbound: func(conn *Connection) Channel { return newFileTransferChannel(conn, Inbound) },
	},
	FileTransferDataChannelType: {
		newInbound: func(conn *Connection) Channel { return newFileTransferDataChannel(conn, Inbound) },
	},
}

func isExclusive(typ string) bool {
	return channelTypes[typ].exclusive
}
