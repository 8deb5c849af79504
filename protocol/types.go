package protocol

import (
	"fmt"
	"time"
)

// Direction records which side of a connection dialed.
type Direction uint8

const (
	// ClientSide is a connection this peer dialed.
	ClientSide Direction = iota
	// ServerSide is a connection this peer accepted.
	ServerSide
)

func (d Direction) String() string {
	switch d {
	case ClientSide:
		return "client"
	case ServerSide:
		return "server"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Purpose classifies a connection and gates which channel types may be
// opened on it.
type Purpose uint8

const (
	// PurposeUnknown is an authenticated connection not yet classified.
	PurposeUnknown Purpose = iota
	// PurposeOutboundRequest carries a contact request this peer is sending.
	PurposeOutboundRequest
	// PurposeInboundRequest carries a pending contact request from the peer.
	PurposeInboundRequest
	// PurposeKnownContact is the active connection of an accepted contact.
	PurposeKnownContact
	// PurposeFileTransferData carries bulk data for one file transfer.
	PurposeFileTransferData
)

func (p Purpose) String() string {
	switch p {
	case PurposeUnknown:
		return "unknown"
	case PurposeOutboundRequest:
		return "outbound-request"
	case PurposeInboundRequest:
		return "inbound-request"
	case PurposeKnownContact:
		return "known-contact"
	case PurposeFileTransferData:
		return "file-transfer-data"
	default:
		return fmt.Sprintf("Purpose(%d)", uint8(p))
	}
}

// ChannelDirection is relative to the owning connection: Outbound channels
// were requested locally, Inbound channels by the peer.
type ChannelDirection uint8

const (
	// Outbound channels are opened by this peer.
	Outbound ChannelDirection = iota
	// Inbound channels are opened by the remote peer.
	Inbound
)

func (d ChannelDirection) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// ChannelState is the lifecycle state of a channel.
type ChannelState uint8

const (
	// ChannelUnopened channels have not been negotiated yet.
	ChannelUnopened ChannelState = iota
	// ChannelOpening channels have sent an open request and await the result.
	ChannelOpening
	// ChannelOpen channels exchange packets.
	ChannelOpen
	// ChannelClosed is terminal.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnopened:
		return "unopened"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
