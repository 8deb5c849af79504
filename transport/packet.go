// Package transport implements the byte-stream layer beneath onionchat
// connections.
//
// This package handles frame encoding, dialing onion services through the Tor
// SOCKS proxy, and listening for connections forwarded by an onion service.
//
// Example:
//
//	dialer, err := transport.NewTorDialer(&transport.ProxyConfig{Host: "127.0.0.1", Port: 9050})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := dialer.DialContext(ctx, "tcp", transport.OnionAddress(hostname, transport.DefaultPort))
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/onionchat/limits"
	"github.com/sirupsen/logrus"
)

// ControlChannel is the channel identifier reserved for the control protocol.
const ControlChannel uint16 = 0

var (
	// ErrFrameTooLarge indicates a frame whose encoded size exceeds limits.MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameTooSmall indicates a frame whose declared size is below the header size
	ErrFrameTooSmall = errors.New("frame size below header size")
)

// Packet is one frame on an onionchat connection: a payload addressed to a
// channel. An empty payload on a non-control channel closes that channel.
type Packet struct {
	Channel uint16
	Data    []byte
}

// IsClose reports whether the packet is a channel close marker.
func (p *Packet) IsClose() bool {
	return p.Channel != ControlChannel && len(p.Data) == 0
}

// Serialize converts a packet to its wire form.
func (p *Packet) Serialize() ([]byte, error) {
	size := limits.FrameHeaderSize + len(p.Data)
	if size > limits.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, size, limits.MaxFrameSize)
	}

	// Format: [size (2 bytes, header included)][channel (2 bytes)][data]
	result := make([]byte, size)
	binary.BigEndian.PutUint16(result[0:2], uint16(size))
	binary.BigEndian.PutUint16(result[2:4], p.Channel)
	copy(result[limits.FrameHeaderSize:], p.Data)
	return result, nil
}

// WritePacket writes one frame to w.
func WritePacket(w io.Writer, p *Packet) error {
	data, err := p.Serialize()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadPacket reads exactly one frame from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [limits.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint16(header[0:2]))
	if size < limits.FrameHeaderSize {
		logrus.WithFields(logrus.Fields{
			"function": "ReadPacket",
			"size":     size,
		}).Warn("Peer sent frame with invalid size")
		return nil, fmt.Errorf("%w: %d", ErrFrameTooSmall, size)
	}

	p := &Packet{
		Channel: binary.BigEndian.Uint16(header[2:4]),
		Data:    make([]byte, size-limits.FrameHeaderSize),
	}
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return p, nil
}
