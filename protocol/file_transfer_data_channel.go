package protocol

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/opd-ai/onionchat/limits"
	"github.com/sirupsen/logrus"
)

// FileTransferDataChannel streams the bytes of one file transfer.
//
// The recipient opens the channel (Outbound) on a data connection and
// writes what arrives; the sender receives the open request (Inbound),
// has it claimed by a transfer, and streams from its local file.
type FileTransferDataChannel struct {
	channelBase

	transferID   []byte
	reader       io.ReaderAt
	writer       io.WriterAt
	dataPosition uint64
	maxDataSize  uint64
	finished     bool

	transferredHandlers []func(n uint64)
	finishedHandlers    []func()
}

// NewFileTransferDataChannel creates the recipient's data channel. Data is
// written to w at the offsets it arrives for, starting at startPosition and
// ending at maxDataSize.
func NewFileTransferDataChannel(conn *Connection, transferID []byte, w io.WriterAt, startPosition, maxDataSize uint64) *FileTransferDataChannel {
	ch := newFileTransferDataChannel(conn, Outbound)
	ch.transferID = append([]byte(nil), transferID...)
	ch.writer = w
	ch.dataPosition = startPosition
	ch.maxDataSize = maxDataSize
	return ch
}

func newFileTransferDataChannel(conn *Connection, direction ChannelDirection) *FileTransferDataChannel {
	ch := &FileTransferDataChannel{}
	ch.init(ch, FileTransferDataChannelType, direction, conn)
	ch.OnOpened(ch.pump)
	return ch
}

// TransferID returns the transfer identifier.
func (ch *FileTransferDataChannel) TransferID() []byte { return ch.transferID }

// DataPosition returns the number of bytes transferred, counted from the
// start of the file.
func (ch *FileTransferDataChannel) DataPosition() uint64 { return ch.dataPosition }

// MaxDataSize returns the agreed total size.
func (ch *FileTransferDataChannel) MaxDataSize() uint64 { return ch.maxDataSize }

// IsFinished reports whether the last packet was sent or received.
func (ch *FileTransferDataChannel) IsFinished() bool { return ch.finished }

// Claim attaches the sender's file to an inbound data channel. It is called
// from a Connection.OnDataChannelRequest hook.
func (ch *FileTransferDataChannel) Claim(r io.ReaderAt, maxDataSize uint64) {
	ch.reader = r
	ch.maxDataSize = maxDataSize
}

// OnDataTransferred registers a callback receiving the size of every chunk
// sent or received.
func (ch *FileTransferDataChannel) OnDataTransferred(fn func(n uint64)) {
	ch.transferredHandlers = append(ch.transferredHandlers, fn)
}

// OnFinished registers a callback for the last chunk.
func (ch *FileTransferDataChannel) OnFinished(fn func()) {
	ch.finishedHandlers = append(ch.finishedHandlers, fn)
}

func (ch *FileTransferDataChannel) isSender() bool {
	return ch.direction == Inbound
}

func (ch *FileTransferDataChannel) allowOutboundChannelRequest(req *OpenChannel) bool {
	fields := logrus.Fields{
		"function": "FileTransferDataChannel.allowOutboundChannelRequest",
		"purpose":  ch.conn.Purpose().String(),
		"fault":    "local",
	}

	if p := ch.conn.Purpose(); p != PurposeKnownContact && p != PurposeFileTransferData {
		logrus.WithFields(fields).Error("Data channel requires a contact or data connection")
		return false
	}
	if err := limits.ValidateTransferID(ch.transferID); err != nil {
		logrus.WithFields(fields).Error("Data channel has no valid transfer id")
		return false
	}
	if ch.writer == nil {
		logrus.WithFields(fields).Error("Data channel has no destination")
		return false
	}
	if ch.dataPosition >= ch.maxDataSize {
		logrus.WithFields(fields).Error("Data channel start position is past the end")
		return false
	}

	req.TransferData = &TransferDataParams{
		TransferID:    ch.transferID,
		StartPosition: int64(ch.dataPosition),
	}
	return true
}

func (ch *FileTransferDataChannel) allowInboundChannelRequest(req *OpenChannel, result *ChannelResult) bool {
	conn := ch.conn
	switch conn.Purpose() {
	case PurposeUnknown, PurposeKnownContact, PurposeFileTransferData:
	default:
		result.CommonError = UnauthorizedError
		return false
	}

	params := req.TransferData
	if params == nil || limits.ValidateTransferID(params.TransferID) != nil || params.StartPosition < 0 {
		logrus.WithFields(logrus.Fields{
			"function": "FileTransferDataChannel.allowInboundChannelRequest",
			"fault":    "remote",
		}).Warn("Rejected malformed data channel request")
		result.CommonError = BadUsageError
		return false
	}
	ch.transferID = append([]byte(nil), params.TransferID...)

	fields := logrus.Fields{
		"function":       "FileTransferDataChannel.allowInboundChannelRequest",
		"transfer_id":    hex.EncodeToString(ch.transferID),
		"start_position": params.StartPosition,
		"identity":       conn.AuthenticatedIdentity(),
	}

	if !conn.claimDataChannel(ch) || ch.reader == nil {
		logrus.WithFields(fields).Warn("No transfer claimed data channel")
		result.CommonError = FailedError
		return false
	}
	if uint64(params.StartPosition) >= ch.maxDataSize {
		logrus.WithFields(fields).Warn("Data channel start position is past the end")
		result.CommonError = BadUsageError
		return false
	}
	// A claim must classify an unknown connection; otherwise it was not
	// entitled to carry this transfer.
	if conn.Purpose() == PurposeUnknown {
		logrus.WithFields(fields).Warn("Data channel claimed without classifying the connection")
		result.CommonError = UnauthorizedError
		return false
	}

	ch.dataPosition = uint64(params.StartPosition)
	logrus.WithFields(fields).Info("Accepted data channel")
	return true
}

// pump sends packets while the connection's write queue is below the
// buffer ceiling. It runs when the channel opens and whenever queued data
// has been written.
func (ch *FileTransferDataChannel) pump() {
	if !ch.isSender() {
		return
	}
	for ch.state == ChannelOpen && !ch.finished && ch.conn.BytesToWrite() < limits.WriteBufferSize {
		if !ch.sendNextPacket() {
			return
		}
	}
}

func (ch *FileTransferDataChannel) sendNextPacket() bool {
	size := ch.maxDataSize - ch.dataPosition
	if size > limits.DataPacketSize {
		size = limits.DataPacketSize
	}

	buf := make([]byte, size)
	n, err := ch.reader.ReadAt(buf, int64(ch.dataPosition))
	if n == 0 {
		fields := logrus.Fields{
			"function":      "FileTransferDataChannel.sendNextPacket",
			"transfer_id":   hex.EncodeToString(ch.transferID),
			"data_position": ch.dataPosition,
		}
		if err != nil && !errors.Is(err, io.EOF) {
			fields["error"] = err.Error()
			logrus.WithFields(fields).Error("Failed to read file data")
		} else {
			logrus.WithFields(fields).Warn("File ended before the agreed size")
		}
		ch.Close()
		return false
	}
	buf = buf[:n]

	position := ch.dataPosition
	last := errors.Is(err, io.EOF) || position+uint64(n) >= ch.maxDataSize
	packet := &DataPacket{
		DataPosition: &position,
		Data:         buf,
		LastPacket:   last,
	}
	data, merr := Marshal(packet)
	if merr != nil || !ch.sendPacket(data) {
		ch.Close()
		return false
	}

	ch.dataPosition += uint64(n)
	ch.emitTransferred(uint64(n))

	if last {
		ch.finished = true
		logrus.WithFields(logrus.Fields{
			"function":      "FileTransferDataChannel.sendNextPacket",
			"transfer_id":   hex.EncodeToString(ch.transferID),
			"data_position": ch.dataPosition,
		}).Info("Sent last data packet")
		ch.emitFinished()
	}
	return true
}

func (ch *FileTransferDataChannel) receivePacket(data []byte) {
	if ch.isSender() {
		ch.protocolViolation("data packet sent to the sending side", nil)
		return
	}

	var packet DataPacket
	if err := Unmarshal(data, &packet); err != nil {
		ch.protocolViolation("malformed data packet", err)
		return
	}
	if packet.DataPosition == nil || *packet.DataPosition != ch.dataPosition {
		ch.protocolViolation("data packet at unexpected position", nil)
		return
	}

	n := uint64(len(packet.Data))
	if n == 0 {
		ch.protocolViolation("empty data packet", nil)
		return
	}
	if n > limits.MaxPacketData {
		ch.protocolViolation("data packet too large", nil)
		return
	}
	if end := ch.dataPosition + n; end < ch.dataPosition || end > ch.maxDataSize {
		ch.protocolViolation("data packet beyond the agreed size", nil)
		return
	}

	if _, err := ch.writer.WriteAt(packet.Data, int64(ch.dataPosition)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "FileTransferDataChannel.receivePacket",
			"transfer_id":   hex.EncodeToString(ch.transferID),
			"data_position": ch.dataPosition,
			"error":         err.Error(),
		}).Error("Failed to write file data")
		ch.Close()
		return
	}

	ch.dataPosition += n
	ch.emitTransferred(n)
	if ch.state != ChannelOpen {
		return
	}

	if packet.LastPacket {
		fields := logrus.Fields{
			"function":      "FileTransferDataChannel.receivePacket",
			"transfer_id":   hex.EncodeToString(ch.transferID),
			"data_position": ch.dataPosition,
			"max_data_size": ch.maxDataSize,
		}
		if ch.dataPosition < ch.maxDataSize {
			logrus.WithFields(fields).Warn("Last packet arrived before the agreed size")
		} else {
			logrus.WithFields(fields).Info("Received last data packet")
		}
		ch.finished = true
		ch.emitFinished()
		ch.Close()
	}
}

func (ch *FileTransferDataChannel) emitTransferred(n uint64) {
	for _, fn := range ch.transferredHandlers {
		fn(n)
	}
}

func (ch *FileTransferDataChannel) emitFinished() {
	for _, fn := range ch.finishedHandlers {
		fn()
	}
}
