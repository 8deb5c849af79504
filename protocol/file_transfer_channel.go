package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/onionchat/limits"
	"github.com/sirupsen/logrus"
)

// FileTransferChannel is the control plane of one file transfer: the offer,
// the start signal, completion and cancellation.
//
// The outbound channel belongs to the sender, the inbound channel to the
// recipient.
type FileTransferChannel struct {
	channelBase

	offer FileOffer

	started bool

	startHandlers    []func()
	cancelHandlers   []func(byUser bool)
	finishedHandlers []func()
}

// NewFileTransferChannel creates the sender's control channel for an offer.
func NewFileTransferChannel(conn *Connection, fileName string, fileSize uint64, transferID []byte) *FileTransferChannel {
	ch := newFileTransferChannel(conn, Outbound)
	ch.offer = FileOffer{
		FileName:   fileName,
		FileSize:   fileSize,
		TransferID: append([]byte(nil), transferID...),
	}
	return ch
}

func newFileTransferChannel(conn *Connection, direction ChannelDirection) *FileTransferChannel {
	ch := &FileTransferChannel{}
	ch.init(ch, FileTransferChannelType, direction, conn)
	return ch
}

// FileName returns the offered name; sanitized on the recipient side.
func (ch *FileTransferChannel) FileName() string { return ch.offer.FileName }

// FileSize returns the offered size in bytes.
func (ch *FileTransferChannel) FileSize() uint64 { return ch.offer.FileSize }

// TransferID returns the transfer identifier.
func (ch *FileTransferChannel) TransferID() []byte { return ch.offer.TransferID }

// OnStart registers a callback for the recipient's start signal.
func (ch *FileTransferChannel) OnStart(fn func()) {
	ch.startHandlers = append(ch.startHandlers, fn)
}

// OnCancel registers a callback for a cancellation by the peer.
func (ch *FileTransferChannel) OnCancel(fn func(byUser bool)) {
	ch.cancelHandlers = append(ch.cancelHandlers, fn)
}

// OnFinished registers a callback for the recipient's completion message.
func (ch *FileTransferChannel) OnFinished(fn func()) {
	ch.finishedHandlers = append(ch.finishedHandlers, fn)
}

// SendStart accepts the offer. Only the recipient sends it, once.
func (ch *FileTransferChannel) SendStart() error {
	if ch.direction != Inbound {
		return channelError("start", ch, fmt.Errorf("%w: only the recipient starts a transfer", ErrChannelState))
	}
	if ch.started {
		return channelError("start", ch, fmt.Errorf("%w: already started", ErrChannelState))
	}
	if err := ch.send(&FileTransferPacket{Start: &TransferStart{}}); err != nil {
		return channelError("start", ch, err)
	}
	ch.started = true
	return nil
}

// SendCancel aborts the transfer and closes the channel.
func (ch *FileTransferChannel) SendCancel(byUser bool) error {
	err := ch.send(&FileTransferPacket{Cancel: &TransferCancel{ByUser: byUser}})
	ch.Close()
	if err != nil {
		return channelError("cancel", ch, err)
	}
	return nil
}

// SendFinished confirms that all data arrived and closes the channel. Only
// the recipient sends it.
func (ch *FileTransferChannel) SendFinished() error {
	if ch.direction != Inbound {
		return channelError("finish", ch, fmt.Errorf("%w: only the recipient finishes a transfer", ErrChannelState))
	}
	err := ch.send(&FileTransferPacket{Finished: &TransferFinished{}})
	ch.Close()
	if err != nil {
		return channelError("finish", ch, err)
	}
	return nil
}

func (ch *FileTransferChannel) send(packet *FileTransferPacket) error {
	data, err := Marshal(packet)
	if err != nil {
		return err
	}
	if !ch.sendPacket(data) {
		return ErrChannelState
	}
	return nil
}

func (ch *FileTransferChannel) allowOutboundChannelRequest(req *OpenChannel) bool {
	if ch.conn.Purpose() != PurposeKnownContact {
		logrus.WithFields(logrus.Fields{
			"function": "FileTransferChannel.allowOutboundChannelRequest",
			"purpose":  ch.conn.Purpose().String(),
			"fault":    "local",
		}).Error("File offers require a known contact connection")
		return false
	}
	if err := validateOffer(&ch.offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FileTransferChannel.allowOutboundChannelRequest",
			"error":    err.Error(),
			"fault":    "local",
		}).Error("Invalid file offer")
		return false
	}

	offer := ch.offer
	req.FileOffer = &offer
	return true
}

func (ch *FileTransferChannel) allowInboundChannelRequest(req *OpenChannel, result *ChannelResult) bool {
	if ch.conn.Purpose() != PurposeKnownContact {
		logrus.WithFields(logrus.Fields{
			"function": "FileTransferChannel.allowInboundChannelRequest",
			"purpose":  ch.conn.Purpose().String(),
			"identity": ch.conn.AuthenticatedIdentity(),
		}).Warn("File offer on a connection that is not a known contact")
		result.CommonError = UnauthorizedError
		return false
	}

	if req.FileOffer == nil {
		result.CommonError = BadUsageError
		return false
	}
	offer := *req.FileOffer
	if err := validateOffer(&offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FileTransferChannel.allowInboundChannelRequest",
			"error":    err.Error(),
			"fault":    "remote",
		}).Warn("Rejected invalid file offer")
		result.CommonError = BadUsageError
		return false
	}

	offer.FileName = SanitizeFileName(offer.FileName)
	if offer.FileName == "" {
		result.CommonError = BadUsageError
		return false
	}
	ch.offer = offer

	logrus.WithFields(logrus.Fields{
		"function":    "FileTransferChannel.allowInboundChannelRequest",
		"file_name":   offer.FileName,
		"file_size":   offer.FileSize,
		"transfer_id": hex.EncodeToString(offer.TransferID),
	}).Info("Accepted file offer")
	return true
}

// validateOffer bounds the name before it is sanitized, so an over-long
// name is rejected rather than truncated.
func validateOffer(offer *FileOffer) error {
	if err := limits.ValidateFileName(offer.FileName); err != nil {
		return err
	}
	if err := limits.ValidateFileSize(offer.FileSize); err != nil {
		return err
	}
	return limits.ValidateTransferID(offer.TransferID)
}

func (ch *FileTransferChannel) receivePacket(data []byte) {
	var packet FileTransferPacket
	err := Unmarshal(data, &packet)
	if err == nil {
		err = packet.validate()
	}
	if err != nil {
		ch.protocolViolation("malformed file transfer packet", err)
		return
	}

	switch {
	case packet.Start != nil:
		if ch.direction != Outbound || ch.started {
			ch.protocolViolation("unexpected transfer start", nil)
			return
		}
		ch.started = true
		for _, fn := range ch.startHandlers {
			fn()
		}

	case packet.Cancel != nil:
		logrus.WithFields(logrus.Fields{
			"function":    "FileTransferChannel.receivePacket",
			"transfer_id": hex.EncodeToString(ch.offer.TransferID),
			"by_user":     packet.Cancel.ByUser,
		}).Info("Peer canceled transfer")
		for _, fn := range ch.cancelHandlers {
			fn(packet.Cancel.ByUser)
		}
		ch.Close()

	case packet.Finished != nil:
		if ch.direction != Outbound || !ch.started {
			ch.protocolViolation("unexpected transfer finished", nil)
			return
		}
		for _, fn := range ch.finishedHandlers {
			fn()
		}
		ch.Close()
	}
}
