package protocol

import "fmt"

// Channel type identifiers.
const (
	ContactRequestChannelType   = "im.ricochet.contact.request"
	FileTransferChannelType     = "im.ricochet.file-transfer"
	FileTransferDataChannelType = "im.ricochet.file-transfer.data"
)

// CommonError is the generic rejection reason carried by a ChannelResult.
type CommonError uint8

const (
	// CommonErrorNone means no generic error was reported.
	CommonErrorNone CommonError = iota
	// GenericError is an unspecified failure.
	GenericError
	// UnknownTypeError means the channel type is not supported.
	UnknownTypeError
	// UnauthorizedError means the connection is not allowed to open the channel.
	UnauthorizedError
	// BadUsageError means the request was malformed or violated protocol rules.
	BadUsageError
	// FailedError means the request was valid but could not be satisfied.
	FailedError
)

func (e CommonError) String() string {
	switch e {
	case CommonErrorNone:
		return "none"
	case GenericError:
		return "generic"
	case UnknownTypeError:
		return "unknown-type"
	case UnauthorizedError:
		return "unauthorized"
	case BadUsageError:
		return "bad-usage"
	case FailedError:
		return "failed"
	default:
		return fmt.Sprintf("CommonError(%d)", uint8(e))
	}
}

// ControlPacket is a message on the control channel. Exactly one field is set.
type ControlPacket struct {
	OpenChannel   *OpenChannel   `cbor:"1,keyasint,omitempty"`
	ChannelResult *ChannelResult `cbor:"2,keyasint,omitempty"`
	KeepAlive     *KeepAlive     `cbor:"3,keyasint,omitempty"`
}

func (p *ControlPacket) validate() error {
	set := 0
	if p.OpenChannel != nil {
		set++
	}
	if p.ChannelResult != nil {
		set++
	}
	if p.KeepAlive != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: control packet carries %d messages", ErrMalformedMessage, set)
	}
	return nil
}

// OpenChannel requests a new channel. The extension fields carry the
// channel-type specific parameters.
type OpenChannel struct {
	ChannelIdentifier int32               `cbor:"1,keyasint"`
	ChannelType       string              `cbor:"2,keyasint"`
	ContactRequest    *ContactRequest     `cbor:"10,keyasint,omitempty"`
	FileOffer         *FileOffer          `cbor:"11,keyasint,omitempty"`
	TransferData      *TransferDataParams `cbor:"12,keyasint,omitempty"`
}

// ChannelResult answers an OpenChannel request.
type ChannelResult struct {
	ChannelIdentifier int32                   `cbor:"1,keyasint"`
	Opened            bool                    `cbor:"2,keyasint"`
	CommonError       CommonError             `cbor:"3,keyasint,omitempty"`
	ContactResponse   *ContactRequestResponse `cbor:"10,keyasint,omitempty"`
}

// KeepAlive probes the peer; a requested response is another KeepAlive.
type KeepAlive struct {
	ResponseRequested bool `cbor:"1,keyasint"`
}

// ContactRequest introduces an unknown peer.
type ContactRequest struct {
	Nickname    string `cbor:"1,keyasint,omitempty"`
	MessageText string `cbor:"2,keyasint,omitempty"`
}

// ResponseStatus is the answer to a contact request.
type ResponseStatus uint8

const (
	// ResponseUndefined is never valid on the wire.
	ResponseUndefined ResponseStatus = iota
	ResponsePending
	ResponseAccepted
	ResponseRejected
	ResponseError
)

// IsFinal reports whether the status ends the request.
func (s ResponseStatus) IsFinal() bool {
	return s == ResponseAccepted || s == ResponseRejected || s == ResponseError
}

func (s ResponseStatus) String() string {
	switch s {
	case ResponseUndefined:
		return "undefined"
	case ResponsePending:
		return "pending"
	case ResponseAccepted:
		return "accepted"
	case ResponseRejected:
		return "rejected"
	case ResponseError:
		return "error"
	default:
		return fmt.Sprintf("ResponseStatus(%d)", uint8(s))
	}
}

// ContactRequestResponse is sent in the ChannelResult of a contact request
// channel and, while the request is pending, as a standalone packet.
type ContactRequestResponse struct {
	Status       ResponseStatus `cbor:"1,keyasint"`
	ErrorMessage string         `cbor:"2,keyasint,omitempty"`
}

// FileOffer advertises a file on a file transfer channel.
type FileOffer struct {
	FileName   string `cbor:"1,keyasint"`
	FileSize   uint64 `cbor:"2,keyasint"`
	TransferID []byte `cbor:"3,keyasint"`
}

// FileTransferPacket is a message on an open file transfer channel.
// Exactly one field is set.
type FileTransferPacket struct {
	Start    *TransferStart    `cbor:"1,keyasint,omitempty"`
	Cancel   *TransferCancel   `cbor:"2,keyasint,omitempty"`
	Finished *TransferFinished `cbor:"3,keyasint,omitempty"`
}

func (p *FileTransferPacket) validate() error {
	set := 0
	if p.Start != nil {
		set++
	}
	if p.Cancel != nil {
		set++
	}
	if p.Finished != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: file transfer packet carries %d messages", ErrMalformedMessage, set)
	}
	return nil
}

// TransferStart tells the sender the recipient accepted the offer.
type TransferStart struct{}

// TransferCancel aborts the transfer.
type TransferCancel struct {
	ByUser bool `cbor:"1,keyasint"`
}

// TransferFinished confirms all data was received.
type TransferFinished struct{}

// TransferDataParams are the open parameters of a data channel.
type TransferDataParams struct {
	TransferID    []byte `cbor:"1,keyasint"`
	StartPosition int64  `cbor:"2,keyasint"`
}

// DataPacket carries one chunk of file data.
type DataPacket struct {
	DataPosition *uint64 `cbor:"1,keyasint"`
	Data         []byte  `cbor:"2,keyasint"`
	LastPacket   bool    `cbor:"3,keyasint,omitempty"`
}
