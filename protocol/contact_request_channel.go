package protocol

import (
	"errors"

	"github.com/opd-ai/onionchat/limits"
	"github.com/sirupsen/logrus"
)

// RequestHandler decides the response to an inbound contact request. It runs
// on the connection's event loop while the open request is negotiated and
// must return a status other than ResponseUndefined.
type RequestHandler func(ch *ContactRequestChannel) ContactRequestResponse

// ContactRequestChannel carries the handshake by which an unknown peer asks
// to become a contact.
type ContactRequestChannel struct {
	channelBase

	nickname string
	message  string
	response ContactRequestResponse

	requestHandler   RequestHandler
	responseHandlers []func(ContactRequestResponse)
}

// NewContactRequestChannel creates an outbound contact request channel on
// conn. Set the nickname and message, then open it with Connection.OpenChannel.
func NewContactRequestChannel(conn *Connection) *ContactRequestChannel {
	return newContactRequestChannel(conn, Outbound)
}

func newContactRequestChannel(conn *Connection, direction ChannelDirection) *ContactRequestChannel {
	ch := &ContactRequestChannel{}
	ch.init(ch, ContactRequestChannelType, direction, conn)
	return ch
}

// Nickname returns the sender's nickname.
func (ch *ContactRequestChannel) Nickname() string { return ch.nickname }

// Message returns the introduction message.
func (ch *ContactRequestChannel) Message() string { return ch.message }

// Response returns the latest response sent or received.
func (ch *ContactRequestChannel) Response() ContactRequestResponse { return ch.response }

// SetNickname sets the nickname of an outbound request.
func (ch *ContactRequestChannel) SetNickname(nickname string) error {
	if err := ch.checkUnopenedOutbound(); err != nil {
		return err
	}
	if err := limits.ValidateNickname(nickname); err != nil {
		return err
	}
	ch.nickname = nickname
	return nil
}

// SetMessage sets the introduction message of an outbound request.
func (ch *ContactRequestChannel) SetMessage(message string) error {
	if err := ch.checkUnopenedOutbound(); err != nil {
		return err
	}
	if err := limits.ValidateRequestMessage(message); err != nil {
		return err
	}
	ch.message = message
	return nil
}

func (ch *ContactRequestChannel) checkUnopenedOutbound() error {
	if ch.direction != Outbound || ch.state != ChannelUnopened {
		return channelError("configure", ch, ErrChannelState)
	}
	return nil
}

// SetRequestHandler installs the decision function for an inbound request.
// It is normally set from a Connection.OnChannelCreated hook.
func (ch *ContactRequestChannel) SetRequestHandler(fn RequestHandler) {
	ch.requestHandler = fn
}

// OnResponse registers a callback for responses to an outbound request.
func (ch *ContactRequestChannel) OnResponse(fn func(ContactRequestResponse)) {
	ch.responseHandlers = append(ch.responseHandlers, fn)
}

// SetResponseStatus answers a pending inbound request with a standalone
// response. A final status closes the channel.
func (ch *ContactRequestChannel) SetResponseStatus(status ResponseStatus, errorMessage string) error {
	if ch.direction != Inbound || ch.state != ChannelOpen {
		return channelError("respond", ch, ErrChannelState)
	}
	if status == ResponseUndefined {
		return channelError("respond", ch, errors.New("undefined response status"))
	}

	ch.response = ContactRequestResponse{Status: status, ErrorMessage: errorMessage}
	data, err := Marshal(&ch.response)
	if err != nil {
		return channelError("respond", ch, err)
	}
	if !ch.sendPacket(data) {
		return channelError("respond", ch, ErrConnectionClosed)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SetResponseStatus",
		"status":   status.String(),
		"identity": ch.conn.AuthenticatedIdentity(),
	}).Info("Sent contact request response")

	if status.IsFinal() {
		ch.Close()
	}
	return nil
}

func (ch *ContactRequestChannel) allowOutboundChannelRequest(req *OpenChannel) bool {
	if ch.conn.Direction() != ClientSide {
		logrus.WithFields(logrus.Fields{
			"function": "ContactRequestChannel.allowOutboundChannelRequest",
			"fault":    "local",
		}).Error("Contact request must be sent from the dialing side")
		return false
	}
	if ch.conn.Purpose() != PurposeOutboundRequest {
		logrus.WithFields(logrus.Fields{
			"function": "ContactRequestChannel.allowOutboundChannelRequest",
			"purpose":  ch.conn.Purpose().String(),
			"fault":    "local",
		}).Error("Contact request requires an outbound request connection")
		return false
	}

	req.ContactRequest = &ContactRequest{
		Nickname:    ch.nickname,
		MessageText: ch.message,
	}
	return true
}

func (ch *ContactRequestChannel) allowInboundChannelRequest(req *OpenChannel, result *ChannelResult) bool {
	conn := ch.conn

	// The peer is already a contact; acknowledge without bothering the user.
	if conn.Purpose() == PurposeKnownContact {
		logrus.WithFields(logrus.Fields{
			"function": "ContactRequestChannel.allowInboundChannelRequest",
			"identity": conn.AuthenticatedIdentity(),
		}).Info("Contact request from known contact answered as accepted")
		result.ContactResponse = &ContactRequestResponse{Status: ResponseAccepted}
		return false
	}

	if conn.Direction() != ServerSide || conn.Purpose() != PurposeUnknown {
		logrus.WithFields(logrus.Fields{
			"function":  "ContactRequestChannel.allowInboundChannelRequest",
			"direction": conn.Direction().String(),
			"purpose":   conn.Purpose().String(),
			"fault":     "remote",
		}).Warn("Contact request on a connection that cannot carry one")
		result.CommonError = BadUsageError
		return false
	}
	if conn.AuthenticatedIdentity() == "" {
		result.CommonError = UnauthorizedError
		return false
	}

	cr := req.ContactRequest
	if cr == nil {
		result.CommonError = BadUsageError
		return false
	}
	if err := limits.ValidateNickname(cr.Nickname); err != nil {
		ch.rejectRequest(result, err)
		return false
	}
	if err := limits.ValidateRequestMessage(cr.MessageText); err != nil {
		ch.rejectRequest(result, err)
		return false
	}
	ch.nickname = cr.Nickname
	ch.message = cr.MessageText

	var response ContactRequestResponse
	if ch.requestHandler != nil {
		response = ch.requestHandler(ch)
	}
	if response.Status == ResponseUndefined {
		logrus.WithFields(logrus.Fields{
			"function": "ContactRequestChannel.allowInboundChannelRequest",
			"identity": conn.AuthenticatedIdentity(),
			"fault":    "local",
		}).Error("No response decided for contact request")
		response = ContactRequestResponse{Status: ResponseError, ErrorMessage: "internal error"}
	}
	ch.response = response
	result.ContactResponse = &response

	if response.Status == ResponsePending {
		if err := conn.SetPurpose(PurposeInboundRequest); err != nil {
			result.ContactResponse = nil
			result.CommonError = FailedError
			return false
		}
	} else {
		ch.closeAfterOpen = true
	}

	logrus.WithFields(logrus.Fields{
		"function": "ContactRequestChannel.allowInboundChannelRequest",
		"identity": conn.AuthenticatedIdentity(),
		"nickname": ch.nickname,
		"status":   response.Status.String(),
	}).Info("Answered contact request")
	return true
}

func (ch *ContactRequestChannel) rejectRequest(result *ChannelResult, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "ContactRequestChannel.allowInboundChannelRequest",
		"error":    err.Error(),
		"fault":    "remote",
	}).Warn("Rejected malformed contact request")
	result.CommonError = BadUsageError
}

func (ch *ContactRequestChannel) processChannelOpenResult(result *ChannelResult) bool {
	if result.ContactResponse == nil {
		if result.Opened {
			ch.protocolViolation("contact request accepted without a response", nil)
			return false
		}
		ch.emitResponse(ContactRequestResponse{
			Status:       ResponseError,
			ErrorMessage: "request refused: " + result.CommonError.String(),
		})
		return false
	}

	if !ch.handleResponse(*result.ContactResponse) {
		return false
	}
	return result.Opened && ch.response.Status == ResponsePending
}

func (ch *ContactRequestChannel) receivePacket(data []byte) {
	if ch.direction != Outbound {
		ch.protocolViolation("unexpected packet on inbound contact request", nil)
		return
	}

	var response ContactRequestResponse
	if err := Unmarshal(data, &response); err != nil {
		ch.protocolViolation("malformed contact request response", err)
		return
	}
	if !ch.handleResponse(response) {
		return
	}
	if response.Status.IsFinal() {
		ch.Close()
	}
}

// handleResponse validates and publishes a response. An undefined or unknown
// status is a protocol violation and closes the channel.
func (ch *ContactRequestChannel) handleResponse(response ContactRequestResponse) bool {
	switch response.Status {
	case ResponsePending, ResponseAccepted, ResponseRejected, ResponseError:
	default:
		ch.protocolViolation("invalid contact request response status", nil)
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "ContactRequestChannel.handleResponse",
		"identity": ch.conn.AuthenticatedIdentity(),
		"status":   response.Status.String(),
	}).Info("Received contact request response")

	ch.emitResponse(response)
	return ch.state != ChannelClosed
}

func (ch *ContactRequestChannel) emitResponse(response ContactRequestResponse) {
	ch.response = response
	for _, fn := range ch.responseHandlers {
		fn(response)
	}
}
