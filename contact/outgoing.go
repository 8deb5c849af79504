package contact

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/onionchat/limits"
	"github.com/opd-ai/onionchat/protocol"
	"github.com/sirupsen/logrus"
)

// ErrRequestFinished indicates the request already reached a final status.
var ErrRequestFinished = errors.New("contact request already answered")

// RequestStatus is the state of a contact request we sent.
type RequestStatus uint8

const (
	// RequestPending means the request has not reached the peer yet.
	RequestPending RequestStatus = iota
	// RequestAcknowledged means the peer received it and has not decided.
	RequestAcknowledged
	// RequestAccepted means the peer accepted.
	RequestAccepted
	// RequestRejected means the peer rejected.
	RequestRejected
	// RequestError means the peer reported an error.
	RequestError
)

// String returns the status name.
func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestAcknowledged:
		return "acknowledged"
	case RequestAccepted:
		return "accepted"
	case RequestRejected:
		return "rejected"
	case RequestError:
		return "error"
	default:
		return "unknown"
	}
}

// IsFinal reports whether the status is terminal.
func (s RequestStatus) IsFinal() bool {
	return s == RequestAccepted || s == RequestRejected || s == RequestError
}

// OutgoingRequest is a contact request sent to a peer. Its status moves
// Pending → Acknowledged → Accepted, Rejected or Error; final statuses
// never change.
type OutgoingRequest struct {
	hostname   string
	myNickname string
	message    string

	mu            sync.Mutex
	status        RequestStatus
	rejectMessage string
	handlers      []func(old, new RequestStatus)
}

// NewOutgoingRequest creates a request introducing us as myNickname.
func NewOutgoingRequest(hostname, myNickname, message string) (*OutgoingRequest, error) {
	if err := limits.ValidateNickname(myNickname); err != nil {
		return nil, fmt.Errorf("nickname: %w", err)
	}
	if err := limits.ValidateRequestMessage(message); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return &OutgoingRequest{
		hostname:   hostname,
		myNickname: myNickname,
		message:    message,
	}, nil
}

// MyNickname returns the nickname we introduce ourselves with.
func (r *OutgoingRequest) MyNickname() string { return r.myNickname }

// Message returns the introduction message.
func (r *OutgoingRequest) Message() string { return r.message }

// Status returns the current status.
func (r *OutgoingRequest) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RejectMessage returns the peer's error message, if any.
func (r *OutgoingRequest) RejectMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectMessage
}

// OnStatusChanged registers a callback for status changes.
func (r *OutgoingRequest) OnStatusChanged(fn func(old, new RequestStatus)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

func (r *OutgoingRequest) setStatus(status RequestStatus, message string) bool {
	r.mu.Lock()
	old := r.status
	if old == status || old.IsFinal() {
		r.mu.Unlock()
		return false
	}
	r.status = status
	if message != "" {
		r.rejectMessage = message
	}
	handlers := append([]func(old, new RequestStatus){}, r.handlers...)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "OutgoingRequest.setStatus",
		"hostname": r.hostname,
		"from":     old.String(),
		"to":       status.String(),
	}).Info("Contact request status changed")

	for _, fn := range handlers {
		fn(old, status)
	}
	return true
}

func (r *OutgoingRequest) accept() {
	r.setStatus(RequestAccepted, "")
}

// SendRequest opens the contact request channel on conn, which must carry
// purpose OutboundRequest. It is safe from any goroutine; the result
// arrives through OnStatusChanged.
func (r *OutgoingRequest) SendRequest(conn *protocol.Connection) error {
	if r.Status().IsFinal() {
		return ErrRequestFinished
	}
	if !conn.Post(func() { r.openChannel(conn) }) {
		return protocol.ErrConnectionClosed
	}
	return nil
}

func (r *OutgoingRequest) openChannel(conn *protocol.Connection) {
	ch := protocol.NewContactRequestChannel(conn)
	if err := ch.SetNickname(r.myNickname); err != nil {
		r.setStatus(RequestError, err.Error())
		return
	}
	if err := ch.SetMessage(r.message); err != nil {
		r.setStatus(RequestError, err.Error())
		return
	}
	ch.OnResponse(func(resp protocol.ContactRequestResponse) {
		r.handleResponse(conn, resp)
	})

	if err := conn.OpenChannel(ch); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OutgoingRequest.SendRequest",
			"hostname": r.hostname,
			"error":    err.Error(),
		}).Warn("Failed to open contact request channel")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "OutgoingRequest.SendRequest",
		"hostname": r.hostname,
	}).Info("Sent contact request")
}

func (r *OutgoingRequest) handleResponse(conn *protocol.Connection, resp protocol.ContactRequestResponse) {
	switch resp.Status {
	case protocol.ResponsePending:
		r.setStatus(RequestAcknowledged, "")
	case protocol.ResponseAccepted:
		if err := conn.SetPurpose(protocol.PurposeKnownContact); err != nil {
			conn.Close()
		}
		r.setStatus(RequestAccepted, "")
	case protocol.ResponseRejected:
		r.setStatus(RequestRejected, resp.ErrorMessage)
	case protocol.ResponseError:
		r.setStatus(RequestError, resp.ErrorMessage)
	}
}
