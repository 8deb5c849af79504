package contact

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/onionchat/limits"
	"github.com/opd-ai/onionchat/protocol"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

// ErrIdentityMismatch indicates a connection authenticated as a different peer.
var ErrIdentityMismatch = errors.New("connection authenticated as another peer")

// Status represents the reachability of a contact.
type Status uint8

const (
	// StatusOffline means no connection is assigned.
	StatusOffline Status = iota
	// StatusOnline means the contact has a live connection.
	StatusOnline
	// StatusRequestPending means our contact request awaits an answer.
	StatusRequestPending
	// StatusRequestRejected means the peer rejected our contact request.
	StatusRequestRejected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusRequestPending:
		return "request_pending"
	case StatusRequestRejected:
		return "request_rejected"
	default:
		return "unknown"
	}
}

// Conn is the view of a connection the arbitrator needs.
// *protocol.Connection implements it.
type Conn interface {
	Direction() protocol.Direction
	IsConnected() bool
	Age() time.Duration
	AuthenticatedIdentity() string
	Purpose() protocol.Purpose
	SetPurpose(protocol.Purpose) error
	Close() error
	Done() <-chan struct{}
}

// Contact is one peer in the contact list. It holds at most one active
// connection; competing connections are resolved by AssignConnection.
type Contact struct {
	hostname      string
	localHostname string

	mu       sync.Mutex
	nickname string
	conn     Conn
	attempt  *OutboundAttempt
	request  *OutgoingRequest

	connectedHandlers    []func(Conn)
	disconnectedHandlers []func()
}

func newContact(hostname, localHostname, nickname string) *Contact {
	return &Contact{
		hostname:      transport.NormalizeHostname(hostname),
		localHostname: transport.NormalizeHostname(localHostname),
		nickname:      nickname,
	}
}

// Hostname returns the normalized onion hostname of the peer.
func (c *Contact) Hostname() string { return c.hostname }

// Nickname returns the local nickname for the contact.
func (c *Contact) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// SetNickname changes the local nickname for the contact.
func (c *Contact) SetNickname(nickname string) error {
	if err := limits.ValidateNickname(nickname); err != nil {
		return err
	}
	c.mu.Lock()
	c.nickname = nickname
	c.mu.Unlock()
	return nil
}

// Status derives the contact status from its connection and request.
func (c *Contact) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		return StatusOnline
	}
	if c.request != nil {
		switch c.request.Status() {
		case RequestPending, RequestAcknowledged:
			return StatusRequestPending
		case RequestRejected, RequestError:
			return StatusRequestRejected
		}
	}
	return StatusOffline
}

// Connection returns the active connection, or nil.
func (c *Contact) Connection() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// IsConnected reports whether the contact has a live connection.
func (c *Contact) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// OutgoingRequest returns the contact request sent to this peer, or nil.
func (c *Contact) OutgoingRequest() *OutgoingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// SetOutgoingRequest records a contact request sent to this peer.
func (c *Contact) SetOutgoingRequest(r *OutgoingRequest) {
	c.mu.Lock()
	c.request = r
	c.mu.Unlock()
}

// OnConnected registers a callback for every connection the contact adopts.
// Callbacks may run on a connection's event loop and must not block on it.
func (c *Contact) OnConnected(fn func(Conn)) {
	c.mu.Lock()
	c.connectedHandlers = append(c.connectedHandlers, fn)
	c.mu.Unlock()
}

// OnDisconnected registers a callback for the loss of the active connection.
func (c *Contact) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.disconnectedHandlers = append(c.disconnectedHandlers, fn)
	c.mu.Unlock()
}

// decision is the outcome of one arbitration, applied after the contact
// lock is released.
type decision struct {
	won       bool
	noop      bool
	closeNew  bool
	replaced  Conn
	abort     *OutboundAttempt
	acceptReq *OutgoingRequest
	reason    string
	connected []func(Conn)
}

// AssignConnection proposes conn as the active connection for the contact
// and reports whether it was adopted.
//
// Competing connections are resolved in order: no live existing connection
// accepts the new one; a connection in the same direction replaces the
// existing one; an existing connection older than
// limits.ConnectionRaceThreshold is replaced; otherwise the connection
// dialed by the peer whose hostname sorts first wins. Without an existing
// connection, an inbound connection beats a pending outbound attempt unless
// that attempt is already authenticating and would win the comparison.
//
// The decision is atomic per contact. Losers are closed after it is made,
// and proposing the same connection again changes nothing.
func (c *Contact) AssignConnection(conn Conn) bool {
	if conn == nil {
		return false
	}

	c.mu.Lock()
	d := c.arbitrate(conn)
	c.mu.Unlock()

	fields := logrus.Fields{
		"function":  "AssignConnection",
		"hostname":  c.hostname,
		"direction": conn.Direction().String(),
		"reason":    d.reason,
	}

	if d.closeNew {
		conn.Close()
	}
	if d.replaced != nil && d.replaced.IsConnected() {
		d.replaced.Close()
	}
	if d.abort != nil {
		d.abort.Abort()
	}
	if !d.won {
		logrus.WithFields(fields).Info("Connection lost arbitration")
		return false
	}
	if d.noop {
		return true
	}

	logrus.WithFields(fields).Info("Assigned connection to contact")

	if d.acceptReq != nil {
		d.acceptReq.accept()
	}
	go c.watch(conn)
	for _, fn := range d.connected {
		fn(conn)
	}
	return true
}

// arbitrate decides under c.mu and commits the winner.
func (c *Contact) arbitrate(conn Conn) decision {
	var d decision

	if conn == c.conn {
		d.won = c.conn.IsConnected()
		d.noop = true
		d.reason = "already assigned"
		return d
	}
	if !conn.IsConnected() {
		d.reason = "new connection is closed"
		return d
	}
	if transport.NormalizeHostname(conn.AuthenticatedIdentity()) != c.hostname {
		logrus.WithFields(logrus.Fields{
			"function": "AssignConnection",
			"hostname": c.hostname,
			"identity": conn.AuthenticatedIdentity(),
			"error":    ErrIdentityMismatch.Error(),
			"fault":    "local",
		}).Error("Connection assigned to the wrong contact")
		d.closeNew = true
		d.reason = "identity mismatch"
		return d
	}

	isOutbound := conn.Direction() == protocol.ClientSide
	preferOutbound := c.localHostname < c.hostname

	existing := c.conn
	if existing != nil && !existing.IsConnected() {
		d.reason = "existing connection is closed"
		existing = nil
	}

	if existing != nil {
		switch {
		case existing.Direction() == conn.Direction():
			d.reason = "same direction"
		case existing.Age() > limits.ConnectionRaceThreshold:
			d.reason = "existing connection is stale"
		case isOutbound == preferOutbound:
			d.reason = "won comparison"
		default:
			d.closeNew = true
			d.reason = "existing connection won comparison"
			return d
		}
		d.replaced = existing
	} else if !isOutbound && c.attempt != nil {
		if c.attempt.Status() == AttemptAuthenticating && preferOutbound {
			d.closeNew = true
			d.reason = "pending outbound attempt won comparison"
			return d
		}
		d.abort = c.attempt
		c.attempt = nil
	}

	purpose := protocol.PurposeKnownContact
	if c.request != nil && !c.request.Status().IsFinal() {
		if isOutbound {
			purpose = protocol.PurposeOutboundRequest
		} else {
			d.acceptReq = c.request
		}
	}
	if err := conn.SetPurpose(purpose); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AssignConnection",
			"hostname": c.hostname,
			"purpose":  purpose.String(),
			"error":    err.Error(),
		}).Warn("Cannot classify connection for contact")
		d.closeNew = true
		d.replaced = nil
		d.acceptReq = nil
		if d.abort != nil {
			c.attempt = d.abort
			d.abort = nil
		}
		d.reason = "purpose change refused"
		return d
	}

	if isOutbound && c.attempt != nil {
		c.attempt = nil
	}
	c.conn = conn
	d.won = true
	if d.reason == "" {
		d.reason = "no existing connection"
	}
	d.connected = append([]func(Conn){}, c.connectedHandlers...)
	return d
}

// watch clears the active connection once it has shut down.
func (c *Contact) watch(conn Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	handlers := append([]func(){}, c.disconnectedHandlers...)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Contact.watch",
		"hostname": c.hostname,
	}).Info("Contact disconnected")
	for _, fn := range handlers {
		fn()
	}
}

// Disconnect closes the active connection and aborts any outbound attempt.
func (c *Contact) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	attempt := c.attempt
	c.attempt = nil
	c.mu.Unlock()

	if attempt != nil {
		attempt.Abort()
	}
	if conn != nil {
		conn.Close()
	}
}
