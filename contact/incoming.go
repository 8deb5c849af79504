package contact

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/onionchat/protocol"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
)

// ErrRequestNotFound indicates no incoming request from the hostname.
var ErrRequestNotFound = errors.New("no contact request from this host")

// IncomingRequest is a snapshot of a contact request received from a peer.
type IncomingRequest struct {
	Hostname        string
	Nickname        string
	Message         string
	RequestedAt     time.Time
	LastRequestedAt time.Time
	// Connected reports whether the requesting peer is still connected and
	// can be answered immediately.
	Connected bool
}

type incomingRecord struct {
	req     IncomingRequest
	conn    *protocol.Connection
	channel *protocol.ContactRequestChannel
}

func (r *incomingRecord) snapshot() IncomingRequest {
	s := r.req
	s.Connected = r.conn != nil && r.conn.IsConnected()
	return s
}

// IncomingRequestManager decides inbound contact requests and keeps the
// undecided ones until the user accepts or rejects them.
type IncomingRequestManager struct {
	contacts     *Manager
	timeProvider protocol.TimeProvider

	mu              sync.Mutex
	requests        map[string]*incomingRecord
	blocked         map[string]struct{}
	addedHandlers   []func(IncomingRequest)
	removedHandlers []func(IncomingRequest)
}

// IncomingOption configures an IncomingRequestManager.
type IncomingOption func(*IncomingRequestManager)

// WithTimeProvider sets the clock used for request timestamps.
func WithTimeProvider(tp protocol.TimeProvider) IncomingOption {
	return func(m *IncomingRequestManager) {
		m.timeProvider = tp
	}
}

// WithBlockedHosts preloads the blocklist.
func WithBlockedHosts(hostnames []string) IncomingOption {
	return func(m *IncomingRequestManager) {
		for _, h := range hostnames {
			if key := transport.NormalizeHostname(h); key != "" {
				m.blocked[key] = struct{}{}
			}
		}
	}
}

// NewIncomingRequestManager creates a manager adding accepted requests to
// contacts.
func NewIncomingRequestManager(contacts *Manager, opts ...IncomingOption) *IncomingRequestManager {
	m := &IncomingRequestManager{
		contacts:     contacts,
		timeProvider: protocol.DefaultTimeProvider{},
		requests:     make(map[string]*incomingRecord),
		blocked:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AttachConnection makes the manager answer contact requests arriving on
// conn. Call it before conn.Start.
func (m *IncomingRequestManager) AttachConnection(conn *protocol.Connection) {
	conn.OnChannelCreated(func(ch protocol.Channel) {
		req, ok := ch.(*protocol.ContactRequestChannel)
		if !ok || req.Direction() != protocol.Inbound {
			return
		}
		req.SetRequestHandler(m.HandleRequest)
	})
}

// HandleRequest decides the response to an inbound request. It runs on the
// request connection's event loop.
//
// Blocked hosts are rejected and the local identity is refused. A request
// from a contact is accepted and the connection handed to the contact.
// Anything else is recorded, or refreshed if the host asked before, and
// left pending until Accept or Reject.
func (m *IncomingRequestManager) HandleRequest(ch *protocol.ContactRequestChannel) protocol.ContactRequestResponse {
	conn := ch.Connection()
	hostname := transport.NormalizeHostname(conn.AuthenticatedIdentity())
	fields := logrus.Fields{
		"function": "HandleRequest",
		"hostname": hostname,
		"nickname": ch.Nickname(),
	}

	switch {
	case hostname == "":
		logrus.WithFields(fields).Error("Contact request on an unauthenticated connection")
		return protocol.ContactRequestResponse{Status: protocol.ResponseError, ErrorMessage: "internal error"}
	case m.IsBlocked(hostname):
		logrus.WithFields(fields).Info("Rejected contact request from blocked host")
		return protocol.ContactRequestResponse{Status: protocol.ResponseRejected}
	case m.contacts.IsSelf(hostname):
		logrus.WithFields(fields).Warn("Refused contact request from the local identity")
		return protocol.ContactRequestResponse{Status: protocol.ResponseError, ErrorMessage: "cannot add yourself"}
	}

	if c := m.contacts.Lookup(hostname); c != nil {
		c.AssignConnection(conn)
		logrus.WithFields(fields).Info("Accepted contact request from existing contact")
		return protocol.ContactRequestResponse{Status: protocol.ResponseAccepted}
	}

	now := m.timeProvider.Now()
	m.mu.Lock()
	rec, exists := m.requests[hostname]
	var stale *protocol.Connection
	if exists {
		if rec.conn != nil && rec.conn != conn {
			stale = rec.conn
		}
	} else {
		rec = &incomingRecord{req: IncomingRequest{Hostname: hostname, RequestedAt: now}}
		m.requests[hostname] = rec
	}
	rec.req.Nickname = ch.Nickname()
	rec.req.Message = ch.Message()
	rec.req.LastRequestedAt = now
	rec.conn = conn
	rec.channel = ch
	snapshot := rec.snapshot()
	handlers := append([]func(IncomingRequest){}, m.addedHandlers...)
	m.mu.Unlock()

	ch.OnClosed(func() { m.channelClosed(hostname, ch) })
	if stale != nil {
		stale.Close()
	}

	if exists {
		logrus.WithFields(fields).Info("Refreshed pending contact request")
	} else {
		logrus.WithFields(fields).Info("Recorded new contact request")
		for _, fn := range handlers {
			fn(snapshot)
		}
	}
	return protocol.ContactRequestResponse{Status: protocol.ResponsePending}
}

// channelClosed drops the connection of a request whose channel went away.
// The request itself is kept for a later decision.
func (m *IncomingRequestManager) channelClosed(hostname string, ch *protocol.ContactRequestChannel) {
	m.mu.Lock()
	rec := m.requests[hostname]
	if rec == nil || rec.channel != ch {
		m.mu.Unlock()
		return
	}
	conn := rec.conn
	rec.conn = nil
	rec.channel = nil
	m.mu.Unlock()

	if conn != nil && conn.Purpose() == protocol.PurposeInboundRequest {
		conn.Close()
	}
}

func (m *IncomingRequestManager) take(hostname string) (*incomingRecord, error) {
	key := transport.NormalizeHostname(hostname)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.requests[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, key)
	}
	delete(m.requests, key)
	return rec, nil
}

func (m *IncomingRequestManager) emitRemoved(req IncomingRequest) {
	m.mu.Lock()
	handlers := append([]func(IncomingRequest){}, m.removedHandlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(req)
	}
}

// Accept adds the requesting host as a contact named nickname (the
// requester's own nickname if empty), answers the request and hands its
// connection to the contact. It must not be called from a connection's
// event loop.
func (m *IncomingRequestManager) Accept(hostname, nickname string) (*Contact, error) {
	rec, err := m.take(hostname)
	if err != nil {
		return nil, err
	}
	if nickname == "" {
		nickname = rec.req.Nickname
	}

	c := m.contacts.Lookup(rec.req.Hostname)
	if c == nil {
		c, err = m.contacts.Add(rec.req.Hostname, nickname)
		if err != nil {
			m.mu.Lock()
			m.requests[rec.req.Hostname] = rec
			m.mu.Unlock()
			return nil, err
		}
	}

	if conn, ch := rec.conn, rec.channel; conn != nil && ch != nil {
		err := conn.Do(func() error {
			if !c.AssignConnection(conn) {
				return nil
			}
			return ch.SetResponseStatus(protocol.ResponseAccepted, "")
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "IncomingRequestManager.Accept",
				"hostname": rec.req.Hostname,
				"error":    err.Error(),
			}).Warn("Could not answer accepted contact request")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "IncomingRequestManager.Accept",
		"hostname": rec.req.Hostname,
		"nickname": nickname,
	}).Info("Accepted contact request")

	m.emitRemoved(rec.snapshot())
	return c, nil
}

// Reject answers a request negatively and forgets it. With block, future
// requests from the host are rejected automatically. It must not be called
// from a connection's event loop.
func (m *IncomingRequestManager) Reject(hostname string, block bool) error {
	rec, err := m.take(hostname)
	if err != nil {
		return err
	}

	if conn, ch := rec.conn, rec.channel; conn != nil {
		err := conn.Do(func() error {
			if ch != nil && ch.SetResponseStatus(protocol.ResponseRejected, "") == nil {
				conn.CloseAfterWrites()
				return nil
			}
			return conn.Close()
		})
		if err != nil {
			conn.Close()
		}
	}
	if block {
		m.Block(rec.req.Hostname)
	}

	logrus.WithFields(logrus.Fields{
		"function": "IncomingRequestManager.Reject",
		"hostname": rec.req.Hostname,
		"blocked":  block,
	}).Info("Rejected contact request")

	m.emitRemoved(rec.snapshot())
	return nil
}

// Request returns the pending request from hostname.
func (m *IncomingRequestManager) Request(hostname string) (IncomingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.requests[transport.NormalizeHostname(hostname)]
	if !exists {
		return IncomingRequest{}, false
	}
	return rec.snapshot(), true
}

// Requests returns every pending request ordered by hostname.
func (m *IncomingRequestManager) Requests() []IncomingRequest {
	m.mu.Lock()
	out := make([]IncomingRequest, 0, len(m.requests))
	for _, rec := range m.requests {
		out = append(out, rec.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Block rejects all future requests from hostname.
func (m *IncomingRequestManager) Block(hostname string) {
	m.mu.Lock()
	m.blocked[transport.NormalizeHostname(hostname)] = struct{}{}
	m.mu.Unlock()
}

// Unblock removes hostname from the blocklist.
func (m *IncomingRequestManager) Unblock(hostname string) {
	m.mu.Lock()
	delete(m.blocked, transport.NormalizeHostname(hostname))
	m.mu.Unlock()
}

// IsBlocked reports whether requests from hostname are rejected.
func (m *IncomingRequestManager) IsBlocked(hostname string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, blocked := m.blocked[transport.NormalizeHostname(hostname)]
	return blocked
}

// Blocked returns the blocklist in order.
func (m *IncomingRequestManager) Blocked() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.blocked))
	for h := range m.blocked {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// OnRequestAdded registers a callback for new requests. It runs on the
// requesting connection's event loop and must not call Accept or Reject
// directly.
func (m *IncomingRequestManager) OnRequestAdded(fn func(IncomingRequest)) {
	m.mu.Lock()
	m.addedHandlers = append(m.addedHandlers, fn)
	m.mu.Unlock()
}

// OnRequestRemoved registers a callback for accepted or rejected requests.
func (m *IncomingRequestManager) OnRequestRemoved(fn func(IncomingRequest)) {
	m.mu.Lock()
	m.removedHandlers = append(m.removedHandlers, fn)
	m.mu.Unlock()
}
