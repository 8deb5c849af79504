package onionchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/onionchat/contact"
	"github.com/opd-ai/onionchat/file"
	"github.com/opd-ai/onionchat/protocol"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClientClosed indicates an operation on a closed Client.
	ErrClientClosed = errors.New("client closed")

	// ErrConnectionLost indicates an outbound connection that lost
	// arbitration without leaving the contact connected.
	ErrConnectionLost = errors.New("connection lost arbitration")
)

// Client is one local onionchat identity. It owns the contact list, the
// request and transfer managers, and every connection to peers.
type Client struct {
	options *Options
	auth    Authenticator
	dialer  transport.Dialer

	contacts  *contact.Manager
	requests  *contact.IncomingRequestManager
	transfers *file.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*protocol.Connection]struct{}
	closed   bool
}

// New creates a client. A nil opts uses NewOptions, which lacks a hostname
// and therefore fails validation.
func New(opts *Options, auth Authenticator) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	dialer, err := opts.dialer()
	if err != nil {
		return nil, err
	}

	c := &Client{
		options: opts,
		auth:    auth,
		dialer:  dialer,
		conns:   make(map[*protocol.Connection]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.contacts = contact.NewManager(opts.Hostname)
	c.requests = contact.NewIncomingRequestManager(c.contacts, contact.WithBlockedHosts(opts.BlockedHosts))
	c.transfers = file.NewManager(file.DataDialerFunc(c.dialData), file.WithStallTimeout(opts.StallTimeout))

	for _, co := range opts.Contacts {
		if _, err := c.contacts.Add(co.Hostname, co.Nickname); err != nil {
			c.cancel()
			return nil, fmt.Errorf("contact %s: %w", co.Hostname, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"hostname": c.contacts.LocalHostname(),
		"contacts": len(opts.Contacts),
		"tor":      opts.Tor != nil && opts.Tor.SocksAddress != "",
	}).Info("Created client")
	return c, nil
}

// Hostname returns the normalized onion hostname of the local identity.
func (c *Client) Hostname() string { return c.contacts.LocalHostname() }

// Contacts returns the contact list.
func (c *Client) Contacts() *contact.Manager { return c.contacts }

// IncomingRequests returns the manager of contact requests from others.
func (c *Client) IncomingRequests() *contact.IncomingRequestManager { return c.requests }

// Transfers returns the file transfer manager.
func (c *Client) Transfers() *file.Manager { return c.transfers }

// Listen binds the listening socket and returns its address. Run listens
// on its own; call Listen first when the address is needed before Run.
func (c *Client) Listen() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.listener != nil {
		return c.listener.Addr(), nil
	}
	listener, err := transport.Listen(c.options.ListenAddress)
	if err != nil {
		return nil, err
	}
	c.listener = listener
	return listener.Addr(), nil
}

// AddPeerAddress makes hostname dialable at a fixed host:port instead of its
// onion address.
func (c *Client) AddPeerAddress(hostname, address string) error {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return fmt.Errorf("peer address: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.options.PeerAddresses == nil {
		c.options.PeerAddresses = make(map[string]string)
	}
	c.options.PeerAddresses[transport.NormalizeHostname(hostname)] = address
	return nil
}

func (c *Client) peerAddress(hostname string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.peerAddress(hostname)
}

// Run accepts connections and maintains contact connections until ctx is
// done, Close is called, or the listener fails. It returns nil unless the
// listener fails.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.Listen(); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return nil
		}
		return err
	}
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"hostname": c.Hostname(),
		"address":  listener.Addr().String(),
	}).Info("Client running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Serve(gctx, listener, c.handleInbound)
	})
	g.Go(func() error {
		c.maintain(gctx)
		return nil
	})
	return g.Wait()
}

// maintain keeps contact connections alive, redials offline contacts and
// fails stalled transfers.
func (c *Client) maintain(ctx context.Context) {
	ticker := time.NewTicker(c.options.KeepAliveInterval)
	defer ticker.Stop()

	c.reconnect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.keepAlive()
			c.reconnect(ctx)
			if n := c.transfers.CheckStalled(); n > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "maintain",
					"stalled":  n,
				}).Warn("Failed stalled transfers")
			}
		}
	}
}

func (c *Client) keepAlive() {
	for _, ct := range c.contacts.All() {
		if conn, ok := ct.Connection().(*protocol.Connection); ok && conn.IsConnected() {
			conn.SendKeepAlive(true)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	for _, ct := range c.contacts.All() {
		if ct.IsConnected() || ct.Attempt() != nil || ct.Status() == contact.StatusRequestRejected {
			continue
		}
		go func(hostname string) {
			if _, err := c.ConnectContact(ctx, hostname); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "reconnect",
					"hostname": hostname,
					"error":    err.Error(),
				}).Debug("Contact unreachable")
			}
		}(ct.Hostname())
	}
}

// handleInbound authenticates an accepted stream and runs it as a
// connection. Its purpose is decided by the first thing the peer does.
func (c *Client) handleInbound(raw net.Conn) {
	ctx, cancel := context.WithTimeout(c.ctx, c.options.HandshakeTimeout)
	defer cancel()

	identity, err := c.auth.AuthenticateInbound(ctx, raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleInbound",
			"remote_addr": raw.RemoteAddr().String(),
			"error":       err.Error(),
			"fault":       "remote",
		}).Warn("Inbound authentication failed")
		raw.Close()
		return
	}

	conn := protocol.NewConnection(raw, protocol.ServerSide, protocol.WithAuthenticatedIdentity(identity))
	if !c.track(conn) {
		conn.Close()
		return
	}
	c.attach(conn)

	timeout := c.options.HandshakeTimeout
	timer := time.AfterFunc(timeout, func() {
		if conn.Purpose() == protocol.PurposeUnknown {
			logrus.WithFields(logrus.Fields{
				"function": "handleInbound",
				"identity": identity,
				"timeout":  timeout.String(),
			}).Info("Closing unclassified connection")
			conn.Close()
		}
	})
	conn.OnClosed(func() { timer.Stop() })

	logrus.WithFields(logrus.Fields{
		"function": "handleInbound",
		"identity": identity,
	}).Info("Accepted authenticated connection")
	conn.Start()
}

// attach registers the hooks every connection carries. Call it before
// conn.Start.
func (c *Client) attach(conn *protocol.Connection) {
	conn.OnClassify(c.classify)
	c.requests.AttachConnection(conn)
	c.transfers.AttachConnection(conn)
}

// classify hands a connection from a known contact to that contact. Contact
// requests and data channels classify themselves.
func (c *Client) classify(conn *protocol.Connection, channelType string) {
	switch channelType {
	case protocol.ContactRequestChannelType, protocol.FileTransferDataChannelType:
		return
	}

	ct := c.contacts.Lookup(conn.AuthenticatedIdentity())
	if ct == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "classify",
			"identity":     conn.AuthenticatedIdentity(),
			"channel_type": channelType,
			"fault":        "remote",
		}).Warn("Closing connection from unknown peer")
		conn.Close()
		return
	}
	ct.AssignConnection(conn)
}

// track records conn so Close can shut it down. It fails once the client
// is closed.
func (c *Client) track(conn *protocol.Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	conn.OnClosed(func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	})
	return true
}

// ConnectContact dials a contact unless it is already connected. The new
// connection competes with any inbound one; the contact is returned as long
// as it ends up connected locally. A nil error does not mean the connection
// will last: the peer runs its own arbitration and may close it, after which
// the contact goes offline and Run dials again.
func (c *Client) ConnectContact(ctx context.Context, hostname string) (*contact.Contact, error) {
	ct := c.contacts.Lookup(hostname)
	if ct == nil {
		return nil, fmt.Errorf("%w: %s", contact.ErrContactNotFound, hostname)
	}
	if ct.IsConnected() {
		return ct, nil
	}

	attempt, err := ct.BeginAttempt(ctx)
	if err != nil {
		return nil, err
	}
	defer ct.EndAttempt(attempt)

	conn, err := c.dialPeer(attempt.Context(), ct.Hostname(), attempt.SetStatus)
	if err != nil {
		if attempt.Aborted() && ct.IsConnected() {
			return ct, nil
		}
		return nil, err
	}
	if !c.track(conn) {
		conn.Close()
		return nil, ErrClientClosed
	}
	c.attach(conn)

	won := ct.AssignConnection(conn)
	conn.Start()
	if !won {
		if ct.IsConnected() {
			return ct, nil
		}
		return nil, ErrConnectionLost
	}

	if conn.Purpose() == protocol.PurposeOutboundRequest {
		if req := ct.OutgoingRequest(); req != nil {
			if err := req.SendRequest(conn); err != nil && !errors.Is(err, contact.ErrRequestFinished) {
				return ct, err
			}
		}
		return ct, nil
	}
	// The keep-alive lets the peer classify the connection right away.
	conn.SendKeepAlive(false)
	return ct, nil
}

// dialPeer dials and authenticates hostname, reporting progress through
// status when it is not nil.
func (c *Client) dialPeer(ctx context.Context, hostname string, status func(contact.AttemptStatus) error) (*protocol.Connection, error) {
	report := func(s contact.AttemptStatus) error {
		if status == nil {
			return nil
		}
		return status(s)
	}
	fields := logrus.Fields{
		"function": "dialPeer",
		"hostname": hostname,
	}

	address := c.peerAddress(hostname)
	raw, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Dial failed")
		return nil, fmt.Errorf("dial %s: %w", hostname, err)
	}
	if err := report(contact.AttemptAuthenticating); err != nil {
		raw.Close()
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, c.options.HandshakeTimeout)
	defer cancel()
	if err := c.auth.AuthenticateOutbound(actx, raw, hostname); err != nil {
		raw.Close()
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Outbound authentication failed")
		return nil, fmt.Errorf("authenticate %s: %w", hostname, err)
	}
	if err := report(contact.AttemptReady); err != nil {
		raw.Close()
		return nil, err
	}

	logrus.WithFields(fields).Info("Established outbound connection")
	return protocol.NewConnection(raw, protocol.ClientSide,
		protocol.WithAuthenticatedIdentity(transport.NormalizeHostname(hostname))), nil
}

// dialData opens a connection dedicated to one transfer's data.
func (c *Client) dialData(ctx context.Context, hostname string) (*protocol.Connection, error) {
	conn, err := c.dialPeer(ctx, hostname, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.SetPurpose(protocol.PurposeFileTransferData); err != nil {
		conn.Close()
		return nil, err
	}
	if !c.track(conn) {
		conn.Close()
		return nil, ErrClientClosed
	}
	c.transfers.AttachConnection(conn)
	conn.Start()
	return conn, nil
}

// SendContactRequest adds hostname as a contact and asks the peer to add us
// back. If the peer already asked us, its request is accepted instead. The
// request is delivered now if the peer is reachable and retried by Run
// otherwise.
func (c *Client) SendContactRequest(ctx context.Context, hostname, nickname, message string) (*contact.Contact, error) {
	if c.contacts.IsSelf(hostname) {
		return nil, contact.ErrSelfContact
	}
	if _, pending := c.requests.Request(hostname); pending {
		return c.requests.Accept(hostname, nickname)
	}

	req, err := contact.NewOutgoingRequest(hostname, c.options.Nickname, message)
	if err != nil {
		return nil, err
	}
	ct, err := c.contacts.Add(hostname, nickname)
	if err != nil {
		return nil, err
	}
	ct.SetOutgoingRequest(req)

	if _, err := c.ConnectContact(ctx, hostname); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendContactRequest",
			"hostname": ct.Hostname(),
			"error":    err.Error(),
		}).Info("Peer unreachable, request will be retried")
	}
	return ct, nil
}

// SendFile offers the file at path to a connected contact.
func (c *Client) SendFile(hostname, path string) (*file.Transfer, error) {
	ct := c.contacts.Lookup(hostname)
	if ct == nil {
		return nil, fmt.Errorf("%w: %s", contact.ErrContactNotFound, hostname)
	}
	t, err := c.transfers.SendFile(contactPeer{ct}, path)
	if err != nil {
		return nil, err
	}
	if err := t.Start(); err != nil {
		t.Cancel()
		return nil, err
	}
	return t, nil
}

// AcceptFile saves an offered file under the download directory and starts
// receiving it.
func (c *Client) AcceptFile(t *file.Transfer) error {
	dest := filepath.Join(c.options.DownloadDir, t.FileName())
	if err := t.SetDestination(dest); err != nil {
		return err
	}
	return t.Start()
}

// Close cancels transfers, closes every connection and stops Run. It is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listener := c.listener
	conns := make([]*protocol.Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	c.cancel()
	c.transfers.CancelAll()
	for _, ct := range c.contacts.All() {
		ct.Disconnect()
	}
	for _, conn := range conns {
		conn.Close()
	}

	var err error
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Close",
		"hostname":    c.Hostname(),
		"connections": len(conns),
	}).Info("Client closed")
	return err
}

// contactPeer presents a contact to the transfer manager.
type contactPeer struct {
	*contact.Contact
}

// ControlConnection returns the contact's connection once it carries
// contact traffic.
func (p contactPeer) ControlConnection() *protocol.Connection {
	conn, ok := p.Connection().(*protocol.Connection)
	if !ok || conn.Purpose() != protocol.PurposeKnownContact {
		return nil
	}
	return conn
}
