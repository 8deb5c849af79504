package contact

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrAttemptInProgress indicates the contact is already being dialed.
var ErrAttemptInProgress = errors.New("outbound connection attempt already in progress")

// ErrAttemptAborted indicates the attempt was superseded or canceled.
var ErrAttemptAborted = errors.New("outbound connection attempt aborted")

// AttemptStatus is the progress of an outbound connection attempt.
type AttemptStatus uint8

const (
	// AttemptConnecting means the transport connection is being dialed.
	AttemptConnecting AttemptStatus = iota
	// AttemptAuthenticating means the stream is up and authentication runs.
	AttemptAuthenticating
	// AttemptReady means the connection is authenticated.
	AttemptReady
)

// String returns the status name.
func (s AttemptStatus) String() string {
	switch s {
	case AttemptConnecting:
		return "connecting"
	case AttemptAuthenticating:
		return "authenticating"
	case AttemptReady:
		return "ready"
	default:
		return "unknown"
	}
}

// OutboundAttempt tracks one dial to a contact before its connection exists.
type OutboundAttempt struct {
	hostname string
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	status  AttemptStatus
	aborted bool
}

// BeginAttempt registers a new outbound attempt for the contact. The
// returned attempt's Context is canceled when the attempt is aborted.
func (c *Contact) BeginAttempt(ctx context.Context) (*OutboundAttempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != nil {
		return nil, ErrAttemptInProgress
	}

	actx, cancel := context.WithCancel(ctx)
	c.attempt = &OutboundAttempt{
		hostname: c.hostname,
		ctx:      actx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "BeginAttempt",
		"hostname": c.hostname,
	}).Debug("Started outbound connection attempt")
	return c.attempt, nil
}

// EndAttempt forgets a if it is still the contact's pending attempt and
// releases its context.
func (c *Contact) EndAttempt(a *OutboundAttempt) {
	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
	}
	c.mu.Unlock()
	a.cancel()
}

// Attempt returns the pending outbound attempt, or nil.
func (c *Contact) Attempt() *OutboundAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Context is canceled when the attempt is aborted or ended.
func (a *OutboundAttempt) Context() context.Context { return a.ctx }

// Status returns the attempt's progress.
func (a *OutboundAttempt) Status() AttemptStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus records the attempt's progress. It fails once aborted.
func (a *OutboundAttempt) SetStatus(s AttemptStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return ErrAttemptAborted
	}
	a.status = s
	return nil
}

// Abort cancels the attempt. It is idempotent.
func (a *OutboundAttempt) Abort() {
	a.mu.Lock()
	if a.aborted {
		a.mu.Unlock()
		return
	}
	a.aborted = true
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "OutboundAttempt.Abort",
		"hostname": a.hostname,
	}).Info("Aborted outbound connection attempt")
	a.cancel()
}

// Aborted reports whether the attempt was aborted.
func (a *OutboundAttempt) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}
