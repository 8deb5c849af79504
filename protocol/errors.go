package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for operations on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPurposeChange indicates a purpose transition that would revert or
	// overwrite an established classification.
	ErrPurposeChange = errors.New("invalid connection purpose change")

	// ErrChannelExists indicates a second instance of an exclusive channel type.
	ErrChannelExists = errors.New("channel of this type already exists")

	// ErrChannelRejected indicates local preconditions refused an open request.
	ErrChannelRejected = errors.New("channel request rejected")

	// ErrChannelState indicates an operation invalid in the channel's current state.
	ErrChannelState = errors.New("invalid channel state")

	// ErrNoChannelIdentifiers indicates the connection ran out of channel identifiers.
	ErrNoChannelIdentifiers = errors.New("no free channel identifiers")

	// ErrMalformedMessage indicates a payload that failed to decode or validate.
	ErrMalformedMessage = errors.New("malformed message")
)

// ChannelError describes a failed channel operation.
type ChannelError struct {
	Op          string
	ChannelType string
	Err         error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	if e.ChannelType == "" {
		return fmt.Sprintf("%s channel: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s channel: %v", e.Op, e.ChannelType, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

func channelError(op string, ch Channel, err error) error {
	return &ChannelError{Op: op, ChannelType: ch.Type(), Err: err}
}
