// Package limits provides centralized size limits for the onionchat protocol.
// This ensures consistent validation across channels, transfers and requests.
package limits

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// FilenameMaxCharacters is the longest file name, in characters, a peer
	// may offer. Longer names are rejected at the protocol boundary.
	FilenameMaxCharacters = 500

	// TransferIDSize is the fixed length of a file transfer identifier.
	TransferIDSize = 16

	// MaxFileSize is the largest file that may be offered (1 TiB).
	MaxFileSize = 1 << 40

	// DataPacketSize is the number of file bytes carried by one data packet.
	DataPacketSize = 10240

	// WriteBufferSize is the queued-byte ceiling above which the data
	// sender stops pumping packets until the transport drains.
	WriteBufferSize = 4 * DataPacketSize

	// MaxPacketData is the largest data chunk a receiver accepts.
	MaxPacketData = 65535

	// MaxFrameSize is the largest frame on the wire, header included.
	MaxFrameSize = 65535

	// FrameHeaderSize is the size of the frame length and channel fields.
	FrameHeaderSize = 4

	// ConnectionRaceThreshold is the age after which an established
	// connection always loses against a newly proposed one.
	ConnectionRaceThreshold = 30 * time.Second

	// RateWindowSize is the number of one second slots used for the
	// transfer rate average.
	RateWindowSize = 10

	// NicknameMaxCharacters is the longest nickname carried by a contact request.
	NicknameMaxCharacters = 30

	// RequestMessageMaxCharacters is the longest introduction message.
	RequestMessageMaxCharacters = 2000
)

var (
	// ErrFileSizeOutOfRange indicates a file size of zero or above MaxFileSize
	ErrFileSizeOutOfRange = errors.New("file size out of range")

	// ErrFileNameEmpty indicates an empty file name
	ErrFileNameEmpty = errors.New("empty file name")

	// ErrFileNameTooLong indicates a file name above FilenameMaxCharacters
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrInvalidTransferID indicates a transfer identifier of the wrong length
	ErrInvalidTransferID = errors.New("invalid transfer id")

	// ErrNicknameTooLong indicates a nickname above NicknameMaxCharacters
	ErrNicknameTooLong = errors.New("nickname too long")

	// ErrMessageTooLong indicates a request message above RequestMessageMaxCharacters
	ErrMessageTooLong = errors.New("message too long")

	// ErrInvalidUTF8 indicates text that is not valid UTF-8
	ErrInvalidUTF8 = errors.New("text is not valid utf-8")
)

// ValidateFileSize checks that size lies in (0, MaxFileSize].
func ValidateFileSize(size uint64) error {
	if size == 0 || size > MaxFileSize {
		return fmt.Errorf("%w: size %d not in (0, %d]", ErrFileSizeOutOfRange, size, uint64(MaxFileSize))
	}
	return nil
}

// ValidateFileName checks that a file name is non-empty, valid UTF-8 and
// no longer than FilenameMaxCharacters. It does not sanitize.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrFileNameEmpty
	}
	if !utf8.ValidString(name) {
		return ErrInvalidUTF8
	}
	if n := utf8.RuneCountInString(name); n > FilenameMaxCharacters {
		return fmt.Errorf("%w: %d characters exceeds limit %d", ErrFileNameTooLong, n, FilenameMaxCharacters)
	}
	return nil
}

// ValidateTransferID checks the length of a transfer identifier.
func ValidateTransferID(id []byte) error {
	if len(id) != TransferIDSize {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidTransferID, len(id), TransferIDSize)
	}
	return nil
}

// ValidateNickname checks a contact request nickname. Empty is allowed.
func ValidateNickname(nickname string) error {
	return validateText(nickname, NicknameMaxCharacters, ErrNicknameTooLong)
}

// ValidateRequestMessage checks a contact request message. Empty is allowed.
func ValidateRequestMessage(message string) error {
	return validateText(message, RequestMessageMaxCharacters, ErrMessageTooLong)
}

func validateText(text string, max int, tooLong error) error {
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if n := utf8.RuneCountInString(text); n > max {
		return fmt.Errorf("%w: %d characters exceeds limit %d", tooLong, n, max)
	}
	return nil
}
