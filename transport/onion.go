package transport

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// OnionSuffix is the top-level domain of onion service hostnames.
	OnionSuffix = ".onion"

	// DefaultPort is the virtual port onionchat services listen on.
	DefaultPort = 9878

	onionHostnameLength = 56
	onionVersion        = 0x03
	onionChecksumPrefix = ".onion checksum"
)

var (
	// ErrInvalidOnionHostname indicates a malformed v3 onion hostname
	ErrInvalidOnionHostname = errors.New("invalid onion hostname")

	// ErrOnionChecksum indicates a v3 onion hostname whose checksum does not match its key
	ErrOnionChecksum = errors.New("onion hostname checksum mismatch")
)

var onionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NormalizeHostname lowercases a hostname and strips the .onion suffix.
// Identities are compared in this form.
func NormalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	return strings.TrimSuffix(h, OnionSuffix)
}

// ValidateOnionHostname checks that hostname is a well-formed v3 onion
// service name, with or without the .onion suffix.
func ValidateOnionHostname(hostname string) error {
	h := NormalizeHostname(hostname)
	if len(h) != onionHostnameLength {
		return fmt.Errorf("%w: length %d", ErrInvalidOnionHostname, len(h))
	}

	raw, err := onionEncoding.DecodeString(strings.ToUpper(h))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOnionHostname, err)
	}
	if len(raw) != ed25519.PublicKeySize+3 {
		return fmt.Errorf("%w: decoded length %d", ErrInvalidOnionHostname, len(raw))
	}

	key := raw[:ed25519.PublicKeySize]
	checksum := raw[ed25519.PublicKeySize : ed25519.PublicKeySize+2]
	version := raw[ed25519.PublicKeySize+2]
	if version != onionVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidOnionHostname, version)
	}
	if !bytes.Equal(checksum, onionChecksum(key, version)) {
		return ErrOnionChecksum
	}
	return nil
}

// OnionHostnameFromKey derives the v3 onion hostname, without suffix, of
// the service identified by key.
func OnionHostnameFromKey(key ed25519.PublicKey) (string, error) {
	if len(key) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: key length %d", ErrInvalidOnionHostname, len(key))
	}

	raw := make([]byte, 0, ed25519.PublicKeySize+3)
	raw = append(raw, key...)
	raw = append(raw, onionChecksum(key, onionVersion)...)
	raw = append(raw, onionVersion)
	return strings.ToLower(onionEncoding.EncodeToString(raw)), nil
}

// OnionAddress returns the dialable host:port for an onion hostname.
func OnionAddress(hostname string, port int) string {
	return net.JoinHostPort(NormalizeHostname(hostname)+OnionSuffix, strconv.Itoa(port))
}

// CHECKSUM = SHA3-256(".onion checksum" | PUBKEY | VERSION)[:2]
func onionChecksum(key []byte, version byte) []byte {
	h := sha3.New256()
	h.Write([]byte(onionChecksumPrefix))
	h.Write(key)
	h.Write([]byte{version})
	return h.Sum(nil)[:2]
}
