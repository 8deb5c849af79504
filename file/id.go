package file

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/onionchat/limits"
)

// TransferID identifies one transfer on both peers. The sender generates it.
type TransferID [limits.TransferIDSize]byte

// NewTransferID returns a random identifier.
func NewTransferID() TransferID {
	return TransferID(uuid.New())
}

// ParseTransferID converts the wire form of an identifier.
func ParseTransferID(b []byte) (TransferID, error) {
	var id TransferID
	if err := limits.ValidateTransferID(b); err != nil {
		return id, fmt.Errorf("parse transfer id: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns a copy of the identifier for the wire.
func (id TransferID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// String returns the identifier in hex.
func (id TransferID) String() string {
	return hex.EncodeToString(id[:])
}
