package limits

import (
	"errors"
	"strings"
	"testing"
)

// TestWriteBufferHoldsSeveralPackets verifies the flow control ceiling is a
// multiple of the data packet size and fits inside a frame budget.
func TestWriteBufferHoldsSeveralPackets(t *testing.T) {
	if WriteBufferSize != 4*DataPacketSize {
		t.Errorf("WriteBufferSize = %d, want %d", WriteBufferSize, 4*DataPacketSize)
	}
	if DataPacketSize >= MaxPacketData {
		t.Errorf("DataPacketSize %d must be below MaxPacketData %d", DataPacketSize, MaxPacketData)
	}
}

func TestValidateFileSize(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		wantErr bool
	}{
		{name: "zero_rejected", size: 0, wantErr: true},
		{name: "one_byte", size: 1},
		{name: "at_ceiling", size: MaxFileSize},
		{name: "above_ceiling", size: MaxFileSize + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileSize(tt.size)
			if tt.wantErr {
				if !errors.Is(err, ErrFileSizeOutOfRange) {
					t.Errorf("ValidateFileSize(%d) = %v, want ErrFileSizeOutOfRange", tt.size, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateFileSize(%d) unexpected error: %v", tt.size, err)
			}
		})
	}
}

func TestValidateFileName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "simple", input: "report.pdf"},
		{name: "empty", input: "", wantErr: ErrFileNameEmpty},
		{name: "at_limit", input: strings.Repeat("a", FilenameMaxCharacters)},
		{name: "over_limit", input: strings.Repeat("a", FilenameMaxCharacters+1), wantErr: ErrFileNameTooLong},
		// Multi-byte characters count once each.
		{name: "multibyte_at_limit", input: strings.Repeat("é", FilenameMaxCharacters)},
		{name: "invalid_utf8", input: "bad\xffname", wantErr: ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFileName(tt.input)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTransferID(t *testing.T) {
	if err := ValidateTransferID(make([]byte, TransferIDSize)); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	for _, n := range []int{0, TransferIDSize - 1, TransferIDSize + 1} {
		if err := ValidateTransferID(make([]byte, n)); !errors.Is(err, ErrInvalidTransferID) {
			t.Errorf("length %d: got %v, want ErrInvalidTransferID", n, err)
		}
	}
}

func TestValidateRequestText(t *testing.T) {
	if err := ValidateNickname(""); err != nil {
		t.Errorf("empty nickname rejected: %v", err)
	}
	if err := ValidateNickname(strings.Repeat("n", NicknameMaxCharacters+1)); !errors.Is(err, ErrNicknameTooLong) {
		t.Errorf("long nickname: got %v", err)
	}
	if err := ValidateRequestMessage(strings.Repeat("m", RequestMessageMaxCharacters)); err != nil {
		t.Errorf("message at limit rejected: %v", err)
	}
	if err := ValidateRequestMessage(strings.Repeat("m", RequestMessageMaxCharacters+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("long message: got %v", err)
	}
}
