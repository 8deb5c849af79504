package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opd-ai/onionchat/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransferID() []byte {
	return bytes.Repeat([]byte{0xab}, limits.TransferIDSize)
}

// newContactPair returns started connections already classified as a known
// contact on both sides.
func newContactPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	client, server = newConnectionPair(t)
	require.NoError(t, client.SetPurpose(PurposeKnownContact))
	require.NoError(t, server.SetPurpose(PurposeKnownContact))
	return client, server
}

func TestFileTransferChannelLifecycle(t *testing.T) {
	client, server := newContactPair(t)

	var inbound *FileTransferChannel
	offered := newSignal()
	server.OnChannelOpened(func(ch Channel) {
		inbound = ch.(*FileTransferChannel)
		offered.fire()
	})
	startAll(client, server)

	outbound := NewFileTransferChannel(client, "../holiday.jpg", 12345, testTransferID())
	started := newSignal()
	finished := newSignal()
	outboundClosed := newSignal()
	outbound.OnStart(started.fire)
	outbound.OnFinished(finished.fire)
	outbound.OnClosed(outboundClosed.fire)
	onLoop(t, client, func() error { return client.OpenChannel(outbound) })

	offered.wait(t)
	require.NoError(t, server.Do(func() error {
		assert.Equal(t, Inbound, inbound.Direction())
		assert.Equal(t, "-holiday.jpg", inbound.FileName())
		assert.Equal(t, uint64(12345), inbound.FileSize())
		assert.Equal(t, testTransferID(), inbound.TransferID())
		return inbound.SendStart()
	}))
	started.wait(t)

	require.NoError(t, server.Do(func() error {
		assert.ErrorIs(t, inbound.SendStart(), ErrChannelState)
		return inbound.SendFinished()
	}))
	finished.wait(t)
	outboundClosed.wait(t)

	assert.Equal(t, 1, started.fired())
	assert.Equal(t, 1, finished.fired())
	assert.Equal(t, 1, outboundClosed.fired())
}

func TestFileTransferChannelCancel(t *testing.T) {
	client, server := newContactPair(t)

	var inbound *FileTransferChannel
	offered := newSignal()
	server.OnChannelOpened(func(ch Channel) {
		inbound = ch.(*FileTransferChannel)
		offered.fire()
	})
	startAll(client, server)

	outbound := NewFileTransferChannel(client, "a.bin", 10, testTransferID())
	canceled := make(chan bool, 1)
	outbound.OnCancel(func(byUser bool) { canceled <- byUser })
	onLoop(t, client, func() error { return client.OpenChannel(outbound) })
	offered.wait(t)

	require.NoError(t, server.Do(func() error { return inbound.SendCancel(true) }))
	assert.True(t, <-canceled)

	require.NoError(t, client.Do(func() error {
		assert.Equal(t, ChannelClosed, outbound.State())
		return nil
	}))
}

func TestFileTransferChannelOfferValidation(t *testing.T) {
	tests := []struct {
		name       string
		offer      *FileOffer
		wantResult CommonError
	}{
		{
			name:       "name_over_limit_rejected_not_truncated",
			offer:      &FileOffer{FileName: strings.Repeat("n", limits.FilenameMaxCharacters+1), FileSize: 1, TransferID: testTransferID()},
			wantResult: BadUsageError,
		},
		{
			name:       "zero_size",
			offer:      &FileOffer{FileName: "a", FileSize: 0, TransferID: testTransferID()},
			wantResult: BadUsageError,
		},
		{
			name:       "size_over_ceiling",
			offer:      &FileOffer{FileName: "a", FileSize: limits.MaxFileSize + 1, TransferID: testTransferID()},
			wantResult: BadUsageError,
		},
		{
			name:       "short_transfer_id",
			offer:      &FileOffer{FileName: "a", FileSize: 1, TransferID: []byte{1, 2, 3}},
			wantResult: BadUsageError,
		},
		{
			name:       "name_empty_after_sanitizing",
			offer:      &FileOffer{FileName: "...", FileSize: 1, TransferID: testTransferID()},
			wantResult: BadUsageError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newRawPeer(t, ServerSide, WithAuthenticatedIdentity(testClientIdentity))
			require.NoError(t, c.SetPurpose(PurposeKnownContact))
			opened := newSignal()
			c.OnChannelOpened(func(Channel) { opened.fire() })
			c.Start()

			peer.sendControl(&ControlPacket{OpenChannel: &OpenChannel{
				ChannelIdentifier: 1,
				ChannelType:       FileTransferChannelType,
				FileOffer:         tt.offer,
			}})
			result := peer.readControl().ChannelResult
			require.NotNil(t, result)
			assert.False(t, result.Opened)
			assert.Equal(t, tt.wantResult, result.CommonError)
			assert.Equal(t, 0, opened.fired())
		})
	}
}

func TestFileTransferChannelRequiresKnownContact(t *testing.T) {
	client, server := newConnectionPair(t)
	require.NoError(t, client.SetPurpose(PurposeKnownContact))
	startAll(client, server)

	outbound := NewFileTransferChannel(client, "a.bin", 10, testTransferID())
	closed := newSignal()
	outbound.OnClosed(closed.fire)
	onLoop(t, client, func() error { return client.OpenChannel(outbound) })

	closed.wait(t)
	assert.Equal(t, ChannelClosed, outbound.State())
}

func TestFileTransferChannelUnexpectedStart(t *testing.T) {
	c, peer := newRawPeer(t, ServerSide, WithAuthenticatedIdentity(testClientIdentity))
	require.NoError(t, c.SetPurpose(PurposeKnownContact))
	closed := newSignal()
	c.OnChannelCreated(func(ch Channel) { ch.OnClosed(closed.fire) })
	c.Start()

	peer.sendControl(&ControlPacket{OpenChannel: &OpenChannel{
		ChannelIdentifier: 1,
		ChannelType:       FileTransferChannelType,
		FileOffer:         &FileOffer{FileName: "a", FileSize: 5, TransferID: testTransferID()},
	}})
	require.True(t, peer.readControl().ChannelResult.Opened)

	// The recipient's channel never receives a start.
	peer.sendMessage(1, &FileTransferPacket{Start: &TransferStart{}})
	closed.wait(t)

	frame := peer.readFrame()
	assert.Equal(t, uint16(1), frame.Channel)
	assert.True(t, frame.IsClose())
}
