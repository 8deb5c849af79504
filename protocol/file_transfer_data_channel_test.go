package protocol

import (
	"bytes"
	"testing"

	"github.com/opd-ai/onionchat/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// claimWith returns a data channel hook that serves source for
// testTransferID and classifies the connection.
func claimWith(source []byte) func(*FileTransferDataChannel) bool {
	return func(ch *FileTransferDataChannel) bool {
		if !bytes.Equal(ch.TransferID(), testTransferID()) {
			return false
		}
		if err := ch.Connection().SetPurpose(PurposeFileTransferData); err != nil {
			return false
		}
		ch.Claim(bytes.NewReader(source), uint64(len(source)))
		return true
	}
}

func TestFileTransferDataRoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		size          int
		startPosition uint64
	}{
		{name: "single_packet", size: 100},
		{name: "several_packets", size: 12345},
		{name: "exact_packet_multiple", size: 3 * limits.DataPacketSize},
		{name: "resumed", size: 12345, startPosition: 5000},
		{name: "larger_than_write_buffer", size: 5*limits.WriteBufferSize + 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := testFileData(tt.size)
			client, server := newConnectionPair(t)
			require.NoError(t, client.SetPurpose(PurposeFileTransferData))

			var senderSent uint64
			senderFinished := newSignal()
			server.OnDataChannelRequest(claimWith(source))
			server.OnChannelCreated(func(ch Channel) {
				dc := ch.(*FileTransferDataChannel)
				dc.OnDataTransferred(func(n uint64) { senderSent += n })
				dc.OnFinished(senderFinished.fire)
			})
			startAll(client, server)

			dest := newMemFile(tt.size)
			recipient := NewFileTransferDataChannel(client, testTransferID(), dest, tt.startPosition, uint64(tt.size))
			var received uint64
			recipient.OnDataTransferred(func(n uint64) { received += n })
			recipientFinished := newSignal()
			recipient.OnFinished(recipientFinished.fire)
			recipientClosed := newSignal()
			recipient.OnClosed(recipientClosed.fire)
			onLoop(t, client, func() error { return client.OpenChannel(recipient) })

			senderFinished.wait(t)
			recipientFinished.wait(t)
			recipientClosed.wait(t)

			assert.Equal(t, PurposeFileTransferData, server.Purpose())
			want := uint64(tt.size) - tt.startPosition
			require.NoError(t, client.Do(func() error {
				assert.True(t, recipient.IsFinished())
				assert.Equal(t, uint64(tt.size), recipient.DataPosition())
				assert.Equal(t, want, received)
				return nil
			}))
			require.NoError(t, server.Do(func() error {
				assert.Equal(t, want, senderSent)
				return nil
			}))
			assert.Equal(t, source[tt.startPosition:], dest.bytes()[tt.startPosition:])
			assert.Equal(t, 1, recipientFinished.fired())
		})
	}
}

func TestFileTransferDataOutOfOrderPacket(t *testing.T) {
	c, peer := newRawPeer(t, ClientSide, WithAuthenticatedIdentity(testServerIdentity))
	require.NoError(t, c.SetPurpose(PurposeFileTransferData))
	c.Start()

	dest := newMemFile(100)
	ch := NewFileTransferDataChannel(c, testTransferID(), dest, 0, 100)
	closed := newSignal()
	ch.OnClosed(closed.fire)
	onLoop(t, c, func() error { return c.OpenChannel(ch) })

	open := peer.readControl().OpenChannel
	require.NotNil(t, open)
	require.NotNil(t, open.TransferData)
	assert.Equal(t, testTransferID(), open.TransferData.TransferID)
	assert.Equal(t, int64(0), open.TransferData.StartPosition)

	peer.sendControl(&ControlPacket{ChannelResult: &ChannelResult{
		ChannelIdentifier: open.ChannelIdentifier,
		Opened:            true,
	}})
	position := uint64(50)
	peer.sendMessage(uint16(open.ChannelIdentifier), &DataPacket{
		DataPosition: &position,
		Data:         []byte("out of order"),
	})

	closed.wait(t)
	require.NoError(t, c.Do(func() error {
		assert.Equal(t, uint64(0), ch.DataPosition())
		assert.False(t, ch.IsFinished())
		return nil
	}))
	frame := peer.readFrame()
	assert.Equal(t, uint16(open.ChannelIdentifier), frame.Channel)
	assert.True(t, frame.IsClose())
	assert.Equal(t, make([]byte, 100), dest.bytes())
}

func TestFileTransferDataRejectsOverflow(t *testing.T) {
	c, peer := newRawPeer(t, ClientSide, WithAuthenticatedIdentity(testServerIdentity))
	require.NoError(t, c.SetPurpose(PurposeFileTransferData))
	c.Start()

	ch := NewFileTransferDataChannel(c, testTransferID(), newMemFile(10), 0, 10)
	closed := newSignal()
	ch.OnClosed(closed.fire)
	onLoop(t, c, func() error { return c.OpenChannel(ch) })

	open := peer.readControl().OpenChannel
	peer.sendControl(&ControlPacket{ChannelResult: &ChannelResult{
		ChannelIdentifier: open.ChannelIdentifier,
		Opened:            true,
	}})
	position := uint64(0)
	peer.sendMessage(uint16(open.ChannelIdentifier), &DataPacket{
		DataPosition: &position,
		Data:         make([]byte, 11),
	})

	closed.wait(t)
	require.NoError(t, c.Do(func() error {
		assert.Equal(t, uint64(0), ch.DataPosition())
		return nil
	}))
}

func TestFileTransferDataInboundRejections(t *testing.T) {
	source := testFileData(10)

	tests := []struct {
		name       string
		params     *TransferDataParams
		claim      func(*FileTransferDataChannel) bool
		wantResult CommonError
	}{
		{
			name:       "missing_parameters",
			claim:      claimWith(source),
			wantResult: BadUsageError,
		},
		{
			name:       "negative_start",
			params:     &TransferDataParams{TransferID: testTransferID(), StartPosition: -1},
			claim:      claimWith(source),
			wantResult: BadUsageError,
		},
		{
			name:       "unknown_transfer",
			params:     &TransferDataParams{TransferID: bytes.Repeat([]byte{1}, limits.TransferIDSize)},
			claim:      claimWith(source),
			wantResult: FailedError,
		},
		{
			name:       "start_past_end",
			params:     &TransferDataParams{TransferID: testTransferID(), StartPosition: 10},
			claim:      claimWith(source),
			wantResult: BadUsageError,
		},
		{
			name:   "claimed_without_classifying",
			params: &TransferDataParams{TransferID: testTransferID()},
			claim: func(ch *FileTransferDataChannel) bool {
				ch.Claim(bytes.NewReader(source), uint64(len(source)))
				return true
			},
			wantResult: UnauthorizedError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := newRawPeer(t, ServerSide)
			c.OnDataChannelRequest(tt.claim)
			c.Start()

			peer.sendControl(&ControlPacket{OpenChannel: &OpenChannel{
				ChannelIdentifier: 1,
				ChannelType:       FileTransferDataChannelType,
				TransferData:      tt.params,
			}})
			result := peer.readControl().ChannelResult
			require.NotNil(t, result)
			assert.False(t, result.Opened)
			assert.Equal(t, tt.wantResult, result.CommonError)
		})
	}
}

func TestFileTransferDataRequestOnRequestConnectionIsUnauthorized(t *testing.T) {
	c, peer := newRawPeer(t, ServerSide, WithAuthenticatedIdentity(testClientIdentity))
	require.NoError(t, c.SetPurpose(PurposeInboundRequest))
	claimed := newSignal()
	c.OnDataChannelRequest(func(*FileTransferDataChannel) bool {
		claimed.fire()
		return false
	})
	c.Start()

	peer.sendControl(&ControlPacket{OpenChannel: &OpenChannel{
		ChannelIdentifier: 1,
		ChannelType:       FileTransferDataChannelType,
		TransferData:      &TransferDataParams{TransferID: testTransferID()},
	}})
	result := peer.readControl().ChannelResult
	require.NotNil(t, result)
	assert.Equal(t, UnauthorizedError, result.CommonError)
	assert.Equal(t, 0, claimed.fired())
}

func TestFileTransferDataOutboundPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		purpose  Purpose
		writer   bool
		start    uint64
		max      uint64
		transfer []byte
	}{
		{name: "request_connection", purpose: PurposeOutboundRequest, writer: true, max: 10, transfer: testTransferID()},
		{name: "no_destination", purpose: PurposeFileTransferData, max: 10, transfer: testTransferID()},
		{name: "start_at_end", purpose: PurposeFileTransferData, writer: true, start: 10, max: 10, transfer: testTransferID()},
		{name: "bad_transfer_id", purpose: PurposeFileTransferData, writer: true, max: 10, transfer: []byte{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newConnectionPair(t)
			require.NoError(t, client.SetPurpose(tt.purpose))
			startAll(client, server)

			var w *memFile
			ch := NewFileTransferDataChannel(client, tt.transfer, nil, tt.start, tt.max)
			if tt.writer {
				w = newMemFile(int(tt.max))
				ch = NewFileTransferDataChannel(client, tt.transfer, w, tt.start, tt.max)
			}
			err := client.Do(func() error { return client.OpenChannel(ch) })
			assert.ErrorIs(t, err, ErrChannelRejected)
		})
	}
}
