package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responseRecorder collects responses delivered on the event loop.
type responseRecorder struct {
	mu        sync.Mutex
	responses []ContactRequestResponse
	final     *signal
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{final: newSignal()}
}

func (r *responseRecorder) record(resp ContactRequestResponse) {
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
	if resp.Status.IsFinal() {
		r.final.fire()
	}
}

func (r *responseRecorder) statuses() []ResponseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResponseStatus, 0, len(r.responses))
	for _, resp := range r.responses {
		out = append(out, resp.Status)
	}
	return out
}

func (r *responseRecorder) last() ContactRequestResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responses[len(r.responses)-1]
}

// sendContactRequest opens an outbound request from client and returns the
// channel and the recorder of its responses.
func sendContactRequest(t *testing.T, client *Connection) (*ContactRequestChannel, *responseRecorder) {
	t.Helper()
	rec := newResponseRecorder()
	ch := NewContactRequestChannel(client)
	require.NoError(t, ch.SetNickname("alice"))
	require.NoError(t, ch.SetMessage("hi, it's alice"))
	ch.OnResponse(rec.record)
	onLoop(t, client, func() error { return client.OpenChannel(ch) })
	return ch, rec
}

func TestContactRequestFinalResponses(t *testing.T) {
	tests := []struct {
		name       string
		decision   ContactRequestResponse
		wantStatus ResponseStatus
		wantMsg    string
	}{
		{
			name:       "accepted",
			decision:   ContactRequestResponse{Status: ResponseAccepted},
			wantStatus: ResponseAccepted,
		},
		{
			name:       "rejected",
			decision:   ContactRequestResponse{Status: ResponseRejected},
			wantStatus: ResponseRejected,
		},
		{
			name:       "undecided_becomes_error",
			decision:   ContactRequestResponse{},
			wantStatus: ResponseError,
			wantMsg:    "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newConnectionPair(t)
			require.NoError(t, client.SetPurpose(PurposeOutboundRequest))

			var gotNickname, gotMessage string
			serverClosed := newSignal()
			server.OnChannelCreated(func(ch Channel) {
				req := ch.(*ContactRequestChannel)
				req.OnClosed(serverClosed.fire)
				req.SetRequestHandler(func(ch *ContactRequestChannel) ContactRequestResponse {
					gotNickname, gotMessage = ch.Nickname(), ch.Message()
					return tt.decision
				})
			})
			startAll(client, server)

			ch, rec := sendContactRequest(t, client)
			rec.final.wait(t)
			serverClosed.wait(t)

			assert.Equal(t, "alice", gotNickname)
			assert.Equal(t, "hi, it's alice", gotMessage)
			assert.Equal(t, []ResponseStatus{tt.wantStatus}, rec.statuses())
			assert.Equal(t, tt.wantMsg, rec.last().ErrorMessage)
			require.NoError(t, client.Do(func() error {
				assert.Equal(t, ChannelClosed, ch.State())
				return nil
			}))
			// A final answer leaves the server connection unclassified.
			assert.Equal(t, PurposeUnknown, server.Purpose())
		})
	}
}

func TestContactRequestPendingThenAccepted(t *testing.T) {
	client, server := newConnectionPair(t)
	require.NoError(t, client.SetPurpose(PurposeOutboundRequest))

	var inbound *ContactRequestChannel
	serverOpened := newSignal()
	server.OnChannelCreated(func(ch Channel) {
		inbound = ch.(*ContactRequestChannel)
		inbound.SetRequestHandler(func(*ContactRequestChannel) ContactRequestResponse {
			return ContactRequestResponse{Status: ResponsePending}
		})
	})
	server.OnChannelOpened(func(Channel) { serverOpened.fire() })
	startAll(client, server)

	ch, rec := sendContactRequest(t, client)
	serverOpened.wait(t)
	assert.Equal(t, PurposeInboundRequest, server.Purpose())

	onLoop(t, server, func() error {
		assert.True(t, inbound.IsOpen())
		return inbound.SetResponseStatus(ResponseAccepted, "")
	})
	rec.final.wait(t)

	assert.Equal(t, []ResponseStatus{ResponsePending, ResponseAccepted}, rec.statuses())
	require.NoError(t, client.Do(func() error {
		assert.Equal(t, ChannelClosed, ch.State())
		return nil
	}))
	require.NoError(t, server.Do(func() error {
		assert.Equal(t, ChannelClosed, inbound.State())
		err := inbound.SetResponseStatus(ResponseRejected, "")
		assert.ErrorIs(t, err, ErrChannelState)
		return nil
	}))
}

func TestContactRequestFromKnownContactIsAccepted(t *testing.T) {
	client, server := newConnectionPair(t)
	require.NoError(t, client.SetPurpose(PurposeOutboundRequest))
	require.NoError(t, server.SetPurpose(PurposeKnownContact))

	called := newSignal()
	server.OnChannelCreated(func(ch Channel) {
		ch.(*ContactRequestChannel).SetRequestHandler(func(*ContactRequestChannel) ContactRequestResponse {
			called.fire()
			return ContactRequestResponse{Status: ResponseRejected}
		})
	})
	startAll(client, server)

	_, rec := sendContactRequest(t, client)
	rec.final.wait(t)

	assert.Equal(t, []ResponseStatus{ResponseAccepted}, rec.statuses())
	assert.Equal(t, 0, called.fired())
}

func TestContactRequestRequiresAuthentication(t *testing.T) {
	client, server := newConnectionPair(t)
	require.NoError(t, client.SetPurpose(PurposeOutboundRequest))
	server.SetAuthenticatedIdentity("")
	startAll(client, server)

	_, rec := sendContactRequest(t, client)
	rec.final.wait(t)

	assert.Equal(t, ResponseError, rec.last().Status)
	assert.Contains(t, rec.last().ErrorMessage, UnauthorizedError.String())
}

func TestContactRequestOutboundPreconditions(t *testing.T) {
	client, server := newConnectionPair(t)
	startAll(client, server)

	// Unknown purpose: the request is refused before anything is sent.
	ch := NewContactRequestChannel(client)
	err := client.Do(func() error { return client.OpenChannel(ch) })
	assert.ErrorIs(t, err, ErrChannelRejected)

	// Only the dialing side sends requests.
	require.NoError(t, server.SetPurpose(PurposeOutboundRequest))
	reverse := NewContactRequestChannel(server)
	err = server.Do(func() error { return server.OpenChannel(reverse) })
	assert.ErrorIs(t, err, ErrChannelRejected)

	// Over-long text is refused when configured.
	long := NewContactRequestChannel(client)
	assert.Error(t, long.SetNickname("this nickname is far too long to be accepted"))
}

func TestContactRequestInvalidResponseStatusClosesChannel(t *testing.T) {
	c, peer := newRawPeer(t, ClientSide, WithAuthenticatedIdentity(testServerIdentity))
	require.NoError(t, c.SetPurpose(PurposeOutboundRequest))
	c.Start()

	rec := newResponseRecorder()
	ch := NewContactRequestChannel(c)
	ch.OnResponse(rec.record)
	closed := newSignal()
	ch.OnClosed(closed.fire)
	onLoop(t, c, func() error { return c.OpenChannel(ch) })

	open := peer.readControl().OpenChannel
	require.NotNil(t, open)
	require.NotNil(t, open.ContactRequest)
	peer.sendControl(&ControlPacket{ChannelResult: &ChannelResult{
		ChannelIdentifier: open.ChannelIdentifier,
		Opened:            true,
		ContactResponse:   &ContactRequestResponse{Status: ResponsePending},
	}})
	peer.sendMessage(uint16(open.ChannelIdentifier), &ContactRequestResponse{Status: ResponseUndefined})

	closed.wait(t)
	assert.Equal(t, []ResponseStatus{ResponsePending}, rec.statuses())

	// The channel announced its close to the peer.
	frame := peer.readFrame()
	assert.Equal(t, uint16(open.ChannelIdentifier), frame.Channel)
	assert.True(t, frame.IsClose())
}

func TestContactRequestFinalResponseBeforePeerClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, peer := newRawPeer(t, ClientSide, WithAuthenticatedIdentity(testServerIdentity))
		require.NoError(t, c.SetPurpose(PurposeOutboundRequest))
		c.Start()

		rec := newResponseRecorder()
		ch := NewContactRequestChannel(c)
		ch.OnResponse(rec.record)
		onLoop(t, c, func() error { return c.OpenChannel(ch) })

		open := peer.readControl().OpenChannel
		require.NotNil(t, open)

		// Everything below is read while the loop is still busy.
		c.Post(func() { time.Sleep(20 * time.Millisecond) })
		peer.sendControl(&ControlPacket{ChannelResult: &ChannelResult{
			ChannelIdentifier: open.ChannelIdentifier,
			Opened:            true,
			ContactResponse:   &ContactRequestResponse{Status: ResponsePending},
		}})
		peer.sendMessage(uint16(open.ChannelIdentifier), &ContactRequestResponse{Status: ResponseRejected})
		require.NoError(t, peer.conn.Close())

		rec.final.wait(t)
		assert.Equal(t, []ResponseStatus{ResponsePending, ResponseRejected}, rec.statuses())
		select {
		case <-c.Done():
		case <-time.After(testTimeout):
			t.Fatal("connection did not close after the peer did")
		}
		assert.False(t, c.IsConnected())
	}
}
