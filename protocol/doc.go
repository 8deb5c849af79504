// Package protocol implements the channel-multiplexed peer protocol carried
// over one authenticated stream.
//
// # Connections
//
// A Connection wraps a net.Conn that has already been authenticated by the
// caller. It owns a table of channels keyed by identifier and a single event
// loop goroutine that processes every inbound frame, runs channel callbacks
// and fires connection hooks:
//
//	conn := protocol.NewConnection(netConn, protocol.ServerSide,
//	    protocol.WithAuthenticatedIdentity(peerHostname))
//	conn.OnChannelOpened(func(ch protocol.Channel) { ... })
//	conn.Start()
//
// Code outside the loop reaches it with Post (fire and forget) or Do (run
// and wait). Do must never be called from the loop itself.
//
// Each connection carries a Purpose. It starts Unknown and is classified
// once by the application: a known contact, a contact request in either
// direction, or a file transfer data connection. The purpose gates which
// channel types the peer may open.
//
// # Channels
//
// The set of channel types is closed:
//
//   - ContactRequestChannel: the contact request handshake
//   - FileTransferChannel: offer, start, cancel and finish of one transfer
//   - FileTransferDataChannel: the bytes of one transfer, on its own connection
//
// Channel 0 carries control messages (open, result, keep-alive). Closing a
// channel sends an empty frame on its identifier; the peer answers once.
//
// # Wire format
//
// Frames are produced by the transport package. Messages inside frames are
// CBOR with integer keys, encoded deterministically and decoded strictly:
// unknown fields, duplicate keys and messages carrying zero or several
// alternatives are protocol violations.
package protocol
