// Package contact manages the contact list, the contact request handshake and
// the arbitration between competing connections to the same peer.
//
// Each Contact holds at most one active connection. When both peers dial
// each other at the same time, each side sees two connections; AssignConnection
// applies the same deterministic rules on both sides so that they converge on
// one physical connection:
//
//	c := contacts.Lookup(conn.AuthenticatedIdentity())
//	if c != nil && !c.AssignConnection(conn) {
//	    // conn lost and has been closed
//	}
//
// IncomingRequestManager answers contact requests arriving on unclassified
// connections, and OutgoingRequest sends ours.
package contact
