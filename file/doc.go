// Package file sends and receives files between contacts over onionchat
// connections.
//
// # Overview
//
// The file package provides three components:
//
//   - Transfer: the state machine of one file moving in either direction,
//     with progress, rate and cancellation
//   - Manager: tracks transfers in progress and routes inbound offers and
//     data channels to them
//   - RateEstimator: a ten second sliding window throughput average
//
// # Sending
//
// The sender offers a file on the contact connection and waits for the
// recipient to start it:
//
//	t, err := manager.SendFile(peer, "/home/alice/holiday.jpg")
//	if err != nil {
//	    return err
//	}
//	t.OnStateChanged(func(old, new file.TransferState) {
//	    log.Printf("%s: %s -> %s", t.ID(), old, new)
//	})
//	err = t.Start()
//
// # Receiving
//
// Offers arrive through OnTransferAdded in StateOffer. Choose a
// destination, optionally a resume offset, and start:
//
//	manager.OnTransferAdded(func(t *file.Transfer) {
//	    if t.Direction() != file.TransferIncoming {
//	        return
//	    }
//	    if err := t.SetDestination(filepath.Join(dir, t.FileName())); err != nil {
//	        t.Cancel()
//	        return
//	    }
//	    t.Start()
//	})
//
// Starting sends the start message and opens the data channel, on a new
// connection from the DataDialer or, without one, on the contact
// connection. The recipient confirms completion once the last data packet
// is written.
//
// # Transfer States
//
//	StateUnknown   outgoing, not offered yet
//	StateOffer     waiting for the recipient
//	StateActive    data is moving
//	StateFinished  all data arrived (terminal)
//	StateCanceled  canceled by either side (terminal)
//	StateError     failed (terminal)
//
// Terminal states never change again. Losing the control channel of an
// unfinished transfer is an error; a partially written file is kept.
//
// # Stall Detection
//
// Active transfers that move no data for DefaultStallTimeout fail with
// ErrTransferStalled when Manager.CheckStalled runs. Use WithStallTimeout or
// Transfer.SetStallTimeout to change or disable the limit.
//
// # Deterministic Testing
//
// WithTimeProvider injects the clock used for rates and stall detection.
package file
