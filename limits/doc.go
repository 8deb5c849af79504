// Package limits provides centralized size constants and validation functions
// for the onionchat protocol, so channels, transfers and contact requests
// enforce the same bounds.
//
// # Protocol Bounds
//
//   - FilenameMaxCharacters (500): longest file name a peer may offer. Longer
//     names are rejected when the channel is negotiated, never truncated.
//
//   - TransferIDSize (16 bytes): length of the random token correlating a
//     transfer's control and data channels.
//
//   - MaxFileSize (1 TiB): ceiling on offered file sizes.
//
//   - DataPacketSize (10 KiB) and WriteBufferSize (4 packets): chunking and
//     cooperative flow control of the data plane.
//
//   - MaxFrameSize (65535): largest frame on the wire, including its header.
//
//   - ConnectionRaceThreshold (30s): connection age after which a new
//     connection always wins race arbitration.
//
// # Validation Functions
//
//	if err := limits.ValidateFileName(offer.FileName); err != nil {
//	    // reject the offer
//	}
//
// All validators return errors wrapping the exported sentinels, so callers
// can branch with errors.Is.
package limits
