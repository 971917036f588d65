package utp

import "errors"

// Error kinds surfaced by the transport. Decode failures are reported by the
// protocol package; everything else that can escape a socket is here.
var (
	// ErrUnknownConnection: inbound packet with no matching socket.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrStaleConnection: packet arrived on a Closed or Reset socket.
	ErrStaleConnection = errors.New("stale connection")

	// ErrIncompleteStream: FIN observed while the gap buffer still has holes.
	ErrIncompleteStream = errors.New("incomplete stream")

	// ErrTimeout: no progress across repeated retransmission timeouts.
	ErrTimeout = errors.New("transfer timed out")

	// ErrCancelled: the transfer was cancelled locally.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrPeerReset: the remote end sent RESET.
	ErrPeerReset = errors.New("connection reset by peer")

	// ErrConnIDBusy: the requested connection id is already in use.
	ErrConnIDBusy = errors.New("connection id already in use")
)
