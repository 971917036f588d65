package utp

import "github.com/onbjerg/ultralight/internal/protocol"

// Writer owns one outbound payload and its fixed chunking into DATA frames.
// Sequence numbers are assigned on first transmission; a retransmission
// always reuses the chunk's original sequence number. Like the Reader it is
// socket-goroutine-local.
type Writer struct {
	chunks [][]byte

	next    int             // index of the first never-sent chunk
	bySeq   map[uint16]int  // assigned seq_nr → chunk index
	dataNrs []uint16        // seq_nrs in assignment order
	acked   map[uint16]bool // seq_nrs confirmed by the peer
	resendQ []uint16        // seq_nrs marked lost, pending retransmit

	finSent bool
}

// NewWriter chunks payload into ceil(len/MaxDataPayload) frames.
func NewWriter(payload []byte) *Writer {
	w := &Writer{
		bySeq: make(map[uint16]int),
		acked: make(map[uint16]bool),
	}
	for off := 0; off < len(payload); off += protocol.MaxDataPayload {
		end := off + protocol.MaxDataPayload
		if end > len(payload) {
			end = len(payload)
		}
		w.chunks = append(w.chunks, payload[off:end])
	}
	return w
}

// ChunkCount returns the fixed number of DATA frames.
func (w *Writer) ChunkCount() int {
	return len(w.chunks)
}

// DataNrs returns the sequence numbers assigned so far, in send order.
func (w *Writer) DataNrs() []uint16 {
	return w.dataNrs
}

// assign binds the next unsent chunk to seq and returns its payload.
func (w *Writer) assign(seq uint16) []byte {
	chunk := w.chunks[w.next]
	w.bySeq[seq] = w.next
	w.dataNrs = append(w.dataNrs, seq)
	w.next++
	return chunk
}

// chunkFor returns the payload previously assigned to seq.
func (w *Writer) chunkFor(seq uint16) ([]byte, bool) {
	idx, ok := w.bySeq[seq]
	if !ok {
		return nil, false
	}
	return w.chunks[idx], true
}

// ack marks seq as acknowledged. Returns true if this was new information.
func (w *Writer) ack(seq uint16) bool {
	if _, ok := w.bySeq[seq]; !ok {
		return false
	}
	if w.acked[seq] {
		return false
	}
	w.acked[seq] = true
	return true
}

// isAcked reports whether seq has been acknowledged.
func (w *Writer) isAcked(seq uint16) bool {
	return w.acked[seq]
}

// markLost enqueues seq for retransmission. Only in-flight chunk sequence
// numbers qualify; acked or foreign sequence numbers are ignored, as is a
// seq already queued.
func (w *Writer) markLost(seq uint16) {
	if _, ok := w.bySeq[seq]; !ok || w.acked[seq] {
		return
	}
	for _, queued := range w.resendQ {
		if queued == seq {
			return
		}
	}
	w.resendQ = append(w.resendQ, seq)
}

// takeResend pops the resend queue, skipping entries acked in the meantime.
func (w *Writer) takeResend() (uint16, bool) {
	for len(w.resendQ) > 0 {
		seq := w.resendQ[0]
		w.resendQ = w.resendQ[1:]
		if !w.acked[seq] {
			return seq, true
		}
	}
	return 0, false
}

// done reports whether every chunk has been sent and acknowledged.
func (w *Writer) done() bool {
	return w.next == len(w.chunks) && len(w.acked) == len(w.chunks)
}
