package utp

import "github.com/onbjerg/ultralight/internal/protocol"

// outgoingBuffer tracks in-flight packets by sequence number together with
// their most recent send timestamp. Retransmissions re-record the same
// sequence number with a fresh timestamp, so RTT samples are only taken for
// packets acked against their latest transmission.
type outgoingBuffer struct {
	sent map[uint16]uint32 // seq_nr → send timestamp (micros)
}

func newOutgoingBuffer() *outgoingBuffer {
	return &outgoingBuffer{sent: make(map[uint16]uint32)}
}

// record notes a (re)transmission of seq at the given timestamp.
func (b *outgoingBuffer) record(seq uint16, tsMicros uint32) {
	b.sent[seq] = tsMicros
}

// remove drops seq from the buffer, returning its last send timestamp.
func (b *outgoingBuffer) remove(seq uint16) (uint32, bool) {
	ts, ok := b.sent[seq]
	if ok {
		delete(b.sent, seq)
	}
	return ts, ok
}

func (b *outgoingBuffer) has(seq uint16) bool {
	_, ok := b.sent[seq]
	return ok
}

func (b *outgoingBuffer) len() int {
	return len(b.sent)
}

// seqs returns the in-flight sequence numbers in unspecified order.
func (b *outgoingBuffer) seqs() []uint16 {
	out := make([]uint16, 0, len(b.sent))
	for seq := range b.sent {
		out = append(out, seq)
	}
	return out
}

// window is the in-flight byte count: each buffered packet is charged one
// full MTU.
func (b *outgoingBuffer) window() int {
	return len(b.sent) * protocol.MTU
}
