package utp

import (
	"fmt"

	"github.com/onbjerg/ultralight/internal/protocol"
)

// Reader reassembles the ordered payload of one inbound transfer. Packets
// may arrive out of order and duplicated; the gap buffer keys them by
// sequence number and assembly is deferred until FIN fixes the end of the
// stream. It is socket-goroutine-local and needs no locking.
type Reader struct {
	received map[uint16][]byte
}

// NewReader creates an empty reader.
func NewReader() *Reader {
	return &Reader{received: make(map[uint16][]byte)}
}

// AddPacket buffers a DATA payload under its sequence number. Redelivery of
// an already-buffered sequence number is a no-op.
func (r *Reader) AddPacket(seq uint16, payload []byte) {
	if _, ok := r.received[seq]; ok {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.received[seq] = buf
}

// Has reports whether seq is buffered.
func (r *Reader) Has(seq uint16) bool {
	_, ok := r.received[seq]
	return ok
}

// Len returns the number of buffered packets.
func (r *Reader) Len() int {
	return len(r.received)
}

// MaxContiguous returns the highest sequence number n such that every
// sequence in (from, n] is buffered. Returns from itself when from+1 is
// missing.
func (r *Reader) MaxContiguous(from uint16) uint16 {
	for r.Has(from + 1) {
		from++
	}
	return from
}

// Run assembles the stream: the concatenation of received[start] through
// received[finNr-1] in modular order. Called exactly once, after FIN is
// observed. Any hole fails with ErrIncompleteStream.
func (r *Reader) Run(start, finNr uint16) ([]byte, error) {
	if !protocol.SeqLE(start, finNr) {
		return nil, fmt.Errorf("%w: fin %d precedes first data packet %d", ErrIncompleteStream, finNr, start)
	}

	var out []byte
	for seq := start; seq != finNr; seq++ {
		payload, ok := r.received[seq]
		if !ok {
			return nil, fmt.Errorf("%w: missing seq %d", ErrIncompleteStream, seq)
		}
		out = append(out, payload...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
