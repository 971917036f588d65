package protocol

import (
	"encoding/binary"
	"fmt"
)

// ErrDecode is wrapped by every Decode failure.
var ErrDecode = fmt.Errorf("malformed packet")

// Encode serializes a Packet into a byte slice for datagram transmission.
//
// Wire layout (big-endian):
//
//	byte 0:      (type<<4) | version
//	byte 1:      first extension type (0 = none)
//	bytes 2-3:   connection_id
//	bytes 4-7:   timestamp_micros
//	bytes 8-11:  timestamp_diff_micros
//	bytes 12-15: wnd_size
//	bytes 16-17: seq_nr
//	bytes 18-19: ack_nr
//	[next_ext(1) | len(1) | data(len)]*
//	payload
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	for _, ext := range pkt.Extensions {
		size += 2 + len(ext.Data)
	}
	buf := make([]byte, size)

	buf[0] = pkt.Type<<4 | Version
	if len(pkt.Extensions) > 0 {
		buf[1] = pkt.Extensions[0].Type
	}
	binary.BigEndian.PutUint16(buf[2:4], pkt.ConnectionID)
	binary.BigEndian.PutUint32(buf[4:8], pkt.TimestampMicros)
	binary.BigEndian.PutUint32(buf[8:12], pkt.TimestampDiffMicros)
	binary.BigEndian.PutUint32(buf[12:16], pkt.WndSize)
	binary.BigEndian.PutUint16(buf[16:18], pkt.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], pkt.AckNr)

	pos := HeaderSize
	for i, ext := range pkt.Extensions {
		next := ExtNone
		if i+1 < len(pkt.Extensions) {
			next = pkt.Extensions[i+1].Type
		}
		buf[pos] = next
		buf[pos+1] = byte(len(ext.Data))
		copy(buf[pos+2:], ext.Data)
		pos += 2 + len(ext.Data)
	}

	copy(buf[pos:], pkt.Payload)
	return buf
}

// Decode deserializes a byte slice into a Packet. It validates the version,
// the packet type, and that the extension chain terminates inside the
// datagram. Extension data and payload are copied, never aliased.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrDecode, len(data), HeaderSize)
	}
	if v := data[0] & 0x0f; v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, v)
	}
	typ := data[0] >> 4
	if typ > TypeSyn {
		return nil, fmt.Errorf("%w: unknown type %d", ErrDecode, typ)
	}

	pkt := &Packet{
		Type:                typ,
		ConnectionID:        binary.BigEndian.Uint16(data[2:4]),
		TimestampMicros:     binary.BigEndian.Uint32(data[4:8]),
		TimestampDiffMicros: binary.BigEndian.Uint32(data[8:12]),
		WndSize:             binary.BigEndian.Uint32(data[12:16]),
		SeqNr:               binary.BigEndian.Uint16(data[16:18]),
		AckNr:               binary.BigEndian.Uint16(data[18:20]),
	}

	pos := HeaderSize
	for cur := data[1]; cur != ExtNone; {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated extension chain", ErrDecode)
		}
		next := data[pos]
		extLen := int(data[pos+1])
		if pos+2+extLen > len(data) {
			return nil, fmt.Errorf("%w: extension overruns datagram", ErrDecode)
		}
		extData := make([]byte, extLen)
		copy(extData, data[pos+2:pos+2+extLen])
		pkt.Extensions = append(pkt.Extensions, Extension{Type: cur, Data: extData})
		cur = next
		pos += 2 + extLen
	}

	if len(data) > pos {
		pkt.Payload = make([]byte, len(data)-pos)
		copy(pkt.Payload, data[pos:])
	}
	return pkt, nil
}
