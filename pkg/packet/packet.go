// Package packet defines the datagram wire format for the media
// transport: five packet kinds serialized to a compact binary form.
// All multi-byte fields are big-endian. A serialized packet never
// exceeds the MTU; Encode refuses anything larger.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MTU is the maximum size of a single serialized datagram.
	MTU = 1200

	// HeaderReserve is the share of the MTU withheld from fragment
	// payloads so that any RTP header plus substrate overhead fits.
	HeaderReserve = 200

	// FragmentBudget is the maximum payload carried by one RTP fragment.
	FragmentBudget = MTU - HeaderReserve
)

// Wire type bytes. An unknown leading byte is a decode failure, not a
// crash; the caller drops the datagram.
const (
	kindInvalid byte = iota
	kindPing
	kindPong
	kindRTP
	kindNack
	kindFEC
)

const (
	rtpHeaderLen  = 1 + 8 + 8 + 8 + 2 + 2
	fecMetaLen    = 8 + 8 + 8 + 2 + 2 + 2
	fecHeaderLen  = 1 + 8 + 2
	nackHeaderLen = 1 + 2
)

var (
	ErrTruncated   = errors.New("packet: truncated datagram")
	ErrUnknownKind = errors.New("packet: unknown packet type")
	ErrMalformed   = errors.New("packet: inconsistent fields")
	ErrTooLarge    = errors.New("packet: serialized size exceeds MTU")
)

// Packet is implemented by the five wire packet kinds.
type Packet interface {
	appendTo(b []byte) []byte
}

// Ping is a liveness probe. Timestamp is opaque to the receiver; only
// the originator compares it against the echoed value.
type Ping struct {
	Timestamp uint64
	Payload   []byte
}

// Pong echoes a Ping's timestamp and payload.
type Pong struct {
	Timestamp uint64
	Payload   []byte
}

// RTP carries one fragment of one frame. Sequence is assigned per
// outgoing protected packet; FrameID groups the fragments of a single
// application send.
type RTP struct {
	Sequence      uint64
	Timestamp     uint64
	FrameID       uint64
	FragmentIndex uint16
	FragmentCount uint16
	Data          []byte
}

// Nack requests retransmission of the listed sequences.
type Nack struct {
	MissingSequences []uint64
}

// Meta records the full header of one RTP packet protected by a FEC
// parity packet, including its true payload length.
type Meta struct {
	Sequence      uint64
	Timestamp     uint64
	FrameID       uint64
	FragmentIndex uint16
	FragmentCount uint16
	DataLen       uint16
}

// FEC is an XOR parity packet over a protection group. Parity is the
// XOR of the group's payloads, each zero-padded to the longest.
type FEC struct {
	Timestamp uint64
	Protected []Meta
	Parity    []byte
}

func (p *Ping) appendTo(b []byte) []byte {
	b = append(b, kindPing)
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	return append(b, p.Payload...)
}

func (p *Pong) appendTo(b []byte) []byte {
	b = append(b, kindPong)
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	return append(b, p.Payload...)
}

func (p *RTP) appendTo(b []byte) []byte {
	b = append(b, kindRTP)
	b = binary.BigEndian.AppendUint64(b, p.Sequence)
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	b = binary.BigEndian.AppendUint64(b, p.FrameID)
	b = binary.BigEndian.AppendUint16(b, p.FragmentIndex)
	b = binary.BigEndian.AppendUint16(b, p.FragmentCount)
	return append(b, p.Data...)
}

func (p *Nack) appendTo(b []byte) []byte {
	b = append(b, kindNack)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.MissingSequences)))
	for _, seq := range p.MissingSequences {
		b = binary.BigEndian.AppendUint64(b, seq)
	}
	return b
}

func (p *FEC) appendTo(b []byte) []byte {
	b = append(b, kindFEC)
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Protected)))
	for _, m := range p.Protected {
		b = binary.BigEndian.AppendUint64(b, m.Sequence)
		b = binary.BigEndian.AppendUint64(b, m.Timestamp)
		b = binary.BigEndian.AppendUint64(b, m.FrameID)
		b = binary.BigEndian.AppendUint16(b, m.FragmentIndex)
		b = binary.BigEndian.AppendUint16(b, m.FragmentCount)
		b = binary.BigEndian.AppendUint16(b, m.DataLen)
	}
	return append(b, p.Parity...)
}

// Encode serializes p. It fails with ErrTooLarge if the result would
// exceed the MTU.
func Encode(p Packet) ([]byte, error) {
	b := p.appendTo(make([]byte, 0, MTU))
	if len(b) > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	return b, nil
}

// reader is a bounds-checked cursor over a datagram.
type reader struct {
	b   []byte
	off int
}

func (r *reader) uint16() (uint16, bool) {
	if r.off+2 > len(r.b) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, true
}

func (r *reader) uint64() (uint64, bool) {
	if r.off+8 > len(r.b) {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, true
}

// rest returns a copy of the remaining bytes. Decoded packets must not
// alias the substrate's receive buffer.
func (r *reader) rest() []byte {
	out := make([]byte, len(r.b)-r.off)
	copy(out, r.b[r.off:])
	r.off = len(r.b)
	return out
}

// Decode parses a datagram into one of the packet kinds. Any
// truncation or inconsistency yields an error and the caller drops the
// datagram.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return nil, ErrTruncated
	}
	r := &reader{b: b, off: 1}
	switch b[0] {
	case kindPing:
		ts, ok := r.uint64()
		if !ok {
			return nil, ErrTruncated
		}
		return &Ping{Timestamp: ts, Payload: r.rest()}, nil
	case kindPong:
		ts, ok := r.uint64()
		if !ok {
			return nil, ErrTruncated
		}
		return &Pong{Timestamp: ts, Payload: r.rest()}, nil
	case kindRTP:
		return decodeRTP(r)
	case kindNack:
		return decodeNack(r)
	case kindFEC:
		return decodeFEC(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, b[0])
	}
}

func decodeRTP(r *reader) (Packet, error) {
	p := &RTP{}
	var ok bool
	if p.Sequence, ok = r.uint64(); !ok {
		return nil, ErrTruncated
	}
	if p.Timestamp, ok = r.uint64(); !ok {
		return nil, ErrTruncated
	}
	if p.FrameID, ok = r.uint64(); !ok {
		return nil, ErrTruncated
	}
	if p.FragmentIndex, ok = r.uint16(); !ok {
		return nil, ErrTruncated
	}
	if p.FragmentCount, ok = r.uint16(); !ok {
		return nil, ErrTruncated
	}
	if p.FragmentIndex >= p.FragmentCount {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, p.FragmentIndex, p.FragmentCount)
	}
	p.Data = r.rest()
	return p, nil
}

func decodeNack(r *reader) (Packet, error) {
	count, ok := r.uint16()
	if !ok {
		return nil, ErrTruncated
	}
	p := &Nack{MissingSequences: make([]uint64, 0, count)}
	for i := 0; i < int(count); i++ {
		seq, ok := r.uint64()
		if !ok {
			return nil, ErrTruncated
		}
		p.MissingSequences = append(p.MissingSequences, seq)
	}
	return p, nil
}

func decodeFEC(r *reader) (Packet, error) {
	p := &FEC{}
	var ok bool
	if p.Timestamp, ok = r.uint64(); !ok {
		return nil, ErrTruncated
	}
	count, ok := r.uint16()
	if !ok {
		return nil, ErrTruncated
	}
	p.Protected = make([]Meta, 0, count)
	for i := 0; i < int(count); i++ {
		var m Meta
		if m.Sequence, ok = r.uint64(); !ok {
			return nil, ErrTruncated
		}
		if m.Timestamp, ok = r.uint64(); !ok {
			return nil, ErrTruncated
		}
		if m.FrameID, ok = r.uint64(); !ok {
			return nil, ErrTruncated
		}
		if m.FragmentIndex, ok = r.uint16(); !ok {
			return nil, ErrTruncated
		}
		if m.FragmentCount, ok = r.uint16(); !ok {
			return nil, ErrTruncated
		}
		if m.DataLen, ok = r.uint16(); !ok {
			return nil, ErrTruncated
		}
		if m.FragmentIndex >= m.FragmentCount {
			return nil, fmt.Errorf("%w: fec meta fragment %d of %d", ErrMalformed, m.FragmentIndex, m.FragmentCount)
		}
		p.Protected = append(p.Protected, m)
	}
	p.Parity = r.rest()
	for _, m := range p.Protected {
		if int(m.DataLen) > len(p.Parity) {
			return nil, fmt.Errorf("%w: meta length %d exceeds parity %d", ErrMalformed, m.DataLen, len(p.Parity))
		}
	}
	return p, nil
}
