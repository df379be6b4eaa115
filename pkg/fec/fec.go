// Package fec implements adaptive XOR forward error correction over
// groups of outgoing RTP packets. One parity packet lets the receiver
// rebuild a single missing packet of its group.
package fec

import (
	"github.com/quicvoice/mediatransport/pkg/loss"
	"github.com/quicvoice/mediatransport/pkg/packet"
)

// Group size thresholds over the smoothed loss rate. Below minLoss FEC
// is disabled entirely.
const (
	minLoss  = 0.01
	midLoss  = 0.05
	highLoss = 0.15

	// Above this SRTT the group shrinks by one to bound how long a
	// receiver waits for parity.
	srttPenaltyMS = 200

	minGroup = 2
)

// Encoder accumulates outgoing packets into the current protection
// group and emits a parity packet when the group fills. The target
// size is re-evaluated as each group starts.
type Encoder struct {
	stats  loss.Reader
	group  []*packet.RTP
	target int
}

func NewEncoder(stats loss.Reader) *Encoder {
	return &Encoder{stats: stats}
}

// groupSize maps the smoothed loss rate and SRTT to a target group
// size; 0 disables FEC.
func groupSize(lossRate, srtt float64) int {
	var size int
	switch {
	case lossRate < minLoss:
		return 0
	case lossRate < midLoss:
		size = 10
	case lossRate < highLoss:
		size = 5
	default:
		size = 3
	}
	if srtt > srttPenaltyMS && size > minGroup {
		size--
	}
	return size
}

// ProcessPacket appends p to the in-progress group and returns a
// parity packet when the group reaches its target size, nil otherwise.
func (e *Encoder) ProcessPacket(p *packet.RTP, srtt float64) *packet.FEC {
	if len(e.group) == 0 {
		e.target = groupSize(e.stats.Stats().LossRate, srtt)
	}
	if e.target == 0 {
		return nil
	}
	e.group = append(e.group, p)
	if len(e.group) < e.target {
		return nil
	}
	return e.emit()
}

// Flush emits parity for a partial group, provided FEC is enabled and
// the group protects at least two packets.
func (e *Encoder) Flush() *packet.FEC {
	if e.target == 0 || len(e.group) < 2 {
		e.group = e.group[:0]
		return nil
	}
	return e.emit()
}

// Reset discards the in-progress group.
func (e *Encoder) Reset() {
	e.group = nil
	e.target = 0
}

func (e *Encoder) emit() *packet.FEC {
	f := &packet.FEC{
		Timestamp: e.group[len(e.group)-1].Timestamp,
		Protected: make([]packet.Meta, 0, len(e.group)),
		Parity:    xorPayloads(e.group),
	}
	for _, p := range e.group {
		f.Protected = append(f.Protected, packet.Meta{
			Sequence:      p.Sequence,
			Timestamp:     p.Timestamp,
			FrameID:       p.FrameID,
			FragmentIndex: p.FragmentIndex,
			FragmentCount: p.FragmentCount,
			DataLen:       uint16(len(p.Data)),
		})
	}
	e.group = e.group[:0]
	return f
}

// xorPayloads XORs the payloads over the maximum length; shorter
// payloads count as zero-padded at the tail.
func xorPayloads(group []*packet.RTP) []byte {
	maxLen := 0
	for _, p := range group {
		if len(p.Data) > maxLen {
			maxLen = len(p.Data)
		}
	}
	parity := make([]byte, maxLen)
	for _, p := range group {
		for i, b := range p.Data {
			parity[i] ^= b
		}
	}
	return parity
}

// RecoverPacket rebuilds the single packet of f's group that is absent
// from available (keyed by sequence). It returns false when zero or
// more than one protected packet is missing.
func RecoverPacket(f *packet.FEC, available map[uint64]*packet.RTP) (*packet.RTP, bool) {
	var missing *packet.Meta
	peers := make([]*packet.RTP, 0, len(f.Protected))
	for i := range f.Protected {
		m := &f.Protected[i]
		p, ok := available[m.Sequence]
		if !ok {
			if missing != nil {
				return nil, false
			}
			missing = m
			continue
		}
		peers = append(peers, p)
	}
	if missing == nil {
		return nil, false
	}

	data := make([]byte, len(f.Parity))
	copy(data, f.Parity)
	for _, p := range peers {
		for i, b := range p.Data {
			if i >= len(data) {
				break
			}
			data[i] ^= b
		}
	}
	if int(missing.DataLen) > len(data) {
		return nil, false
	}
	return &packet.RTP{
		Sequence:      missing.Sequence,
		Timestamp:     missing.Timestamp,
		FrameID:       missing.FrameID,
		FragmentIndex: missing.FragmentIndex,
		FragmentCount: missing.FragmentCount,
		Data:          data[:missing.DataLen],
	}, true
}
