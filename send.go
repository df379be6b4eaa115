package mediatransport

import (
	"time"

	"github.com/quicvoice/mediatransport/pkg/packet"
)

// Send fragments data into RTP packets on a fresh frame id and hands
// them to the pacer, interleaving parity packets from the FEC encoder.
// On a transport that is not connected it is a silent no-op.
func (t *Transport) Send(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateConnected {
		return
	}

	frameID := t.nextFrameID
	t.nextFrameID++
	ts := t.nowMillis()
	srtt := t.rttEst.SRTT()

	count := (len(data) + packet.FragmentBudget - 1) / packet.FragmentBudget
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		start := i * packet.FragmentBudget
		end := start + packet.FragmentBudget
		if end > len(data) {
			end = len(data)
		}
		p := &packet.RTP{
			Sequence:      t.nextSeq,
			Timestamp:     ts,
			FrameID:       frameID,
			FragmentIndex: uint16(i),
			FragmentCount: uint16(count),
			Data:          data[start:end],
		}
		t.nextSeq++
		raw, err := packet.Encode(p)
		if err != nil {
			// Unreachable for RTP: fragmentation bounds the payload.
			continue
		}
		t.lossEst.RecordSend(p.Sequence)
		t.sendCache[p.Sequence] = &sendEntry{raw: raw, at: time.Now()}
		t.pc.Enqueue(raw)
		if f := t.fecEnc.ProcessPacket(p, srtt); f != nil {
			t.enqueueFEC(f)
		}
	}
	if f := t.fecEnc.Flush(); f != nil {
		t.enqueueFEC(f)
	}
	t.framesSent++
	t.txBytes += int64(len(data))
}

// enqueueFEC serializes a parity packet onto the pacer. A parity
// packet that cannot fit the MTU is dropped; the group simply goes
// unprotected.
func (t *Transport) enqueueFEC(f *packet.FEC) {
	raw, err := packet.Encode(f)
	if err != nil {
		t.log.WithField("group", len(f.Protected)).Debug("dropping oversized fec packet")
		return
	}
	t.pc.Enqueue(raw)
}

// SendReliable writes data as one message on a fresh unidirectional
// stream. A substrate failure here ends the session.
func (t *Transport) SendReliable(data []byte) {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	sess := t.sess
	ctx := t.ctx
	t.mu.Unlock()

	stream, err := sess.OpenUniStream(ctx)
	if err != nil {
		t.fail("reliable stream open failed: " + err.Error())
		return
	}
	if _, err := stream.Write(data); err != nil {
		t.fail("reliable stream write failed: " + err.Error())
		return
	}
	if err := stream.Close(); err != nil {
		t.fail("reliable stream close failed: " + err.Error())
		return
	}

	t.mu.Lock()
	t.txBytes += int64(len(data))
	t.mu.Unlock()
}
