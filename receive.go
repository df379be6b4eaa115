package mediatransport

import (
	"context"
	"io"
	"time"

	"github.com/quicvoice/mediatransport/pkg/buffer"
	"github.com/quicvoice/mediatransport/pkg/fec"
	"github.com/quicvoice/mediatransport/pkg/packet"
	"github.com/quicvoice/mediatransport/pkg/session"
)

// readLoop pulls datagrams off the substrate until the session ends.
func (t *Transport) readLoop(ctx context.Context, sess session.Session) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			t.loopFailed(ctx, sess, err)
			return
		}
		t.handleDatagram(data)
	}
}

// acceptLoop receives reliable messages, one per incoming
// unidirectional stream.
func (t *Transport) acceptLoop(ctx context.Context, sess session.Session) {
	for {
		stream, err := sess.AcceptUniStream(ctx)
		if err != nil {
			t.loopFailed(ctx, sess, err)
			return
		}
		msg, err := io.ReadAll(stream)
		if err != nil {
			t.log.WithError(err).Debug("dropping partial reliable message")
			continue
		}
		t.mu.Lock()
		closed := t.state != stateConnected
		t.rxBytes += int64(len(msg))
		cb := t.cb.OnReliableMessage
		t.mu.Unlock()
		if !closed && cb != nil {
			cb(msg)
		}
	}
}

// loopFailed ends the transport after a substrate read error. Local
// cancellation is a clean exit; a session-level closure reports the
// substrate's close info rather than the read error that exposed it.
func (t *Transport) loopFailed(ctx context.Context, sess session.Session, err error) {
	if ctx.Err() != nil {
		return
	}
	select {
	case <-sess.Done():
		info := sess.CloseInfo()
		t.teardown(info.Code, info.Reason, true)
	default:
		t.fail(err.Error())
	}
}

// handleDatagram decodes and dispatches one datagram. Dispatch of a
// single datagram is atomic with respect to ticks and producer sends;
// substrate writes and consumer callbacks happen after the lock is
// released.
func (t *Transport) handleDatagram(data []byte) {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	t.rxBytes += int64(len(data))

	pkt, err := packet.Decode(data)
	if err != nil {
		t.log.WithError(err).Debug("dropping undecodable datagram")
		t.mu.Unlock()
		return
	}

	var reply []byte
	var frame []byte
	switch p := pkt.(type) {
	case *packet.Ping:
		reply, _ = packet.Encode(&packet.Pong{Timestamp: p.Timestamp, Payload: p.Payload})
	case *packet.Pong:
		t.handlePong(p)
	case *packet.Nack:
		t.handleNack(p)
	case *packet.RTP:
		frame = t.handleRTP(p, false)
	case *packet.FEC:
		frame = t.handleFEC(p)
	}
	sess := t.sess
	cb := t.cb.OnFrameComplete
	t.mu.Unlock()

	if reply != nil {
		_ = sess.SendDatagram(reply)
	}
	if frame != nil && cb != nil {
		cb(frame)
	}
}

// handleNack records the peer-reported losses and re-enqueues every
// requested packet still in the send cache, re-using its original
// serialization (and so its original sequence). Callers hold t.mu.
func (t *Transport) handleNack(p *packet.Nack) {
	t.nacksReceived++
	t.lossEst.RecordNacks(p.MissingSequences)
	for _, seq := range p.MissingSequences {
		if e, ok := t.sendCache[seq]; ok {
			t.pc.Enqueue(e.raw)
		}
	}
}

// handleRTP runs a data packet through reassembly and gap tracking and
// returns the completed frame, if this packet finished one. Recovered
// packets take the same path but never advance the expected-sequence
// cursor on their own. Callers hold t.mu.
func (t *Transport) handleRTP(p *packet.RTP, recovered bool) []byte {
	fb, ok := t.frames[p.FrameID]
	if !ok {
		fb = buffer.New(p.FrameID, p.FragmentCount)
		t.frames[p.FrameID] = fb
	}
	fb.Add(p)

	if _, dup := t.recvCache[p.Sequence]; dup {
		t.duplicates++
	}
	t.nc.OnRTPReceived(p.Sequence)
	t.recvCache[p.Sequence] = &recvEntry{pkt: p, at: time.Now()}

	var frame []byte
	if data, done := fb.Reconstruct(); done {
		delete(t.frames, p.FrameID)
		t.framesDelivered++
		frame = data
	}

	if !recovered {
		switch {
		case p.Sequence > t.nextExpectedIn:
			t.nc.OnGapDetected(t.nextExpectedIn, p.Sequence)
			t.nextExpectedIn = p.Sequence + 1
		case p.Sequence == t.nextExpectedIn:
			t.nextExpectedIn++
		}
	}
	return frame
}

// handleFEC attempts single-loss recovery against the receive cache
// and, on success, splices the rebuilt packet through the normal RTP
// path. Callers hold t.mu.
func (t *Transport) handleFEC(p *packet.FEC) []byte {
	available := make(map[uint64]*packet.RTP, len(p.Protected))
	for _, m := range p.Protected {
		if e, ok := t.recvCache[m.Sequence]; ok {
			available[m.Sequence] = e.pkt
		}
	}
	rec, ok := fec.RecoverPacket(p, available)
	if !ok {
		return nil
	}
	t.packetsRecovered++
	return t.handleRTP(rec, true)
}
