package mediatransport

import (
	"time"

	"github.com/quicvoice/mediatransport/pkg/packet"
)

// pingTick runs every pingInterval: it gives up on the session once
// five consecutive pongs have been missed, otherwise probes again with
// the current monotonic timestamp.
func (t *Transport) pingTick() {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	if t.missedPongs >= maxMissedPongs {
		t.mu.Unlock()
		t.fail(TimeoutReason)
		return
	}
	ts := t.nowMillis()
	raw, err := packet.Encode(&packet.Ping{Timestamp: ts})
	if err != nil {
		t.mu.Unlock()
		return
	}
	t.pings[ts] = &pingEntry{
		timer: time.AfterFunc(pongTimeout, func() { t.pongMissed(ts) }),
		at:    time.Now(),
	}
	sess := t.sess
	t.mu.Unlock()

	_ = sess.SendDatagram(raw)
}

// pongMissed fires when a ping's one-shot timeout lapses without a
// matching pong.
func (t *Transport) pongMissed(ts uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pings[ts]; !ok {
		return
	}
	delete(t.pings, ts)
	t.missedPongs++
}

// handlePong matches a pong to its outstanding ping by echoed
// timestamp; unmatched pongs are ignored. Callers hold t.mu.
func (t *Transport) handlePong(p *packet.Pong) {
	entry, ok := t.pings[p.Timestamp]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(t.pings, p.Timestamp)
	t.missedPongs = 0
	t.rttEst.AddSample(float64(t.nowMillis() - p.Timestamp))
}
