// Package loss maintains a sliding-window estimate of outgoing packet
// loss, fed by send events and by NACKs received from the peer.
package loss

import (
	"sync"
	"time"
)

// Window is how far back send records are kept. NACKs for sequences
// that have left the window are forgotten with them.
const Window = 2 * time.Second

// Smoothing constants: the estimate reacts fast on rising loss and
// slowly on falling loss.
const (
	riseOld = 0.8
	riseNew = 0.2
	fallOld = 0.95
	fallNew = 0.05
)

// Stats is a point-in-time snapshot of the estimate.
type Stats struct {
	LossRate   float64
	SampleSize int
}

// Reader is the read-only view handed to the FEC encoder and the
// pacer; the transport retains the only mutable reference.
type Reader interface {
	Stats() Stats
}

type record struct {
	seq uint64
	at  time.Time
}

// Estimator tracks recent sends, the subset known NACKed, and a
// smoothed loss rate in [0, 1].
type Estimator struct {
	mu       sync.Mutex
	records  []record
	nacked   map[uint64]struct{}
	smoothed float64

	now func() time.Time
}

func NewEstimator() *Estimator {
	return &Estimator{
		nacked: make(map[uint64]struct{}),
		now:    time.Now,
	}
}

// RecordSend logs an outgoing protected sequence.
func (e *Estimator) RecordSend(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune()
	e.records = append(e.records, record{seq: seq, at: e.now()})
	e.update()
}

// RecordNacks marks sequences reported missing by the peer. Sequences
// no longer in the window are ignored.
func (e *Estimator) RecordNacks(seqs []uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune()
	inWindow := make(map[uint64]struct{}, len(e.records))
	for _, r := range e.records {
		inWindow[r.seq] = struct{}{}
	}
	for _, seq := range seqs {
		if _, ok := inWindow[seq]; ok {
			e.nacked[seq] = struct{}{}
		}
	}
	e.update()
}

// Stats returns the smoothed loss rate and the window's sample count.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{LossRate: e.smoothed, SampleSize: len(e.records)}
}

// Reset drops all state.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = nil
	e.nacked = make(map[uint64]struct{})
	e.smoothed = 0
}

// prune discards records older than the window and forgets their NACK
// status. Callers hold e.mu.
func (e *Estimator) prune() {
	cutoff := e.now().Add(-Window)
	i := 0
	for ; i < len(e.records); i++ {
		if e.records[i].at.After(cutoff) {
			break
		}
		delete(e.nacked, e.records[i].seq)
	}
	e.records = e.records[i:]
}

// update folds the current raw window ratio into the smoothed rate.
// Callers hold e.mu.
func (e *Estimator) update() {
	if len(e.records) == 0 {
		return
	}
	raw := float64(len(e.nacked)) / float64(len(e.records))
	switch {
	case e.smoothed == 0:
		e.smoothed = raw
	case raw > e.smoothed:
		e.smoothed = riseOld*e.smoothed + riseNew*raw
	default:
		e.smoothed = fallOld*e.smoothed + fallNew*raw
	}
}
