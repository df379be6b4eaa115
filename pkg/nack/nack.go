// Package nack tracks gaps observed in the incoming sequence space and
// issues retransmission requests with RTO-backed timing.
package nack

import (
	"sync"
	"time"

	"github.com/quicvoice/mediatransport/pkg/packet"
)

const (
	// Gaps wider than this are not chased; the sender's window has
	// likely advanced past them.
	maxGap = 100

	// Per-entry retransmission bounds.
	maxRetransmissions = 5
	maxAge             = 5 * time.Second

	// Initial request delays before the first RTO-based retry.
	slowLinkDelay = 60 * time.Millisecond
	fastLinkDelay = 20 * time.Millisecond

	// SRTT above which the longer initial delay applies.
	slowLinkSRTT = 150
)

// Timing supplies the current SRTT and RTO in milliseconds.
type Timing interface {
	SRTT() float64
	RTO() float64
}

type pending struct {
	missing         []uint64
	createdAt       time.Time
	sentAt          time.Time
	retransmissions int
}

// Controller owns the pending NACK list. Its methods are short,
// CPU-bound, and never suspend; the transport performs the substrate
// writes for the requests CheckPending returns, after all state
// mutation is done.
type Controller struct {
	mu      sync.Mutex
	pending []*pending

	has    func(seq uint64) bool
	timing Timing

	now func() time.Time
}

// NewController wires the controller to the receive cache membership
// test and the RTT estimator.
func NewController(has func(uint64) bool, timing Timing) *Controller {
	return &Controller{has: has, timing: timing, now: time.Now}
}

// OnGapDetected records that sequence end arrived while start was next
// expected. Missing interior sequences become a pending NACK.
func (c *Controller) OnGapDetected(start, end uint64) {
	if end-start > maxGap {
		return
	}
	missing := make([]uint64, 0, end-start)
	for seq := start; seq < end; seq++ {
		if !c.has(seq) {
			missing = append(missing, seq)
		}
	}
	if len(missing) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pending = append(c.pending, &pending{
		missing:   missing,
		createdAt: now,
		sentAt:    now,
	})
}

// OnRTPReceived drops seq from every pending entry; entries that run
// empty are resolved.
func (c *Controller) OnRTPReceived(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, e := range c.pending {
		e.missing = remove(e.missing, seq)
		if len(e.missing) > 0 {
			kept = append(kept, e)
		}
	}
	c.pending = kept
}

// CheckPending re-prunes every entry against the receive cache and
// returns the requests that are due for (re)transmission. Called on a
// short timer by the transport, which writes them to the substrate.
func (c *Controller) CheckPending() []*packet.Nack {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var due []*packet.Nack
	kept := c.pending[:0]
	for _, e := range c.pending {
		filtered := e.missing[:0]
		for _, seq := range e.missing {
			if !c.has(seq) {
				filtered = append(filtered, seq)
			}
		}
		e.missing = filtered
		if len(e.missing) == 0 {
			continue
		}
		if e.retransmissions < maxRetransmissions && !now.Before(e.sentAt.Add(c.delay(e.retransmissions))) {
			due = append(due, &packet.Nack{MissingSequences: append([]uint64(nil), e.missing...)})
			e.sentAt = now
			e.retransmissions++
		}
		if e.retransmissions >= maxRetransmissions {
			continue
		}
		kept = append(kept, e)
	}
	c.pending = kept
	return due
}

// Cleanup drops entries older than max.
func (c *Controller) Cleanup(max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-max)
	kept := c.pending[:0]
	for _, e := range c.pending {
		if e.createdAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.pending = kept
}

// Reset drops all pending entries.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// PendingCount reports the number of unresolved entries.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// delay returns how long to wait before the r-th retransmission. The
// first request goes out quickly, faster still on low-latency links;
// retries back off to the current RTO.
func (c *Controller) delay(r int) time.Duration {
	if r == 0 {
		if c.timing.SRTT() > slowLinkSRTT {
			return slowLinkDelay
		}
		return fastLinkDelay
	}
	return time.Duration(c.timing.RTO()) * time.Millisecond
}

func remove(seqs []uint64, seq uint64) []uint64 {
	out := seqs[:0]
	for _, s := range seqs {
		if s != seq {
			out = append(out, s)
		}
	}
	return out
}
