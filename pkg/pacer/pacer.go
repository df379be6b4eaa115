// Package pacer decouples packet enqueue from egress, draining a FIFO
// of serialized datagrams at a rate derived from the current loss
// estimate.
package pacer

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/quicvoice/mediatransport/pkg/loss"
)

// Tick granularity for the egress loop.
const tickInterval = 5 * time.Millisecond

// Target egress rates (packets per second) by smoothed loss rate.
func rateFor(lossRate float64) float64 {
	switch {
	case lossRate < 0.01:
		return 2000
	case lossRate < 0.05:
		return 1500
	case lossRate < 0.10:
		return 1000
	default:
		return 750
	}
}

// Pacer transmits enqueued datagrams in order at the target rate.
// Enqueue is non-blocking; substrate write errors are swallowed here
// and surface through the session close path.
type Pacer struct {
	mu       sync.Mutex
	queue    deque.Deque[[]byte]
	stats    loss.Reader
	send     func([]byte) error
	stop     chan struct{}
	running  bool
	lastTick time.Time
}

// New returns a stopped pacer. send is invoked from the tick goroutine
// only, preserving enqueue order toward the substrate.
func New(stats loss.Reader, send func([]byte) error) *Pacer {
	return &Pacer{stats: stats, send: send}
}

// Start launches the tick loop. Starting a running pacer is a no-op.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.lastTick = time.Now()
	go p.run(p.stop)
}

// Enqueue appends a serialized datagram to the tail of the FIFO.
func (p *Pacer) Enqueue(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.PushBack(b)
}

// Stop cancels the tick loop and drops the queue.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
	p.queue.Clear()
}

// Len reports the number of queued datagrams.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pacer) run(stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, b := range p.dequeue(now) {
				_ = p.send(b)
			}
		}
	}
}

// dequeue pops the datagrams allowed for this tick. The tick clock
// advances only by the time the granted packets account for, so the
// fractional remainder carries into the next tick; rates that are not
// a whole multiple of the tick still average out exactly. When the
// queue runs dry the clock snaps to now, so idle time never banks a
// burst.
func (p *Pacer) dequeue(now time.Time) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	rate := rateFor(p.stats.Stats().LossRate)
	allowed := int(now.Sub(p.lastTick).Seconds() * rate)
	if allowed == 0 {
		return nil
	}
	if allowed >= p.queue.Len() {
		allowed = p.queue.Len()
		p.lastTick = now
	} else {
		consumed := time.Duration(float64(allowed) / rate * float64(time.Second))
		p.lastTick = p.lastTick.Add(consumed)
	}
	out := make([][]byte, 0, allowed)
	for i := 0; i < allowed; i++ {
		out = append(out, p.queue.PopFront())
	}
	return out
}
