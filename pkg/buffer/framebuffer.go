// Package buffer assembles received RTP fragments back into frames.
package buffer

import (
	"time"

	"github.com/quicvoice/mediatransport/pkg/packet"
)

// FrameBuffer collects the fragments of a single frame. Fragments
// sharing a frame id must agree on fragment count and timestamp; the
// sender never produces divergent values.
type FrameBuffer struct {
	frameID   uint64
	total     uint16
	fragments map[uint16]*packet.RTP
	createdAt time.Time
}

func New(frameID uint64, total uint16) *FrameBuffer {
	return &FrameBuffer{
		frameID:   frameID,
		total:     total,
		fragments: make(map[uint16]*packet.RTP, total),
		createdAt: time.Now(),
	}
}

// Add records a fragment at its index. A duplicate index overwrites;
// the receive side is last-writer-wins.
func (b *FrameBuffer) Add(p *packet.RTP) {
	if p.FragmentIndex >= b.total {
		return
	}
	b.fragments[p.FragmentIndex] = p
}

// Complete reports whether every index in [0, total) is present.
func (b *FrameBuffer) Complete() bool {
	return len(b.fragments) == int(b.total)
}

// Reconstruct concatenates the fragments in index order. It returns
// false until the frame is complete.
func (b *FrameBuffer) Reconstruct() ([]byte, bool) {
	if !b.Complete() {
		return nil, false
	}
	size := 0
	for _, p := range b.fragments {
		size += len(p.Data)
	}
	out := make([]byte, 0, size)
	for i := uint16(0); i < b.total; i++ {
		out = append(out, b.fragments[i].Data...)
	}
	return out, true
}

// CreatedAt is the buffer's creation time, used by the housekeeping
// sweep to expire frames that never completed.
func (b *FrameBuffer) CreatedAt() time.Time {
	return b.createdAt
}
