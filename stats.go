package mediatransport

import (
	"strconv"
	"time"

	"github.com/quicvoice/mediatransport/pkg/loss"
)

// Stats is a point-in-time snapshot of the transport's quality
// numbers and traffic counters.
type Stats struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`

	RTT    float64 `json:"rttMs"`
	SRTT   float64 `json:"srttMs"`
	RTTVar float64 `json:"rttVarMs"`
	RTO    float64 `json:"rtoMs"`

	LossRate    float64 `json:"lossRate"`
	LossSamples int     `json:"lossSamples"`

	DuplicatePackets uint64 `json:"duplicatePackets"`
	FramesSent       uint64 `json:"framesSent"`
	FramesDelivered  uint64 `json:"framesDelivered"`
	PacketsRecovered uint64 `json:"packetsRecovered"`
	NacksSent        uint64 `json:"nacksSent"`
	NacksReceived    uint64 `json:"nacksReceived"`
	TxBytes          int64  `json:"txBytes"`
	RxBytes          int64  `json:"rxBytes"`
}

// Stats gathers a consistent snapshot.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.lossEst.Stats()
	return Stats{
		ID:               t.id.String(),
		State:            t.state.String(),
		ConnectedAt:      t.connectedAt,
		RTT:              t.rttEst.RTT(),
		SRTT:             t.rttEst.SRTT(),
		RTTVar:           t.rttEst.RTTVar(),
		RTO:              t.rttEst.RTO(),
		LossRate:         ls.LossRate,
		LossSamples:      ls.SampleSize,
		DuplicatePackets: t.duplicates,
		FramesSent:       t.framesSent,
		FramesDelivered:  t.framesDelivered,
		PacketsRecovered: t.packetsRecovered,
		NacksSent:        t.nacksSent,
		NacksReceived:    t.nacksReceived,
		TxBytes:          t.txBytes,
		RxBytes:          t.rxBytes,
	}
}

// RTT returns the most recent round-trip sample in milliseconds.
func (t *Transport) RTT() float64 { return t.rttEst.RTT() }

// SRTT returns the smoothed round-trip time in milliseconds.
func (t *Transport) SRTT() float64 { return t.rttEst.SRTT() }

// RTO returns the current retransmission timeout in milliseconds.
func (t *Transport) RTO() float64 { return t.rttEst.RTO() }

// DuplicatePackets counts data packets received more than once.
func (t *Transport) DuplicatePackets() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duplicates
}

// LossRate returns the smoothed outgoing loss rate in [0, 1].
func (t *Transport) LossRate() float64 {
	return t.lossEst.Stats().LossRate
}

// LossStats returns the loss estimate with its window sample size.
func (t *Transport) LossStats() loss.Stats {
	return t.lossEst.Stats()
}

// ToMap flattens the snapshot for structured logging.
func (s Stats) ToMap() map[string]any {
	return map[string]any{
		"id":               s.ID,
		"state":            s.State,
		"connectedAt":      s.ConnectedAt,
		"rttMs":            s.RTT,
		"srttMs":           s.SRTT,
		"rtoMs":            s.RTO,
		"lossRate":         s.LossRate,
		"lossSamples":      s.LossSamples,
		"duplicatePackets": s.DuplicatePackets,
		"framesSent":       s.FramesSent,
		"framesDelivered":  s.FramesDelivered,
		"packetsRecovered": s.PacketsRecovered,
		"nacksSent":        s.NacksSent,
		"nacksReceived":    s.NacksReceived,
		"txBytes":          s.TxBytes,
		"rxBytes":          s.RxBytes,
	}
}

// Warnings flags quality numbers a caller probably wants to surface.
func (s Stats) Warnings() []string {
	var warns []string
	if s.LossRate > 0.05 {
		warns = append(warns, "lossRate="+strconv.FormatFloat(s.LossRate, 'f', 3, 64))
	}
	if s.RTO >= 2000 {
		warns = append(warns, "rtoMs="+strconv.FormatFloat(s.RTO, 'f', 0, 64))
	}
	if s.DuplicatePackets > 0 {
		warns = append(warns, "duplicates="+strconv.FormatUint(s.DuplicatePackets, 10))
	}
	return warns
}
