/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package exporter publishes per-transport quality metrics as a
// prometheus collector. Transports are registered with their label
// values and collected live.
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quicvoice/mediatransport"
)

type info struct {
	description *prometheus.Desc
	supplier    func(s mediatransport.Stats, labelValues []string) prometheus.Metric
}

// TransportCollector implements prometheus.Collector over a set of
// live transports.
type TransportCollector struct {
	transports map[*mediatransport.Transport][]string
	mu         sync.Mutex
	infos      []info
}

func (t *TransportCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range t.infos {
		descs <- info.description
	}
}

func (t *TransportCollector) Collect(metrics chan<- prometheus.Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for transport, labels := range t.transports {
		stats := transport.Stats()
		for _, info := range t.infos {
			metrics <- info.supplier(stats, labels)
		}
	}
}

// Add registers a transport with its label values. The values must
// match the transportLabels the collector was created with.
func (t *TransportCollector) Add(transport *mediatransport.Transport, labels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.transports[transport] = labels
}

// Remove drops a transport from collection.
func (t *TransportCollector) Remove(transport *mediatransport.Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.transports, transport)
}

// NewTransportCollector builds a collector exposing the transport
// quality metrics under the given prefix.
func NewTransportCollector(
	prefix string,
	transportLabels []string, // transportLabels are known up front for the collector and values are provided when adding a transport.
	constLabels prometheus.Labels, // constLabels is meant for labels with values that are constant for the whole process.
) *TransportCollector {
	t := TransportCollector{
		transports: make(map[*mediatransport.Transport][]string),
	}
	t.addMetrics(prefix, transportLabels, constLabels)
	return &t
}

func gaugeInfo(prefix, name, help string, labels []string, constLabels prometheus.Labels, value func(mediatransport.Stats) float64) info {
	desc := prometheus.NewDesc(prefix+"_"+name, help, labels, constLabels)
	return info{
		description: desc,
		supplier: func(s mediatransport.Stats, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s), labelValues...)
		},
	}
}

func counterInfo(prefix, name, help string, labels []string, constLabels prometheus.Labels, value func(mediatransport.Stats) float64) info {
	desc := prometheus.NewDesc(prefix+"_"+name, help, labels, constLabels)
	return info{
		description: desc,
		supplier: func(s mediatransport.Stats, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(s), labelValues...)
		},
	}
}

func (t *TransportCollector) addMetrics(prefix string, labels []string, constLabels prometheus.Labels) {
	t.infos = []info{
		gaugeInfo(prefix, "rtt_ms", "Most recent round-trip sample in milliseconds.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return s.RTT }),
		gaugeInfo(prefix, "srtt_ms", "Smoothed round-trip time in milliseconds.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return s.SRTT }),
		gaugeInfo(prefix, "rto_ms", "Current retransmission timeout in milliseconds.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return s.RTO }),
		gaugeInfo(prefix, "loss_rate", "Smoothed outgoing loss rate in [0,1].", labels, constLabels,
			func(s mediatransport.Stats) float64 { return s.LossRate }),
		gaugeInfo(prefix, "loss_samples", "Send records inside the loss window.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.LossSamples) }),
		counterInfo(prefix, "duplicate_packets_total", "Data packets received more than once.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.DuplicatePackets) }),
		counterInfo(prefix, "frames_sent_total", "Frames handed to the transport for sending.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.FramesSent) }),
		counterInfo(prefix, "frames_delivered_total", "Frames reassembled and delivered to the consumer.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.FramesDelivered) }),
		counterInfo(prefix, "packets_recovered_total", "Data packets rebuilt from FEC parity.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.PacketsRecovered) }),
		counterInfo(prefix, "nacks_sent_total", "Retransmission requests sent to the peer.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.NacksSent) }),
		counterInfo(prefix, "nacks_received_total", "Retransmission requests received from the peer.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.NacksReceived) }),
		counterInfo(prefix, "tx_bytes_total", "Application bytes sent.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.TxBytes) }),
		counterInfo(prefix, "rx_bytes_total", "Bytes received from the substrate.", labels, constLabels,
			func(s mediatransport.Stats) float64 { return float64(s.RxBytes) }),
	}
}
