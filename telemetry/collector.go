/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes an engine's statistics as Prometheus metrics.
// The collector snapshots on scrape; because the engine is single-driver,
// hosts must serialize scrapes with the driver loop (or scrape a copy).
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/friendsincode/heimdall"
	"github.com/friendsincode/heimdall/stats"
)

var (
	descPacketsSent = prometheus.NewDesc(
		"heimdall_outbound_packets_total",
		"RTP packets sent per SSRC.",
		[]string{"ssrc", "kind"}, nil,
	)
	descBytesSent = prometheus.NewDesc(
		"heimdall_outbound_bytes_total",
		"RTP payload bytes sent per SSRC.",
		[]string{"ssrc", "kind"}, nil,
	)
	descPacketsReceived = prometheus.NewDesc(
		"heimdall_inbound_packets_total",
		"RTP packets received per SSRC.",
		[]string{"ssrc", "kind"}, nil,
	)
	descBytesReceived = prometheus.NewDesc(
		"heimdall_inbound_bytes_total",
		"RTP payload bytes received per SSRC.",
		[]string{"ssrc", "kind"}, nil,
	)
	descPacketsLost = prometheus.NewDesc(
		"heimdall_inbound_packets_lost",
		"Cumulative packets lost per inbound SSRC.",
		[]string{"ssrc"}, nil,
	)
	descNacksSent = prometheus.NewDesc(
		"heimdall_nacks_sent_total",
		"NACKs emitted per inbound SSRC.",
		[]string{"ssrc"}, nil,
	)
	descTransportBytes = prometheus.NewDesc(
		"heimdall_transport_bytes_total",
		"Transport bytes by direction.",
		[]string{"direction"}, nil,
	)
	descMalformed = prometheus.NewDesc(
		"heimdall_malformed_packets_total",
		"Wire packets dropped as unparseable.",
		nil, nil,
	)
	descDataChannelMessages = prometheus.NewDesc(
		"heimdall_data_channel_messages_total",
		"Data channel messages by direction.",
		[]string{"label", "direction"}, nil,
	)
)

// Clock supplies the snapshot timestamp; the collector never reads a wall
// clock on the engine's behalf.
type Clock func() time.Time

// Collector adapts one PeerConnection to prometheus.Collector.
type Collector struct {
	pc    *heimdall.PeerConnection
	clock Clock
}

// NewCollector builds a collector. clock stamps the snapshots.
func NewCollector(pc *heimdall.PeerConnection, clock Clock) *Collector {
	return &Collector{pc: pc, clock: clock}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPacketsSent
	ch <- descBytesSent
	ch <- descPacketsReceived
	ch <- descBytesReceived
	ch <- descPacketsLost
	ch <- descNacksSent
	ch <- descTransportBytes
	ch <- descMalformed
	ch <- descDataChannelMessages
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report := c.pc.GetStats(c.clock(), heimdall.SelectAll())
	for _, entry := range report.Entries {
		switch e := entry.(type) {
		case stats.OutboundRTPStream:
			ssrc := formatSSRC(e.SSRC)
			ch <- prometheus.MustNewConstMetric(descPacketsSent, prometheus.CounterValue, float64(e.PacketsSent), ssrc, e.Kind)
			ch <- prometheus.MustNewConstMetric(descBytesSent, prometheus.CounterValue, float64(e.BytesSent), ssrc, e.Kind)
		case stats.InboundRTPStream:
			ssrc := formatSSRC(e.SSRC)
			ch <- prometheus.MustNewConstMetric(descPacketsReceived, prometheus.CounterValue, float64(e.PacketsReceived), ssrc, e.Kind)
			ch <- prometheus.MustNewConstMetric(descBytesReceived, prometheus.CounterValue, float64(e.BytesReceived), ssrc, e.Kind)
			ch <- prometheus.MustNewConstMetric(descPacketsLost, prometheus.GaugeValue, float64(e.PacketsLost), ssrc)
			ch <- prometheus.MustNewConstMetric(descNacksSent, prometheus.CounterValue, float64(e.NackCount), ssrc)
		case stats.Transport:
			ch <- prometheus.MustNewConstMetric(descTransportBytes, prometheus.CounterValue, float64(e.BytesSent), "sent")
			ch <- prometheus.MustNewConstMetric(descTransportBytes, prometheus.CounterValue, float64(e.BytesReceived), "received")
		case stats.PeerConnectionStats:
			ch <- prometheus.MustNewConstMetric(descMalformed, prometheus.CounterValue, float64(e.MalformedPackets))
		case stats.DataChannel:
			ch <- prometheus.MustNewConstMetric(descDataChannelMessages, prometheus.CounterValue, float64(e.MessagesSent), e.Label, "sent")
			ch <- prometheus.MustNewConstMetric(descDataChannelMessages, prometheus.CounterValue, float64(e.MessagesReceived), e.Label, "received")
		}
	}
}

func formatSSRC(ssrc uint32) string {
	return strconv.FormatUint(uint64(ssrc), 10)
}
