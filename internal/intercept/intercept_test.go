/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package intercept

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/interceptor"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

func noopHandler(acc *stats.Accumulator) *Handler {
	return New(zerolog.Nop(), acc, &interceptor.NoOp{})
}

func TestWritePassthroughOnNoopChain(t *testing.T) {
	acc := stats.NewAccumulator()
	h := noopHandler(acc)
	h.BindLocalStream(&interceptor.StreamInfo{SSRC: 0x11223344, MimeType: "video/VP8", PayloadType: 96})

	pkt := &rtp.Packet{
		Header:  rtp.Header{SSRC: 0x11223344, SequenceNumber: 0, Timestamp: 1000, PayloadType: 96},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	now := time.Unix(1, 0)
	if err := h.HandleWrite(pipe.Message{Now: now, Payload: pipe.RTP{Packet: pkt}}); err != nil {
		t.Fatalf("handle write: %v", err)
	}

	out, ok := h.PollWrite()
	if !ok {
		t.Fatal("expected exactly one output")
	}
	outPkt := out.Payload.(pipe.RTP).Packet
	if outPkt.SequenceNumber != 0 || outPkt.Timestamp != 1000 || outPkt.SSRC != 0x11223344 {
		t.Fatalf("header mutated: %+v", outPkt.Header)
	}
	if string(outPkt.Payload) != "\xde\xad\xbe\xef" {
		t.Fatalf("payload mutated: %v", outPkt.Payload)
	}
	if _, ok := h.PollWrite(); ok {
		t.Fatal("expected no second output")
	}

	out1 := acc.Outbound(0x11223344)
	if out1.PacketsSent != 1 || out1.BytesSent != 4 {
		t.Fatalf("outbound counters: packets=%d bytes=%d", out1.PacketsSent, out1.BytesSent)
	}
}

func TestRetransmissionsCountAgainstMediaStream(t *testing.T) {
	acc := stats.NewAccumulator()
	h := noopHandler(acc)
	h.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, RTXSSRC: 2, RTXPayloadType: 97})

	now := time.Unix(1, 0)
	rtxPkt := &rtp.Packet{
		Header:  rtp.Header{SSRC: 2, PayloadType: 97},
		Payload: []byte{0, 1, 2, 3},
	}
	_ = h.HandleWrite(pipe.Message{Now: now, Payload: pipe.RTP{Packet: rtxPkt}})
	if _, ok := h.PollWrite(); !ok {
		t.Fatal("rtx packet not forwarded")
	}

	out := acc.Outbound(1)
	if out.RetransmittedPackets != 1 || out.RetransmittedBytes != 4 {
		t.Fatalf("retransmission counters: %d packets, %d bytes", out.RetransmittedPackets, out.RetransmittedBytes)
	}
	if acc.Outbound(2).PacketsSent != 0 {
		t.Fatal("rtx ssrc must not count as a primary stream")
	}
}

func TestInboundNackCountsAgainstSender(t *testing.T) {
	acc := stats.NewAccumulator()
	h := noopHandler(acc)
	h.BindLocalStream(&interceptor.StreamInfo{SSRC: 7})

	nack := &rtcp.TransportLayerNack{MediaSSRC: 7}
	_ = h.HandleRead(pipe.Message{Now: time.Unix(1, 0), Payload: pipe.RTCP{Packets: []rtcp.Packet{nack}}})
	if acc.Outbound(7).NackCount != 1 {
		t.Fatalf("nack count = %d", acc.Outbound(7).NackCount)
	}
}

func TestInboundReadCountsBytes(t *testing.T) {
	acc := stats.NewAccumulator()
	h := noopHandler(acc)
	h.BindRemoteStream(&interceptor.StreamInfo{SSRC: 9})

	pkt := &rtp.Packet{
		Header:  rtp.Header{SSRC: 9, SequenceNumber: 3},
		Payload: []byte{1, 2, 3},
	}
	_ = h.HandleRead(pipe.Message{Now: time.Unix(1, 0), Payload: pipe.RTP{Packet: pkt}})
	if _, ok := h.PollRead(); !ok {
		t.Fatal("packet not forwarded upward")
	}
	in := acc.Inbound(9)
	if in.PacketsReceived != 1 || in.BytesReceived != 3 {
		t.Fatalf("inbound counters: packets=%d bytes=%d", in.PacketsReceived, in.BytesReceived)
	}
}

func TestRemoteReportsFeedRemoteViewStats(t *testing.T) {
	acc := stats.NewAccumulator()
	h := noopHandler(acc)
	h.BindLocalStream(&interceptor.StreamInfo{SSRC: 5, ClockRate: 90000})

	rr := &rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{
		SSRC:         5,
		FractionLost: 128,
		TotalLost:    10,
		Jitter:       9000,
	}}}
	_ = h.HandleRead(pipe.Message{Now: time.Unix(1, 0), Payload: pipe.RTCP{Packets: []rtcp.Packet{rr}}})

	ri := acc.RemoteInbound(5)
	if ri.PacketsLost != 10 {
		t.Fatalf("packets lost %d", ri.PacketsLost)
	}
	if ri.FractionLost != 0.5 {
		t.Fatalf("fraction lost %f", ri.FractionLost)
	}
	if ri.Jitter != 0.1 {
		t.Fatalf("jitter %f s", ri.Jitter)
	}
}
