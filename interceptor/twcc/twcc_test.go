/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package twcc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

func twccInfo(ssrc uint32, id uint8) *interceptor.StreamInfo {
	return &interceptor.StreamInfo{
		SSRC:       ssrc,
		Extensions: []interceptor.HeaderExtension{{URI: ExtensionURI, ID: id}},
	}
}

func TestSenderInjectsExtension(t *testing.T) {
	r := &interceptor.Registry{}
	r.Add(NewSender())
	chain, err := r.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	chain.BindLocalStream(twccInfo(0x10, 5))

	pkt := &rtp.Packet{Header: rtp.Header{SSRC: 0x10, SequenceNumber: 1}}
	if err := chain.HandleWrite(interceptor.NewRTP(time.Unix(1, 0), pkt)); err != nil {
		t.Fatalf("handle write: %v", err)
	}
	out, ok := chain.PollWrite()
	if !ok {
		t.Fatal("expected the packet forwarded")
	}
	payload := out.RTP.GetExtension(5)
	if payload == nil {
		t.Fatal("expected extension id 5")
	}
	var ext rtp.TransportCCExtension
	if err := ext.Unmarshal(payload); err != nil {
		t.Fatalf("unmarshal extension: %v", err)
	}
	if ext.TransportSequence != 0 {
		t.Fatalf("first transport sequence = %d, want 0", ext.TransportSequence)
	}
}

func TestSenderCounterSharedAcrossStreams(t *testing.T) {
	r := &interceptor.Registry{}
	r.Add(NewSender())
	chain, _ := r.Build()
	chain.BindLocalStream(twccInfo(1, 5))
	chain.BindLocalStream(twccInfo(2, 5))

	var seqs []uint16
	for i := 0; i < 6; i++ {
		ssrc := uint32(1 + i%2)
		_ = chain.HandleWrite(interceptor.NewRTP(time.Unix(1, 0), &rtp.Packet{
			Header: rtp.Header{SSRC: ssrc, SequenceNumber: uint16(i)},
		}))
		out, ok := chain.PollWrite()
		if !ok {
			t.Fatalf("packet %d not forwarded", i)
		}
		var ext rtp.TransportCCExtension
		if err := ext.Unmarshal(out.RTP.GetExtension(5)); err != nil {
			t.Fatalf("packet %d extension: %v", i, err)
		}
		seqs = append(seqs, ext.TransportSequence)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("transport sequence not strictly increasing: %v", seqs)
		}
	}
}

func TestSenderSkipsUnboundStream(t *testing.T) {
	r := &interceptor.Registry{}
	r.Add(NewSender())
	chain, _ := r.Build()
	// No TWCC extension negotiated.
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 3})

	_ = chain.HandleWrite(interceptor.NewRTP(time.Unix(1, 0), &rtp.Packet{Header: rtp.Header{SSRC: 3}}))
	out, _ := chain.PollWrite()
	if out.RTP.GetExtension(5) != nil {
		t.Fatal("unbound stream must not be stamped")
	}
}

func stampedPacket(t *testing.T, ssrc uint32, extID uint8, transportSeq uint16) *rtp.Packet {
	t.Helper()
	pkt := &rtp.Packet{Header: rtp.Header{SSRC: ssrc}}
	payload, err := (rtp.TransportCCExtension{TransportSequence: transportSeq}).Marshal()
	if err != nil {
		t.Fatalf("marshal extension: %v", err)
	}
	if err := pkt.SetExtension(extID, payload); err != nil {
		t.Fatalf("set extension: %v", err)
	}
	return pkt
}

func TestReceiverBuildsFeedback(t *testing.T) {
	r := &interceptor.Registry{}
	r.Add(NewReceiver())
	chain, err := r.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	chain.BindRemoteStream(twccInfo(0x99, 5))

	base := time.Unix(1000, 0)
	// Sequences 0,1,3: one loss in the middle.
	for i, seq := range []uint16{0, 1, 3} {
		pkt := stampedPacket(t, 0x99, 5, seq)
		at := base.Add(time.Duration(i) * 10 * time.Millisecond)
		if err := chain.HandleRead(interceptor.NewRTP(at, pkt)); err != nil {
			t.Fatalf("handle read: %v", err)
		}
	}
	_ = chain.HandleTimeout(base.Add(150 * time.Millisecond))

	var feedback *rtcp.TransportLayerCC
	for {
		out, ok := chain.PollWrite()
		if !ok {
			break
		}
		if !out.IsRTP() {
			if fb, isFB := out.RTCP[0].(*rtcp.TransportLayerCC); isFB {
				feedback = fb
			}
		}
	}
	if feedback == nil {
		t.Fatal("expected a feedback packet")
	}
	if feedback.BaseSequenceNumber != 0 {
		t.Fatalf("base sequence %d, want 0", feedback.BaseSequenceNumber)
	}
	if feedback.PacketStatusCount != 4 {
		t.Fatalf("status count %d, want 4", feedback.PacketStatusCount)
	}
	if len(feedback.RecvDeltas) != 3 {
		t.Fatalf("recv deltas %d, want 3", len(feedback.RecvDeltas))
	}
}

func TestReceiverSkipsEmptyInterval(t *testing.T) {
	r := &interceptor.Registry{}
	r.Add(NewReceiver())
	chain, _ := r.Build()
	chain.BindRemoteStream(twccInfo(0x99, 5))

	base := time.Unix(1000, 0)
	_ = chain.HandleRead(interceptor.NewRTP(base, stampedPacket(t, 0x99, 5, 0)))
	_ = chain.HandleTimeout(base.Add(150 * time.Millisecond))
	for {
		if _, ok := chain.PollWrite(); !ok {
			break
		}
	}

	// Nothing recorded since the last feedback: the next interval stays
	// silent.
	_ = chain.HandleTimeout(base.Add(300 * time.Millisecond))
	if out, ok := chain.PollWrite(); ok {
		t.Fatalf("expected no feedback, got %+v", out)
	}
}
