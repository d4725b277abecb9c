/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

func buildGenerator(t *testing.T, opts ...GeneratorOption) interceptor.Interceptor {
	t.Helper()
	r := &interceptor.Registry{}
	r.Add(NewGenerator(opts...))
	chain, err := r.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return chain
}

func feedRTP(t *testing.T, chain interceptor.Interceptor, now time.Time, ssrc uint32, seqs ...uint16) {
	t.Helper()
	for _, seq := range seqs {
		err := chain.HandleRead(interceptor.NewRTP(now, &rtp.Packet{
			Header: rtp.Header{SSRC: ssrc, SequenceNumber: seq},
		}))
		if err != nil {
			t.Fatalf("handle read seq %d: %v", seq, err)
		}
	}
}

func drainNacks(chain interceptor.Interceptor) []*rtcp.TransportLayerNack {
	var nacks []*rtcp.TransportLayerNack
	for {
		pkt, ok := chain.PollWrite()
		if !ok {
			return nacks
		}
		for _, p := range pkt.RTCP {
			if nack, isNack := p.(*rtcp.TransportLayerNack); isNack {
				nacks = append(nacks, nack)
			}
		}
	}
}

func TestGeneratorEmitsNackForGap(t *testing.T) {
	chain := buildGenerator(t)
	info := &interceptor.StreamInfo{
		SSRC:     0xAAAA0001,
		Feedback: []interceptor.RTCPFeedback{{Type: "nack"}},
	}
	chain.BindRemoteStream(info)

	start := time.Unix(100, 0)
	feedRTP(t, chain, start, 0xAAAA0001, 0, 1, 2, 6, 7)

	if err := chain.HandleTimeout(start.Add(150 * time.Millisecond)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	nacks := drainNacks(chain)
	if len(nacks) != 1 {
		t.Fatalf("expected one nack, got %d", len(nacks))
	}
	nack := nacks[0]
	if nack.MediaSSRC != 0xAAAA0001 {
		t.Fatalf("media ssrc %#x", nack.MediaSSRC)
	}
	if len(nack.Nacks) != 1 {
		t.Fatalf("expected one pair, got %d", len(nack.Nacks))
	}
	if nack.Nacks[0].PacketID != 3 || nack.Nacks[0].LostPackets != 0b11 {
		t.Fatalf("pair = {%d, %b}", nack.Nacks[0].PacketID, nack.Nacks[0].LostPackets)
	}
}

func TestGeneratorIgnoresUnboundStreams(t *testing.T) {
	chain := buildGenerator(t)
	// No nack feedback advertised: the generator must not self-activate.
	chain.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x42})

	start := time.Unix(100, 0)
	feedRTP(t, chain, start, 0x42, 0, 5)
	_ = chain.HandleTimeout(start.Add(time.Second))
	if nacks := drainNacks(chain); len(nacks) != 0 {
		t.Fatalf("expected no nacks, got %d", len(nacks))
	}
}

func TestGeneratorSuppressesAfterMaxTries(t *testing.T) {
	chain := buildGenerator(t, GeneratorMaxNacksPerPacket(2))
	info := &interceptor.StreamInfo{
		SSRC:     7,
		Feedback: []interceptor.RTCPFeedback{{Type: "nack"}},
	}
	chain.BindRemoteStream(info)

	now := time.Unix(100, 0)
	feedRTP(t, chain, now, 7, 0, 2)

	emitted := 0
	for i := 0; i < 5; i++ {
		now = now.Add(150 * time.Millisecond)
		_ = chain.HandleTimeout(now)
		emitted += len(drainNacks(chain))
	}
	if emitted != 2 {
		t.Fatalf("seq 1 nacked %d times, want max 2", emitted)
	}
}

func TestGeneratorDeterministicAcrossRuns(t *testing.T) {
	run := func() []rtcp.NackPair {
		chain := buildGenerator(t)
		chain.BindRemoteStream(&interceptor.StreamInfo{
			SSRC:     9,
			Feedback: []interceptor.RTCPFeedback{{Type: "nack"}},
		})
		now := time.Unix(50, 0)
		feedRTP(t, chain, now, 9, 10, 11, 15, 16, 20)
		_ = chain.HandleTimeout(now.Add(100 * time.Millisecond))
		nacks := drainNacks(chain)
		if len(nacks) != 1 {
			t.Fatalf("expected one nack, got %d", len(nacks))
		}
		return nacks[0].Nacks
	}
	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("nondeterministic pair count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("nondeterministic pair %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestGeneratorTimerDeadline(t *testing.T) {
	chain := buildGenerator(t)
	chain.BindRemoteStream(&interceptor.StreamInfo{
		SSRC:     1,
		Feedback: []interceptor.RTCPFeedback{{Type: "nack"}},
	})
	if _, armed := chain.PollTimeout(); armed {
		t.Fatal("timer must stay idle before traffic")
	}
	now := time.Unix(10, 0)
	feedRTP(t, chain, now, 1, 0)
	deadline, armed := chain.PollTimeout()
	if !armed {
		t.Fatal("timer must arm on first packet")
	}
	if want := now.Add(100 * time.Millisecond); !deadline.Equal(want) {
		t.Fatalf("deadline %v, want %v", deadline, want)
	}
}
