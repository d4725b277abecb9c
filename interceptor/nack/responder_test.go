/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

func buildResponder(t *testing.T, opts ...ResponderOption) interceptor.Interceptor {
	t.Helper()
	r := &interceptor.Registry{}
	r.Add(NewResponder(opts...))
	chain, err := r.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return chain
}

func sendRTP(t *testing.T, chain interceptor.Interceptor, ssrc uint32, seqs ...uint16) {
	t.Helper()
	for _, seq := range seqs {
		err := chain.HandleWrite(interceptor.NewRTP(time.Unix(1, 0), &rtp.Packet{
			Header:  rtp.Header{SSRC: ssrc, SequenceNumber: seq, Timestamp: 1000},
			Payload: []byte{byte(seq), 0xbe, 0xef},
		}))
		if err != nil {
			t.Fatalf("handle write: %v", err)
		}
	}
	// Drain the forwarded copies.
	for {
		if _, ok := chain.PollWrite(); !ok {
			break
		}
	}
}

func deliverNack(t *testing.T, chain interceptor.Interceptor, media uint32, seqs ...uint16) {
	t.Helper()
	nack := &rtcp.TransportLayerNack{
		MediaSSRC: media,
		Nacks:     rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	if err := chain.HandleRead(interceptor.NewRTCP(time.Unix(2, 0), []rtcp.Packet{nack})); err != nil {
		t.Fatalf("handle read: %v", err)
	}
}

func drainRTP(chain interceptor.Interceptor) []*rtp.Packet {
	var out []*rtp.Packet
	for {
		pkt, ok := chain.PollWrite()
		if !ok {
			return out
		}
		if pkt.IsRTP() {
			out = append(out, pkt.RTP)
		}
	}
}

func TestResponderRetransmitsWithRTX(t *testing.T) {
	chain := buildResponder(t)
	chain.BindLocalStream(&interceptor.StreamInfo{
		SSRC:           0x1111,
		RTXSSRC:        0x2222,
		RTXPayloadType: 97,
	})
	sendRTP(t, chain, 0x1111, 10, 11, 12)

	deliverNack(t, chain, 0x1111, 11)
	retransmissions := drainRTP(chain)
	if len(retransmissions) != 1 {
		t.Fatalf("expected one retransmission, got %d", len(retransmissions))
	}
	rtx := retransmissions[0]
	if rtx.SSRC != 0x2222 || rtx.PayloadType != 97 {
		t.Fatalf("rtx header: ssrc=%#x pt=%d", rtx.SSRC, rtx.PayloadType)
	}
	want := []byte{0x00, 0x0B, 11, 0xbe, 0xef}
	if !bytes.Equal(rtx.Payload, want) {
		t.Fatalf("rtx payload %v, want %v", rtx.Payload, want)
	}
	if rtx.Timestamp != 1000 {
		t.Fatalf("rtx must keep the original timestamp, got %d", rtx.Timestamp)
	}
}

func TestResponderRTXSequenceAdvances(t *testing.T) {
	chain := buildResponder(t)
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, RTXSSRC: 2, RTXPayloadType: 97})
	sendRTP(t, chain, 1, 0, 1)

	deliverNack(t, chain, 1, 0)
	deliverNack(t, chain, 1, 1)
	out := drainRTP(chain)
	if len(out) != 2 {
		t.Fatalf("expected two retransmissions, got %d", len(out))
	}
	if out[1].SequenceNumber != out[0].SequenceNumber+1 {
		t.Fatalf("rtx counter must advance: %d then %d", out[0].SequenceNumber, out[1].SequenceNumber)
	}
}

func TestResponderPlainRetransmissionWithoutRTX(t *testing.T) {
	chain := buildResponder(t)
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 5})
	sendRTP(t, chain, 5, 40)

	deliverNack(t, chain, 5, 40)
	out := drainRTP(chain)
	if len(out) != 1 {
		t.Fatalf("expected one retransmission, got %d", len(out))
	}
	if out[0].SSRC != 5 || out[0].SequenceNumber != 40 {
		t.Fatalf("plain resend mutated the packet: %+v", out[0].Header)
	}
}

func TestResponderTouchesOnlyNamedSSRC(t *testing.T) {
	chain := buildResponder(t)
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, RTXSSRC: 10, RTXPayloadType: 97})
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 2, RTXSSRC: 20, RTXPayloadType: 97})
	sendRTP(t, chain, 1, 100)
	sendRTP(t, chain, 2, 100)

	deliverNack(t, chain, 1, 100)
	out := drainRTP(chain)
	if len(out) != 1 {
		t.Fatalf("expected one retransmission, got %d", len(out))
	}
	if out[0].SSRC != 10 {
		t.Fatalf("wrong stream answered: ssrc=%#x", out[0].SSRC)
	}
}

func TestResponderIgnoresEvictedSequences(t *testing.T) {
	chain := buildResponder(t, ResponderSize(4))
	chain.BindLocalStream(&interceptor.StreamInfo{SSRC: 9})
	sendRTP(t, chain, 9, 0, 1, 2, 3, 4, 5, 6, 7)

	// Sequence 0 slid out of the 4-slot window.
	deliverNack(t, chain, 9, 0)
	if out := drainRTP(chain); len(out) != 0 {
		t.Fatalf("expected no retransmission for evicted seq, got %d", len(out))
	}
}
