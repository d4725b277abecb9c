/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interceptor

import (
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestNoOpPassthrough(t *testing.T) {
	chain := &NoOp{}
	pkt := NewRTP(time.Unix(1, 0), &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: 7, SSRC: 0x1234},
		Payload: []byte{0xde, 0xad},
	})

	if err := chain.HandleRead(pkt); err != nil {
		t.Fatalf("handle read: %v", err)
	}
	out, ok := chain.PollRead()
	if !ok {
		t.Fatal("expected the packet back")
	}
	if out.RTP.SequenceNumber != 7 || out.RTP.SSRC != 0x1234 {
		t.Fatalf("packet mutated: %+v", out.RTP.Header)
	}
	if _, ok := chain.PollRead(); ok {
		t.Fatal("expected exactly one packet")
	}
	if _, ok := chain.PollTimeout(); ok {
		t.Fatal("noop owns no timers")
	}
}

func TestNoOpPreservesOrder(t *testing.T) {
	chain := &NoOp{}
	for seq := uint16(0); seq < 5; seq++ {
		_ = chain.HandleWrite(NewRTP(time.Unix(1, 0), &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}))
	}
	for seq := uint16(0); seq < 5; seq++ {
		out, ok := chain.PollWrite()
		if !ok {
			t.Fatalf("missing packet %d", seq)
		}
		if out.RTP.SequenceNumber != seq {
			t.Fatalf("order broken: got %d want %d", out.RTP.SequenceNumber, seq)
		}
	}
}

// recorder counts bind calls to observe chain construction order.
type recorder struct {
	Base
	boundLocal int
}

func (r *recorder) BindLocalStream(info *StreamInfo) {
	r.boundLocal++
	r.Base.BindLocalStream(info)
}

func TestRegistryNestsInnerFirst(t *testing.T) {
	var inner, outer *recorder
	r := &Registry{}
	r.Add(FactoryFunc(func(next Interceptor) (Interceptor, error) {
		inner = &recorder{Base: Base{Next: next}}
		return inner, nil
	}))
	r.Add(FactoryFunc(func(next Interceptor) (Interceptor, error) {
		outer = &recorder{Base: Base{Next: next}}
		return outer, nil
	}))

	chain, err := r.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if chain != Interceptor(outer) {
		t.Fatal("last added factory must be outermost")
	}
	if outer.Base.Next != Interceptor(inner) {
		t.Fatal("outer must wrap inner")
	}

	chain.BindLocalStream(&StreamInfo{SSRC: 1})
	if inner.boundLocal != 1 || outer.boundLocal != 1 {
		t.Fatalf("bind did not traverse the chain: inner=%d outer=%d", inner.boundLocal, outer.boundLocal)
	}
}

func TestStreamInfoCapabilities(t *testing.T) {
	info := &StreamInfo{
		Feedback:   []RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
		Extensions: []HeaderExtension{{URI: "urn:example", ID: 7}},
	}
	if !info.HasFeedback("nack", "") || !info.HasFeedback("nack", "pli") {
		t.Fatal("feedback lookup failed")
	}
	if info.HasFeedback("ccm", "fir") {
		t.Fatal("unexpected feedback match")
	}
	id, ok := info.ExtensionID("urn:example")
	if !ok || id != 7 {
		t.Fatalf("extension lookup: id=%d ok=%v", id, ok)
	}
}
