/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package demux

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

func TestClassifyCoversEveryFirstByte(t *testing.T) {
	for b := 0; b <= 255; b++ {
		buf := []byte{byte(b), 200, 0, 0}
		class := Classify(buf)
		var want Class
		switch {
		case b <= 3:
			want = ClassSTUN
		case b >= 20 && b <= 63:
			want = ClassDTLS
		case b >= 128 && b <= 191:
			// Second byte 200 is inside the RTCP packet-type range.
			want = ClassRTCP
		default:
			want = ClassDrop
		}
		if class != want {
			t.Fatalf("first byte %d classified as %d, want %d", b, class, want)
		}
	}
}

func TestClassifySplitsRTPFromRTCP(t *testing.T) {
	rtp := []byte{0x80, 96, 0, 0}
	if Classify(rtp) != ClassRTP {
		t.Fatalf("payload type 96 should classify as RTP")
	}
	rtcp := []byte{0x80, 200, 0, 0}
	if Classify(rtcp) != ClassRTCP {
		t.Fatalf("packet type 200 should classify as RTCP")
	}
	if Classify(nil) != ClassDrop {
		t.Fatalf("empty datagram should drop")
	}
}

func TestHandleReadEmitsTypedVariants(t *testing.T) {
	h := New(zerolog.Nop(), stats.NewAccumulator())
	now := time.Unix(10, 0)

	if err := h.HandleRead(pipe.Message{Now: now, Payload: pipe.Raw{0x00, 0x01}}); err != nil {
		t.Fatalf("handle read: %v", err)
	}
	msg, ok := h.PollRead()
	if !ok {
		t.Fatal("expected a classified message")
	}
	if _, isStun := msg.Payload.(pipe.STUNRaw); !isStun {
		t.Fatalf("expected STUNRaw, got %T", msg.Payload)
	}
	if _, ok := h.PollRead(); ok {
		t.Fatal("expected queue drained")
	}
}

func TestHandleReadDropsReservedRange(t *testing.T) {
	acc := stats.NewAccumulator()
	h := New(zerolog.Nop(), acc)

	if err := h.HandleRead(pipe.Message{Payload: pipe.Raw{70, 0}}); err != nil {
		t.Fatalf("handle read: %v", err)
	}
	if _, ok := h.PollRead(); ok {
		t.Fatal("reserved-range datagram must be dropped")
	}
	if acc.DroppedPackets != 1 {
		t.Fatalf("dropped counter = %d, want 1", acc.DroppedPackets)
	}
}

func TestHandleWriteUnwrapsToRaw(t *testing.T) {
	h := New(zerolog.Nop(), stats.NewAccumulator())
	if err := h.HandleWrite(pipe.Message{Payload: pipe.DTLSRaw{22, 1, 2}}); err != nil {
		t.Fatalf("handle write: %v", err)
	}
	msg, ok := h.PollWrite()
	if !ok {
		t.Fatal("expected an outbound datagram")
	}
	raw, isRaw := msg.Payload.(pipe.Raw)
	if !isRaw {
		t.Fatalf("expected Raw, got %T", msg.Payload)
	}
	if len(raw) != 3 || raw[0] != 22 {
		t.Fatalf("unexpected bytes %v", raw)
	}
}
