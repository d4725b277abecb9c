/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"testing"

	"github.com/pion/rtp"
)

func packetWithSeq(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestReceiveLogRejectsBadSizes(t *testing.T) {
	for _, size := range []uint16{0, 3, 100, 513} {
		if _, err := NewReceiveLog(size); err == nil {
			t.Fatalf("size %d must be rejected", size)
		}
	}
	if _, err := NewReceiveLog(512); err != nil {
		t.Fatalf("size 512 must be accepted: %v", err)
	}
}

func TestReceiveLogFindsSingleGap(t *testing.T) {
	log, _ := NewReceiveLog(512)
	for _, seq := range []uint16{0, 1, 2, 4, 5} {
		log.Add(seq)
	}
	missing := log.MissingSeqNumbers(0)
	if len(missing) != 1 || missing[0] != 3 {
		t.Fatalf("missing = %v, want [3]", missing)
	}
}

func TestReceiveLogSkipLastN(t *testing.T) {
	log, _ := NewReceiveLog(512)
	for _, seq := range []uint16{0, 1, 3} {
		log.Add(seq)
	}
	// Protecting the newest two sequence numbers hides the gap right behind
	// the newest packet.
	if missing := log.MissingSeqNumbers(2); len(missing) != 0 {
		t.Fatalf("missing = %v, want none with skipLastN=2", missing)
	}
	if missing := log.MissingSeqNumbers(0); len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("missing = %v, want [2]", missing)
	}
}

func TestReceiveLogLateArrivalFillsGap(t *testing.T) {
	log, _ := NewReceiveLog(512)
	for _, seq := range []uint16{10, 11, 13} {
		log.Add(seq)
	}
	log.Add(12)
	if missing := log.MissingSeqNumbers(0); len(missing) != 0 {
		t.Fatalf("missing = %v after late arrival", missing)
	}
}

func TestReceiveLogWraparound(t *testing.T) {
	log, _ := NewReceiveLog(512)
	for _, seq := range []uint16{65533, 65534, 65535, 0, 2} {
		log.Add(seq)
	}
	missing := log.MissingSeqNumbers(0)
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("missing = %v, want [1] across the wrap", missing)
	}
}

func TestSendBufferEvictsOldEntries(t *testing.T) {
	if _, err := NewSendBuffer(3); err == nil {
		t.Fatal("non power-of-two size must be rejected")
	}
	buf, err := NewSendBuffer(4)
	if err != nil {
		t.Fatalf("new send buffer: %v", err)
	}
	for seq := uint16(0); seq < 8; seq++ {
		buf.Add(packetWithSeq(seq))
	}
	if buf.Get(0) != nil {
		t.Fatal("seq 0 must have been evicted")
	}
	for seq := uint16(4); seq < 8; seq++ {
		pkt := buf.Get(seq)
		if pkt == nil || pkt.SequenceNumber != seq {
			t.Fatalf("seq %d missing from window", seq)
		}
	}
}
