/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stats

import (
	"reflect"
	"testing"
	"time"
)

func populated() *Accumulator {
	acc := NewAccumulator()
	out := acc.Outbound(0x11223344)
	out.SenderID = "sender-1"
	out.Kind = "video"
	out.PacketsSent = 1
	out.BytesSent = 4
	out.PayloadType = 96

	in := acc.Inbound(0x55)
	in.ReceiverID = "receiver-1"
	in.Kind = "audio"
	in.PacketsReceived = 10
	in.PayloadType = 111

	acc.PutCodec(CodecInfo{PayloadType: 96, MimeType: "video/VP8", ClockRate: 90000})
	acc.PutCodec(CodecInfo{PayloadType: 111, MimeType: "audio/opus", ClockRate: 48000, Channels: 2})
	acc.Transport().BytesSent = 100
	return acc
}

func TestSnapshotContainsOutboundEntry(t *testing.T) {
	acc := populated()
	now := time.Unix(42, 0)
	report := acc.Snapshot(now, Selector{})

	entry, ok := report.Get(ID("outbound-rtp-287454020"))
	if !ok {
		t.Fatal("outbound entry missing")
	}
	out := entry.(OutboundRTPStream)
	if out.PacketsSent != 1 || out.BytesSent != 4 {
		t.Fatalf("counters: packets=%d bytes=%d", out.PacketsSent, out.BytesSent)
	}
	if out.EntryTimestamp() != now {
		t.Fatalf("timestamp %v", out.EntryTimestamp())
	}
	if _, ok := report.Get(out.CodecID); !ok {
		t.Fatal("referenced codec entry missing")
	}
	if _, ok := report.Get(out.TransportID); !ok {
		t.Fatal("referenced transport entry missing")
	}
}

func TestSnapshotIdempotentAtSameInstant(t *testing.T) {
	acc := populated()
	now := time.Unix(42, 0)
	first := acc.Snapshot(now, Selector{})
	second := acc.Snapshot(now, Selector{})
	if !reflect.DeepEqual(first, second) {
		t.Fatal("two snapshots at the same instant must be structurally equal")
	}
}

func TestSenderSelectorFiltersStreams(t *testing.T) {
	acc := populated()
	report := acc.Snapshot(time.Unix(1, 0), Selector{Kind: SelectorSender, ID: "sender-1"})

	if _, ok := report.Get(ID("outbound-rtp-287454020")); !ok {
		t.Fatal("selected sender's stream missing")
	}
	if _, ok := report.Get(ID("inbound-rtp-85")); ok {
		t.Fatal("receiver stream must be excluded by a sender selector")
	}
	// Transitively referenced entries stay.
	if _, ok := report.Get(ID("transport-0")); !ok {
		t.Fatal("transport entry missing from selected report")
	}
	// The unreferenced audio codec is excluded.
	if _, ok := report.Get(ID("codec-111")); ok {
		t.Fatal("unreferenced codec must be excluded")
	}
}

func TestUnknownSelectorSelectsNothing(t *testing.T) {
	acc := populated()
	report := acc.Snapshot(time.Unix(1, 0), Selector{Kind: SelectorSender, ID: "nobody"})
	if report.Len() != 0 {
		t.Fatalf("expected empty report, got %d entries", report.Len())
	}
}

func TestChannelLifecycleCounters(t *testing.T) {
	acc := NewAccumulator()
	c := acc.Channel(3)
	c.Label = "chat"
	c.MessagesSent = 2
	acc.DataChannelsOpened = 1

	report := acc.Snapshot(time.Unix(1, 0), Selector{})
	entry, ok := report.Get(ID("data-channel-3"))
	if !ok {
		t.Fatal("data channel entry missing")
	}
	if entry.(DataChannel).MessagesSent != 2 {
		t.Fatal("message counter lost")
	}
	pcEntry, ok := report.Get(ID("peer-connection-0"))
	if !ok {
		t.Fatal("peer-connection entry missing")
	}
	if pcEntry.(PeerConnectionStats).DataChannelsOpened != 1 {
		t.Fatal("open counter lost")
	}

	acc.DropChannel(3)
	report = acc.Snapshot(time.Unix(2, 0), Selector{})
	if _, ok := report.Get(ID("data-channel-3")); ok {
		t.Fatal("dropped channel must leave the report")
	}
}
