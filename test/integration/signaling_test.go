/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package integration drives two engines against each other entirely in
// memory: SDP over a variable, datagrams shuttled between the polling
// surfaces, time advanced by a virtual clock.
package integration

import (
	"net/netip"
	"testing"
	"time"

	"github.com/friendsincode/heimdall"
)

type side struct {
	pc   *heimdall.PeerConnection
	addr netip.AddrPort
}

func newSide(t *testing.T, addr string) *side {
	t.Helper()
	pc, err := heimdall.New(heimdall.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	return &side{pc: pc, addr: netip.MustParseAddrPort(addr)}
}

// shuttle moves every pending wire datagram from one side to the other.
func shuttle(t *testing.T, now time.Time, from, to *side) bool {
	t.Helper()
	moved := false
	for {
		out, ok := from.pc.PollWrite()
		if !ok {
			return moved
		}
		moved = true
		err := to.pc.HandleRead(heimdall.InboundDatagram{
			Now: now,
			Transport: heimdall.TransportContext{
				Local:    out.Transport.Peer,
				Peer:     out.Transport.Local,
				Protocol: out.Transport.Protocol,
			},
			Data: out.Data,
		})
		if err != nil {
			t.Fatalf("deliver datagram: %v", err)
		}
	}
}

// pumpEvents exchanges trickled candidates and records state transitions.
func pumpEvents(t *testing.T, s, peer *side, iceStates map[*side]heimdall.ICEConnectionState) {
	t.Helper()
	for {
		evt, ok := s.pc.PollEvent()
		if !ok {
			return
		}
		switch e := evt.(type) {
		case heimdall.ICECandidateEvent:
			mid := e.SDPMid
			err := peer.pc.AddRemoteCandidate(heimdall.ICECandidateInit{
				Candidate: e.Candidate,
				SDPMid:    &mid,
			})
			if err != nil {
				t.Fatalf("add remote candidate: %v", err)
			}
		case heimdall.ICEConnectionStateChangeEvent:
			iceStates[s] = e.State
		}
	}
}

func TestTwoEnginesCompleteICE(t *testing.T) {
	offerer := newSide(t, "10.0.0.1:50000")
	answerer := newSide(t, "10.0.0.2:60000")
	defer offerer.pc.Close()
	defer answerer.pc.Close()

	if _, err := offerer.pc.AddTransceiverFromKind(heimdall.KindVideo, heimdall.DirectionSendrecv); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}

	offer, err := offerer.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerer.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("offerer set local: %v", err)
	}
	if err := answerer.pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer set remote: %v", err)
	}
	answer, err := answerer.pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answerer.pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer set local: %v", err)
	}
	if err := offerer.pc.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer set remote: %v", err)
	}

	// Host candidates arrive after the descriptions, i.e. trickled.
	if err := offerer.pc.AddLocalCandidate("1 1 udp 2130706431 10.0.0.1 50000 typ host"); err != nil {
		t.Fatalf("offerer local candidate: %v", err)
	}
	if err := answerer.pc.AddLocalCandidate("1 1 udp 2130706431 10.0.0.2 60000 typ host"); err != nil {
		t.Fatalf("answerer local candidate: %v", err)
	}

	iceStates := map[*side]heimdall.ICEConnectionState{}
	now := time.Unix(1000, 0)
	for step := 0; step < 400; step++ {
		now = now.Add(20 * time.Millisecond)
		if err := offerer.pc.HandleTimeout(now); err != nil {
			t.Fatalf("offerer timeout: %v", err)
		}
		if err := answerer.pc.HandleTimeout(now); err != nil {
			t.Fatalf("answerer timeout: %v", err)
		}
		pumpEvents(t, offerer, answerer, iceStates)
		pumpEvents(t, answerer, offerer, iceStates)
		shuttle(t, now, offerer, answerer)
		shuttle(t, now, answerer, offerer)
		pumpEvents(t, offerer, answerer, iceStates)
		pumpEvents(t, answerer, offerer, iceStates)

		if connected(iceStates[offerer]) && connected(iceStates[answerer]) {
			return
		}
	}
	t.Fatalf("ICE never completed: offerer=%v answerer=%v",
		iceStates[offerer], iceStates[answerer])
}

func connected(s heimdall.ICEConnectionState) bool {
	return s == heimdall.ICEConnectionStateConnected || s == heimdall.ICEConnectionStateCompleted
}

func TestSignalingStatesSettleStable(t *testing.T) {
	offerer := newSide(t, "10.0.0.1:50000")
	answerer := newSide(t, "10.0.0.2:60000")
	defer offerer.pc.Close()
	defer answerer.pc.Close()

	if _, err := offerer.pc.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer, err := offerer.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerer.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	if err := answerer.pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote: %v", err)
	}
	answer, err := answerer.pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answerer.pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := offerer.pc.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	if offerer.pc.SignalingState() != heimdall.SignalingStateStable {
		t.Fatalf("offerer signaling %s", offerer.pc.SignalingState())
	}
	if answerer.pc.SignalingState() != heimdall.SignalingStateStable {
		t.Fatalf("answerer signaling %s", answerer.pc.SignalingState())
	}
}
