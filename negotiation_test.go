/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"errors"
	"testing"
)

func TestSignalingTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    SignalingState
		op      stateChangeOp
		sdpType SDPType
		want    SignalingState
		wantErr bool
	}{
		{"stable setLocal offer", SignalingStateStable, opSetLocal, SDPTypeOffer, SignalingStateHaveLocalOffer, false},
		{"stable setRemote offer", SignalingStateStable, opSetRemote, SDPTypeOffer, SignalingStateHaveRemoteOffer, false},
		{"have-local-offer setRemote answer", SignalingStateHaveLocalOffer, opSetRemote, SDPTypeAnswer, SignalingStateStable, false},
		{"have-local-offer setRemote pranswer", SignalingStateHaveLocalOffer, opSetRemote, SDPTypePranswer, SignalingStateHaveRemotePranswer, false},
		{"have-remote-pranswer setRemote answer", SignalingStateHaveRemotePranswer, opSetRemote, SDPTypeAnswer, SignalingStateStable, false},
		{"have-remote-offer setLocal answer", SignalingStateHaveRemoteOffer, opSetLocal, SDPTypeAnswer, SignalingStateStable, false},
		{"have-remote-offer setLocal pranswer", SignalingStateHaveRemoteOffer, opSetLocal, SDPTypePranswer, SignalingStateHaveLocalPranswer, false},
		{"have-local-pranswer setLocal answer", SignalingStateHaveLocalPranswer, opSetLocal, SDPTypeAnswer, SignalingStateStable, false},
		{"have-local-offer setLocal rollback", SignalingStateHaveLocalOffer, opSetLocal, SDPTypeRollback, SignalingStateStable, false},
		{"have-remote-offer setRemote rollback", SignalingStateHaveRemoteOffer, opSetRemote, SDPTypeRollback, SignalingStateStable, false},
		{"stable setLocal rollback", SignalingStateStable, opSetLocal, SDPTypeRollback, SignalingStateStable, true},
		{"stable setRemote rollback", SignalingStateStable, opSetRemote, SDPTypeRollback, SignalingStateStable, true},
		{"stable setLocal answer", SignalingStateStable, opSetLocal, SDPTypeAnswer, SignalingStateStable, true},
		{"have-local-offer setLocal answer", SignalingStateHaveLocalOffer, opSetLocal, SDPTypeAnswer, SignalingStateStable, true},
		{"closed rejects everything", SignalingStateClosed, opSetLocal, SDPTypeOffer, SignalingStateClosed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextSignalingState(tc.from, tc.op, tc.sdpType)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got state %s", got)
				}
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("error %v is not ErrInvalidState", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("state %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRollbackDiscardsPendingLocalOffer(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(KindVideo, DirectionSendrecv); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	if pc.SignalingState() != SignalingStateHaveLocalOffer {
		t.Fatalf("state %s", pc.SignalingState())
	}
	if pc.PendingLocalDescription() == nil {
		t.Fatal("pending local description missing")
	}

	if err := pc.SetLocalDescription(SessionDescription{Type: SDPTypeRollback}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if pc.SignalingState() != SignalingStateStable {
		t.Fatalf("state after rollback %s", pc.SignalingState())
	}
	if pc.PendingLocalDescription() != nil {
		t.Fatal("pending local description must be discarded")
	}

	err = pc.SetLocalDescription(SessionDescription{Type: SDPTypeRollback})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rollback from stable: %v", err)
	}
}

func TestRollbackRestoresRemoteDescription(t *testing.T) {
	offerer, answerer := signalingPair(t)
	defer offerer.Close()
	defer answerer.Close()

	// A second remote offer lands and is rolled back; the negotiated state
	// stays authoritative.
	offer2, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer2); err != nil {
		t.Fatalf("set remote: %v", err)
	}
	if answerer.SignalingState() != SignalingStateHaveRemoteOffer {
		t.Fatalf("state %s", answerer.SignalingState())
	}
	if err := answerer.SetRemoteDescription(SessionDescription{Type: SDPTypeRollback}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if answerer.SignalingState() != SignalingStateStable {
		t.Fatalf("state %s", answerer.SignalingState())
	}
	if answerer.CurrentRemoteDescription() == nil {
		t.Fatal("current remote description lost by rollback")
	}
}

func TestNegotiationNeededDebounces(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()

	// A burst of mutations coalesces into one event at the next tick.
	if _, err := pc.AddTransceiverFromKind(KindAudio, DirectionSendrecv); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(KindVideo, DirectionSendrecv); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := pc.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	if err := pc.HandleTimeout(timeAt(1)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	fired := 0
	for {
		evt, ok := pc.PollEvent()
		if !ok {
			break
		}
		if _, isNN := evt.(NegotiationNeededEvent); isNN {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("negotiation-needed fired %d times, want 1", fired)
	}
}
