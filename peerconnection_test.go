/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func timeAt(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// signalingPair runs a full offer/answer exchange and returns both ends in
// stable state.
func signalingPair(t *testing.T) (*PeerConnection, *PeerConnection) {
	t.Helper()
	offerer, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new offerer: %v", err)
	}
	answerer, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new answerer: %v", err)
	}
	if _, err := offerer.AddTransceiverFromKind(KindVideo, DirectionSendrecv); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("offerer set local: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer set remote: %v", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer set local: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer set remote: %v", err)
	}
	return offerer, answerer
}

func TestOfferAnswerReachesStable(t *testing.T) {
	offerer, answerer := signalingPair(t)
	defer offerer.Close()
	defer answerer.Close()

	if offerer.SignalingState() != SignalingStateStable {
		t.Fatalf("offerer state %s", offerer.SignalingState())
	}
	if answerer.SignalingState() != SignalingStateStable {
		t.Fatalf("answerer state %s", answerer.SignalingState())
	}
	if offerer.CurrentLocalDescription() == nil || offerer.CurrentRemoteDescription() == nil {
		t.Fatal("offerer descriptions not current")
	}
	if !answerer.CanTrickleICECandidates() {
		t.Fatal("answerer must accept trickled candidates")
	}

	// The answerer mirrors the offered video section.
	transceivers := answerer.GetTransceivers()
	if len(transceivers) != 1 {
		t.Fatalf("answerer transceivers = %d", len(transceivers))
	}
	if transceivers[0].Kind() != KindVideo {
		t.Fatalf("kind %s", transceivers[0].Kind())
	}
	if transceivers[0].Mid() == "" {
		t.Fatal("mid not assigned from the offer")
	}
}

func TestOfferCarriesExpectedAttributes(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(KindVideo, DirectionSendrecv); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	if _, err := pc.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	for _, want := range []string{
		"a=group:BUNDLE",
		"a=ice-ufrag:",
		"a=ice-pwd:",
		"a=fingerprint:sha-256",
		"a=setup:actpass",
		"a=mid:",
		"a=rtcp-mux",
		"a=rtpmap:96 VP8/90000",
		"a=rtcp-fb:96 nack",
		"a=rtcp-fb:96 nack pli",
		"a=rtcp-fb:96 transport-cc",
		"a=fmtp:97 apt=96",
		"a=extmap:1 urn:ietf:params:rtp-hdrext:sdes:mid",
		"a=extmap:5 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"a=sctp-port:5000",
		"a=ssrc-group:FID",
	} {
		if !strings.Contains(offer.SDP, want) {
			t.Fatalf("offer missing %q\n%s", want, offer.SDP)
		}
	}
}

func TestSetRemoteRejectsGarbage(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()

	err = pc.SetRemoteDescription(SessionDescription{Type: SDPTypeOffer, SDP: "not sdp"})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("error %v, want ErrInvalidParameter", err)
	}
	if pc.SignalingState() != SignalingStateStable {
		t.Fatal("failed set must not mutate state")
	}
}

func TestCreateDataChannelValidation(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()

	retransmits := uint16(3)
	lifetime := uint16(500)
	if _, err := pc.CreateDataChannel("bad", &DataChannelInit{
		MaxRetransmits:    &retransmits,
		MaxPacketLifeTime: &lifetime,
	}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("exclusive reliability options: %v", err)
	}
	if _, err := pc.CreateDataChannel("bad", &DataChannelInit{Negotiated: true}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("negotiated without id: %v", err)
	}

	id := uint16(4)
	channel, err := pc.CreateDataChannel("chat", &DataChannelInit{Negotiated: true, ID: &id})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gotID, assigned := channel.ID()
	if !assigned || gotID != 4 {
		t.Fatalf("id = %d assigned=%v", gotID, assigned)
	}
	if channel.ReadyState() != DataChannelStateConnecting {
		t.Fatalf("state %s", channel.ReadyState())
	}
	if _, err := pc.CreateDataChannel("dup", &DataChannelInit{Negotiated: true, ID: &id}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("duplicate id: %v", err)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if pc.SignalingState() != SignalingStateClosed {
		t.Fatalf("state %s", pc.SignalingState())
	}
	if pc.ConnectionState() != PeerConnectionStateClosed {
		t.Fatalf("connection state %s", pc.ConnectionState())
	}
	if _, err := pc.CreateOffer(nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("create offer after close: %v", err)
	}
	// The polling contract stays callable: drains then stays empty.
	if err := pc.HandleTimeout(timeAt(5)); err != nil {
		t.Fatalf("timeout after close: %v", err)
	}
	if _, ok := pc.PollTimeout(); ok {
		t.Fatal("closed engine must report no deadline")
	}
}

func TestAddTrackReusesIdleTransceiver(t *testing.T) {
	pc, err := New(Configuration{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pc.Close()

	tr, err := pc.AddTransceiverFromKind(KindAudio, DirectionRecvonly)
	if err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	track := NewTrackLocal(defaultCodecs(KindAudio)[0].RTPCodecCapability, "mic", "stream")
	sender, err := pc.AddTrack(track)
	if err != nil {
		t.Fatalf("add track: %v", err)
	}
	if tr.Sender() != sender {
		t.Fatal("idle transceiver must be reused")
	}
	if tr.Direction() != DirectionSendrecv {
		t.Fatalf("direction %s", tr.Direction())
	}
	if len(sender.Encodings()) == 0 || sender.Encodings()[0].SSRC == 0 {
		t.Fatal("sender must receive an ssrc")
	}

	if err := pc.RemoveTrack(sender.ID()); err != nil {
		t.Fatalf("remove track: %v", err)
	}
	if tr.Direction() != DirectionRecvonly {
		t.Fatalf("direction after removal %s", tr.Direction())
	}
}

func TestGetStatsIdempotentBetweenOperations(t *testing.T) {
	offerer, answerer := signalingPair(t)
	defer offerer.Close()
	defer answerer.Close()

	now := timeAt(50)
	first := offerer.GetStats(now, SelectAll())
	second := offerer.GetStats(now, SelectAll())
	if first.Len() != second.Len() {
		t.Fatalf("report sizes differ: %d vs %d", first.Len(), second.Len())
	}
	for id := range first.Entries {
		if _, ok := second.Entries[id]; !ok {
			t.Fatalf("entry %s missing from second snapshot", id)
		}
	}
}
