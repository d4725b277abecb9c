/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"fmt"
	"strconv"

	"github.com/friendsincode/heimdall/internal/dtlsx"
	"github.com/friendsincode/heimdall/internal/endpoint"
	"github.com/friendsincode/heimdall/internal/ice"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// statsCodec converts a negotiated codec into its stats record.
func statsCodec(codec RTPCodecParameters) stats.CodecInfo {
	return stats.CodecInfo{
		PayloadType: codec.PayloadType,
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: codec.SDPFmtpLine,
	}
}

// OfferOptions tunes CreateOffer.
type OfferOptions struct {
	ICERestart bool
	// VoiceActivityDetection is accepted for API parity; the engine does not
	// inspect audio payloads.
	VoiceActivityDetection bool
}

// CreateOffer renders an offer covering every transceiver and, when
// channels exist, a data section. It does not change state; SetLocal does.
func (pc *PeerConnection) CreateOffer(opts *OfferOptions) (SessionDescription, error) {
	if pc.closed {
		return SessionDescription{}, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if opts != nil && opts.ICERestart {
		pc.agent.Restart()
	}
	pc.assignMids()

	ufrag, pwd := pc.agent.LocalCredentials()
	body, err := buildSDP(sdpParams{
		ufrag:          ufrag,
		pwd:            pwd,
		fingerprint:    pc.fingerprint,
		setup:          "actpass",
		transceivers:   pc.transceivers,
		includeData:    pc.wantsData(),
		dataMid:        pc.dataMid,
		sessionID:      pc.sdpSessionID,
		sessionVersion: pc.bumpSDPVersion(),
	})
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: body}, nil
}

// CreateAnswer renders an answer to the pending remote offer, echoing its
// m-section order and payload types. Header-extension ids are the engine's
// fixed defaults; the offer's extmap ids are not echoed.
func (pc *PeerConnection) CreateAnswer(*OfferOptions) (SessionDescription, error) {
	if pc.closed {
		return SessionDescription{}, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if pc.signalingState != SignalingStateHaveRemoteOffer && pc.signalingState != SignalingStateHaveLocalPranswer {
		return SessionDescription{}, fmt.Errorf("%w: create answer in state %s", ErrInvalidState, pc.signalingState)
	}
	if pc.remoteParsed == nil {
		return SessionDescription{}, fmt.Errorf("%w: no remote offer applied", ErrInvalidState)
	}

	var answerTransceivers []*RTPTransceiver
	mediaCodecs := make(map[string][]RTPCodecParameters)
	mediaDirections := make(map[string]Direction)
	includeData := false
	dataMid := pc.dataMid

	for _, media := range pc.remoteParsed.medias {
		if media.isData {
			includeData = true
			dataMid = media.mid
			continue
		}
		t := pc.transceiverByMid(media.mid)
		if t == nil {
			continue
		}
		answerTransceivers = append(answerTransceivers, t)
		mediaDirections[t.mid] = answerDirection(media.direction, t.direction)
		if codecs := pc.matchCodecs(t, media); len(codecs) > 0 {
			mediaCodecs[t.mid] = codecs
		} else {
			mediaDirections[t.mid] = DirectionInactive
			mediaCodecs[t.mid] = media.codecs
		}
	}

	ufrag, pwd := pc.agent.LocalCredentials()
	body, err := buildSDP(sdpParams{
		ufrag:           ufrag,
		pwd:             pwd,
		fingerprint:     pc.fingerprint,
		setup:           "active",
		transceivers:    answerTransceivers,
		mediaCodecs:     mediaCodecs,
		mediaDirections: mediaDirections,
		includeData:     includeData,
		dataMid:         dataMid,
		sessionID:       pc.sdpSessionID,
		sessionVersion:  pc.bumpSDPVersion(),
	})
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: body}, nil
}

// answerDirection intersects the reversed remote direction with ours.
func answerDirection(remote, ours Direction) Direction {
	wanted := remote.reverse()
	sending := wanted.sending() && ours.sending()
	receiving := wanted.receiving() && ours.receiving()
	switch {
	case sending && receiving:
		return DirectionSendrecv
	case sending:
		return DirectionSendonly
	case receiving:
		return DirectionRecvonly
	default:
		return DirectionInactive
	}
}

// matchCodecs echoes the remote payload types for every codec both sides
// support.
func (pc *PeerConnection) matchCodecs(t *RTPTransceiver, media parsedMedia) []RTPCodecParameters {
	var matched []RTPCodecParameters
	ours := t.codecs()
	for _, remote := range media.codecs {
		for _, local := range ours {
			if equalMime(remote.MimeType, local.MimeType) && remote.ClockRate == local.ClockRate {
				merged := remote
				if merged.SDPFmtpLine == "" {
					merged.SDPFmtpLine = local.SDPFmtpLine
				}
				matched = append(matched, merged)
				break
			}
		}
	}
	return matched
}

func equalMime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// SetLocalDescription applies a locally generated description (or a
// rollback) and advances the signaling state.
func (pc *PeerConnection) SetLocalDescription(desc SessionDescription) error {
	if desc.Type == SDPTypeRollback {
		return pc.rollback(opSetLocal)
	}
	next, err := nextSignalingState(pc.signalingState, opSetLocal, desc.Type)
	if err != nil {
		return err
	}
	if _, err := parseSDP(desc.SDP); err != nil {
		return err
	}

	switch desc.Type {
	case SDPTypeOffer:
		pc.pendingLocal = &desc
	case SDPTypePranswer:
		pc.pendingLocal = &desc
	case SDPTypeAnswer:
		pc.currentLocal = &desc
		pc.currentRemote = pc.pendingRemote
		pc.pendingLocal = nil
		pc.pendingRemote = nil
	}
	pc.setSignalingState(next)

	if pc.iceGatherState == ICEGatheringStateNew {
		pc.agent.StartGathering(pc.lastNow)
	}
	if pc.signalingState == SignalingStateStable {
		pc.applyNegotiation()
	}
	pc.afterTurn()
	return nil
}

// SetRemoteDescription applies the peer's description (or a rollback).
func (pc *PeerConnection) SetRemoteDescription(desc SessionDescription) error {
	if desc.Type == SDPTypeRollback {
		return pc.rollback(opSetRemote)
	}
	next, err := nextSignalingState(pc.signalingState, opSetRemote, desc.Type)
	if err != nil {
		return err
	}
	parsed, err := parseSDP(desc.SDP)
	if err != nil {
		return err
	}

	switch desc.Type {
	case SDPTypeOffer:
		pc.pendingRemote = &desc
	case SDPTypePranswer:
		pc.pendingRemote = &desc
	case SDPTypeAnswer:
		pc.currentRemote = &desc
		pc.currentLocal = pc.pendingLocal
		pc.pendingLocal = nil
		pc.pendingRemote = nil
	}
	pc.remoteParsed = parsed
	pc.setSignalingState(next)
	pc.absorbRemote(parsed)

	if pc.signalingState == SignalingStateStable {
		pc.applyNegotiation()
	}
	pc.afterTurn()
	return nil
}

// rollback discards the pending description and restores stable state. The
// current descriptions, if any, remain authoritative.
func (pc *PeerConnection) rollback(op stateChangeOp) error {
	next, err := nextSignalingState(pc.signalingState, op, SDPTypeRollback)
	if err != nil {
		return err
	}
	if op == opSetLocal {
		pc.pendingLocal = nil
	} else {
		pc.pendingRemote = nil
		if pc.currentRemote != nil {
			if parsed, err := parseSDP(pc.currentRemote.SDP); err == nil {
				pc.remoteParsed = parsed
			}
		} else {
			pc.remoteParsed = nil
		}
	}
	pc.setSignalingState(next)
	pc.markNegotiationNeeded()
	return nil
}

func (pc *PeerConnection) setSignalingState(s SignalingState) {
	if pc.signalingState == s {
		return
	}
	pc.signalingState = s
	pc.events.Push(SignalingStateChangeEvent{State: s})
}

// absorbRemote installs transport parameters and creates transceivers for
// remote-initiated media sections.
func (pc *PeerConnection) absorbRemote(parsed *parsedSDP) {
	for _, media := range parsed.medias {
		if media.ufrag != "" && media.pwd != "" {
			pc.agent.SetRemoteCredentials(media.ufrag, media.pwd)
		}
		for _, raw := range media.candidates {
			if candidate, err := ice.UnmarshalCandidate(raw); err == nil {
				pc.agent.AddRemoteCandidate(pc.lastNow, candidate)
			}
		}
		if media.isData {
			pc.dataNegotiated = true
			pc.dataMid = media.mid
			continue
		}
		if pc.transceiverByMid(media.mid) == nil {
			t := newTransceiver(media.kind, media.direction.reverse(), nil)
			t.mid = media.mid
			pc.transceivers = append(pc.transceivers, t)
		}
	}
}

// applyNegotiation runs once signaling returns to stable with both
// descriptions in place: transports start, streams bind, directions become
// current.
func (pc *PeerConnection) applyNegotiation() {
	if pc.currentLocal == nil || pc.currentRemote == nil || pc.remoteParsed == nil {
		return
	}

	// The offerer stays DTLS server unless the answer says passive; the
	// answerer always offered setup:active here.
	weOffered := pc.currentLocal.Type == SDPTypeOffer
	remoteSetup := ""
	for _, media := range pc.remoteParsed.medias {
		if media.setup != "" {
			remoteSetup = media.setup
			break
		}
	}
	if weOffered {
		pc.dtlsClient = remoteSetup == "passive"
	} else {
		pc.dtlsClient = true
	}
	pc.dtlsRoleKnown = true
	// The offerer controls ICE per RFC 8445 §5.
	pc.agent.SetControlling(weOffered)

	pc.startDTLS()
	pc.configureEndpoint()
	pc.bindStreams()
	pc.assignChannelIDs()
	pc.updateCurrentDirections()
	pc.markNegotiationNeeded()
}

func (pc *PeerConnection) startDTLS() {
	var remoteFPs []dtlsx.Fingerprint
	for _, media := range pc.remoteParsed.medias {
		remoteFPs = append(remoteFPs, media.fingerprints...)
	}
	if err := pc.dtls.Start(pc.lastNow, pc.dtlsClient, remoteFPs); err != nil {
		pc.logger.Error().Err(err).Msg("dtls start failed")
	}
}

// configureEndpoint installs the negotiated header-extension ids for SSRC
// discovery. The remote's extmap wins when present.
func (pc *PeerConnection) configureEndpoint() {
	midID, ridID := uint8(extIDMid), uint8(extIDRid)
	for _, media := range pc.remoteParsed.medias {
		if id, ok := media.extensions[endpoint.MidURI]; ok {
			midID = id
		}
		if id, ok := media.extensions[endpoint.RidURI]; ok {
			ridID = id
		}
	}
	pc.endpoint.SetExtensionIDs(midID, ridID)
}

// bindStreams attaches every negotiated send and receive stream to the
// interceptor chain, the endpoint, and the stats tree.
func (pc *PeerConnection) bindStreams() {
	for _, media := range pc.remoteParsed.medias {
		if media.isData {
			continue
		}
		t := pc.transceiverByMid(media.mid)
		if t == nil || t.stopped {
			continue
		}
		codec, rtxPT, haveCodec := pickNegotiatedCodec(media.codecs, t.codecs())
		if !haveCodec {
			continue
		}
		pc.acc.PutCodec(statsCodec(codec))
		extensions := media.extensions
		if len(extensions) == 0 {
			extensions = defaultExtensions(t.kind)
		}

		// Local (send) leg: the remote's direction names what the remote
		// does, so we send when the remote receives.
		if media.direction.reverse().sending() && t.direction.sending() {
			for _, enc := range t.sender.encodings {
				if _, bound := pc.boundLocal[enc.SSRC]; bound {
					continue
				}
				info := streamInfoFor(enc.SSRC, enc.RTXSSRC, t.mid, enc.Rid, codec, rtxPT, extensions)
				pc.boundLocal[enc.SSRC] = info
				pc.intercept.BindLocalStream(info)
				out := pc.acc.Outbound(enc.SSRC)
				out.SenderID = t.sender.id
				out.Kind = t.kind
				out.Mid = t.mid
				out.Rid = enc.Rid
				out.PayloadType = codec.PayloadType
			}
		}

		// Remote (receive) leg.
		if media.direction.sending() && t.direction.receiving() {
			var primarySSRCs []uint32
			rtxValues := make(map[uint32]bool)
			for _, rtx := range media.rtxPairs {
				rtxValues[rtx] = true
			}
			for _, ssrc := range media.ssrcs {
				if !rtxValues[ssrc] {
					primarySSRCs = append(primarySSRCs, ssrc)
				}
			}
			pc.endpoint.AddBinding(&endpoint.Binding{
				ReceiverID:  t.receiver.id,
				Mid:         t.mid,
				Kind:        t.kind,
				PayloadType: codec.PayloadType,
				RIDs:        media.rids,
			}, primarySSRCs)
			for _, ssrc := range primarySSRCs {
				pc.bindRemoteSSRC(ssrc, t.mid, "")
				pc.endpoint.BindSSRC(ssrc, t.mid, "")
			}
		}
	}
}

// bindRemoteSSRC attaches one inbound SSRC to the interceptor chain.
func (pc *PeerConnection) bindRemoteSSRC(ssrc uint32, mid, rid string) {
	if _, bound := pc.boundRemote[ssrc]; bound {
		return
	}
	t := pc.transceiverByMid(mid)
	if t == nil || pc.remoteParsed == nil {
		return
	}
	for _, media := range pc.remoteParsed.medias {
		if media.mid != mid {
			continue
		}
		codec, rtxPT, ok := pickNegotiatedCodec(media.codecs, t.codecs())
		if !ok {
			return
		}
		extensions := media.extensions
		if len(extensions) == 0 {
			extensions = defaultExtensions(t.kind)
		}
		rtxSSRC := media.rtxPairs[ssrc]
		info := streamInfoFor(ssrc, rtxSSRC, mid, rid, codec, rtxPT, extensions)
		pc.boundRemote[ssrc] = info
		pc.intercept.BindRemoteStream(info)
		return
	}
}

// pickNegotiatedCodec selects the first mutually supported media codec and
// its RTX payload type, if one was negotiated.
func pickNegotiatedCodec(remote, local []RTPCodecParameters) (RTPCodecParameters, uint8, bool) {
	for _, rc := range remote {
		if equalMime(rc.MimeType, MimeTypeRTX) {
			continue
		}
		for _, lc := range local {
			if equalMime(rc.MimeType, lc.MimeType) && rc.ClockRate == lc.ClockRate {
				merged := rc
				merged.RTCPFeedback = mergeFeedback(rc.RTCPFeedback, lc.RTCPFeedback)
				return merged, findRTXPayloadType(remote, rc.PayloadType), true
			}
		}
	}
	if len(remote) == 0 && len(local) > 0 {
		// Our own offer not yet answered with codecs; fall back to ours.
		return local[0], findRTXPayloadType(local, local[0].PayloadType), true
	}
	return RTPCodecParameters{}, 0, false
}

// mergeFeedback keeps only feedback both sides advertised.
func mergeFeedback(remote, local []RTCPFeedback) []RTCPFeedback {
	var merged []RTCPFeedback
	for _, rf := range remote {
		for _, lf := range local {
			if rf.Type == lf.Type && rf.Parameter == lf.Parameter {
				merged = append(merged, rf)
				break
			}
		}
	}
	return merged
}

// findRTXPayloadType locates the rtx codec whose apt names pt.
func findRTXPayloadType(codecs []RTPCodecParameters, pt uint8) uint8 {
	target := "apt=" + strconv.Itoa(int(pt))
	for _, codec := range codecs {
		if equalMime(codec.MimeType, MimeTypeRTX) && codec.SDPFmtpLine == target {
			return codec.PayloadType
		}
	}
	return 0
}

func defaultExtensions(kind string) map[string]uint8 {
	extensions := map[string]uint8{
		endpoint.MidURI: extIDMid,
	}
	if kind == KindVideo {
		extensions[endpoint.RidURI] = extIDRid
		extensions[endpoint.RepairedRidURI] = extIDRepairedRid
	}
	return extensions
}

// assignChannelIDs gives DCEP ids to channels created before the DTLS role
// was known and enqueues their opens. Even ids belong to the DTLS client
// per RFC 8832 §6.
func (pc *PeerConnection) assignChannelIDs() {
	if !pc.dtlsRoleKnown || !pc.dataNegotiated {
		return
	}
	for _, channel := range pc.channelsByHandle {
		if channel.idAssigned {
			continue
		}
		channel.id = pc.nextChannelID()
		channel.idAssigned = true
		pc.channelsByID[channel.id] = channel
		pc.enqueueChannelOpen(channel)
	}
}

func (pc *PeerConnection) nextChannelID() uint16 {
	if pc.dtlsClient {
		id := pc.nextEvenID
		pc.nextEvenID += 2
		return id
	}
	id := pc.nextOddID + 1
	pc.nextOddID += 2
	return id
}

func (pc *PeerConnection) enqueueChannelOpen(channel *DataChannel) {
	open := pipe.ChannelOpen{
		ChannelID:         channel.id,
		Label:             channel.label,
		Protocol:          channel.protocol,
		Ordered:           channel.ordered,
		MaxRetransmits:    channel.maxRetransmits,
		MaxPacketLifeTime: channel.maxPacketLifeTime,
		Negotiated:        channel.negotiated,
	}
	if err := pc.dcep.HandleWrite(pipe.Message{Now: pc.lastNow, Payload: open}); err != nil {
		pc.logger.Debug().Err(err).Msg("queue channel open failed")
	}
}

func (pc *PeerConnection) updateCurrentDirections() {
	for _, media := range pc.remoteParsed.medias {
		if media.isData {
			continue
		}
		if t := pc.transceiverByMid(media.mid); t != nil {
			t.currentDirection = answerDirection(media.direction, t.direction)
			t.hasCurrent = true
		}
	}
}

// assignMids numbers transceivers and the data section for the next offer.
func (pc *PeerConnection) assignMids() {
	for _, t := range pc.transceivers {
		if t.mid == "" {
			t.mid = strconv.Itoa(pc.nextMid)
			pc.nextMid++
		}
	}
	if pc.wantsData() && pc.dataMid == "" {
		pc.dataMid = strconv.Itoa(pc.nextMid)
		pc.nextMid++
	}
}

func (pc *PeerConnection) wantsData() bool {
	return len(pc.channelsByHandle) > 0 || pc.dataNegotiated
}

func (pc *PeerConnection) bumpSDPVersion() uint64 {
	pc.sdpVersion++
	return pc.sdpVersion
}
