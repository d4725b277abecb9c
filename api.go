/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"fmt"
	"time"

	"github.com/friendsincode/heimdall/internal/ice"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// AddTrack attaches a local track, reusing an idle transceiver of the same
// kind when one exists. Returns the transceiver's sender.
func (pc *PeerConnection) AddTrack(track *TrackLocal) (*RTPSender, error) {
	if pc.closed {
		return nil, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if track == nil {
		return nil, fmt.Errorf("%w: nil track", ErrInvalidParameter)
	}
	for _, t := range pc.transceivers {
		if t.stopped || t.kind != track.Kind() || t.sender.track != nil || t.direction.sending() {
			continue
		}
		t.sender.track = track
		if len(t.sender.encodings) == 0 {
			encoding := RTPEncoding{SSRC: randomSSRC()}
			if t.kind == KindVideo {
				encoding.RTXSSRC = randomSSRC()
			}
			t.sender.encodings = []RTPEncoding{encoding}
		}
		if t.direction == DirectionRecvonly {
			t.direction = DirectionSendrecv
		} else if t.direction == DirectionInactive {
			t.direction = DirectionSendonly
		}
		pc.markNegotiationNeeded()
		return t.sender, nil
	}
	t := newTransceiver(track.Kind(), DirectionSendrecv, track)
	pc.transceivers = append(pc.transceivers, t)
	pc.markNegotiationNeeded()
	return t.sender, nil
}

// RemoveTrack detaches a sender's track; the transceiver stays for reuse.
func (pc *PeerConnection) RemoveTrack(senderID string) error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	for _, t := range pc.transceivers {
		if t.sender == nil || t.sender.id != senderID {
			continue
		}
		if t.sender.track == nil {
			return fmt.Errorf("%w: sender %q has no track", ErrInvalidParameter, senderID)
		}
		t.sender.track = nil
		for _, enc := range t.sender.encodings {
			if info, bound := pc.boundLocal[enc.SSRC]; bound {
				pc.intercept.UnbindLocalStream(info)
				delete(pc.boundLocal, enc.SSRC)
			}
		}
		switch t.direction {
		case DirectionSendrecv:
			t.direction = DirectionRecvonly
		case DirectionSendonly:
			t.direction = DirectionInactive
		}
		pc.markNegotiationNeeded()
		return nil
	}
	return fmt.Errorf("%w: unknown sender %q", ErrInvalidParameter, senderID)
}

// AddTransceiverFromKind creates a transceiver without a track.
func (pc *PeerConnection) AddTransceiverFromKind(kind string, direction Direction) (*RTPTransceiver, error) {
	if pc.closed {
		return nil, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if kind != KindAudio && kind != KindVideo {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidParameter, kind)
	}
	t := newTransceiver(kind, direction, nil)
	pc.transceivers = append(pc.transceivers, t)
	pc.markNegotiationNeeded()
	return t, nil
}

// AddTransceiverFromTrack creates a transceiver bound to a track.
func (pc *PeerConnection) AddTransceiverFromTrack(track *TrackLocal, direction Direction) (*RTPTransceiver, error) {
	if pc.closed {
		return nil, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if track == nil {
		return nil, fmt.Errorf("%w: nil track", ErrInvalidParameter)
	}
	if !direction.sending() {
		return nil, fmt.Errorf("%w: direction %s cannot carry a track", ErrInvalidParameter, direction)
	}
	t := newTransceiver(track.Kind(), direction, track)
	pc.transceivers = append(pc.transceivers, t)
	pc.markNegotiationNeeded()
	return t, nil
}

// GetSenders lists the senders of non-stopped transceivers.
func (pc *PeerConnection) GetSenders() []*RTPSender {
	var senders []*RTPSender
	for _, t := range pc.transceivers {
		if !t.stopped {
			senders = append(senders, t.sender)
		}
	}
	return senders
}

// GetReceivers lists the receivers of non-stopped transceivers.
func (pc *PeerConnection) GetReceivers() []*RTPReceiver {
	var receivers []*RTPReceiver
	for _, t := range pc.transceivers {
		if !t.stopped {
			receivers = append(receivers, t.receiver)
		}
	}
	return receivers
}

// GetTransceivers lists every transceiver.
func (pc *PeerConnection) GetTransceivers() []*RTPTransceiver {
	return append([]*RTPTransceiver(nil), pc.transceivers...)
}

// AddLocalCandidate registers a host-gathered local candidate, given as the
// candidate-attribute value.
func (pc *PeerConnection) AddLocalCandidate(raw string) error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	candidate, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	pc.agent.AddLocalCandidate(pc.lastNow, candidate)
	pc.afterTurn()
	return nil
}

// ICECandidateInit mirrors the W3C dictionary for signaled candidates.
type ICECandidateInit struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// AddRemoteCandidate absorbs a candidate signaled by the peer. An empty
// candidate string is the end-of-candidates marker.
func (pc *PeerConnection) AddRemoteCandidate(init ICECandidateInit) error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if init.Candidate == "" {
		return nil
	}
	candidate, err := ice.UnmarshalCandidate(init.Candidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	pc.agent.AddRemoteCandidate(pc.lastNow, candidate)
	pc.afterTurn()
	return nil
}

// RestartICE rolls credentials and requests renegotiation.
func (pc *PeerConnection) RestartICE() error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	pc.agent.Restart()
	pc.markNegotiationNeeded()
	pc.afterTurn()
	return nil
}

// CreateDataChannel builds a channel handle. The id is assigned once the
// DTLS role is known, unless the init pre-negotiated one.
func (pc *PeerConnection) CreateDataChannel(label string, init *DataChannelInit) (*DataChannel, error) {
	if pc.closed {
		return nil, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	channel := &DataChannel{
		pc:      pc,
		label:   label,
		ordered: true,
		state:   DataChannelStateConnecting,
	}
	if init != nil {
		if init.MaxRetransmits != nil && init.MaxPacketLifeTime != nil {
			return nil, fmt.Errorf("%w: maxRetransmits and maxPacketLifeTime are exclusive", ErrInvalidParameter)
		}
		if init.Negotiated && init.ID == nil {
			return nil, fmt.Errorf("%w: negotiated channel requires an id", ErrInvalidParameter)
		}
		if init.Ordered != nil {
			channel.ordered = *init.Ordered
		}
		channel.maxRetransmits = init.MaxRetransmits
		channel.maxPacketLifeTime = init.MaxPacketLifeTime
		channel.protocol = init.Protocol
		channel.negotiated = init.Negotiated
		if init.ID != nil {
			channel.id = *init.ID
			channel.idAssigned = true
			if _, taken := pc.channelsByID[channel.id]; taken {
				return nil, fmt.Errorf("%w: data channel id %d in use", ErrInvalidParameter, channel.id)
			}
			pc.channelsByID[channel.id] = channel
		}
	}
	pc.channelsByHandle = append(pc.channelsByHandle, channel)
	if channel.idAssigned && pc.dataNegotiated {
		pc.enqueueChannelOpen(channel)
	}
	pc.markNegotiationNeeded()
	return channel, nil
}

func (pc *PeerConnection) writeChannel(d *DataChannel, data []byte, isString bool) error {
	if !d.idAssigned {
		return fmt.Errorf("%w: data channel %q not negotiated yet", ErrInvalidState, d.label)
	}
	err := pc.dcep.HandleWrite(pipe.Message{Now: pc.lastNow, Payload: pipe.ChannelMessage{
		ChannelID: d.id,
		IsString:  isString,
		Data:      data,
	}})
	pc.afterTurn()
	return err
}

func (pc *PeerConnection) closeChannel(d *DataChannel) error {
	if !d.idAssigned {
		d.state = DataChannelStateClosed
		return nil
	}
	err := pc.dcep.HandleWrite(pipe.Message{Now: pc.lastNow, Payload: pipe.ChannelClose{ChannelID: d.id}})
	pc.afterTurn()
	return err
}

func (pc *PeerConnection) setChannelThreshold(d *DataChannel, threshold uint64) {
	if d.idAssigned {
		pc.dcep.SetBufferedAmountLowThreshold(d.id, threshold)
	}
}

func (pc *PeerConnection) channelBufferedAmount(d *DataChannel) uint64 {
	if !d.idAssigned {
		return 0
	}
	return pc.dcep.BufferedAmount(d.id)
}

// StatsSelector narrows GetStats to one sender or receiver.
type StatsSelector struct {
	kind stats.SelectorKind
	id   string
}

// SelectAll is the zero selector.
func SelectAll() StatsSelector { return StatsSelector{} }

// SelectSender narrows to one sender's streams.
func SelectSender(senderID string) StatsSelector {
	return StatsSelector{kind: stats.SelectorSender, id: senderID}
}

// SelectReceiver narrows to one receiver's streams.
func SelectReceiver(receiverID string) StatsSelector {
	return StatsSelector{kind: stats.SelectorReceiver, id: receiverID}
}

// GetStats snapshots the accumulator per the W3C selection algorithm. Two
// calls with the same now and no pipeline activity between them return
// structurally equal reports.
func (pc *PeerConnection) GetStats(now time.Time, selector StatsSelector) *stats.Report {
	for _, t := range pc.transceivers {
		for ssrc, frames := range t.receiver.hostFramesDecoded {
			pc.acc.Inbound(ssrc).FramesDecoded = frames
		}
	}
	return pc.acc.Snapshot(now, stats.Selector{Kind: selector.kind, ID: selector.id})
}

// SetHostFramesDecoded records host-side decoder progress for one inbound
// SSRC; the engine itself never inspects codec payloads.
func (r *RTPReceiver) SetHostFramesDecoded(ssrc uint32, frames uint64) {
	r.hostFramesDecoded[ssrc] = frames
}

// State accessors.

func (pc *PeerConnection) SignalingState() SignalingState        { return pc.signalingState }
func (pc *PeerConnection) ICEConnectionState() ICEConnectionState { return pc.iceConnState }
func (pc *PeerConnection) ICEGatheringState() ICEGatheringState  { return pc.iceGatherState }
func (pc *PeerConnection) ConnectionState() PeerConnectionState  { return pc.connState }

// DTLSState reports the DTLS transport state.
func (pc *PeerConnection) DTLSState() DTLSTransportState {
	return dtlsTransportStateFrom(pc.dtls.TransportState())
}

// SCTPState reports the SCTP transport state.
func (pc *PeerConnection) SCTPState() SCTPTransportState {
	return sctpTransportStateFrom(pc.sctp.TransportState())
}

// Description accessors per W3C: the pending description wins while one
// exists.

func (pc *PeerConnection) LocalDescription() *SessionDescription {
	if pc.pendingLocal != nil {
		return pc.pendingLocal
	}
	return pc.currentLocal
}

func (pc *PeerConnection) RemoteDescription() *SessionDescription {
	if pc.pendingRemote != nil {
		return pc.pendingRemote
	}
	return pc.currentRemote
}

func (pc *PeerConnection) CurrentLocalDescription() *SessionDescription  { return pc.currentLocal }
func (pc *PeerConnection) CurrentRemoteDescription() *SessionDescription { return pc.currentRemote }
func (pc *PeerConnection) PendingLocalDescription() *SessionDescription  { return pc.pendingLocal }
func (pc *PeerConnection) PendingRemoteDescription() *SessionDescription { return pc.pendingRemote }

// CanTrickleICECandidates reports whether the remote endpoint accepts
// candidates signaled after the description; true once any remote
// description was applied.
func (pc *PeerConnection) CanTrickleICECandidates() bool {
	return pc.currentRemote != nil || pc.pendingRemote != nil
}

// GetConfiguration returns the configuration the engine runs with.
func (pc *PeerConnection) GetConfiguration() Configuration {
	return pc.cfg
}

// SetConfiguration updates the updatable subset of the configuration. The
// identity-bearing and structural options are fixed for the connection's
// lifetime per W3C.
func (pc *PeerConnection) SetConfiguration(cfg Configuration) error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Certificates) > 0 {
		return fmt.Errorf("%w: certificates cannot change after construction", ErrInvalidParameter)
	}
	if cfg.BundlePolicy != pc.cfg.BundlePolicy {
		return fmt.Errorf("%w: bundle policy cannot change after construction", ErrInvalidParameter)
	}
	if cfg.RTCPMuxPolicy != pc.cfg.RTCPMuxPolicy {
		return fmt.Errorf("%w: rtcp-mux policy cannot change after construction", ErrInvalidParameter)
	}
	pc.cfg.ICEServers = cfg.ICEServers
	pc.cfg.ICETransportPolicy = cfg.ICETransportPolicy
	pc.cfg.StatsInterval = cfg.StatsInterval
	return nil
}
