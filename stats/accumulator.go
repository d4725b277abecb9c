/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stats

import (
	"fmt"
	"time"
)

// SelectorKind narrows a snapshot to one sender's or receiver's streams.
type SelectorKind int

const (
	SelectorNone SelectorKind = iota
	SelectorSender
	SelectorReceiver
)

// Selector picks the primary entries of a snapshot per the W3C
// stats-selection algorithm. The zero value selects everything.
type Selector struct {
	Kind SelectorKind
	ID   string
}

// OutboundCounters is the mutable bag behind one outbound-rtp entry.
type OutboundCounters struct {
	SSRC                 uint32
	Kind                 string
	Mid                  string
	Rid                  string
	SenderID             string
	PayloadType          uint8
	PacketsSent          uint64
	BytesSent            uint64
	HeaderBytesSent      uint64
	RetransmittedPackets uint64
	RetransmittedBytes   uint64
	NackCount            uint32
	PliCount             uint32
	FirCount             uint32
}

// InboundCounters is the mutable bag behind one inbound-rtp entry.
type InboundCounters struct {
	SSRC                uint32
	Kind                string
	Mid                 string
	Rid                 string
	ReceiverID          string
	PayloadType         uint8
	PacketsReceived     uint64
	BytesReceived       uint64
	HeaderBytesReceived uint64
	PacketsLost         int64
	PacketsDiscarded    uint64
	Jitter              float64
	NackCount           uint32
	PliCount            uint32
	FirCount            uint32
	AuthFailures        uint64
	ReplayFailures      uint64
	FramesDecoded       uint64
}

// RemoteInboundCounters mirrors the remote peer's reception of our stream,
// fed from receiver reports we receive.
type RemoteInboundCounters struct {
	SSRC          uint32
	PacketsLost   int64
	FractionLost  float64
	Jitter        float64
	RoundTripTime float64
}

// RemoteOutboundCounters mirrors the remote peer's sending, fed from sender
// reports we receive.
type RemoteOutboundCounters struct {
	SSRC            uint32
	PacketsSent     uint64
	BytesSent       uint64
	RemoteTimestamp time.Time
}

// TransportCounters backs the transport entry.
type TransportCounters struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	DTLSState        string
	ICERole          string
	SelectedPairID   string
	LocalCertID      string
	RemoteCertID     string
}

// PairCounters backs one candidate-pair entry.
type PairCounters struct {
	PairID          string
	LocalID         string
	RemoteID        string
	State           string
	Nominated       bool
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	CurrentRTT      float64
}

// CandidateInfo backs one local- or remote-candidate entry.
type CandidateInfo struct {
	CandID        string
	Local         bool
	Address       string
	Port          uint16
	Proto         string
	CandidateType string
	Priority      uint32
	URL           string
}

// CertificateInfo backs one certificate entry.
type CertificateInfo struct {
	CertID               string
	Fingerprint          string
	FingerprintAlgorithm string
	Base64Certificate    string
}

// CodecInfo backs one codec entry.
type CodecInfo struct {
	PayloadType uint8
	MimeType    string
	ClockRate   uint32
	Channels    uint16
	SDPFmtpLine string
}

// ChannelCounters backs one data-channel entry.
type ChannelCounters struct {
	ChannelID        uint16
	Label            string
	Protocol         string
	State            string
	MessagesSent     uint64
	BytesSent        uint64
	MessagesReceived uint64
	BytesReceived    uint64
}

// Accumulator is the engine-wide counter tree. It is owned by the
// orchestrator and mutated inline by handlers; access follows the engine's
// single-driver rule, so there is no locking here.
type Accumulator struct {
	outbound       map[uint32]*OutboundCounters
	inbound        map[uint32]*InboundCounters
	remoteInbound  map[uint32]*RemoteInboundCounters
	remoteOutbound map[uint32]*RemoteOutboundCounters
	transport      TransportCounters
	pairs          map[string]*PairCounters
	candidates     map[string]*CandidateInfo
	certificates   []CertificateInfo
	codecs         map[uint8]*CodecInfo
	channels       map[uint16]*ChannelCounters

	DataChannelsOpened uint32
	DataChannelsClosed uint32
	MalformedPackets   uint64
	DroppedPackets     uint64
}

// NewAccumulator returns an empty counter tree.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		outbound:       make(map[uint32]*OutboundCounters),
		inbound:        make(map[uint32]*InboundCounters),
		remoteInbound:  make(map[uint32]*RemoteInboundCounters),
		remoteOutbound: make(map[uint32]*RemoteOutboundCounters),
		pairs:          make(map[string]*PairCounters),
		candidates:     make(map[string]*CandidateInfo),
		codecs:         make(map[uint8]*CodecInfo),
		channels:       make(map[uint16]*ChannelCounters),
	}
}

// Outbound returns the counter bag for a sent SSRC, creating it on first use.
func (a *Accumulator) Outbound(ssrc uint32) *OutboundCounters {
	c, ok := a.outbound[ssrc]
	if !ok {
		c = &OutboundCounters{SSRC: ssrc}
		a.outbound[ssrc] = c
	}
	return c
}

// Inbound returns the counter bag for a received SSRC, creating it on first
// use.
func (a *Accumulator) Inbound(ssrc uint32) *InboundCounters {
	c, ok := a.inbound[ssrc]
	if !ok {
		c = &InboundCounters{SSRC: ssrc}
		a.inbound[ssrc] = c
	}
	return c
}

// RemoteInbound returns the remote-view bag for one of our sent SSRCs.
func (a *Accumulator) RemoteInbound(ssrc uint32) *RemoteInboundCounters {
	c, ok := a.remoteInbound[ssrc]
	if !ok {
		c = &RemoteInboundCounters{SSRC: ssrc}
		a.remoteInbound[ssrc] = c
	}
	return c
}

// RemoteOutbound returns the remote-view bag for a received SSRC.
func (a *Accumulator) RemoteOutbound(ssrc uint32) *RemoteOutboundCounters {
	c, ok := a.remoteOutbound[ssrc]
	if !ok {
		c = &RemoteOutboundCounters{SSRC: ssrc}
		a.remoteOutbound[ssrc] = c
	}
	return c
}

// Transport returns the transport-wide counters.
func (a *Accumulator) Transport() *TransportCounters {
	return &a.transport
}

// Pair returns the counter bag for a candidate pair, creating it on first
// use.
func (a *Accumulator) Pair(pairID string) *PairCounters {
	p, ok := a.pairs[pairID]
	if !ok {
		p = &PairCounters{PairID: pairID}
		a.pairs[pairID] = p
	}
	return p
}

// PutCandidate records a local or remote candidate.
func (a *Accumulator) PutCandidate(info CandidateInfo) {
	a.candidates[info.CandID] = &info
}

// PutCertificate records a DTLS certificate.
func (a *Accumulator) PutCertificate(info CertificateInfo) {
	for _, existing := range a.certificates {
		if existing.CertID == info.CertID {
			return
		}
	}
	a.certificates = append(a.certificates, info)
}

// PutCodec records a negotiated codec.
func (a *Accumulator) PutCodec(info CodecInfo) {
	a.codecs[info.PayloadType] = &info
}

// Channel returns the counter bag for a data channel.
func (a *Accumulator) Channel(id uint16) *ChannelCounters {
	c, ok := a.channels[id]
	if !ok {
		c = &ChannelCounters{ChannelID: id}
		a.channels[id] = c
	}
	return c
}

// DropChannel forgets a data channel's counters after close.
func (a *Accumulator) DropChannel(id uint16) {
	delete(a.channels, id)
}

func outboundID(ssrc uint32) ID    { return ID(fmt.Sprintf("outbound-rtp-%d", ssrc)) }
func inboundID(ssrc uint32) ID     { return ID(fmt.Sprintf("inbound-rtp-%d", ssrc)) }
func remoteInID(ssrc uint32) ID    { return ID(fmt.Sprintf("remote-inbound-rtp-%d", ssrc)) }
func remoteOutID(ssrc uint32) ID   { return ID(fmt.Sprintf("remote-outbound-rtp-%d", ssrc)) }
func codecID(pt uint8) ID          { return ID(fmt.Sprintf("codec-%d", pt)) }
func channelID(id uint16) ID       { return ID(fmt.Sprintf("data-channel-%d", id)) }
func pairID(raw string) ID         { return ID("candidate-pair-" + raw) }
func candidateID(c *CandidateInfo) ID {
	if c.Local {
		return ID("local-candidate-" + c.CandID)
	}
	return ID("remote-candidate-" + c.CandID)
}

const transportID = ID("transport-0")
const peerConnectionID = ID("peer-connection-0")

// Snapshot materializes the report for the given selector. Calling it twice
// with the same now and no pipeline activity in between yields structurally
// equal reports.
func (a *Accumulator) Snapshot(now time.Time, sel Selector) *Report {
	report := &Report{Entries: make(map[ID]Entry)}

	includeOut := func(c *OutboundCounters) bool {
		switch sel.Kind {
		case SelectorSender:
			return c.SenderID == sel.ID
		case SelectorReceiver:
			return false
		default:
			return true
		}
	}
	includeIn := func(c *InboundCounters) bool {
		switch sel.Kind {
		case SelectorReceiver:
			return c.ReceiverID == sel.ID
		case SelectorSender:
			return false
		default:
			return true
		}
	}

	referencedCodecs := make(map[uint8]bool)
	selected := false

	for ssrc, c := range a.outbound {
		if !includeOut(c) {
			continue
		}
		selected = true
		referencedCodecs[c.PayloadType] = true
		entry := OutboundRTPStream{
			Header:               Header{ID: outboundID(ssrc), Type: TypeOutboundRTP, Timestamp: now},
			SSRC:                 c.SSRC,
			Kind:                 c.Kind,
			Mid:                  c.Mid,
			Rid:                  c.Rid,
			PacketsSent:          c.PacketsSent,
			BytesSent:            c.BytesSent,
			HeaderBytesSent:      c.HeaderBytesSent,
			RetransmittedPackets: c.RetransmittedPackets,
			RetransmittedBytes:   c.RetransmittedBytes,
			NackCount:            c.NackCount,
			PliCount:             c.PliCount,
			FirCount:             c.FirCount,
			CodecID:              codecID(c.PayloadType),
			TransportID:          transportID,
			SenderID:             c.SenderID,
		}
		if rc, ok := a.remoteInbound[ssrc]; ok {
			entry.RemoteID = remoteInID(ssrc)
			report.Entries[remoteInID(ssrc)] = RemoteInboundRTPStream{
				Header:        Header{ID: remoteInID(ssrc), Type: TypeRemoteInboundRTP, Timestamp: now},
				SSRC:          rc.SSRC,
				PacketsLost:   rc.PacketsLost,
				FractionLost:  rc.FractionLost,
				Jitter:        rc.Jitter,
				RoundTripTime: rc.RoundTripTime,
				LocalID:       outboundID(ssrc),
				TransportID:   transportID,
			}
		}
		report.Entries[entry.ID] = entry
	}

	for ssrc, c := range a.inbound {
		if !includeIn(c) {
			continue
		}
		selected = true
		referencedCodecs[c.PayloadType] = true
		report.Entries[inboundID(ssrc)] = InboundRTPStream{
			Header:              Header{ID: inboundID(ssrc), Type: TypeInboundRTP, Timestamp: now},
			SSRC:                c.SSRC,
			Kind:                c.Kind,
			Mid:                 c.Mid,
			Rid:                 c.Rid,
			PacketsReceived:     c.PacketsReceived,
			BytesReceived:       c.BytesReceived,
			HeaderBytesReceived: c.HeaderBytesReceived,
			PacketsLost:         c.PacketsLost,
			PacketsDiscarded:    c.PacketsDiscarded,
			Jitter:              c.Jitter,
			NackCount:           c.NackCount,
			PliCount:            c.PliCount,
			FirCount:            c.FirCount,
			AuthFailures:        c.AuthFailures,
			ReplayFailures:      c.ReplayFailures,
			FramesDecoded:       c.FramesDecoded,
			CodecID:             codecID(c.PayloadType),
			TransportID:         transportID,
			ReceiverID:          c.ReceiverID,
		}
		if rc, ok := a.remoteOutbound[ssrc]; ok {
			report.Entries[remoteOutID(ssrc)] = RemoteOutboundRTPStream{
				Header:          Header{ID: remoteOutID(ssrc), Type: TypeRemoteOutboundRTP, Timestamp: now},
				SSRC:            rc.SSRC,
				PacketsSent:     rc.PacketsSent,
				BytesSent:       rc.BytesSent,
				RemoteTimestamp: rc.RemoteTimestamp,
				LocalID:         inboundID(ssrc),
				TransportID:     transportID,
			}
		}
	}

	// A sender/receiver selector with no matching stream selects nothing,
	// not the whole report.
	if sel.Kind != SelectorNone && !selected {
		return report
	}

	for pt := range referencedCodecs {
		if c, ok := a.codecs[pt]; ok {
			report.Entries[codecID(pt)] = Codec{
				Header:      Header{ID: codecID(pt), Type: TypeCodec, Timestamp: now},
				PayloadType: c.PayloadType,
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
				TransportID: transportID,
			}
		}
	}
	if sel.Kind == SelectorNone {
		for pt, c := range a.codecs {
			if referencedCodecs[pt] {
				continue
			}
			report.Entries[codecID(pt)] = Codec{
				Header:      Header{ID: codecID(pt), Type: TypeCodec, Timestamp: now},
				PayloadType: c.PayloadType,
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
				TransportID: transportID,
			}
		}
	}

	t := a.transport
	transportEntry := Transport{
		Header:          Header{ID: transportID, Type: TypeTransport, Timestamp: now},
		PacketsSent:     t.PacketsSent,
		PacketsReceived: t.PacketsReceived,
		BytesSent:       t.BytesSent,
		BytesReceived:   t.BytesReceived,
		DTLSState:       t.DTLSState,
		ICERole:         t.ICERole,
	}
	if t.SelectedPairID != "" {
		transportEntry.SelectedCandidatePairID = pairID(t.SelectedPairID)
	}
	if t.LocalCertID != "" {
		transportEntry.LocalCertificateID = ID("certificate-" + t.LocalCertID)
	}
	if t.RemoteCertID != "" {
		transportEntry.RemoteCertificateID = ID("certificate-" + t.RemoteCertID)
	}
	report.Entries[transportID] = transportEntry

	for raw, p := range a.pairs {
		id := pairID(raw)
		report.Entries[id] = CandidatePair{
			Header:            Header{ID: id, Type: TypeCandidatePair, Timestamp: now},
			TransportID:       transportID,
			LocalCandidateID:  ID("local-candidate-" + p.LocalID),
			RemoteCandidateID: ID("remote-candidate-" + p.RemoteID),
			State:             p.State,
			Nominated:         p.Nominated,
			PacketsSent:       p.PacketsSent,
			PacketsReceived:   p.PacketsReceived,
			BytesSent:         p.BytesSent,
			BytesReceived:     p.BytesReceived,
			CurrentRTT:        p.CurrentRTT,
		}
	}
	for _, c := range a.candidates {
		id := candidateID(c)
		kind := TypeRemoteCandidate
		if c.Local {
			kind = TypeLocalCandidate
		}
		report.Entries[id] = Candidate{
			Header:        Header{ID: id, Type: kind, Timestamp: now},
			TransportID:   transportID,
			Address:       c.Address,
			Port:          c.Port,
			Proto:         c.Proto,
			CandidateType: c.CandidateType,
			Priority:      c.Priority,
			URL:           c.URL,
		}
	}
	for _, cert := range a.certificates {
		id := ID("certificate-" + cert.CertID)
		report.Entries[id] = Certificate{
			Header:               Header{ID: id, Type: TypeCertificate, Timestamp: now},
			Fingerprint:          cert.Fingerprint,
			FingerprintAlgorithm: cert.FingerprintAlgorithm,
			Base64Certificate:    cert.Base64Certificate,
		}
	}

	if sel.Kind == SelectorNone {
		for id, c := range a.channels {
			report.Entries[channelID(id)] = DataChannel{
				Header:           Header{ID: channelID(id), Type: TypeDataChannel, Timestamp: now},
				Label:            c.Label,
				Protocol:         c.Protocol,
				ChannelID:        c.ChannelID,
				State:            c.State,
				MessagesSent:     c.MessagesSent,
				BytesSent:        c.BytesSent,
				MessagesReceived: c.MessagesReceived,
				BytesReceived:    c.BytesReceived,
			}
		}
		report.Entries[peerConnectionID] = PeerConnectionStats{
			Header:             Header{ID: peerConnectionID, Type: TypePeerConnection, Timestamp: now},
			DataChannelsOpened: a.DataChannelsOpened,
			DataChannelsClosed: a.DataChannelsClosed,
			MalformedPackets:   a.MalformedPackets,
			DroppedPackets:     a.DroppedPackets,
		}
	}

	return report
}
