/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stats holds the engine's incremental statistics accumulator and
// the W3C webrtc-stats report model it snapshots into. Counters are mutated
// inline by the pipeline as packets pass; GetStats only reads.
package stats

import "time"

// ID is a stable per-object report identifier.
type ID string

// Type enumerates the W3C stats entry types the engine produces.
type Type string

const (
	TypeOutboundRTP       Type = "outbound-rtp"
	TypeInboundRTP        Type = "inbound-rtp"
	TypeRemoteInboundRTP  Type = "remote-inbound-rtp"
	TypeRemoteOutboundRTP Type = "remote-outbound-rtp"
	TypeTransport         Type = "transport"
	TypeCandidatePair     Type = "candidate-pair"
	TypeLocalCandidate    Type = "local-candidate"
	TypeRemoteCandidate   Type = "remote-candidate"
	TypeCertificate       Type = "certificate"
	TypeCodec             Type = "codec"
	TypeDataChannel       Type = "data-channel"
	TypePeerConnection    Type = "peer-connection"
)

// Header is embedded by every entry.
type Header struct {
	ID        ID
	Type      Type
	Timestamp time.Time
}

func (h Header) EntryID() ID               { return h.ID }
func (h Header) EntryType() Type           { return h.Type }
func (h Header) EntryTimestamp() time.Time { return h.Timestamp }

// Entry is one report object.
type Entry interface {
	EntryID() ID
	EntryType() Type
	EntryTimestamp() time.Time
}

// OutboundRTPStream covers one locally sent SSRC.
type OutboundRTPStream struct {
	Header
	SSRC                  uint32
	Kind                  string
	Mid                   string
	Rid                   string
	PacketsSent           uint64
	BytesSent             uint64
	RetransmittedPackets  uint64
	RetransmittedBytes    uint64
	NackCount             uint32
	PliCount              uint32
	FirCount              uint32
	HeaderBytesSent       uint64
	CodecID               ID
	TransportID           ID
	RemoteID              ID
	SenderID              string
}

// InboundRTPStream covers one remotely sent SSRC we receive.
type InboundRTPStream struct {
	Header
	SSRC                 uint32
	Kind                 string
	Mid                  string
	Rid                  string
	PacketsReceived      uint64
	BytesReceived        uint64
	PacketsLost          int64
	PacketsDiscarded     uint64
	Jitter               float64
	NackCount            uint32
	PliCount             uint32
	FirCount             uint32
	HeaderBytesReceived  uint64
	AuthFailures         uint64
	ReplayFailures       uint64
	// FramesDecoded is host-provided; the engine never inspects codec
	// payloads. Zero until the host reports it.
	FramesDecoded uint64
	CodecID       ID
	TransportID   ID
	ReceiverID    string
}

// RemoteInboundRTPStream is derived from received receiver reports.
type RemoteInboundRTPStream struct {
	Header
	SSRC           uint32
	PacketsLost    int64
	FractionLost   float64
	Jitter         float64
	RoundTripTime  float64
	LocalID        ID
	TransportID    ID
}

// RemoteOutboundRTPStream is derived from received sender reports.
type RemoteOutboundRTPStream struct {
	Header
	SSRC            uint32
	PacketsSent     uint64
	BytesSent       uint64
	RemoteTimestamp time.Time
	LocalID         ID
	TransportID     ID
}

// Transport covers the bundled ICE+DTLS transport.
type Transport struct {
	Header
	PacketsSent             uint64
	PacketsReceived         uint64
	BytesSent               uint64
	BytesReceived           uint64
	DTLSState               string
	ICERole                 string
	SelectedCandidatePairID ID
	LocalCertificateID      ID
	RemoteCertificateID     ID
}

// CandidatePair covers one ICE pair.
type CandidatePair struct {
	Header
	TransportID       ID
	LocalCandidateID  ID
	RemoteCandidateID ID
	State             string
	Nominated         bool
	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	CurrentRTT        float64
	// Available bitrate fields are deliberately absent: no bandwidth
	// estimator runs in this engine, so reporting them would fabricate data.
}

// Candidate covers one local or remote ICE candidate.
type Candidate struct {
	Header
	TransportID   ID
	Address       string
	Port          uint16
	Proto         string
	CandidateType string
	Priority      uint32
	URL           string
}

// Certificate covers one DTLS certificate.
type Certificate struct {
	Header
	Fingerprint          string
	FingerprintAlgorithm string
	Base64Certificate    string
}

// Codec covers one negotiated codec.
type Codec struct {
	Header
	PayloadType uint8
	MimeType    string
	ClockRate   uint32
	Channels    uint16
	SDPFmtpLine string
	TransportID ID
}

// DataChannel covers one data channel.
type DataChannel struct {
	Header
	Label            string
	Protocol         string
	ChannelID        uint16
	State            string
	MessagesSent     uint64
	BytesSent        uint64
	MessagesReceived uint64
	BytesReceived    uint64
}

// PeerConnectionStats covers connection-wide counters.
type PeerConnectionStats struct {
	Header
	DataChannelsOpened uint32
	DataChannelsClosed uint32
	MalformedPackets   uint64
	DroppedPackets     uint64
}

// Report is one snapshot: entries keyed by stable ID.
type Report struct {
	Entries map[ID]Entry
}

// Get looks an entry up by id.
func (r *Report) Get(id ID) (Entry, bool) {
	e, ok := r.Entries[id]
	return e, ok
}

// Len reports the number of entries.
func (r *Report) Len() int { return len(r.Entries) }
