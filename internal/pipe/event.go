/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pipe

import (
	"net/netip"

	"github.com/pion/srtp/v3"
)

// Event is the closed union of notifications layers push upward. Events only
// ever travel toward the application; handlers never point at the layer
// above them.
type Event interface {
	event()
}

// ICECandidateEvent surfaces a locally gathered candidate for signaling.
type ICECandidateEvent struct {
	// Marshaled candidate-attribute value, without the "candidate:" prefix.
	Candidate string
}

// ICECandidateErrorEvent reports a failed gather or check against a server.
type ICECandidateErrorEvent struct {
	Address   string
	Port      uint16
	URL       string
	ErrorCode int
	ErrorText string
}

// ICEConnectionStateEvent reports agent connectivity transitions using the
// ICE layer's own state machine; the orchestrator maps it to the W3C enum.
type ICEConnectionStateEvent struct {
	State int
}

// ICEGatheringStateEvent reports gathering progress.
type ICEGatheringStateEvent struct {
	State int
}

// SelectedCandidatePairEvent fires when nomination settles on a pair.
type SelectedCandidatePairEvent struct {
	Local  string
	Remote string
	Peer   netip.AddrPort
}

// DTLSStateEvent reports DTLS transport transitions.
type DTLSStateEvent struct {
	State int
	// Reason carries the failure cause on a transition to failed.
	Reason error
}

// SRTPKeysEvent carries both directions' SRTP keying material exported from
// the finished DTLS handshake per RFC 5764. Until the SRTP layer absorbs it,
// RTP traffic is dropped.
type SRTPKeysEvent struct {
	Profile          srtp.ProtectionProfile
	LocalMasterKey   []byte
	LocalMasterSalt  []byte
	RemoteMasterKey  []byte
	RemoteMasterSalt []byte
}

// SCTPStateEvent reports association transitions.
type SCTPStateEvent struct {
	State int
}

// ChannelOpenEvent reports a data channel announced by the remote via DCEP,
// or the local ack of one we opened.
type ChannelOpenEvent struct {
	ChannelID         uint16
	Label             string
	Protocol          string
	Ordered           bool
	MaxRetransmits    *uint16
	MaxPacketLifeTime *uint16
	Negotiated        bool
}

// ChannelCloseEvent reports data-channel teardown.
type ChannelCloseEvent struct {
	ChannelID uint16
}

// ChannelErrorEvent reports a non-fatal per-channel failure.
type ChannelErrorEvent struct {
	ChannelID uint16
	Err       error
}

// ChannelBufferedAmountLowEvent fires when a channel's buffered amount
// crosses its low threshold downward.
type ChannelBufferedAmountLowEvent struct {
	ChannelID uint16
	Amount    uint64
}

// TrackEvent fires when the endpoint maps a new inbound SSRC to a receiver.
type TrackEvent struct {
	SSRC        uint32
	Mid         string
	Rid         string
	ReceiverID  string
	Kind        string
	PayloadType uint8
}

func (ICECandidateEvent) event()             {}
func (ICECandidateErrorEvent) event()        {}
func (ICEConnectionStateEvent) event()       {}
func (ICEGatheringStateEvent) event()        {}
func (SelectedCandidatePairEvent) event()    {}
func (DTLSStateEvent) event()                {}
func (SRTPKeysEvent) event()                 {}
func (SCTPStateEvent) event()                {}
func (ChannelOpenEvent) event()              {}
func (ChannelCloseEvent) event()             {}
func (ChannelErrorEvent) event()             {}
func (ChannelBufferedAmountLowEvent) event() {}
func (TrackEvent) event()                    {}
