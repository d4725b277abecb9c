/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pipe defines the synchronous polling contract every protocol layer
// implements, together with the message envelope that moves through the
// handler chain. The engine performs no I/O and never reads a clock: bytes
// and timestamps come in through HandleRead/HandleWrite/HandleTimeout, and
// bytes, events and deadlines come back out through the Poll side.
package pipe

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Protocol is the transport protocol a datagram arrived or leaves on.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// TransportContext describes the 5-tuple half a buffer crossed. It is
// attached by the host on ingress and by the ICE layer on egress once a
// candidate pair is nominated. Immutable per message.
type TransportContext struct {
	Local    netip.AddrPort
	Peer     netip.AddrPort
	Protocol Protocol
	// ECN carries the two explicit-congestion bits when the host socket
	// exposes them; zero otherwise.
	ECN byte
}

// Message is the envelope threaded through the handler chain. Now is the
// host-supplied monotonic timestamp of the input that produced it.
type Message struct {
	Now       time.Time
	Transport TransportContext
	Payload   Payload
}

// Payload is the closed union of things handlers exchange. A handler either
// understands a variant and transforms it, or forwards it untouched.
type Payload interface {
	payload()
}

// Raw is an unclassified datagram: what the host feeds in at the bottom and
// what falls out toward the wire after the demuxer on the write path.
type Raw []byte

// STUNRaw is a datagram the demuxer classified as STUN (first byte 0..3).
type STUNRaw []byte

// DTLSRaw is a datagram classified as DTLS (first byte 20..63).
type DTLSRaw []byte

// RTPRaw is an encrypted RTP datagram (first byte 128..191, media payload
// type range). Decrypted and parsed by the SRTP layer.
type RTPRaw []byte

// RTCPRaw is an encrypted compound RTCP datagram (first byte 128..191,
// RFC 5761 payload type range 64..95 after the marker bit).
type RTCPRaw []byte

// RTP is a parsed cleartext RTP packet.
type RTP struct {
	Packet *rtp.Packet
}

// RTCP is a parsed cleartext compound RTCP packet.
type RTCP struct {
	Packets []rtcp.Packet
}

// SCTPPayload is a cleartext SCTP datagram riding on the DTLS transport.
type SCTPPayload []byte

// ChannelMessage is an application message for one data channel.
type ChannelMessage struct {
	ChannelID uint16
	IsString  bool
	Data      []byte
}

// ChannelOpen instructs the data-channel layer to open a channel (write
// path, from the orchestrator) with the negotiated DCEP parameters.
type ChannelOpen struct {
	ChannelID         uint16
	Label             string
	Protocol          string
	Ordered           bool
	MaxRetransmits    *uint16
	MaxPacketLifeTime *uint16
	Negotiated        bool
	Priority          uint16
}

// ChannelClose requests or reports teardown of one data channel.
type ChannelClose struct {
	ChannelID uint16
}

// TrackRTP is an inbound RTP packet already routed to a receiver's track by
// the endpoint layer; the top of the pipeline hands it to the application.
type TrackRTP struct {
	ReceiverID string
	Rid        string
	Packet     *rtp.Packet
}

func (Raw) payload()            {}
func (STUNRaw) payload()        {}
func (DTLSRaw) payload()        {}
func (RTPRaw) payload()         {}
func (RTCPRaw) payload()        {}
func (RTP) payload()            {}
func (RTCP) payload()           {}
func (SCTPPayload) payload()    {}
func (ChannelMessage) payload() {}
func (ChannelOpen) payload()    {}
func (ChannelClose) payload()   {}
func (TrackRTP) payload()       {}
