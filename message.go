/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"net/netip"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/internal/pipe"
)

// Protocol is the transport protocol of a host datagram.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// TransportContext describes the 5-tuple half a datagram crossed. The host
// attaches it on ingress; the engine attaches it on egress.
type TransportContext struct {
	Local    netip.AddrPort
	Peer     netip.AddrPort
	Protocol Protocol
	ECN      byte
}

func (t TransportContext) toPipe() pipe.TransportContext {
	return pipe.TransportContext{
		Local:    t.Local,
		Peer:     t.Peer,
		Protocol: pipe.Protocol(t.Protocol),
		ECN:      t.ECN,
	}
}

func transportFromPipe(t pipe.TransportContext) TransportContext {
	return TransportContext{
		Local:    t.Local,
		Peer:     t.Peer,
		Protocol: Protocol(t.Protocol),
		ECN:      t.ECN,
	}
}

// InboundDatagram is one wire datagram plus the host's monotonic receive
// timestamp.
type InboundDatagram struct {
	Now       time.Time
	Transport TransportContext
	Data      []byte
}

// OutboundDatagram is one wire datagram the host must transmit.
type OutboundDatagram struct {
	Now       time.Time
	Transport TransportContext
	Data      []byte
}

// RTCMessage is what PollRead yields to the application.
type RTCMessage interface {
	rtcMessage()
}

// RTPMessage is one media packet routed to a receiver's track.
type RTPMessage struct {
	ReceiverID string
	Rid        string
	Packet     *rtp.Packet
}

// RTCPMessage is inbound RTCP that traversed the interceptor chain.
type RTCPMessage struct {
	Packets []rtcp.Packet
}

// DataChannelMessage is one application message from a data channel.
type DataChannelMessage struct {
	Channel  *DataChannel
	IsString bool
	Data     []byte
}

func (RTPMessage) rtcMessage()         {}
func (RTCPMessage) rtcMessage()        {}
func (DataChannelMessage) rtcMessage() {}

// OutboundMessage is what HandleWrite absorbs from the application.
type OutboundMessage interface {
	outboundMessage()
}

// RTPWrite sends one media packet through a bound sender. A zero SSRC is
// filled from the sender's primary encoding.
type RTPWrite struct {
	SenderID string
	Packet   *rtp.Packet
}

// RTCPWrite sends a compound RTCP packet.
type RTCPWrite struct {
	Packets []rtcp.Packet
}

func (RTPWrite) outboundMessage()  {}
func (RTCPWrite) outboundMessage() {}
