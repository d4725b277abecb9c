/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package twcc implements transport-wide congestion control feedback: the
// sender side stamps outbound RTP with a transport-wide sequence number
// header extension, the receiver side reports per-packet arrival times.
package twcc

import (
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

// ExtensionURI is the negotiated header-extension URI for transport-wide
// sequence numbers.
const ExtensionURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

// NewSender returns a factory for the TWCC header-extension interceptor. It
// binds local streams that negotiated the extension; one sequence counter is
// shared across every bound stream.
func NewSender() interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		return &Sender{
			Base:    interceptor.Base{Next: next},
			streams: make(map[uint32]uint8),
		}, nil
	})
}

// Sender injects the transport-wide sequence number into outbound RTP.
type Sender struct {
	interceptor.Base

	// streams maps bound SSRC to its negotiated extension id.
	streams map[uint32]uint8
	// nextSeq is the shared transport-wide counter.
	nextSeq uint16
	closed  bool
}

// BindLocalStream activates stamping when the extension was negotiated.
func (s *Sender) BindLocalStream(info *interceptor.StreamInfo) {
	if id, ok := info.ExtensionID(ExtensionURI); ok {
		s.streams[info.SSRC] = id
	}
	s.Base.BindLocalStream(info)
}

// UnbindLocalStream stops stamping the stream.
func (s *Sender) UnbindLocalStream(info *interceptor.StreamInfo) {
	delete(s.streams, info.SSRC)
	s.Base.UnbindLocalStream(info)
}

// HandleWrite stamps bound outbound RTP with the next counter value.
func (s *Sender) HandleWrite(p interceptor.Packet) error {
	if !s.closed && p.IsRTP() {
		if extID, ok := s.streams[p.RTP.SSRC]; ok {
			ext := rtp.TransportCCExtension{TransportSequence: s.nextSeq}
			payload, err := ext.Marshal()
			if err == nil && p.RTP.SetExtension(extID, payload) == nil {
				s.nextSeq++
			}
			// A failed stamp drops the extension, never the packet.
		}
	}
	return s.Base.HandleWrite(p)
}

// Close drops all per-stream state.
func (s *Sender) Close() error {
	s.closed = true
	s.streams = make(map[uint32]uint8)
	return s.Base.Close()
}
