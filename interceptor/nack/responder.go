/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

// ResponderOption tunes a Responder.
type ResponderOption func(*Responder)

// ResponderSize sets the send-buffer window (power of two, default 1024).
func ResponderSize(size uint16) ResponderOption {
	return func(r *Responder) { r.size = size }
}

// NewResponder returns a factory for the NACK responder interceptor. It
// binds local streams and answers TransportLayerNack requests from the send
// buffer, using RTX encapsulation when the stream negotiated it.
func NewResponder(opts ...ResponderOption) interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		r := &Responder{
			Base:    interceptor.Base{Next: next},
			size:    1024,
			streams: make(map[uint32]*responderStream),
		}
		for _, opt := range opts {
			opt(r)
		}
		if _, err := NewSendBuffer(r.size); err != nil {
			return nil, err
		}
		return r, nil
	})
}

type responderStream struct {
	info   interceptor.StreamInfo
	buffer *SendBuffer
	// rtxSeq is the dedicated RTX sequence counter (RFC 4588 §4).
	rtxSeq uint16
}

// Responder retains outbound RTP and retransmits on request.
type Responder struct {
	interceptor.Base

	size    uint16
	streams map[uint32]*responderStream

	outQ   []interceptor.Packet
	closed bool
}

// BindLocalStream starts retaining packets for the stream.
func (r *Responder) BindLocalStream(info *interceptor.StreamInfo) {
	buffer, _ := NewSendBuffer(r.size)
	r.streams[info.SSRC] = &responderStream{info: *info, buffer: buffer}
	r.Base.BindLocalStream(info)
}

// UnbindLocalStream releases the stream's buffer.
func (r *Responder) UnbindLocalStream(info *interceptor.StreamInfo) {
	delete(r.streams, info.SSRC)
	r.Base.UnbindLocalStream(info)
}

// HandleWrite copies outbound RTP into the send buffer and forwards it.
func (r *Responder) HandleWrite(p interceptor.Packet) error {
	if !r.closed && p.IsRTP() {
		if s, ok := r.streams[p.RTP.SSRC]; ok {
			s.buffer.Add(p.RTP)
		}
	}
	return r.Base.HandleWrite(p)
}

// HandleRead answers NACKs aimed at bound streams. Only the stream named by
// MediaSSRC is touched; the compound packet is forwarded either way.
func (r *Responder) HandleRead(p interceptor.Packet) error {
	if !r.closed && !p.IsRTP() {
		for _, pkt := range p.RTCP {
			nack, ok := pkt.(*rtcp.TransportLayerNack)
			if !ok {
				continue
			}
			s, bound := r.streams[nack.MediaSSRC]
			if !bound {
				continue
			}
			for _, pair := range nack.Nacks {
				for _, seq := range pair.PacketList() {
					retained := s.buffer.Get(seq)
					if retained == nil {
						continue
					}
					r.outQ = append(r.outQ, interceptor.NewRTP(p.Now, r.retransmission(s, retained)))
				}
			}
		}
	}
	return r.Base.HandleRead(p)
}

// retransmission builds either an RFC 4588 RTX packet or a plain resend.
func (r *Responder) retransmission(s *responderStream, original *rtp.Packet) *rtp.Packet {
	if s.info.RTXSSRC == 0 {
		return original.Clone()
	}
	rtx := original.Clone()
	rtx.SSRC = s.info.RTXSSRC
	rtx.PayloadType = s.info.RTXPayloadType
	rtx.SequenceNumber = s.rtxSeq
	s.rtxSeq++
	// RTX payload: original sequence number, big endian, then the payload.
	payload := make([]byte, 2+len(original.Payload))
	payload[0] = byte(original.SequenceNumber >> 8)
	payload[1] = byte(original.SequenceNumber)
	copy(payload[2:], original.Payload)
	rtx.Payload = payload
	return rtx
}

// PollWrite drains retransmissions ahead of the inner chain's output.
func (r *Responder) PollWrite() (interceptor.Packet, bool) {
	if len(r.outQ) > 0 {
		p := r.outQ[0]
		r.outQ = r.outQ[1:]
		return p, true
	}
	return r.Base.PollWrite()
}

// Close drops all per-stream state.
func (r *Responder) Close() error {
	r.closed = true
	r.streams = make(map[uint32]*responderStream)
	r.outQ = nil
	return r.Base.Close()
}
