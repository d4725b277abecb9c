/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package intercept adapts the interceptor chain to the pipeline contract
// and mutates the statistics accumulator as packets pass its single ingress
// and egress points.
package intercept

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/interceptor"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

const ntpEpochOffset = 2208988800

// Handler owns the built interceptor chain.
type Handler struct {
	logger zerolog.Logger
	acc    *stats.Accumulator
	chain  interceptor.Interceptor

	// local maps sent SSRC to its bound info; rtxToMedia folds RTX SSRCs
	// back onto the media stream whose retransmissions they carry.
	local      map[uint32]*interceptor.StreamInfo
	remote     map[uint32]*interceptor.StreamInfo
	rtxToMedia map[uint32]uint32

	// passRead/passWrite carry non-media payloads (data-channel traffic,
	// control variants) past the chain untouched.
	passRead  pipe.Queue[pipe.Message]
	passWrite pipe.Queue[pipe.Message]
	eventOut  pipe.Queue[pipe.Event]
	closed    bool
}

// New wraps a built chain.
func New(logger zerolog.Logger, acc *stats.Accumulator, chain interceptor.Interceptor) *Handler {
	return &Handler{
		logger:     logger.With().Str("component", "interceptor").Logger(),
		acc:        acc,
		chain:      chain,
		local:      make(map[uint32]*interceptor.StreamInfo),
		remote:     make(map[uint32]*interceptor.StreamInfo),
		rtxToMedia: make(map[uint32]uint32),
	}
}

func (h *Handler) Name() string { return "interceptor" }

// BindLocalStream attaches a sender stream to the chain.
func (h *Handler) BindLocalStream(info *interceptor.StreamInfo) {
	h.local[info.SSRC] = info
	if info.RTXSSRC != 0 {
		h.rtxToMedia[info.RTXSSRC] = info.SSRC
	}
	h.chain.BindLocalStream(info)
}

// UnbindLocalStream detaches a sender stream.
func (h *Handler) UnbindLocalStream(info *interceptor.StreamInfo) {
	delete(h.local, info.SSRC)
	delete(h.rtxToMedia, info.RTXSSRC)
	h.chain.UnbindLocalStream(info)
}

// BindRemoteStream attaches a receiver stream to the chain.
func (h *Handler) BindRemoteStream(info *interceptor.StreamInfo) {
	h.remote[info.SSRC] = info
	h.chain.BindRemoteStream(info)
}

// UnbindRemoteStream detaches a receiver stream.
func (h *Handler) UnbindRemoteStream(info *interceptor.StreamInfo) {
	delete(h.remote, info.SSRC)
	h.chain.UnbindRemoteStream(info)
}

// HandleRead feeds inbound cleartext packets into the chain.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	switch payload := msg.Payload.(type) {
	case pipe.RTP:
		in := h.acc.Inbound(payload.Packet.SSRC)
		in.PacketsReceived++
		in.BytesReceived += uint64(len(payload.Packet.Payload))
		in.HeaderBytesReceived += uint64(payload.Packet.MarshalSize() - len(payload.Packet.Payload))
		return h.chain.HandleRead(interceptor.NewRTP(msg.Now, payload.Packet))
	case pipe.RTCP:
		h.countInboundRTCP(msg.Now, payload.Packets)
		return h.chain.HandleRead(interceptor.NewRTCP(msg.Now, payload.Packets))
	default:
		h.passRead.Push(msg)
		return nil
	}
}

// countInboundRTCP folds remote feedback into the accumulator.
func (h *Handler) countInboundRTCP(now time.Time, packets []rtcp.Packet) {
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			for _, block := range p.Reports {
				h.applyReceptionReport(now, block)
			}
		case *rtcp.SenderReport:
			ro := h.acc.RemoteOutbound(p.SSRC)
			ro.PacketsSent = uint64(p.PacketCount)
			ro.BytesSent = uint64(p.OctetCount)
			ro.RemoteTimestamp = ntpToTime(p.NTPTime)
			for _, block := range p.Reports {
				h.applyReceptionReport(now, block)
			}
		case *rtcp.TransportLayerNack:
			if media, ok := h.resolveLocal(p.MediaSSRC); ok {
				h.acc.Outbound(media).NackCount++
			}
		case *rtcp.PictureLossIndication:
			if media, ok := h.resolveLocal(p.MediaSSRC); ok {
				h.acc.Outbound(media).PliCount++
			}
		case *rtcp.FullIntraRequest:
			if media, ok := h.resolveLocal(p.MediaSSRC); ok {
				h.acc.Outbound(media).FirCount++
			}
		}
	}
}

func (h *Handler) resolveLocal(ssrc uint32) (uint32, bool) {
	if _, ok := h.local[ssrc]; ok {
		return ssrc, true
	}
	if media, ok := h.rtxToMedia[ssrc]; ok {
		return media, true
	}
	return 0, false
}

func (h *Handler) applyReceptionReport(now time.Time, block rtcp.ReceptionReport) {
	info, ok := h.local[block.SSRC]
	if !ok {
		return
	}
	ri := h.acc.RemoteInbound(block.SSRC)
	ri.PacketsLost = int64(block.TotalLost)
	ri.FractionLost = float64(block.FractionLost) / 256
	if info.ClockRate > 0 {
		ri.Jitter = float64(block.Jitter) / float64(info.ClockRate)
	}
	if block.LastSenderReport != 0 {
		// RTT = now - LSR - DLSR, all in 1/65536 s middle-32 NTP units.
		nowNTP := middle32(toNTP(now))
		rtt := int64(nowNTP) - int64(block.LastSenderReport) - int64(block.Delay)
		if rtt > 0 {
			ri.RoundTripTime = float64(rtt) / 65536
		}
	}
}

// PollRead drains pass-through traffic first, then packets that traversed
// the chain upward.
func (h *Handler) PollRead() (pipe.Message, bool) {
	if msg, ok := h.passRead.Pop(); ok {
		return msg, true
	}
	pkt, ok := h.chain.PollRead()
	if !ok {
		return pipe.Message{}, false
	}
	return h.toMessage(pkt), true
}

// HandleWrite feeds outbound packets into the chain.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	switch payload := msg.Payload.(type) {
	case pipe.RTP:
		return h.chain.HandleWrite(interceptor.NewRTP(msg.Now, payload.Packet))
	case pipe.RTCP:
		return h.chain.HandleWrite(interceptor.NewRTCP(msg.Now, payload.Packets))
	default:
		h.passWrite.Push(msg)
		return nil
	}
}

// PollWrite drains the chain's outbound egress — both forwarded application
// packets and chain-injected ones — counting them on the way to the wire.
func (h *Handler) PollWrite() (pipe.Message, bool) {
	if msg, ok := h.passWrite.Pop(); ok {
		return msg, true
	}
	pkt, ok := h.chain.PollWrite()
	if !ok {
		return pipe.Message{}, false
	}
	if pkt.IsRTP() {
		if media, isRTX := h.rtxToMedia[pkt.RTP.SSRC]; isRTX {
			out := h.acc.Outbound(media)
			out.RetransmittedPackets++
			out.RetransmittedBytes += uint64(len(pkt.RTP.Payload))
		} else {
			out := h.acc.Outbound(pkt.RTP.SSRC)
			out.PacketsSent++
			out.BytesSent += uint64(len(pkt.RTP.Payload))
			out.HeaderBytesSent += uint64(pkt.RTP.MarshalSize() - len(pkt.RTP.Payload))
		}
	} else {
		h.countOutboundRTCP(pkt.RTCP)
	}
	return h.toMessage(pkt), true
}

// countOutboundRTCP attributes chain-emitted feedback to inbound streams.
func (h *Handler) countOutboundRTCP(packets []rtcp.Packet) {
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			if _, ok := h.remote[p.MediaSSRC]; ok {
				h.acc.Inbound(p.MediaSSRC).NackCount++
			}
		case *rtcp.PictureLossIndication:
			if _, ok := h.remote[p.MediaSSRC]; ok {
				h.acc.Inbound(p.MediaSSRC).PliCount++
			}
		case *rtcp.FullIntraRequest:
			if _, ok := h.remote[p.MediaSSRC]; ok {
				h.acc.Inbound(p.MediaSSRC).FirCount++
			}
		case *rtcp.ReceiverReport:
			for _, block := range p.Reports {
				info, ok := h.remote[block.SSRC]
				if !ok {
					continue
				}
				in := h.acc.Inbound(block.SSRC)
				in.PacketsLost = int64(block.TotalLost)
				if info.ClockRate > 0 {
					in.Jitter = float64(block.Jitter) / float64(info.ClockRate)
				}
			}
		}
	}
}

func (h *Handler) toMessage(pkt interceptor.Packet) pipe.Message {
	if pkt.IsRTP() {
		return pipe.Message{Now: pkt.Now, Payload: pipe.RTP{Packet: pkt.RTP}}
	}
	return pipe.Message{Now: pkt.Now, Payload: pipe.RTCP{Packets: pkt.RTCP}}
}

func (h *Handler) HandleEvent(evt pipe.Event) error {
	h.eventOut.Push(evt)
	return nil
}

func (h *Handler) PollEvent() (pipe.Event, bool) {
	return h.eventOut.Pop()
}

func (h *Handler) HandleTimeout(now time.Time) error {
	if h.closed {
		return nil
	}
	return h.chain.HandleTimeout(now)
}

func (h *Handler) PollTimeout() (time.Time, bool) {
	if h.closed {
		return time.Time{}, false
	}
	return h.chain.PollTimeout()
}

func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.eventOut.Clear()
	return h.chain.Close()
}

func toNTP(t time.Time) uint64 {
	nsec := uint64(t.Sub(time.Unix(-ntpEpochOffset, 0)))
	sec := nsec / uint64(time.Second)
	frac := nsec % uint64(time.Second)
	return sec<<32 | (frac<<32)/uint64(time.Second)
}

func middle32(ntp uint64) uint32 { return uint32(ntp >> 16) }

func ntpToTime(ntp uint64) time.Time {
	sec := int64(ntp>>32) - ntpEpochOffset
	frac := (ntp & 0xffffffff) * uint64(time.Second) >> 32
	return time.Unix(sec, int64(frac))
}
