/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package endpoint is the top of the pipeline: it maps inbound SSRCs onto
// transceiver receivers by SDP-declared SSRC or by the negotiated MID/RID
// header extensions (RFC 8852), announces new tracks, and hands routed
// packets to the application.
package endpoint

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// Header-extension URIs consulted for routing.
const (
	MidURI         = "urn:ietf:params:rtp-hdrext:sdes:mid"
	RidURI         = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	RepairedRidURI = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
)

// Binding ties one receiver to a media section.
type Binding struct {
	ReceiverID  string
	Mid         string
	Kind        string
	PayloadType uint8
	// RIDs lists the simulcast stream identifiers this receiver accepts;
	// empty means any.
	RIDs []string
}

type route struct {
	binding *Binding
	rid     string
}

// Handler routes inbound media to receivers.
type Handler struct {
	logger zerolog.Logger
	acc    *stats.Accumulator

	midExtID uint8
	ridExtID uint8

	byMid  map[string]*Binding
	bySSRC map[uint32]route

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	eventOut pipe.Queue[pipe.Event]
	closed   bool
}

// New builds the layer.
func New(logger zerolog.Logger, acc *stats.Accumulator) *Handler {
	return &Handler{
		logger: logger.With().Str("component", "endpoint").Logger(),
		acc:    acc,
		byMid:  make(map[string]*Binding),
		bySSRC: make(map[uint32]route),
	}
}

func (h *Handler) Name() string { return "endpoint" }

// SetExtensionIDs installs the negotiated MID/RID extension ids.
func (h *Handler) SetExtensionIDs(mid, rid uint8) {
	h.midExtID = mid
	h.ridExtID = rid
}

// AddBinding registers a receiver for a media section. Known SSRCs from the
// SDP bind immediately; the rest are discovered from header extensions.
func (h *Handler) AddBinding(b *Binding, knownSSRCs []uint32) {
	h.byMid[b.Mid] = b
	for _, ssrc := range knownSSRCs {
		h.bySSRC[ssrc] = route{binding: b}
	}
}

// RemoveBinding unbinds a media section and its SSRC routes.
func (h *Handler) RemoveBinding(mid string) {
	b, ok := h.byMid[mid]
	if !ok {
		return
	}
	delete(h.byMid, mid)
	for ssrc, r := range h.bySSRC {
		if r.binding == b {
			delete(h.bySSRC, ssrc)
		}
	}
}

// HandleRead routes media upward and announces newly seen SSRCs.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	switch payload := msg.Payload.(type) {
	case pipe.RTP:
		h.routeRTP(msg, payload)
	default:
		h.readOut.Push(msg)
	}
	return nil
}

func (h *Handler) routeRTP(msg pipe.Message, payload pipe.RTP) {
	pkt := payload.Packet
	r, known := h.bySSRC[pkt.SSRC]
	if !known {
		var ok bool
		r, ok = h.discover(msg, payload)
		if !ok {
			h.acc.Inbound(pkt.SSRC).PacketsDiscarded++
			return
		}
	}
	in := h.acc.Inbound(pkt.SSRC)
	if in.ReceiverID == "" {
		in.ReceiverID = r.binding.ReceiverID
		in.Kind = r.binding.Kind
		in.Mid = r.binding.Mid
		in.Rid = r.rid
		in.PayloadType = r.binding.PayloadType
	}
	h.readOut.Push(pipe.Message{Now: msg.Now, Payload: pipe.TrackRTP{
		ReceiverID: r.binding.ReceiverID,
		Rid:        r.rid,
		Packet:     pkt,
	}})
}

// discover resolves an unknown SSRC through the MID/RID extensions and
// emits the track announcement on success.
func (h *Handler) discover(msg pipe.Message, payload pipe.RTP) (route, bool) {
	pkt := payload.Packet
	if h.midExtID == 0 {
		return route{}, false
	}
	midPayload := pkt.GetExtension(h.midExtID)
	if midPayload == nil {
		return route{}, false
	}
	binding, ok := h.byMid[string(midPayload)]
	if !ok {
		h.logger.Debug().Str("mid", string(midPayload)).Uint32("ssrc", pkt.SSRC).Msg("rtp for unknown mid")
		return route{}, false
	}
	rid := ""
	if h.ridExtID != 0 {
		if ridPayload := pkt.GetExtension(h.ridExtID); ridPayload != nil {
			rid = string(ridPayload)
		}
	}
	if len(binding.RIDs) > 0 && rid != "" && !contains(binding.RIDs, rid) {
		return route{}, false
	}
	r := route{binding: binding, rid: rid}
	h.bySSRC[pkt.SSRC] = r
	h.eventOut.Push(pipe.TrackEvent{
		SSRC:        pkt.SSRC,
		Mid:         binding.Mid,
		Rid:         rid,
		ReceiverID:  binding.ReceiverID,
		Kind:        binding.Kind,
		PayloadType: pkt.PayloadType,
	})
	return r, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// BindSSRC routes an SDP-declared SSRC and announces the track.
func (h *Handler) BindSSRC(ssrc uint32, mid, rid string) {
	binding, ok := h.byMid[mid]
	if !ok {
		return
	}
	h.bySSRC[ssrc] = route{binding: binding, rid: rid}
	h.eventOut.Push(pipe.TrackEvent{
		SSRC:        ssrc,
		Mid:         mid,
		Rid:         rid,
		ReceiverID:  binding.ReceiverID,
		Kind:        binding.Kind,
		PayloadType: binding.PayloadType,
	})
}

func (h *Handler) PollRead() (pipe.Message, bool) { return h.readOut.Pop() }

// HandleWrite passes outbound traffic straight down.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.writeOut.Push(msg)
	return nil
}

func (h *Handler) PollWrite() (pipe.Message, bool) { return h.writeOut.Pop() }

func (h *Handler) HandleEvent(evt pipe.Event) error {
	h.eventOut.Push(evt)
	return nil
}

func (h *Handler) PollEvent() (pipe.Event, bool)  { return h.eventOut.Pop() }
func (h *Handler) HandleTimeout(time.Time) error  { return nil }
func (h *Handler) PollTimeout() (time.Time, bool) { return time.Time{}, false }

func (h *Handler) Close() error {
	h.closed = true
	h.byMid = make(map[string]*Binding)
	h.bySSRC = make(map[uint32]route)
	h.readOut.Clear()
	h.writeOut.Clear()
	return nil
}
