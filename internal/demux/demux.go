/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package demux classifies raw datagrams arriving on the shared 5-tuple per
// RFC 7983 and routes them to the protocol layer that understands them.
package demux

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// Class is the RFC 7983 classification of a datagram's first byte.
type Class int

const (
	ClassDrop Class = iota
	ClassSTUN
	ClassDTLS
	ClassRTP
	ClassRTCP
)

// Classify implements the RFC 7983 first-byte table. RTP and RTCP share the
// 128..191 range and are split on the RFC 5761 payload-type rule.
func Classify(b []byte) Class {
	if len(b) == 0 {
		return ClassDrop
	}
	switch first := b[0]; {
	case first <= 3:
		return ClassSTUN
	case first >= 20 && first <= 63:
		return ClassDTLS
	case first >= 64 && first <= 79:
		// Reserved range; always dropped.
		return ClassDrop
	case first >= 128 && first <= 191:
		if isRTCP(b) {
			return ClassRTCP
		}
		return ClassRTP
	default:
		return ClassDrop
	}
}

// isRTCP checks the RFC 5761 payload-type range (packet types 192..223
// occupy the PT byte when RTP and RTCP are muxed).
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

// Handler is the stateless bottom layer of the pipeline.
type Handler struct {
	logger zerolog.Logger
	acc    *stats.Accumulator

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	closed   bool
}

// New returns a demuxer.
func New(logger zerolog.Logger, acc *stats.Accumulator) *Handler {
	return &Handler{
		logger: logger.With().Str("component", "demux").Logger(),
		acc:    acc,
	}
}

func (h *Handler) Name() string { return "demux" }

// HandleRead classifies one raw datagram and emits the typed variant. Drops
// are counted, never errors: a garbage packet must not fail the connection.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	raw, ok := msg.Payload.(pipe.Raw)
	if !ok {
		// Typed variants from a lower layer do not exist; anything that is
		// not Raw here is a bug in the driver, not in the peer.
		return fmt.Errorf("demux: unexpected inbound payload %T", msg.Payload)
	}
	h.acc.Transport().PacketsReceived++
	h.acc.Transport().BytesReceived += uint64(len(raw))

	// The mDNS sub-protocol rides a separate socket multiplexed by local
	// port; its datagrams are DNS, not RFC 7983 traffic.
	if msg.Transport.Local.Port() == 5353 {
		h.readOut.Push(msg)
		return nil
	}

	var payload pipe.Payload
	switch Classify(raw) {
	case ClassSTUN:
		payload = pipe.STUNRaw(raw)
	case ClassDTLS:
		payload = pipe.DTLSRaw(raw)
	case ClassRTP:
		payload = pipe.RTPRaw(raw)
	case ClassRTCP:
		payload = pipe.RTCPRaw(raw)
	default:
		h.acc.DroppedPackets++
		h.logger.Debug().Int("len", len(raw)).Msg("dropped unclassifiable datagram")
		return nil
	}
	h.readOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: payload})
	return nil
}

func (h *Handler) PollRead() (pipe.Message, bool) {
	return h.readOut.Pop()
}

// HandleWrite unwraps typed variants back to raw bytes for the wire.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	var data []byte
	switch p := msg.Payload.(type) {
	case pipe.Raw:
		data = p
	case pipe.STUNRaw:
		data = p
	case pipe.DTLSRaw:
		data = p
	case pipe.RTPRaw:
		data = p
	case pipe.RTCPRaw:
		data = p
	default:
		return fmt.Errorf("demux: unexpected outbound payload %T", msg.Payload)
	}
	h.acc.Transport().PacketsSent++
	h.acc.Transport().BytesSent += uint64(len(data))
	h.writeOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.Raw(data)})
	return nil
}

func (h *Handler) PollWrite() (pipe.Message, bool) {
	return h.writeOut.Pop()
}

func (h *Handler) HandleEvent(pipe.Event) error        { return nil }
func (h *Handler) PollEvent() (pipe.Event, bool)       { return nil, false }
func (h *Handler) HandleTimeout(time.Time) error       { return nil }
func (h *Handler) PollTimeout() (time.Time, bool)      { return time.Time{}, false }

func (h *Handler) Close() error {
	h.closed = true
	h.readOut.Clear()
	h.writeOut.Clear()
	return nil
}
