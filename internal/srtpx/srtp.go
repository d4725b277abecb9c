/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package srtpx is the SRTP/SRTCP pipeline layer. It stays inactive until
// the DTLS layer exports keying material; until then inbound RTP is dropped
// and counted, never surfaced as an error.
package srtpx

import (
	"errors"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// DefaultReplayWindow is the per-SSRC replay bitmap size.
const DefaultReplayWindow = 64

// Handler holds one SRTP context per direction.
type Handler struct {
	logger       zerolog.Logger
	acc          *stats.Accumulator
	replayWindow uint

	inbound  *srtp.Context
	outbound *srtp.Context

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	eventOut pipe.Queue[pipe.Event]
	closed   bool
}

// New returns an SRTP layer with the given replay window (0 means default).
func New(logger zerolog.Logger, acc *stats.Accumulator, replayWindow uint) *Handler {
	if replayWindow == 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Handler{
		logger:       logger.With().Str("component", "srtp").Logger(),
		acc:          acc,
		replayWindow: replayWindow,
	}
}

func (h *Handler) Name() string { return "srtp" }

// HandleEvent installs both directions' contexts from the DTLS key export.
func (h *Handler) HandleEvent(evt pipe.Event) error {
	keys, ok := evt.(pipe.SRTPKeysEvent)
	if !ok {
		h.eventOut.Push(evt)
		return nil
	}
	outbound, err := srtp.CreateContext(
		keys.LocalMasterKey, keys.LocalMasterSalt, keys.Profile,
		srtp.SRTPReplayProtection(h.replayWindow),
		srtp.SRTCPReplayProtection(h.replayWindow),
	)
	if err != nil {
		return err
	}
	inbound, err := srtp.CreateContext(
		keys.RemoteMasterKey, keys.RemoteMasterSalt, keys.Profile,
		srtp.SRTPReplayProtection(h.replayWindow),
		srtp.SRTCPReplayProtection(h.replayWindow),
	)
	if err != nil {
		return err
	}
	h.outbound = outbound
	h.inbound = inbound
	h.logger.Debug().Msg("srtp contexts installed")
	h.eventOut.Push(evt)
	return nil
}

func (h *Handler) PollEvent() (pipe.Event, bool) {
	return h.eventOut.Pop()
}

// HandleRead authenticates and decrypts inbound SRTP/SRTCP. Failures are
// counted per SSRC and the packet is dropped; the connection continues.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	switch payload := msg.Payload.(type) {
	case pipe.RTPRaw:
		h.readRTP(msg, payload)
	case pipe.RTCPRaw:
		h.readRTCP(msg, payload)
	default:
		h.readOut.Push(msg)
	}
	return nil
}

func (h *Handler) readRTP(msg pipe.Message, raw []byte) {
	var header rtp.Header
	if _, err := header.Unmarshal(raw); err != nil {
		h.acc.MalformedPackets++
		return
	}
	if h.inbound == nil {
		h.acc.Inbound(header.SSRC).PacketsDiscarded++
		return
	}
	decrypted, err := h.inbound.DecryptRTP(nil, raw, nil)
	if err != nil {
		h.countDecryptFailure(header.SSRC, err)
		return
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(decrypted); err != nil {
		h.acc.MalformedPackets++
		return
	}
	h.readOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.RTP{Packet: packet}})
}

func (h *Handler) readRTCP(msg pipe.Message, raw []byte) {
	if h.inbound == nil {
		h.acc.DroppedPackets++
		return
	}
	decrypted, err := h.inbound.DecryptRTCP(nil, raw, nil)
	if err != nil {
		h.acc.DroppedPackets++
		h.logger.Debug().Err(err).Msg("srtcp decrypt failed")
		return
	}
	packets, err := rtcp.Unmarshal(decrypted)
	if err != nil {
		h.acc.MalformedPackets++
		return
	}
	h.readOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.RTCP{Packets: packets}})
}

func (h *Handler) countDecryptFailure(ssrc uint32, err error) {
	in := h.acc.Inbound(ssrc)
	switch {
	case errors.Is(err, srtp.ErrFailedToVerifyAuthTag):
		in.AuthFailures++
	case strings.Contains(err.Error(), "duplicated"):
		in.ReplayFailures++
	default:
		in.PacketsDiscarded++
	}
}

func (h *Handler) PollRead() (pipe.Message, bool) {
	return h.readOut.Pop()
}

// HandleWrite encrypts outbound RTP/RTCP into raw datagrams.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	switch payload := msg.Payload.(type) {
	case pipe.RTP:
		if h.outbound == nil {
			h.acc.DroppedPackets++
			return nil
		}
		plain, err := payload.Packet.Marshal()
		if err != nil {
			h.acc.MalformedPackets++
			return nil
		}
		encrypted, err := h.outbound.EncryptRTP(nil, plain, nil)
		if err != nil {
			// Key derivation failing after context setup is fatal territory;
			// surface it to the orchestrator.
			return err
		}
		h.writeOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.RTPRaw(encrypted)})
	case pipe.RTCP:
		if h.outbound == nil {
			h.acc.DroppedPackets++
			return nil
		}
		plain, err := rtcp.Marshal(payload.Packets)
		if err != nil {
			h.acc.MalformedPackets++
			return nil
		}
		encrypted, err := h.outbound.EncryptRTCP(nil, plain, nil)
		if err != nil {
			return err
		}
		h.writeOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.RTCPRaw(encrypted)})
	default:
		h.writeOut.Push(msg)
	}
	return nil
}

func (h *Handler) PollWrite() (pipe.Message, bool) {
	return h.writeOut.Pop()
}

func (h *Handler) HandleTimeout(time.Time) error  { return nil }
func (h *Handler) PollTimeout() (time.Time, bool) { return time.Time{}, false }

func (h *Handler) Close() error {
	h.closed = true
	h.inbound = nil
	h.outbound = nil
	h.readOut.Clear()
	h.writeOut.Clear()
	h.eventOut.Clear()
	return nil
}
