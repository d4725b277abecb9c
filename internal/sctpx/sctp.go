/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sctpx is the SCTP pipeline layer: association lifecycle over the
// established DTLS transport. Chunk assembly, TSN tracking, SACK-driven
// retransmission and flow control are pion/sctp running against the DTLS
// record conduit; this layer owns its lifecycle and surfaces state events.
package sctpx

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/sctp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/logging"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// State is the SCTP transport state machine.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const establishPoll = 20 * time.Millisecond

type assocResult struct {
	assoc *sctp.Association
	err   error
}

// Handler drives one association.
type Handler struct {
	logger zerolog.Logger
	acc    *stats.Accumulator

	state    State
	assoc    *sctp.Association
	resultCh chan assocResult

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	eventOut pipe.Queue[pipe.Event]

	lastNow time.Time
	closed  bool
}

// New builds the layer.
func New(logger zerolog.Logger, acc *stats.Accumulator) *Handler {
	return &Handler{
		logger: logger.With().Str("component", "sctp").Logger(),
		acc:    acc,
	}
}

func (h *Handler) Name() string { return "sctp" }

// TransportState reports the association state.
func (h *Handler) TransportState() State { return h.state }

// Assoc exposes the established association to the data-channel layer.
func (h *Handler) Assoc() *sctp.Association { return h.assoc }

// Start brings the association up over the DTLS transport. client selects
// which side initiates the cookie-echo handshake.
func (h *Handler) Start(now time.Time, conn net.Conn, client bool) error {
	if h.closed {
		return fmt.Errorf("sctp: closed")
	}
	if h.state != StateNew {
		return nil
	}
	h.setState(StateConnecting)
	h.lastNow = now
	h.resultCh = make(chan assocResult, 1)

	cfg := sctp.Config{
		NetConn:       conn,
		LoggerFactory: logging.Factory{Logger: h.logger},
	}
	resultCh := h.resultCh
	go func() {
		var (
			assoc *sctp.Association
			err   error
		)
		if client {
			assoc, err = sctp.Client(cfg)
		} else {
			assoc, err = sctp.Server(cfg)
		}
		resultCh <- assocResult{assoc: assoc, err: err}
	}()
	return nil
}

func (h *Handler) pump() {
	if h.state != StateConnecting {
		return
	}
	select {
	case result := <-h.resultCh:
		if result.err != nil {
			h.logger.Error().Err(result.err).Msg("sctp association failed")
			h.setState(StateFailed)
			return
		}
		h.assoc = result.assoc
		h.setState(StateConnected)
		h.logger.Info().Msg("sctp association established")
	default:
	}
}

func (h *Handler) setState(s State) {
	if h.state == s {
		return
	}
	h.state = s
	h.eventOut.Push(pipe.SCTPStateEvent{State: int(s)})
}

// HandleRead forwards everything upward; SCTP datagrams travel inside the
// DTLS record conduit, not through the pipeline.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	h.pump()
	h.readOut.Push(msg)
	return nil
}

func (h *Handler) PollRead() (pipe.Message, bool) { return h.readOut.Pop() }

// HandleWrite forwards everything downward.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	h.writeOut.Push(msg)
	return nil
}

func (h *Handler) PollWrite() (pipe.Message, bool) { return h.writeOut.Pop() }

func (h *Handler) HandleEvent(evt pipe.Event) error {
	h.eventOut.Push(evt)
	return nil
}

func (h *Handler) PollEvent() (pipe.Event, bool) {
	h.pump()
	return h.eventOut.Pop()
}

func (h *Handler) HandleTimeout(now time.Time) error {
	if h.closed {
		return nil
	}
	h.lastNow = now
	h.pump()
	return nil
}

func (h *Handler) PollTimeout() (time.Time, bool) {
	if h.state == StateConnecting {
		return h.lastNow.Add(establishPoll), true
	}
	return time.Time{}, false
}

// Close performs a graceful shutdown of the association.
func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.assoc != nil {
		_ = h.assoc.Close()
	}
	h.setState(StateClosed)
	h.readOut.Clear()
	h.writeOut.Clear()
	return nil
}
