/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dcep is the data-channel pipeline layer: RFC 8832 open/ack
// negotiation, reliability modes, PPI-driven payload classification, and
// buffered-amount bookkeeping on top of the SCTP association.
package dcep

import (
	"fmt"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/sctp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/logging"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

const (
	inboxSize   = 512
	servicePoll = 20 * time.Millisecond
	readBufSize = 65536
)

// inbox items produced by the per-channel read goroutines.
type inboxItem struct {
	open    *pipe.ChannelOpenEvent
	dc      *datachannel.DataChannel
	message *pipe.ChannelMessage
	closed  *pipe.ChannelCloseEvent
	failure *pipe.ChannelErrorEvent
	lowAmt  *pipe.ChannelBufferedAmountLowEvent
}

type channelState struct {
	dc        *datachannel.DataChannel
	label     string
	protocol  string
	threshold uint64
}

// Handler is the data-channel layer.
type Handler struct {
	logger zerolog.Logger
	acc    *stats.Accumulator

	// assocFn supplies the association once the SCTP layer established it.
	assocFn func() *sctp.Association

	channels     map[uint16]*channelState
	pendingOpens []pipe.ChannelOpen
	inbox        chan inboxItem
	accepting    bool

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	eventOut pipe.Queue[pipe.Event]

	lastNow time.Time
	closed  bool
}

// New builds the layer. assocFn is consulted lazily so construction order
// does not matter.
func New(logger zerolog.Logger, acc *stats.Accumulator, assocFn func() *sctp.Association) *Handler {
	return &Handler{
		logger:   logger.With().Str("component", "datachannel").Logger(),
		acc:      acc,
		assocFn:  assocFn,
		channels: make(map[uint16]*channelState),
		inbox:    make(chan inboxItem, inboxSize),
	}
}

func (h *Handler) Name() string { return "datachannel" }

// HandleEvent watches for the association coming up, then starts the accept
// loop and flushes queued opens.
func (h *Handler) HandleEvent(evt pipe.Event) error {
	if st, ok := evt.(pipe.SCTPStateEvent); ok && !h.closed {
		if State(st.State) == stateConnected && !h.accepting {
			h.startAccepting()
			pending := h.pendingOpens
			h.pendingOpens = nil
			for _, open := range pending {
				h.dial(open)
			}
		}
	}
	h.eventOut.Push(evt)
	return nil
}

// State mirrors sctpx's state values without importing the package.
type State int

const stateConnected State = 2

func (h *Handler) startAccepting() {
	assoc := h.assocFn()
	if assoc == nil {
		return
	}
	h.accepting = true
	cfg := &datachannel.Config{LoggerFactory: logging.Factory{Logger: h.logger}}
	go func() {
		for {
			dc, err := datachannel.Accept(assoc, cfg)
			if err != nil {
				return
			}
			id := dc.StreamIdentifier()
			h.inbox <- inboxItem{dc: dc, open: &pipe.ChannelOpenEvent{
				ChannelID: id,
				Label:     dc.Config.Label,
				Protocol:  dc.Config.Protocol,
				Ordered:   isOrdered(dc.Config.ChannelType),
			}}
			h.watchChannel(id, dc)
			go h.readLoop(id, dc)
		}
	}()
}

func (h *Handler) dial(open pipe.ChannelOpen) {
	assoc := h.assocFn()
	if assoc == nil {
		h.pendingOpens = append(h.pendingOpens, open)
		return
	}
	cfg := &datachannel.Config{
		ChannelType:   channelType(open),
		Priority:      open.Priority,
		Negotiated:    open.Negotiated,
		Label:         open.Label,
		Protocol:      open.Protocol,
		LoggerFactory: logging.Factory{Logger: h.logger},
	}
	switch {
	case open.MaxRetransmits != nil:
		cfg.ReliabilityParameter = uint32(*open.MaxRetransmits)
	case open.MaxPacketLifeTime != nil:
		cfg.ReliabilityParameter = uint32(*open.MaxPacketLifeTime)
	}
	go func() {
		dc, err := datachannel.Dial(assoc, open.ChannelID, cfg)
		if err != nil {
			h.inbox <- inboxItem{failure: &pipe.ChannelErrorEvent{
				ChannelID: open.ChannelID,
				Err:       fmt.Errorf("open data channel %q: %w", open.Label, err),
			}}
			return
		}
		h.inbox <- inboxItem{dc: dc, open: &pipe.ChannelOpenEvent{
			ChannelID:         open.ChannelID,
			Label:             open.Label,
			Protocol:          open.Protocol,
			Ordered:           open.Ordered,
			MaxRetransmits:    open.MaxRetransmits,
			MaxPacketLifeTime: open.MaxPacketLifeTime,
			Negotiated:        open.Negotiated,
		}}
		h.watchChannel(open.ChannelID, dc)
		go h.readLoop(open.ChannelID, dc)
	}()
}

func (h *Handler) watchChannel(id uint16, dc *datachannel.DataChannel) {
	dc.OnBufferedAmountLow(func() {
		select {
		case h.inbox <- inboxItem{lowAmt: &pipe.ChannelBufferedAmountLowEvent{
			ChannelID: id,
			Amount:    dc.BufferedAmount(),
		}}:
		default:
		}
	})
}

func (h *Handler) readLoop(id uint16, dc *datachannel.DataChannel) {
	buf := make([]byte, readBufSize)
	for {
		n, isString, err := dc.ReadDataChannel(buf)
		if err != nil {
			h.inbox <- inboxItem{closed: &pipe.ChannelCloseEvent{ChannelID: id}}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.inbox <- inboxItem{message: &pipe.ChannelMessage{ChannelID: id, IsString: isString, Data: data}}
	}
}

// drainInbox moves goroutine-produced items onto the polling queues.
func (h *Handler) drainInbox(now time.Time) {
	for {
		select {
		case item := <-h.inbox:
			switch {
			case item.open != nil:
				if item.dc != nil {
					h.trackChannel(item.open.ChannelID, item.dc, item.open.Label, item.open.Protocol)
				}
				h.registerOpen(now, *item.open)
			case item.message != nil:
				c := h.acc.Channel(item.message.ChannelID)
				c.MessagesReceived++
				c.BytesReceived += uint64(len(item.message.Data))
				h.readOut.Push(pipe.Message{Now: now, Payload: *item.message})
			case item.closed != nil:
				if _, ok := h.channels[item.closed.ChannelID]; ok {
					delete(h.channels, item.closed.ChannelID)
					h.acc.DataChannelsClosed++
					h.acc.Channel(item.closed.ChannelID).State = "closed"
					h.eventOut.Push(*item.closed)
				}
			case item.failure != nil:
				h.eventOut.Push(*item.failure)
			case item.lowAmt != nil:
				h.eventOut.Push(*item.lowAmt)
			}
		default:
			return
		}
	}
}

func (h *Handler) registerOpen(now time.Time, open pipe.ChannelOpenEvent) {
	// The dial path and the accept loop both land here; the channel object
	// itself travels in the inbox item and drainInbox tracks it before this
	// runs.
	h.acc.DataChannelsOpened++
	c := h.acc.Channel(open.ChannelID)
	c.Label = open.Label
	c.Protocol = open.Protocol
	c.State = "open"
	h.eventOut.Push(open)
	_ = now
}

// trackChannel records an established channel for writes.
func (h *Handler) trackChannel(id uint16, dc *datachannel.DataChannel, label, protocol string) {
	h.channels[id] = &channelState{dc: dc, label: label, protocol: protocol}
}

// HandleWrite services channel control and data from the orchestrator.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	h.drainInbox(msg.Now)
	switch payload := msg.Payload.(type) {
	case pipe.ChannelOpen:
		h.dial(payload)
	case pipe.ChannelMessage:
		h.writeMessage(payload)
	case pipe.ChannelClose:
		if c, ok := h.channels[payload.ChannelID]; ok {
			_ = c.dc.Close()
		}
	default:
		h.writeOut.Push(msg)
	}
	return nil
}

func (h *Handler) writeMessage(msg pipe.ChannelMessage) {
	c, ok := h.channels[msg.ChannelID]
	if !ok {
		h.eventOut.Push(pipe.ChannelErrorEvent{
			ChannelID: msg.ChannelID,
			Err:       fmt.Errorf("write to unknown data channel %d", msg.ChannelID),
		})
		return
	}
	if _, err := c.dc.WriteDataChannel(msg.Data, msg.IsString); err != nil {
		h.eventOut.Push(pipe.ChannelErrorEvent{ChannelID: msg.ChannelID, Err: err})
		return
	}
	cc := h.acc.Channel(msg.ChannelID)
	cc.MessagesSent++
	cc.BytesSent += uint64(len(msg.Data))
}

// SetBufferedAmountLowThreshold arms the low-watermark callback.
func (h *Handler) SetBufferedAmountLowThreshold(id uint16, threshold uint64) {
	if c, ok := h.channels[id]; ok {
		c.threshold = threshold
		c.dc.SetBufferedAmountLowThreshold(threshold)
	}
}

// BufferedAmount reports a channel's queued byte count.
func (h *Handler) BufferedAmount(id uint16) uint64 {
	if c, ok := h.channels[id]; ok {
		return c.dc.BufferedAmount()
	}
	return 0
}

func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	h.drainInbox(msg.Now)
	h.readOut.Push(msg)
	return nil
}

func (h *Handler) PollRead() (pipe.Message, bool) {
	if !h.closed {
		h.drainInbox(h.lastNow)
	}
	return h.readOut.Pop()
}

func (h *Handler) PollWrite() (pipe.Message, bool) { return h.writeOut.Pop() }

func (h *Handler) PollEvent() (pipe.Event, bool) {
	if !h.closed {
		h.drainInbox(h.lastNow)
	}
	return h.eventOut.Pop()
}

func (h *Handler) HandleTimeout(now time.Time) error {
	if h.closed {
		return nil
	}
	h.lastNow = now
	h.drainInbox(now)
	return nil
}

func (h *Handler) PollTimeout() (time.Time, bool) {
	if h.accepting && !h.closed {
		// Keep a service cadence while channels are live so goroutine output
		// reaches the application promptly.
		return h.lastNow.Add(servicePoll), true
	}
	return time.Time{}, false
}

func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	for _, c := range h.channels {
		_ = c.dc.Close()
	}
	h.channels = make(map[uint16]*channelState)
	h.readOut.Clear()
	h.writeOut.Clear()
	return nil
}

func channelType(open pipe.ChannelOpen) datachannel.ChannelType {
	switch {
	case open.MaxRetransmits != nil:
		if open.Ordered {
			return datachannel.ChannelTypePartialReliableRexmit
		}
		return datachannel.ChannelTypePartialReliableRexmitUnordered
	case open.MaxPacketLifeTime != nil:
		if open.Ordered {
			return datachannel.ChannelTypePartialReliableTimed
		}
		return datachannel.ChannelTypePartialReliableTimedUnordered
	default:
		if open.Ordered {
			return datachannel.ChannelTypeReliable
		}
		return datachannel.ChannelTypeReliableUnordered
	}
}

func isOrdered(t datachannel.ChannelType) bool {
	switch t {
	case datachannel.ChannelTypeReliable,
		datachannel.ChannelTypePartialReliableRexmit,
		datachannel.ChannelTypePartialReliableTimed:
		return true
	default:
		return false
	}
}
