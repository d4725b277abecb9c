/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import "fmt"

// DataChannelInit carries the DCEP open parameters.
type DataChannelInit struct {
	Ordered           *bool
	MaxPacketLifeTime *uint16
	MaxRetransmits    *uint16
	Protocol          string
	Negotiated        bool
	ID                *uint16
	Priority          uint16
}

// DataChannel is the application handle for one channel. All methods hand
// work to the owning PeerConnection; nothing here touches the wire.
type DataChannel struct {
	pc *PeerConnection

	label             string
	protocol          string
	ordered           bool
	maxRetransmits    *uint16
	maxPacketLifeTime *uint16
	negotiated        bool

	id         uint16
	idAssigned bool

	state     DataChannelState
	threshold uint64
}

// Label reports the channel label.
func (d *DataChannel) Label() string { return d.label }

// Protocol reports the subprotocol.
func (d *DataChannel) Protocol() string { return d.protocol }

// Ordered reports in-order delivery.
func (d *DataChannel) Ordered() bool { return d.ordered }

// MaxRetransmits reports the partial-reliability retransmit bound.
func (d *DataChannel) MaxRetransmits() *uint16 { return d.maxRetransmits }

// MaxPacketLifeTime reports the partial-reliability lifetime bound in ms.
func (d *DataChannel) MaxPacketLifeTime() *uint16 { return d.maxPacketLifeTime }

// Negotiated reports out-of-band negotiation.
func (d *DataChannel) Negotiated() bool { return d.negotiated }

// ID reports the SCTP stream identifier once assigned.
func (d *DataChannel) ID() (uint16, bool) { return d.id, d.idAssigned }

// ReadyState reports the channel state.
func (d *DataChannel) ReadyState() DataChannelState { return d.state }

// Send queues a binary message.
func (d *DataChannel) Send(data []byte) error {
	return d.send(data, false)
}

// SendText queues a string message.
func (d *DataChannel) SendText(text string) error {
	return d.send([]byte(text), true)
}

func (d *DataChannel) send(data []byte, isString bool) error {
	if d.state != DataChannelStateOpen {
		return fmt.Errorf("%w: data channel %q is %s", ErrInvalidState, d.label, d.state)
	}
	return d.pc.writeChannel(d, data, isString)
}

// BufferedAmount reports bytes queued but not yet handed to SCTP.
func (d *DataChannel) BufferedAmount() uint64 {
	return d.pc.channelBufferedAmount(d)
}

// BufferedAmountLowThreshold reports the configured low watermark.
func (d *DataChannel) BufferedAmountLowThreshold() uint64 { return d.threshold }

// SetBufferedAmountLowThreshold arms the low-watermark event.
func (d *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.threshold = threshold
	d.pc.setChannelThreshold(d, threshold)
}

// Close tears the channel down.
func (d *DataChannel) Close() error {
	if d.state == DataChannelStateClosed || d.state == DataChannelStateClosing {
		return nil
	}
	d.state = DataChannelStateClosing
	return d.pc.closeChannel(d)
}
