/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// Direction of a transceiver.
type Direction int

const (
	DirectionSendrecv Direction = iota
	DirectionSendonly
	DirectionRecvonly
	DirectionInactive
	DirectionStopped
)

func (d Direction) String() string {
	switch d {
	case DirectionSendrecv:
		return "sendrecv"
	case DirectionSendonly:
		return "sendonly"
	case DirectionRecvonly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	case DirectionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func directionFromString(s string) (Direction, bool) {
	switch s {
	case "sendrecv":
		return DirectionSendrecv, true
	case "sendonly":
		return DirectionSendonly, true
	case "recvonly":
		return DirectionRecvonly, true
	case "inactive":
		return DirectionInactive, true
	default:
		return 0, false
	}
}

// send/recv legs of a direction.
func (d Direction) sending() bool {
	return d == DirectionSendrecv || d == DirectionSendonly
}

func (d Direction) receiving() bool {
	return d == DirectionSendrecv || d == DirectionRecvonly
}

// reverse swaps the legs, as seen by the remote peer.
func (d Direction) reverse() Direction {
	switch d {
	case DirectionSendonly:
		return DirectionRecvonly
	case DirectionRecvonly:
		return DirectionSendonly
	default:
		return d
	}
}

// RTPEncoding is one simulcast layer of a sender.
type RTPEncoding struct {
	SSRC    uint32
	RTXSSRC uint32
	FECSSRC uint32
	Rid     string
}

// RTPSender owns the outbound half of a transceiver.
type RTPSender struct {
	id        string
	track     *TrackLocal
	encodings []RTPEncoding
}

func (s *RTPSender) ID() string               { return s.id }
func (s *RTPSender) Track() *TrackLocal       { return s.track }
func (s *RTPSender) Encodings() []RTPEncoding { return s.encodings }

// RTPReceiver owns the inbound half of a transceiver.
type RTPReceiver struct {
	id     string
	kind   string
	tracks []*TrackRemote

	// hostFramesDecoded is host-reported; the engine never decodes media.
	hostFramesDecoded map[uint32]uint64
}

func (r *RTPReceiver) ID() string             { return r.id }
func (r *RTPReceiver) Kind() string           { return r.kind }
func (r *RTPReceiver) Tracks() []*TrackRemote { return r.tracks }

// RTPTransceiver pairs one sender and one receiver on a media section.
type RTPTransceiver struct {
	mid              string
	kind             string
	direction        Direction
	currentDirection Direction
	hasCurrent       bool
	stopped          bool
	sender           *RTPSender
	receiver         *RTPReceiver
	codecPreferences []RTPCodecParameters
}

func (t *RTPTransceiver) Mid() string            { return t.mid }
func (t *RTPTransceiver) Kind() string           { return t.kind }
func (t *RTPTransceiver) Direction() Direction   { return t.direction }
func (t *RTPTransceiver) Sender() *RTPSender     { return t.sender }
func (t *RTPTransceiver) Receiver() *RTPReceiver { return t.receiver }
func (t *RTPTransceiver) Stopped() bool          { return t.stopped }

// CurrentDirection reports the negotiated direction, if any negotiation
// completed.
func (t *RTPTransceiver) CurrentDirection() (Direction, bool) {
	return t.currentDirection, t.hasCurrent
}

// SetCodecPreferences narrows the codecs offered on this section.
func (t *RTPTransceiver) SetCodecPreferences(codecs []RTPCodecParameters) {
	t.codecPreferences = codecs
}

// SetDirection changes the desired direction; takes effect at the next
// negotiation.
func (t *RTPTransceiver) SetDirection(d Direction) {
	if d != DirectionStopped {
		t.direction = d
	}
}

func (t *RTPTransceiver) codecs() []RTPCodecParameters {
	if len(t.codecPreferences) > 0 {
		return t.codecPreferences
	}
	return defaultCodecs(t.kind)
}

// newTransceiver builds a transceiver with fresh sender/receiver ids and,
// when sending, generated SSRCs.
func newTransceiver(kind string, direction Direction, track *TrackLocal) *RTPTransceiver {
	sender := &RTPSender{id: uuid.NewString(), track: track}
	if direction.sending() {
		encoding := RTPEncoding{SSRC: randomSSRC()}
		if kind == KindVideo {
			encoding.RTXSSRC = randomSSRC()
		}
		sender.encodings = []RTPEncoding{encoding}
	}
	return &RTPTransceiver{
		kind:      kind,
		direction: direction,
		sender:    sender,
		receiver: &RTPReceiver{
			id:                uuid.NewString(),
			kind:              kind,
			hostFramesDecoded: make(map[uint32]uint64),
		},
	}
}

func randomSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	ssrc := binary.BigEndian.Uint32(b[:])
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc
}
