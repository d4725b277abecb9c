/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import "fmt"

// stateChangeOp distinguishes setLocal from setRemote in the signaling
// table.
type stateChangeOp int

const (
	opSetLocal stateChangeOp = iota
	opSetRemote
)

func (op stateChangeOp) String() string {
	if op == opSetLocal {
		return "setLocalDescription"
	}
	return "setRemoteDescription"
}

// nextSignalingState implements the W3C transition table, including the
// rollback rows. It never mutates; callers apply the returned state only
// after the description itself was accepted.
func nextSignalingState(cur SignalingState, op stateChangeOp, sdpType SDPType) (SignalingState, error) {
	if cur == SignalingStateClosed {
		return cur, fmt.Errorf("%w: %s on closed connection", ErrInvalidState, op)
	}

	switch op {
	case opSetLocal:
		switch sdpType {
		case SDPTypeOffer:
			if cur == SignalingStateStable || cur == SignalingStateHaveLocalOffer {
				return SignalingStateHaveLocalOffer, nil
			}
		case SDPTypePranswer:
			if cur == SignalingStateHaveRemoteOffer || cur == SignalingStateHaveLocalPranswer {
				return SignalingStateHaveLocalPranswer, nil
			}
		case SDPTypeAnswer:
			if cur == SignalingStateHaveRemoteOffer || cur == SignalingStateHaveLocalPranswer {
				return SignalingStateStable, nil
			}
		case SDPTypeRollback:
			if cur == SignalingStateHaveLocalOffer || cur == SignalingStateHaveLocalPranswer {
				return SignalingStateStable, nil
			}
		}
	case opSetRemote:
		switch sdpType {
		case SDPTypeOffer:
			if cur == SignalingStateStable || cur == SignalingStateHaveRemoteOffer {
				return SignalingStateHaveRemoteOffer, nil
			}
		case SDPTypePranswer:
			if cur == SignalingStateHaveLocalOffer || cur == SignalingStateHaveRemotePranswer {
				return SignalingStateHaveRemotePranswer, nil
			}
		case SDPTypeAnswer:
			if cur == SignalingStateHaveLocalOffer || cur == SignalingStateHaveRemotePranswer {
				return SignalingStateStable, nil
			}
		case SDPTypeRollback:
			if cur == SignalingStateHaveRemoteOffer || cur == SignalingStateHaveRemotePranswer {
				return SignalingStateStable, nil
			}
		}
	}
	return cur, fmt.Errorf("%w: %s(%s) in state %s", ErrInvalidState, op, sdpType, cur)
}

// negotiationNeeded reports whether the current transceiver and channel set
// would produce a different offer than the last negotiated local
// description. Runs only in stable state per the W3C algorithm.
func (pc *PeerConnection) negotiationNeeded() bool {
	if pc.signalingState != SignalingStateStable {
		return false
	}
	if pc.currentLocal == nil {
		return len(pc.transceivers) > 0 || len(pc.channelsByHandle) > 0
	}
	parsed, err := parseSDP(pc.currentLocal.SDP)
	if err != nil {
		return true
	}

	negotiatedData := false
	negotiatedMids := make(map[string]parsedMedia)
	for _, media := range parsed.medias {
		if media.isData {
			negotiatedData = true
			continue
		}
		negotiatedMids[media.mid] = media
	}

	if len(pc.channelsByHandle) > 0 && !negotiatedData {
		return true
	}
	for _, t := range pc.transceivers {
		if t.stopped {
			if _, present := negotiatedMids[t.mid]; present {
				return true
			}
			continue
		}
		if t.mid == "" {
			return true
		}
		media, present := negotiatedMids[t.mid]
		if !present {
			return true
		}
		if media.direction != t.direction {
			return true
		}
	}
	return false
}

// markNegotiationNeeded queues a debounced NegotiationNeeded event: a burst
// of mutations inside one driver turn coalesces into one firing.
func (pc *PeerConnection) markNegotiationNeeded() {
	if pc.closed || pc.negotiationPending {
		return
	}
	pc.negotiationPending = true
}

// serviceNegotiationNeeded runs from the timeout path and emits the event
// when the check still holds.
func (pc *PeerConnection) serviceNegotiationNeeded() {
	if !pc.negotiationPending {
		return
	}
	pc.negotiationPending = false
	if pc.negotiationNeeded() {
		pc.events.Push(NegotiationNeededEvent{})
	}
}
