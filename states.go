/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"github.com/friendsincode/heimdall/internal/dtlsx"
	"github.com/friendsincode/heimdall/internal/ice"
	"github.com/friendsincode/heimdall/internal/sctpx"
)

// SignalingState per W3C.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveLocalPranswer
	SignalingStateHaveRemoteOffer
	SignalingStateHaveRemotePranswer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveLocalPranswer:
		return "have-local-pranswer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateHaveRemotePranswer:
		return "have-remote-pranswer"
	case SignalingStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ICEConnectionState per W3C.
type ICEConnectionState int

const (
	ICEConnectionStateNew ICEConnectionState = iota
	ICEConnectionStateChecking
	ICEConnectionStateConnected
	ICEConnectionStateCompleted
	ICEConnectionStateDisconnected
	ICEConnectionStateFailed
	ICEConnectionStateClosed
)

func (s ICEConnectionState) String() string {
	switch s {
	case ICEConnectionStateNew:
		return "new"
	case ICEConnectionStateChecking:
		return "checking"
	case ICEConnectionStateConnected:
		return "connected"
	case ICEConnectionStateCompleted:
		return "completed"
	case ICEConnectionStateDisconnected:
		return "disconnected"
	case ICEConnectionStateFailed:
		return "failed"
	case ICEConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func iceConnectionStateFrom(s ice.ConnectionState) ICEConnectionState {
	switch s {
	case ice.StateNew:
		return ICEConnectionStateNew
	case ice.StateChecking:
		return ICEConnectionStateChecking
	case ice.StateConnected:
		return ICEConnectionStateConnected
	case ice.StateCompleted:
		return ICEConnectionStateCompleted
	case ice.StateDisconnected:
		return ICEConnectionStateDisconnected
	case ice.StateFailed:
		return ICEConnectionStateFailed
	case ice.StateClosed:
		return ICEConnectionStateClosed
	default:
		return ICEConnectionStateNew
	}
}

// ICEGatheringState per W3C.
type ICEGatheringState int

const (
	ICEGatheringStateNew ICEGatheringState = iota
	ICEGatheringStateGathering
	ICEGatheringStateComplete
)

func (s ICEGatheringState) String() string {
	switch s {
	case ICEGatheringStateNew:
		return "new"
	case ICEGatheringStateGathering:
		return "gathering"
	case ICEGatheringStateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// PeerConnectionState per W3C, derived from the ICE and DTLS states.
type PeerConnectionState int

const (
	PeerConnectionStateNew PeerConnectionState = iota
	PeerConnectionStateConnecting
	PeerConnectionStateConnected
	PeerConnectionStateDisconnected
	PeerConnectionStateFailed
	PeerConnectionStateClosed
)

func (s PeerConnectionState) String() string {
	switch s {
	case PeerConnectionStateNew:
		return "new"
	case PeerConnectionStateConnecting:
		return "connecting"
	case PeerConnectionStateConnected:
		return "connected"
	case PeerConnectionStateDisconnected:
		return "disconnected"
	case PeerConnectionStateFailed:
		return "failed"
	case PeerConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func derivePeerConnectionState(iceState ICEConnectionState, dtlsState dtlsx.State, closed bool) PeerConnectionState {
	switch {
	case closed:
		return PeerConnectionStateClosed
	case iceState == ICEConnectionStateFailed || dtlsState == dtlsx.StateFailed:
		return PeerConnectionStateFailed
	case iceState == ICEConnectionStateDisconnected:
		return PeerConnectionStateDisconnected
	case (iceState == ICEConnectionStateConnected || iceState == ICEConnectionStateCompleted) &&
		dtlsState == dtlsx.StateConnected:
		return PeerConnectionStateConnected
	case iceState == ICEConnectionStateChecking || dtlsState == dtlsx.StateConnecting:
		return PeerConnectionStateConnecting
	default:
		return PeerConnectionStateNew
	}
}

// DataChannelState per W3C.
type DataChannelState int

const (
	DataChannelStateConnecting DataChannelState = iota
	DataChannelStateOpen
	DataChannelStateClosing
	DataChannelStateClosed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelStateConnecting:
		return "connecting"
	case DataChannelStateOpen:
		return "open"
	case DataChannelStateClosing:
		return "closing"
	case DataChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DTLSTransportState per W3C.
type DTLSTransportState int

const (
	DTLSTransportStateNew DTLSTransportState = iota
	DTLSTransportStateConnecting
	DTLSTransportStateConnected
	DTLSTransportStateClosed
	DTLSTransportStateFailed
)

func (s DTLSTransportState) String() string {
	switch s {
	case DTLSTransportStateNew:
		return "new"
	case DTLSTransportStateConnecting:
		return "connecting"
	case DTLSTransportStateConnected:
		return "connected"
	case DTLSTransportStateClosed:
		return "closed"
	case DTLSTransportStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func dtlsTransportStateFrom(s dtlsx.State) DTLSTransportState {
	switch s {
	case dtlsx.StateNew:
		return DTLSTransportStateNew
	case dtlsx.StateConnecting:
		return DTLSTransportStateConnecting
	case dtlsx.StateConnected:
		return DTLSTransportStateConnected
	case dtlsx.StateClosed:
		return DTLSTransportStateClosed
	case dtlsx.StateFailed:
		return DTLSTransportStateFailed
	default:
		return DTLSTransportStateNew
	}
}

// SCTPTransportState per W3C.
type SCTPTransportState int

const (
	SCTPTransportStateConnecting SCTPTransportState = iota
	SCTPTransportStateConnected
	SCTPTransportStateClosed
)

func (s SCTPTransportState) String() string {
	switch s {
	case SCTPTransportStateConnecting:
		return "connecting"
	case SCTPTransportStateConnected:
		return "connected"
	case SCTPTransportStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func sctpTransportStateFrom(s sctpx.State) SCTPTransportState {
	switch s {
	case sctpx.StateConnected:
		return SCTPTransportStateConnected
	case sctpx.StateClosed, sctpx.StateFailed:
		return SCTPTransportStateClosed
	default:
		return SCTPTransportStateConnecting
	}
}
