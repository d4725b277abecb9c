/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

// Event is the closed union of notifications the engine surfaces through
// PollEvent. Events are delivered in the order they were produced.
type Event interface {
	event()
}

// NegotiationNeededEvent fires, debounced, when the transceiver or channel
// set diverges from what the last local description negotiated.
type NegotiationNeededEvent struct{}

// ICECandidateEvent surfaces a locally gathered candidate for signaling.
type ICECandidateEvent struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// ICECandidateErrorEvent reports a gather failure against a server.
type ICECandidateErrorEvent struct {
	Address   string
	Port      uint16
	URL       string
	ErrorCode int
	ErrorText string
}

// ICEConnectionStateChangeEvent reports agent connectivity transitions.
type ICEConnectionStateChangeEvent struct {
	State ICEConnectionState
}

// ICEGatheringStateChangeEvent reports gathering progress.
type ICEGatheringStateChangeEvent struct {
	State ICEGatheringState
}

// SignalingStateChangeEvent reports signaling transitions.
type SignalingStateChangeEvent struct {
	State SignalingState
}

// ConnectionStateChangeEvent reports the derived peer-connection state.
type ConnectionStateChangeEvent struct {
	State PeerConnectionState
	// Reason carries the failure cause on a transition to failed.
	Reason error
}

// SelectedCandidatePairChangeEvent fires when nomination settles.
type SelectedCandidatePairChangeEvent struct {
	Local  string
	Remote string
}

// TrackEvent announces an inbound track the endpoint mapped to a receiver.
type TrackEvent struct {
	Track    *TrackRemote
	Receiver *RTPReceiver
}

// DataChannelEvent announces a channel the remote opened via DCEP.
type DataChannelEvent struct {
	Channel *DataChannel
}

// DataChannelOpenEvent reports a channel reaching the open state.
type DataChannelOpenEvent struct {
	Channel *DataChannel
}

// DataChannelCloseEvent reports channel teardown.
type DataChannelCloseEvent struct {
	Channel *DataChannel
}

// DataChannelErrorEvent reports a non-fatal per-channel failure.
type DataChannelErrorEvent struct {
	Channel *DataChannel
	Err     error
}

// DataChannelBufferedAmountLowEvent fires when a channel's buffered amount
// crosses its low threshold downward.
type DataChannelBufferedAmountLowEvent struct {
	Channel *DataChannel
	Amount  uint64
}

func (NegotiationNeededEvent) event()             {}
func (ICECandidateEvent) event()                  {}
func (ICECandidateErrorEvent) event()             {}
func (ICEConnectionStateChangeEvent) event()      {}
func (ICEGatheringStateChangeEvent) event()       {}
func (SignalingStateChangeEvent) event()          {}
func (ConnectionStateChangeEvent) event()         {}
func (SelectedCandidatePairChangeEvent) event()   {}
func (TrackEvent) event()                         {}
func (DataChannelEvent) event()                   {}
func (DataChannelOpenEvent) event()               {}
func (DataChannelCloseEvent) event()              {}
func (DataChannelErrorEvent) event()              {}
func (DataChannelBufferedAmountLowEvent) event()  {}
