/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"strings"

	"github.com/google/uuid"
)

// Media kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Well-known mime types.
const (
	MimeTypeOpus = "audio/opus"
	MimeTypeVP8  = "video/VP8"
	MimeTypeRTX  = "video/rtx"
)

// RTCPFeedback is one a=rtcp-fb capability.
type RTCPFeedback struct {
	Type      string
	Parameter string
}

// RTPCodecCapability describes a codec independent of its payload type.
type RTPCodecCapability struct {
	MimeType     string
	ClockRate    uint32
	Channels     uint16
	SDPFmtpLine  string
	RTCPFeedback []RTCPFeedback
}

// Kind derives the media kind from the mime type.
func (c RTPCodecCapability) Kind() string {
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		return KindAudio
	}
	return KindVideo
}

// Name is the codec name used in a=rtpmap.
func (c RTPCodecCapability) Name() string {
	if idx := strings.IndexByte(c.MimeType, '/'); idx >= 0 {
		return c.MimeType[idx+1:]
	}
	return c.MimeType
}

// RTPCodecParameters binds a capability to a payload type.
type RTPCodecParameters struct {
	RTPCodecCapability
	PayloadType uint8
}

// defaultCodecs is the engine's built-in codec set; hosts narrow it with
// transceiver codec preferences.
func defaultCodecs(kind string) []RTPCodecParameters {
	switch kind {
	case KindAudio:
		return []RTPCodecParameters{{
			RTPCodecCapability: RTPCodecCapability{
				MimeType:    MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
				RTCPFeedback: []RTCPFeedback{
					{Type: "transport-cc"},
				},
			},
			PayloadType: 111,
		}}
	case KindVideo:
		return []RTPCodecParameters{
			{
				RTPCodecCapability: RTPCodecCapability{
					MimeType:  MimeTypeVP8,
					ClockRate: 90000,
					RTCPFeedback: []RTCPFeedback{
						{Type: "nack"},
						{Type: "nack", Parameter: "pli"},
						{Type: "ccm", Parameter: "fir"},
						{Type: "transport-cc"},
					},
				},
				PayloadType: 96,
			},
			{
				RTPCodecCapability: RTPCodecCapability{
					MimeType:    MimeTypeRTX,
					ClockRate:   90000,
					SDPFmtpLine: "apt=96",
				},
				PayloadType: 97,
			},
		}
	default:
		return nil
	}
}

// Default negotiated header-extension ids.
const (
	extIDMid         = 1
	extIDRid         = 2
	extIDRepairedRid = 3
	extIDTWCC        = 5
)

// TrackLocal is a media source the application sends.
type TrackLocal struct {
	id       string
	streamID string
	kind     string
	codec    RTPCodecCapability
}

// NewTrackLocal builds a local track handle.
func NewTrackLocal(codec RTPCodecCapability, id, streamID string) *TrackLocal {
	if id == "" {
		id = uuid.NewString()
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}
	return &TrackLocal{id: id, streamID: streamID, kind: codec.Kind(), codec: codec}
}

func (t *TrackLocal) ID() string                 { return t.id }
func (t *TrackLocal) StreamID() string           { return t.streamID }
func (t *TrackLocal) Kind() string               { return t.kind }
func (t *TrackLocal) Codec() RTPCodecCapability  { return t.codec }

// TrackRemote is an inbound media stream mapped to a receiver.
type TrackRemote struct {
	id          string
	rid         string
	kind        string
	ssrc        uint32
	payloadType uint8
}

func (t *TrackRemote) ID() string         { return t.id }
func (t *TrackRemote) RID() string        { return t.rid }
func (t *TrackRemote) Kind() string       { return t.kind }
func (t *TrackRemote) SSRC() uint32       { return t.ssrc }
func (t *TrackRemote) PayloadType() uint8 { return t.payloadType }
