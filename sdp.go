/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/friendsincode/heimdall/internal/dtlsx"
	"github.com/friendsincode/heimdall/internal/endpoint"
	"github.com/friendsincode/heimdall/interceptor"
	"github.com/friendsincode/heimdall/interceptor/twcc"
)

const (
	mediaProtocol = "UDP/TLS/RTP/SAVPF"
	dataProtocol  = "UDP/DTLS/SCTP"
	sctpPort      = 5000
	defaultCName  = "heimdall"
)

// parsedMedia is one m-section extracted from a remote description.
type parsedMedia struct {
	mid       string
	kind      string
	isData    bool
	direction Direction
	setup     string

	ufrag        string
	pwd          string
	fingerprints []dtlsx.Fingerprint

	codecs     []RTPCodecParameters
	extensions map[string]uint8

	ssrcs      []uint32
	rtxPairs   map[uint32]uint32 // media ssrc -> rtx ssrc
	rids       []string
	candidates []string

	sctpPort uint16
}

type parsedSDP struct {
	bundle []string
	medias []parsedMedia
}

// parseSDP extracts what negotiation needs from a session description.
// Unknown attributes and bandwidth types pass through untouched per
// RFC 8866.
func parseSDP(body string) (*parsedSDP, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return nil, fmt.Errorf("%w: unmarshal sdp: %v", ErrInvalidParameter, err)
	}

	parsed := &parsedSDP{}

	var sessionUfrag, sessionPwd string
	var sessionFPs []dtlsx.Fingerprint
	for _, attr := range desc.Attributes {
		switch attr.Key {
		case "group":
			if strings.HasPrefix(attr.Value, "BUNDLE") {
				parsed.bundle = strings.Fields(attr.Value)[1:]
			}
		case "ice-ufrag":
			sessionUfrag = attr.Value
		case "ice-pwd":
			sessionPwd = attr.Value
		case "fingerprint":
			if fp, ok := parseFingerprint(attr.Value); ok {
				sessionFPs = append(sessionFPs, fp)
			}
		}
	}

	for _, media := range desc.MediaDescriptions {
		m := parsedMedia{
			kind:       media.MediaName.Media,
			direction:  DirectionSendrecv,
			ufrag:      sessionUfrag,
			pwd:        sessionPwd,
			extensions: make(map[string]uint8),
			rtxPairs:   make(map[uint32]uint32),
		}
		m.fingerprints = append(m.fingerprints, sessionFPs...)
		m.isData = media.MediaName.Media == "application"

		ptCaps := make(map[uint8]*RTPCodecParameters)
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "mid":
				m.mid = attr.Value
			case "sendrecv", "sendonly", "recvonly", "inactive":
				if d, ok := directionFromString(attr.Key); ok {
					m.direction = d
				}
			case "setup":
				m.setup = attr.Value
			case "ice-ufrag":
				m.ufrag = attr.Value
			case "ice-pwd":
				m.pwd = attr.Value
			case "fingerprint":
				if fp, ok := parseFingerprint(attr.Value); ok {
					m.fingerprints = append(m.fingerprints, fp)
				}
			case "rtpmap":
				parseRTPMap(attr.Value, ptCaps)
			case "fmtp":
				parseFmtp(attr.Value, ptCaps)
			case "rtcp-fb":
				parseRtcpFb(attr.Value, ptCaps)
			case "extmap":
				if fields := strings.Fields(attr.Value); len(fields) >= 2 {
					if id, err := strconv.ParseUint(fields[0], 10, 8); err == nil {
						m.extensions[fields[1]] = uint8(id)
					}
				}
			case "ssrc":
				if fields := strings.Fields(attr.Value); len(fields) >= 1 {
					if ssrc, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
						m.ssrcs = appendUnique(m.ssrcs, uint32(ssrc))
					}
				}
			case "ssrc-group":
				fields := strings.Fields(attr.Value)
				if len(fields) == 3 && fields[0] == "FID" {
					mediaSSRC, err1 := strconv.ParseUint(fields[1], 10, 32)
					rtxSSRC, err2 := strconv.ParseUint(fields[2], 10, 32)
					if err1 == nil && err2 == nil {
						m.rtxPairs[uint32(mediaSSRC)] = uint32(rtxSSRC)
					}
				}
			case "rid":
				if fields := strings.Fields(attr.Value); len(fields) >= 1 {
					m.rids = append(m.rids, fields[0])
				}
			case "candidate":
				m.candidates = append(m.candidates, attr.Value)
			case "sctp-port":
				if port, err := strconv.ParseUint(attr.Value, 10, 16); err == nil {
					m.sctpPort = uint16(port)
				}
			}
		}
		for _, format := range media.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			if cap, ok := ptCaps[uint8(pt)]; ok {
				m.codecs = append(m.codecs, *cap)
			}
		}
		parsed.medias = append(parsed.medias, m)
	}
	return parsed, nil
}

func parseFingerprint(value string) (dtlsx.Fingerprint, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return dtlsx.Fingerprint{}, false
	}
	return dtlsx.Fingerprint{Algorithm: fields[0], Value: fields[1]}, true
}

func parseRTPMap(value string, caps map[uint8]*RTPCodecParameters) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return
	}
	clockRate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return
	}
	cap := &RTPCodecParameters{PayloadType: uint8(pt)}
	cap.ClockRate = uint32(clockRate)
	cap.MimeType = mimeTypeFor(parts[0], uint8(pt))
	if len(parts) == 3 {
		if channels, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			cap.Channels = uint16(channels)
		}
	}
	caps[uint8(pt)] = cap
}

// mimeTypeFor rebuilds "audio/opus"-style mime types from rtpmap names:
// opus, PCMU, PCMA and G722 map to audio/, every other name to video/; the
// m-line kind is not consulted.
func mimeTypeFor(codecName string, _ uint8) string {
	switch strings.ToLower(codecName) {
	case "opus", "pcmu", "pcma", "g722":
		return "audio/" + codecName
	default:
		return "video/" + codecName
	}
}

func parseFmtp(value string, caps map[uint8]*RTPCodecParameters) {
	idx := strings.IndexByte(value, ' ')
	if idx < 0 {
		return
	}
	pt, err := strconv.ParseUint(value[:idx], 10, 8)
	if err != nil {
		return
	}
	if cap, ok := caps[uint8(pt)]; ok {
		cap.SDPFmtpLine = value[idx+1:]
	}
}

func parseRtcpFb(value string, caps map[uint8]*RTPCodecParameters) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return
	}
	cap, ok := caps[uint8(pt)]
	if !ok {
		return
	}
	fb := RTCPFeedback{Type: fields[1]}
	if len(fields) > 2 {
		fb.Parameter = strings.Join(fields[2:], " ")
	}
	cap.RTCPFeedback = append(cap.RTCPFeedback, fb)
}

func appendUnique(list []uint32, v uint32) []uint32 {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// sdpParams is everything buildSDP needs to render a description.
type sdpParams struct {
	ufrag        string
	pwd          string
	fingerprint  string
	setup        string
	transceivers []*RTPTransceiver
	// mediaCodecs overrides per-mid codec sets (answers echo the offer's
	// payload types).
	mediaCodecs map[string][]RTPCodecParameters
	// mediaDirections overrides per-mid directions (answers intersect).
	mediaDirections map[string]Direction
	includeData     bool
	dataMid         string
	candidates      []string
	// sessionVersion increments on every regenerated description.
	sessionID      uint64
	sessionVersion uint64
}

// buildSDP renders a unified-plan, BUNDLE, rtcp-mux description.
func buildSDP(p sdpParams) (string, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.sessionID,
			SessionVersion: p.sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	var bundleIDs []string
	for _, t := range p.transceivers {
		if !t.stopped {
			bundleIDs = append(bundleIDs, t.mid)
		}
	}
	if p.includeData {
		bundleIDs = append(bundleIDs, p.dataMid)
	}
	if len(bundleIDs) > 0 {
		desc.Attributes = append(desc.Attributes, sdp.Attribute{
			Key:   "group",
			Value: "BUNDLE " + strings.Join(bundleIDs, " "),
		})
	}
	desc.Attributes = append(desc.Attributes, sdp.Attribute{Key: "msid-semantic", Value: " WMS"})

	for _, t := range p.transceivers {
		media := buildMediaSection(p, t)
		desc.MediaDescriptions = append(desc.MediaDescriptions, media)
	}
	if p.includeData {
		desc.MediaDescriptions = append(desc.MediaDescriptions, buildDataSection(p))
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: marshal sdp: %v", ErrInternal, err)
	}
	return string(raw), nil
}

func buildMediaSection(p sdpParams, t *RTPTransceiver) *sdp.MediaDescription {
	codecs := t.codecs()
	if override, ok := p.mediaCodecs[t.mid]; ok {
		codecs = override
	}
	direction := t.direction
	if override, ok := p.mediaDirections[t.mid]; ok {
		direction = override
	}
	if t.stopped {
		direction = DirectionInactive
	}

	var formats []string
	for _, codec := range codecs {
		formats = append(formats, strconv.Itoa(int(codec.PayloadType)))
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   t.kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  strings.Split(mediaProtocol, "/"),
			Formats: formats,
		},
		ConnectionInformation: connectionInfo(),
	}

	attrs := []sdp.Attribute{
		{Key: "mid", Value: t.mid},
		{Key: "ice-ufrag", Value: p.ufrag},
		{Key: "ice-pwd", Value: p.pwd},
		{Key: "fingerprint", Value: "sha-256 " + p.fingerprint},
		{Key: "setup", Value: p.setup},
		{Key: direction.String(), Value: ""},
		{Key: "rtcp-mux", Value: ""},
		{Key: "rtcp-rsize", Value: ""},
		{Key: "extmap", Value: fmt.Sprintf("%d %s", extIDMid, endpoint.MidURI)},
	}
	if t.kind == KindVideo {
		attrs = append(attrs,
			sdp.Attribute{Key: "extmap", Value: fmt.Sprintf("%d %s", extIDRid, endpoint.RidURI)},
			sdp.Attribute{Key: "extmap", Value: fmt.Sprintf("%d %s", extIDRepairedRid, endpoint.RepairedRidURI)},
		)
	}
	attrs = append(attrs, sdp.Attribute{Key: "extmap", Value: fmt.Sprintf("%d %s", extIDTWCC, twcc.ExtensionURI)})

	for _, codec := range codecs {
		rtpmap := fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name(), codec.ClockRate)
		if codec.Channels > 0 {
			rtpmap += "/" + strconv.Itoa(int(codec.Channels))
		}
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: rtpmap})
		if codec.SDPFmtpLine != "" {
			attrs = append(attrs, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", codec.PayloadType, codec.SDPFmtpLine),
			})
		}
		for _, fb := range codec.RTCPFeedback {
			value := fmt.Sprintf("%d %s", codec.PayloadType, fb.Type)
			if fb.Parameter != "" {
				value += " " + fb.Parameter
			}
			attrs = append(attrs, sdp.Attribute{Key: "rtcp-fb", Value: value})
		}
	}

	if direction.sending() && t.sender != nil && len(t.sender.encodings) > 0 {
		var rids []string
		for _, enc := range t.sender.encodings {
			if enc.Rid != "" {
				rids = append(rids, enc.Rid)
				attrs = append(attrs, sdp.Attribute{Key: "rid", Value: enc.Rid + " send"})
			}
		}
		if len(rids) > 0 {
			attrs = append(attrs, sdp.Attribute{Key: "simulcast", Value: "send " + strings.Join(rids, ";")})
		}
		for _, enc := range t.sender.encodings {
			if enc.RTXSSRC != 0 {
				attrs = append(attrs, sdp.Attribute{
					Key:   "ssrc-group",
					Value: fmt.Sprintf("FID %d %d", enc.SSRC, enc.RTXSSRC),
				})
			}
		}
		for _, enc := range t.sender.encodings {
			for _, ssrc := range []uint32{enc.SSRC, enc.RTXSSRC} {
				if ssrc == 0 {
					continue
				}
				attrs = append(attrs, sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:%s", ssrc, defaultCName)})
				if track := t.sender.track; track != nil {
					attrs = append(attrs, sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d msid:%s %s", ssrc, track.StreamID(), track.ID())})
				}
			}
		}
	}

	for _, candidate := range p.candidates {
		attrs = append(attrs, sdp.Attribute{Key: "candidate", Value: candidate})
	}

	media.Attributes = attrs
	return media
}

func buildDataSection(p sdpParams) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  strings.Split(dataProtocol, "/"),
			Formats: []string{"webrtc-datachannel"},
		},
		ConnectionInformation: connectionInfo(),
		Attributes: []sdp.Attribute{
			{Key: "mid", Value: p.dataMid},
			{Key: "ice-ufrag", Value: p.ufrag},
			{Key: "ice-pwd", Value: p.pwd},
			{Key: "fingerprint", Value: "sha-256 " + p.fingerprint},
			{Key: "setup", Value: p.setup},
			{Key: "sctp-port", Value: strconv.Itoa(sctpPort)},
			{Key: "max-message-size", Value: "65536"},
		},
	}
}

func connectionInfo() *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: "0.0.0.0"},
	}
}

// streamInfoFor converts a negotiated codec + extension map into the
// interceptor-level capability bundle for one SSRC.
func streamInfoFor(ssrc, rtxSSRC uint32, mid, rid string, codec RTPCodecParameters, rtxPT uint8, extensions map[string]uint8) *interceptor.StreamInfo {
	info := &interceptor.StreamInfo{
		SSRC:           ssrc,
		RTXSSRC:        rtxSSRC,
		RTXPayloadType: rtxPT,
		PayloadType:    codec.PayloadType,
		MimeType:       codec.MimeType,
		ClockRate:      codec.ClockRate,
		Mid:            mid,
		Rid:            rid,
	}
	for _, fb := range codec.RTCPFeedback {
		info.Feedback = append(info.Feedback, interceptor.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	for uri, id := range extensions {
		info.Extensions = append(info.Extensions, interceptor.HeaderExtension{URI: uri, ID: id})
	}
	return info
}
