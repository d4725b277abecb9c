/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package twcc

import (
	"sort"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

// ReceiverOption tunes a Receiver.
type ReceiverOption func(*Receiver)

// ReceiverInterval sets the feedback emission interval (default 100 ms).
func ReceiverInterval(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.interval = d }
}

// ReceiverSenderSSRC sets the sender SSRC stamped on feedback packets.
func ReceiverSenderSSRC(ssrc uint32) ReceiverOption {
	return func(r *Receiver) { r.senderSSRC = ssrc }
}

// NewReceiver returns a factory for the TWCC feedback interceptor. It binds
// remote streams that negotiated the extension.
func NewReceiver(opts ...ReceiverOption) interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		r := &Receiver{
			Base:     interceptor.Base{Next: next},
			interval: 100 * time.Millisecond,
			streams:  make(map[uint32]uint8),
		}
		for _, opt := range opts {
			opt(r)
		}
		return r, nil
	})
}

type arrival struct {
	seq uint16
	at  time.Time
}

// Receiver records transport-wide sequence numbers and arrival times, and
// periodically emits one TransportLayerCC covering every bound stream.
type Receiver struct {
	interceptor.Base

	interval   time.Duration
	senderSSRC uint32

	// streams maps bound SSRC to its negotiated extension id.
	streams map[uint32]uint8
	// mediaSSRC names one bound stream in the feedback header; TWCC is
	// transport-wide so any bound SSRC serves.
	mediaSSRC uint32

	recorded   []arrival
	fbPktCount uint8

	timer  timerState
	outQ   []interceptor.Packet
	closed bool
}

type timerState struct {
	next  time.Time
	armed bool
}

func (t *timerState) armIfIdle(now time.Time, interval time.Duration) {
	if !t.armed {
		t.next = now.Add(interval)
		t.armed = true
	}
}

// BindRemoteStream activates recording when the extension was negotiated.
func (r *Receiver) BindRemoteStream(info *interceptor.StreamInfo) {
	if id, ok := info.ExtensionID(ExtensionURI); ok {
		r.streams[info.SSRC] = id
		if r.mediaSSRC == 0 {
			r.mediaSSRC = info.SSRC
		}
	}
	r.Base.BindRemoteStream(info)
}

// UnbindRemoteStream stops recording the stream.
func (r *Receiver) UnbindRemoteStream(info *interceptor.StreamInfo) {
	delete(r.streams, info.SSRC)
	if r.mediaSSRC == info.SSRC {
		r.mediaSSRC = 0
		for ssrc := range r.streams {
			r.mediaSSRC = ssrc
			break
		}
	}
	r.Base.UnbindRemoteStream(info)
}

// HandleRead records the transport-wide sequence number of bound inbound
// RTP.
func (r *Receiver) HandleRead(p interceptor.Packet) error {
	if !r.closed && p.IsRTP() {
		if extID, ok := r.streams[p.RTP.SSRC]; ok {
			if payload := p.RTP.GetExtension(extID); payload != nil {
				var ext rtp.TransportCCExtension
				if err := ext.Unmarshal(payload); err == nil {
					r.recorded = append(r.recorded, arrival{seq: ext.TransportSequence, at: p.Now})
					r.timer.armIfIdle(p.Now, r.interval)
				}
			}
		}
	}
	return r.Base.HandleRead(p)
}

// HandleTimeout emits feedback for everything recorded since the last one.
func (r *Receiver) HandleTimeout(now time.Time) error {
	if r.timer.armed && !now.Before(r.timer.next) {
		r.timer.next = now.Add(r.interval)
		if len(r.recorded) > 0 {
			if fb := r.buildFeedback(); fb != nil {
				r.outQ = append(r.outQ, interceptor.NewRTCP(now, []rtcp.Packet{fb}))
			}
			r.recorded = r.recorded[:0]
		}
	}
	return r.Base.HandleTimeout(now)
}

// buildFeedback encodes the recorded arrivals as run-length status chunks
// with receive deltas per the TWCC extension draft.
func (r *Receiver) buildFeedback() *rtcp.TransportLayerCC {
	records := make([]arrival, len(r.recorded))
	copy(records, r.recorded)
	sort.SliceStable(records, func(i, j int) bool {
		// Serial comparison so wraparound sorts correctly.
		d := records[j].seq - records[i].seq
		return d != 0 && d < 1<<15
	})
	// Deduplicate retransmitted sequence numbers, keeping first arrival.
	deduped := records[:0]
	for _, rec := range records {
		if len(deduped) > 0 && deduped[len(deduped)-1].seq == rec.seq {
			continue
		}
		deduped = append(deduped, rec)
	}
	records = deduped
	if len(records) == 0 {
		return nil
	}

	base := records[0]
	// Reference time is in 64 ms units, 24 bits.
	refTime := base.at.UnixNano() / int64(64*time.Millisecond)

	fb := &rtcp.TransportLayerCC{
		SenderSSRC:         r.senderSSRC,
		MediaSSRC:          r.mediaSSRC,
		BaseSequenceNumber: base.seq,
		ReferenceTime:      uint32(refTime) & 0xffffff,
		FbPktCount:         r.fbPktCount,
	}
	r.fbPktCount++

	refInstant := time.Unix(0, refTime*int64(64*time.Millisecond))
	prev := refInstant

	type status struct {
		symbol uint16
		delta  int64 // microseconds, only for received symbols
	}
	var statuses []status

	idx := 0
	count := records[len(records)-1].seq - base.seq + 1
	for offset := uint16(0); offset != count; offset++ {
		seq := base.seq + offset
		if idx < len(records) && records[idx].seq == seq {
			deltaUS := records[idx].at.Sub(prev).Microseconds()
			prev = records[idx].at
			symbol := uint16(rtcp.TypeTCCPacketReceivedSmallDelta)
			if deltaUS < 0 || deltaUS > 255*250 {
				symbol = uint16(rtcp.TypeTCCPacketReceivedLargeDelta)
			}
			statuses = append(statuses, status{symbol: symbol, delta: deltaUS})
			idx++
		} else {
			statuses = append(statuses, status{symbol: uint16(rtcp.TypeTCCPacketNotReceived)})
		}
	}
	fb.PacketStatusCount = uint16(len(statuses))

	// Run-length encode equal symbols.
	for i := 0; i < len(statuses); {
		j := i
		for j < len(statuses) && statuses[j].symbol == statuses[i].symbol && j-i < 8191 {
			j++
		}
		fb.PacketChunks = append(fb.PacketChunks, &rtcp.RunLengthChunk{
			Type:               rtcp.TypeTCCRunLengthChunk,
			PacketStatusSymbol: statuses[i].symbol,
			RunLength:          uint16(j - i),
		})
		i = j
	}
	for _, st := range statuses {
		switch st.symbol {
		case uint16(rtcp.TypeTCCPacketReceivedSmallDelta):
			fb.RecvDeltas = append(fb.RecvDeltas, &rtcp.RecvDelta{
				Type:  rtcp.TypeTCCPacketReceivedSmallDelta,
				Delta: st.delta,
			})
		case uint16(rtcp.TypeTCCPacketReceivedLargeDelta):
			fb.RecvDeltas = append(fb.RecvDeltas, &rtcp.RecvDelta{
				Type:  rtcp.TypeTCCPacketReceivedLargeDelta,
				Delta: st.delta,
			})
		}
	}
	return fb
}

// PollWrite drains pending feedback ahead of the inner chain's output.
func (r *Receiver) PollWrite() (interceptor.Packet, bool) {
	if len(r.outQ) > 0 {
		p := r.outQ[0]
		r.outQ = r.outQ[1:]
		return p, true
	}
	return r.Base.PollWrite()
}

// PollTimeout folds the feedback timer into the chain deadline.
func (r *Receiver) PollTimeout() (time.Time, bool) {
	return interceptor.EarlierDeadline(r.timer.next, r.timer.armed, r.Base.Next)
}

// Close drops all recorded state.
func (r *Receiver) Close() error {
	r.closed = true
	r.streams = make(map[uint32]uint8)
	r.recorded = nil
	r.outQ = nil
	r.timer.armed = false
	return r.Base.Close()
}
