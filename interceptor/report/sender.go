/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package report

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/friendsincode/heimdall/interceptor"
)

// SenderOption tunes a SenderInterceptor.
type SenderOption func(*SenderInterceptor)

// SenderInterval sets the SR emission interval (default 1 s).
func SenderInterval(d time.Duration) SenderOption {
	return func(s *SenderInterceptor) { s.interval = d }
}

// NewSender returns a factory for the sender-report interceptor. It binds
// every local stream.
func NewSender(opts ...SenderOption) interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		s := &SenderInterceptor{
			Base:     interceptor.Base{Next: next},
			interval: time.Second,
			streams:  make(map[uint32]*senderStream),
		}
		for _, opt := range opts {
			opt(s)
		}
		return s, nil
	})
}

type senderStream struct {
	clockRate uint32

	packetCount uint32
	octetCount  uint32

	// lastRTPTime anchors the RTP timestamp of the most recent packet to the
	// host instant it was written, so the SR can project the media clock
	// forward to the report instant.
	lastRTPTime    uint32
	lastRTPTimeAt  time.Time
	seenFirstPacket bool
}

// SenderInterceptor counts outbound media and emits periodic SenderReports.
type SenderInterceptor struct {
	interceptor.Base

	interval time.Duration
	streams  map[uint32]*senderStream

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

// BindLocalStream starts accounting for the stream.
func (s *SenderInterceptor) BindLocalStream(info *interceptor.StreamInfo) {
	s.streams[info.SSRC] = &senderStream{clockRate: info.ClockRate}
	s.Base.BindLocalStream(info)
}

// UnbindLocalStream stops accounting for the stream.
func (s *SenderInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	delete(s.streams, info.SSRC)
	s.Base.UnbindLocalStream(info)
}

// HandleWrite accumulates packet and octet counts.
func (s *SenderInterceptor) HandleWrite(p interceptor.Packet) error {
	if !s.closed && p.IsRTP() {
		if st, ok := s.streams[p.RTP.SSRC]; ok {
			st.packetCount++
			st.octetCount += uint32(len(p.RTP.Payload))
			st.lastRTPTime = p.RTP.Timestamp
			st.lastRTPTimeAt = p.Now
			st.seenFirstPacket = true
			s.timer.armIfIdle(p.Now, s.interval)
		}
	}
	return s.Base.HandleWrite(p)
}

// HandleTimeout emits one SenderReport per active stream.
func (s *SenderInterceptor) HandleTimeout(now time.Time) error {
	if s.timer.armed && !now.Before(s.timer.next) {
		s.timer.next = now.Add(s.interval)
		for ssrc, st := range s.streams {
			if !st.seenFirstPacket {
				continue
			}
			rtpTime := st.lastRTPTime
			if st.clockRate > 0 {
				elapsed := now.Sub(st.lastRTPTimeAt).Seconds()
				rtpTime += uint32(elapsed * float64(st.clockRate))
			}
			sr := &rtcp.SenderReport{
				SSRC:        ssrc,
				NTPTime:     toNTP(now),
				RTPTime:     rtpTime,
				PacketCount: st.packetCount,
				OctetCount:  st.octetCount,
			}
			s.outQ = append(s.outQ, interceptor.NewRTCP(now, []rtcp.Packet{sr}))
		}
	}
	return s.Base.HandleTimeout(now)
}

// PollWrite drains pending reports ahead of the inner chain's output.
func (s *SenderInterceptor) PollWrite() (interceptor.Packet, bool) {
	if len(s.outQ) > 0 {
		p := s.outQ[0]
		s.outQ = s.outQ[1:]
		return p, true
	}
	return s.Base.PollWrite()
}

// PollTimeout folds the report timer into the chain deadline.
func (s *SenderInterceptor) PollTimeout() (time.Time, bool) {
	return interceptor.EarlierDeadline(s.timer.next, s.timer.armed, s.Base.Next)
}

// Close drops all per-stream state.
func (s *SenderInterceptor) Close() error {
	s.closed = true
	s.streams = make(map[uint32]*senderStream)
	s.outQ = nil
	s.timer.armed = false
	return s.Base.Close()
}
