/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package report

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/friendsincode/heimdall/interceptor"
)

// ReceiverOption tunes a ReceiverInterceptor.
type ReceiverOption func(*ReceiverInterceptor)

// ReceiverInterval sets the RR emission interval (default 1 s).
func ReceiverInterval(d time.Duration) ReceiverOption {
	return func(r *ReceiverInterceptor) { r.interval = d }
}

// NewReceiver returns a factory for the receiver-report interceptor. It
// binds every remote stream.
func NewReceiver(opts ...ReceiverOption) interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		r := &ReceiverInterceptor{
			Base:     interceptor.Base{Next: next},
			interval: time.Second,
			streams:  make(map[uint32]*receiverStream),
		}
		for _, opt := range opts {
			opt(r)
		}
		return r, nil
	})
}

// receiverStream carries the RFC 3550 appendix A reception state machine.
type receiverStream struct {
	clockRate uint32

	started  bool
	baseSeq  uint16
	cycles   uint32
	maxSeq   uint16
	received uint32

	// expectedPrior/receivedPrior snapshot the previous interval for the
	// fraction-lost computation.
	expectedPrior uint32
	receivedPrior uint32

	// jitter per RFC 3550 §A.8, in clock-rate units.
	jitter      float64
	lastTransit int64
	haveTransit bool

	// lastSR tracks the most recent SenderReport for LSR/DLSR.
	lastSRNTP     uint32
	lastSRArrival time.Time
	haveSR        bool
}

func (s *receiverStream) recordRTP(now time.Time, pkt *rtp.Packet) {
	if !s.started {
		s.started = true
		s.baseSeq = pkt.SequenceNumber
		s.maxSeq = pkt.SequenceNumber
		s.received = 1
		s.recordTransit(now, pkt)
		return
	}
	s.received++
	if delta := pkt.SequenceNumber - s.maxSeq; delta < 1<<15 && delta != 0 {
		if pkt.SequenceNumber < s.maxSeq {
			s.cycles++
		}
		s.maxSeq = pkt.SequenceNumber
	}
	s.recordTransit(now, pkt)
}

func (s *receiverStream) recordTransit(now time.Time, pkt *rtp.Packet) {
	if s.clockRate == 0 {
		return
	}
	arrivalRTP := int64(float64(now.UnixNano()) / 1e9 * float64(s.clockRate))
	transit := arrivalRTP - int64(pkt.Timestamp)
	if s.haveTransit {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.lastTransit = transit
	s.haveTransit = true
}

func (s *receiverStream) extendedMax() uint32 {
	return s.cycles<<16 | uint32(s.maxSeq)
}

// block builds one reception report block and rolls the interval snapshot.
func (s *receiverStream) block(ssrc uint32, now time.Time) rtcp.ReceptionReport {
	extended := s.extendedMax()
	expected := extended - uint32(s.baseSeq) + 1

	var lost int64
	if expected > s.received {
		lost = int64(expected - s.received)
	}
	// 24-bit signed clamp per RFC 3550 §6.4.1.
	if lost > 0x7fffff {
		lost = 0x7fffff
	}

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8((expectedInterval - receivedInterval) * 256 / expectedInterval)
	}

	report := rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          uint32(lost),
		LastSequenceNumber: extended,
		Jitter:             uint32(s.jitter),
	}
	if s.haveSR {
		report.LastSenderReport = s.lastSRNTP
		delay := now.Sub(s.lastSRArrival)
		if delay > 0 {
			report.Delay = uint32(delay.Seconds() * 65536)
		}
	}
	return report
}

// ReceiverInterceptor tracks inbound reception quality and emits periodic
// ReceiverReports.
type ReceiverInterceptor struct {
	interceptor.Base

	interval time.Duration
	streams  map[uint32]*receiverStream

	timer  timerState
	outQ   []interceptor.Packet
	closed bool
}

// BindRemoteStream starts reception accounting for the stream.
func (r *ReceiverInterceptor) BindRemoteStream(info *interceptor.StreamInfo) {
	r.streams[info.SSRC] = &receiverStream{clockRate: info.ClockRate}
	r.Base.BindRemoteStream(info)
}

// UnbindRemoteStream stops accounting for the stream.
func (r *ReceiverInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	delete(r.streams, info.SSRC)
	r.Base.UnbindRemoteStream(info)
}

// HandleRead feeds inbound RTP into the reception state machine and notes
// SenderReports for the LSR/DLSR fields.
func (r *ReceiverInterceptor) HandleRead(p interceptor.Packet) error {
	if !r.closed {
		if p.IsRTP() {
			if s, ok := r.streams[p.RTP.SSRC]; ok {
				s.recordRTP(p.Now, p.RTP)
				r.timer.armIfIdle(p.Now, r.interval)
			}
		} else {
			for _, pkt := range p.RTCP {
				sr, ok := pkt.(*rtcp.SenderReport)
				if !ok {
					continue
				}
				if s, bound := r.streams[sr.SSRC]; bound {
					s.lastSRNTP = middle32(sr.NTPTime)
					s.lastSRArrival = p.Now
					s.haveSR = true
				}
			}
		}
	}
	return r.Base.HandleRead(p)
}

// HandleTimeout emits one ReceiverReport covering all active streams.
func (r *ReceiverInterceptor) HandleTimeout(now time.Time) error {
	if r.timer.armed && !now.Before(r.timer.next) {
		r.timer.next = now.Add(r.interval)
		var blocks []rtcp.ReceptionReport
		for ssrc, s := range r.streams {
			if !s.started {
				continue
			}
			blocks = append(blocks, s.block(ssrc, now))
		}
		if len(blocks) > 0 {
			rr := &rtcp.ReceiverReport{Reports: blocks}
			r.outQ = append(r.outQ, interceptor.NewRTCP(now, []rtcp.Packet{rr}))
		}
	}
	return r.Base.HandleTimeout(now)
}

// PollWrite drains pending reports ahead of the inner chain's output.
func (r *ReceiverInterceptor) PollWrite() (interceptor.Packet, bool) {
	if len(r.outQ) > 0 {
		p := r.outQ[0]
		r.outQ = r.outQ[1:]
		return p, true
	}
	return r.Base.PollWrite()
}

// PollTimeout folds the report timer into the chain deadline.
func (r *ReceiverInterceptor) PollTimeout() (time.Time, bool) {
	return interceptor.EarlierDeadline(r.timer.next, r.timer.armed, r.Base.Next)
}

// Close drops all per-stream state.
func (r *ReceiverInterceptor) Close() error {
	r.closed = true
	r.streams = make(map[uint32]*receiverStream)
	r.outQ = nil
	r.timer.armed = false
	return r.Base.Close()
}
