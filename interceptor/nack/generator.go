/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/friendsincode/heimdall/interceptor"
)

// GeneratorOption tunes a Generator.
type GeneratorOption func(*Generator)

// GeneratorSize sets the receive-log window (power of two, default 512).
func GeneratorSize(size uint16) GeneratorOption {
	return func(g *Generator) { g.size = size }
}

// GeneratorSkipLastN protects the newest N sequence numbers from being
// NACKed, as a guard against plain reordering.
func GeneratorSkipLastN(n uint16) GeneratorOption {
	return func(g *Generator) { g.skipLastN = n }
}

// GeneratorMaxNacksPerPacket caps how often one missing packet is NACKed.
func GeneratorMaxNacksPerPacket(max uint8) GeneratorOption {
	return func(g *Generator) { g.maxNacks = max }
}

// GeneratorInterval sets the NACK emission interval (default 100 ms).
func GeneratorInterval(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.interval = d }
}

// GeneratorSenderSSRC sets the sender SSRC stamped on emitted NACKs.
func GeneratorSenderSSRC(ssrc uint32) GeneratorOption {
	return func(g *Generator) { g.senderSSRC = ssrc }
}

// NewGenerator returns a factory for the NACK generator interceptor. It
// binds remote streams that negotiated a plain "nack" feedback capability.
func NewGenerator(opts ...GeneratorOption) interceptor.Factory {
	return interceptor.FactoryFunc(func(next interceptor.Interceptor) (interceptor.Interceptor, error) {
		g := &Generator{
			Base:      interceptor.Base{Next: next},
			size:      512,
			maxNacks:  10,
			interval:  100 * time.Millisecond,
			streams:   make(map[uint32]*generatorStream),
		}
		for _, opt := range opts {
			opt(g)
		}
		// Validate the window size eagerly so a bad option fails Build, not
		// the first bind.
		if _, err := NewReceiveLog(g.size); err != nil {
			return nil, err
		}
		return g, nil
	})
}

type generatorStream struct {
	log *ReceiveLog
	// tries counts NACK emissions per missing sequence number.
	tries map[uint16]uint8
}

// Generator watches inbound RTP on bound remote streams and emits
// TransportLayerNack feedback for the gaps it finds.
type Generator struct {
	interceptor.Base

	size       uint16
	skipLastN  uint16
	maxNacks   uint8
	interval   time.Duration
	senderSSRC uint32

	streams map[uint32]*generatorStream

	timer  timerState
	outQ   []interceptor.Packet
	closed bool
}

// timerState arms on first traffic since the engine never reads a clock.
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

// BindRemoteStream activates loss tracking when the stream negotiated nack.
func (g *Generator) BindRemoteStream(info *interceptor.StreamInfo) {
	if info.HasFeedback("nack", "") {
		log, _ := NewReceiveLog(g.size)
		g.streams[info.SSRC] = &generatorStream{log: log, tries: make(map[uint16]uint8)}
	}
	g.Base.BindRemoteStream(info)
}

// UnbindRemoteStream releases the stream's log.
func (g *Generator) UnbindRemoteStream(info *interceptor.StreamInfo) {
	delete(g.streams, info.SSRC)
	g.Base.UnbindRemoteStream(info)
}

// HandleRead records inbound RTP into the stream's receive log.
func (g *Generator) HandleRead(p interceptor.Packet) error {
	if !g.closed && p.IsRTP() {
		if s, ok := g.streams[p.RTP.SSRC]; ok {
			s.log.Add(p.RTP.SequenceNumber)
			g.timer.armIfIdle(p.Now, g.interval)
		}
	}
	return g.Base.HandleRead(p)
}

// HandleTimeout emits one TransportLayerNack per media SSRC with fresh gaps.
func (g *Generator) HandleTimeout(now time.Time) error {
	if g.timer.armed && !now.Before(g.timer.next) {
		g.timer.next = now.Add(g.interval)
		for ssrc, s := range g.streams {
			missing := s.log.MissingSeqNumbers(g.skipLastN)
			var nackable []uint16
			for _, seq := range missing {
				if s.tries[seq] >= g.maxNacks {
					continue
				}
				s.tries[seq]++
				nackable = append(nackable, seq)
			}
			g.pruneTries(s)
			if len(nackable) == 0 {
				continue
			}
			nack := &rtcp.TransportLayerNack{
				SenderSSRC: g.senderSSRC,
				MediaSSRC:  ssrc,
				Nacks:      rtcp.NackPairsFromSequenceNumbers(nackable),
			}
			g.outQ = append(g.outQ, interceptor.NewRTCP(now, []rtcp.Packet{nack}))
		}
	}
	return g.Base.HandleTimeout(now)
}

// pruneTries forgets retry counts for sequence numbers that left the window.
func (g *Generator) pruneTries(s *generatorStream) {
	if len(s.tries) <= int(g.size)*2 {
		return
	}
	for seq := range s.tries {
		if !s.log.Get(seq) && s.tries[seq] >= g.maxNacks {
			delete(s.tries, seq)
		}
	}
}

// PollWrite drains generated NACKs ahead of the inner chain's output.
func (g *Generator) PollWrite() (interceptor.Packet, bool) {
	if len(g.outQ) > 0 {
		p := g.outQ[0]
		g.outQ = g.outQ[1:]
		return p, true
	}
	return g.Base.PollWrite()
}

// PollTimeout folds the NACK timer into the chain deadline.
func (g *Generator) PollTimeout() (time.Time, bool) {
	return interceptor.EarlierDeadline(g.timer.next, g.timer.armed, g.Base.Next)
}

// Close drops all per-stream state.
func (g *Generator) Close() error {
	g.closed = true
	g.streams = make(map[uint32]*generatorStream)
	g.outQ = nil
	g.timer.armed = false
	return g.Base.Close()
}
