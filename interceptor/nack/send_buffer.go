/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nack

import (
	"fmt"

	"github.com/pion/rtp"
)

// SendBuffer retains recently sent RTP packets keyed by sequence number so
// the responder can answer NACKs. Size must be a power of two.
type SendBuffer struct {
	packets      []*rtp.Packet
	size         uint16
	highest      uint16
	started      bool
}

// NewSendBuffer allocates a ring of the given size.
func NewSendBuffer(size uint16) (*SendBuffer, error) {
	allowed := false
	for _, s := range []uint16{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768} {
		if size == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("send buffer size %d is not a power of two within 1..32768", size)
	}
	return &SendBuffer{
		packets: make([]*rtp.Packet, size),
		size:    size,
	}, nil
}

// Add stores a copy of the packet.
func (s *SendBuffer) Add(packet *rtp.Packet) {
	clone := packet.Clone()
	seq := packet.SequenceNumber
	if !s.started {
		s.packets[seq%s.size] = clone
		s.highest = seq
		s.started = true
		return
	}

	diff := seq - s.highest
	if diff == 0 {
		return
	}
	if diff < uint16(32768) {
		// Clear the slots the window slides over.
		for i := s.highest + 1; i != seq; i++ {
			s.packets[i%s.size] = nil
		}
		s.highest = seq
	}
	s.packets[seq%s.size] = clone
}

// Get returns the retained packet for seq, or nil if it has left the window.
func (s *SendBuffer) Get(seq uint16) *rtp.Packet {
	if !s.started {
		return nil
	}
	diff := s.highest - seq
	if diff >= uint16(32768) || diff >= s.size {
		return nil
	}
	pkt := s.packets[seq%s.size]
	if pkt == nil || pkt.SequenceNumber != seq {
		return nil
	}
	return pkt
}
