/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package interceptor implements the RTP/RTCP processor chain that rides on
// the pipeline between SRTP and the endpoint. Interceptors nest inner-first:
// a Registry builds the chain starting from the NoOp terminator, and every
// operation traverses outer-to-inner. Direction is semantic, not structural
// — a NACK generator watches inbound RTP in HandleRead and emits outbound
// RTCP from PollWrite, but its traversal order is the same as anyone else's.
package interceptor

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Packet is the unit the chain processes: exactly one of RTP or RTCP is set.
type Packet struct {
	Now  time.Time
	RTP  *rtp.Packet
	RTCP []rtcp.Packet
}

// NewRTP wraps a parsed RTP packet.
func NewRTP(now time.Time, p *rtp.Packet) Packet {
	return Packet{Now: now, RTP: p}
}

// NewRTCP wraps a compound RTCP packet.
func NewRTCP(now time.Time, pkts []rtcp.Packet) Packet {
	return Packet{Now: now, RTCP: pkts}
}

// IsRTP reports whether the packet carries RTP.
func (p Packet) IsRTP() bool { return p.RTP != nil }

// RTCPFeedback is one a=rtcp-fb capability from the negotiated SDP.
type RTCPFeedback struct {
	Type      string
	Parameter string
}

// HeaderExtension is one negotiated a=extmap mapping.
type HeaderExtension struct {
	URI string
	ID  uint8
}

// StreamInfo is the SDP-derived capability bundle attached to a stream when
// it binds. An interceptor self-activates only for streams whose info
// advertises the feature it implements.
type StreamInfo struct {
	SSRC           uint32
	RTXSSRC        uint32
	RTXPayloadType uint8
	FECSSRC        uint32
	PayloadType    uint8
	MimeType       string
	ClockRate      uint32
	Mid            string
	Rid            string
	Feedback       []RTCPFeedback
	Extensions     []HeaderExtension
}

// HasFeedback reports whether the stream negotiated the given rtcp-fb pair.
func (s *StreamInfo) HasFeedback(kind, parameter string) bool {
	for _, fb := range s.Feedback {
		if fb.Type == kind && fb.Parameter == parameter {
			return true
		}
	}
	return false
}

// ExtensionID looks up the negotiated id for a header-extension URI.
func (s *StreamInfo) ExtensionID(uri string) (uint8, bool) {
	for _, ext := range s.Extensions {
		if ext.URI == uri {
			return ext.ID, true
		}
	}
	return 0, false
}

// Event mirrors the pipeline event leg of the contract. No shipped
// interceptor consumes events, but the leg exists so the chain satisfies the
// same operation set as every other layer.
type Event any

// Interceptor is the polling contract specialized over Packet, plus the four
// stream-lifecycle hooks. Every method runs outer-to-inner; implementations
// finish their own work and then delegate to the inner interceptor.
type Interceptor interface {
	HandleRead(Packet) error
	PollRead() (Packet, bool)
	HandleWrite(Packet) error
	PollWrite() (Packet, bool)
	HandleEvent(Event) error
	PollEvent() (Event, bool)
	HandleTimeout(now time.Time) error
	PollTimeout() (time.Time, bool)

	BindLocalStream(*StreamInfo)
	UnbindLocalStream(*StreamInfo)
	BindRemoteStream(*StreamInfo)
	UnbindRemoteStream(*StreamInfo)

	Close() error
}

// Factory constructs one interceptor around the chain built so far.
type Factory interface {
	NewInterceptor(next Interceptor) (Interceptor, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(next Interceptor) (Interceptor, error)

func (f FactoryFunc) NewInterceptor(next Interceptor) (Interceptor, error) {
	return f(next)
}

// Registry accumulates factories and builds the nested chain. The first
// factory added becomes the innermost interceptor (closest to NoOp), the
// last the outermost.
type Registry struct {
	factories []Factory
}

// Add appends a factory.
func (r *Registry) Add(f Factory) {
	r.factories = append(r.factories, f)
}

// Build nests the registered interceptors around a NoOp terminator.
func (r *Registry) Build() (Interceptor, error) {
	var chain Interceptor = &NoOp{}
	for _, f := range r.factories {
		next, err := f.NewInterceptor(chain)
		if err != nil {
			return nil, err
		}
		chain = next
	}
	return chain, nil
}

// queue is a small FIFO of packets.
type queue struct {
	items []Packet
}

func (q *queue) push(p Packet) {
	q.items = append(q.items, p)
}

func (q *queue) pop() (Packet, bool) {
	if len(q.items) == 0 {
		return Packet{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *queue) clear() { q.items = nil }

// NoOp terminates every chain. Packets handed to it come back out of the
// matching poll leg unchanged and in order; it owns no timers.
type NoOp struct {
	readQ  queue
	writeQ queue
	closed bool
}

func (n *NoOp) HandleRead(p Packet) error {
	if !n.closed {
		n.readQ.push(p)
	}
	return nil
}

func (n *NoOp) PollRead() (Packet, bool) { return n.readQ.pop() }

func (n *NoOp) HandleWrite(p Packet) error {
	if !n.closed {
		n.writeQ.push(p)
	}
	return nil
}

func (n *NoOp) PollWrite() (Packet, bool) { return n.writeQ.pop() }

func (n *NoOp) HandleEvent(Event) error          { return nil }
func (n *NoOp) PollEvent() (Event, bool)         { return nil, false }
func (n *NoOp) HandleTimeout(time.Time) error    { return nil }
func (n *NoOp) PollTimeout() (time.Time, bool)   { return time.Time{}, false }
func (n *NoOp) BindLocalStream(*StreamInfo)      {}
func (n *NoOp) UnbindLocalStream(*StreamInfo)    {}
func (n *NoOp) BindRemoteStream(*StreamInfo)     {}
func (n *NoOp) UnbindRemoteStream(*StreamInfo)   {}

func (n *NoOp) Close() error {
	n.closed = true
	n.readQ.clear()
	n.writeQ.clear()
	return nil
}

// Base delegates every operation to the inner interceptor. Concrete
// interceptors embed it and override only the legs they care about; the
// overriding method drains its own buffer first and then falls through to
// the inner, which keeps injected packets ordered ahead of forwarded ones.
type Base struct {
	Next Interceptor
}

func (b *Base) HandleRead(p Packet) error        { return b.Next.HandleRead(p) }
func (b *Base) PollRead() (Packet, bool)         { return b.Next.PollRead() }
func (b *Base) HandleWrite(p Packet) error       { return b.Next.HandleWrite(p) }
func (b *Base) PollWrite() (Packet, bool)        { return b.Next.PollWrite() }
func (b *Base) HandleEvent(e Event) error        { return b.Next.HandleEvent(e) }
func (b *Base) PollEvent() (Event, bool)         { return b.Next.PollEvent() }
func (b *Base) HandleTimeout(now time.Time) error { return b.Next.HandleTimeout(now) }
func (b *Base) PollTimeout() (time.Time, bool)   { return b.Next.PollTimeout() }
func (b *Base) BindLocalStream(s *StreamInfo)    { b.Next.BindLocalStream(s) }
func (b *Base) UnbindLocalStream(s *StreamInfo)  { b.Next.UnbindLocalStream(s) }
func (b *Base) BindRemoteStream(s *StreamInfo)   { b.Next.BindRemoteStream(s) }
func (b *Base) UnbindRemoteStream(s *StreamInfo) { b.Next.UnbindRemoteStream(s) }
func (b *Base) Close() error                     { return b.Next.Close() }

// EarlierDeadline folds a local timer into the inner chain's deadline.
func EarlierDeadline(own time.Time, ownSet bool, inner Interceptor) (time.Time, bool) {
	innerDeadline, innerSet := inner.PollTimeout()
	switch {
	case !ownSet:
		return innerDeadline, innerSet
	case !innerSet:
		return own, true
	case own.Before(innerDeadline):
		return own, true
	default:
		return innerDeadline, true
	}
}
