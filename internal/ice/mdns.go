/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ice

import (
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/friendsincode/heimdall/internal/pipe"
)

// MDNSPort identifies the multicast DNS sub-protocol: the host multiplexes
// a separate socket and hands the agent every datagram whose local port is
// 5353.
const MDNSPort = 5353

var mdnsGroup = netip.AddrPortFrom(netip.AddrFrom4([4]byte{224, 0, 0, 251}), MDNSPort)

const (
	mdnsTTL          = 120
	mdnsQueryRetry   = time.Second
	mdnsQueryRetries = 3
	// cacheFlushClass is class IN with the cache-flush bit per RFC 6762 §10.2.
	cacheFlushClass = 0x8001
)

type mdnsPending struct {
	candidate *Candidate
	asked     time.Time
	retries   int
}

// MDNS is the embedded RFC 6762 responder/resolver. It is itself a small
// polling engine: the agent feeds it datagrams and timestamps and drains
// queries and answers to send on the multicast socket.
type MDNS struct {
	logger zerolog.Logger
	gather bool

	// localNames maps our published obfuscated names to real addresses.
	localNames map[string]netip.Addr
	// pending holds remote candidates awaiting resolution, keyed by name.
	pending map[string]*mdnsPending

	outbox []*pipe.Message
	timer  pipe.Timer
}

// NewMDNS builds the sub-protocol engine. gather enables publishing local
// names; resolution of remote names is always on.
func NewMDNS(logger zerolog.Logger, gather bool) *MDNS {
	return &MDNS{
		logger:     logger.With().Str("component", "mdns").Logger(),
		gather:     gather,
		localNames: make(map[string]netip.Addr),
		pending:    make(map[string]*mdnsPending),
	}
}

// ObfuscateLocal publishes a fresh name for a local address and returns it.
func (m *MDNS) ObfuscateLocal(addr netip.Addr) string {
	name := uuid.NewString() + ".local"
	m.localNames[name] = addr
	return name
}

// Resolve queues a query for a remote *.local candidate.
func (m *MDNS) Resolve(now time.Time, c *Candidate) {
	name := c.MDNSName
	if _, exists := m.pending[name]; !exists {
		m.pending[name] = &mdnsPending{candidate: c, asked: now}
		m.sendQuery(now, name)
		m.timer.Arm(now.Add(mdnsQueryRetry))
	}
}

func (m *MDNS) sendQuery(now time.Time, name string) {
	msg := dnsmessage.Message{
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName(name + "."),
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := msg.Pack()
	if err != nil {
		m.logger.Debug().Err(err).Str("name", name).Msg("mdns query pack failed")
		return
	}
	m.push(now, packed)
}

func (m *MDNS) push(now time.Time, packed []byte) {
	m.outbox = append(m.outbox, &pipe.Message{
		Now: now,
		Transport: pipe.TransportContext{
			Local:    netip.AddrPortFrom(netip.IPv4Unspecified(), MDNSPort),
			Peer:     mdnsGroup,
			Protocol: pipe.ProtocolUDP,
		},
		Payload: pipe.Raw(packed),
	})
}

// HandleRead parses one multicast datagram. Answers for pending names
// resolve their candidates, which are returned; queries for our published
// names produce responses in the outbox.
func (m *MDNS) HandleRead(now time.Time, _ pipe.TransportContext, raw []byte) []*Candidate {
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		return nil
	}

	if !msg.Header.Response {
		m.answerQueries(now, &msg)
		return nil
	}

	var resolved []*Candidate
	for _, answer := range msg.Answers {
		name := strings.TrimSuffix(answer.Header.Name.String(), ".")
		p, ok := m.pending[name]
		if !ok {
			continue
		}
		var addr netip.Addr
		switch body := answer.Body.(type) {
		case *dnsmessage.AResource:
			addr = netip.AddrFrom4(body.A)
		case *dnsmessage.AAAAResource:
			addr = netip.AddrFrom16(body.AAAA)
		default:
			continue
		}
		c := p.candidate
		c.Addr = netip.AddrPortFrom(addr, c.Addr.Port())
		resolved = append(resolved, c)
		delete(m.pending, name)
		m.logger.Debug().Str("name", name).Str("addr", addr.String()).Msg("mdns candidate resolved")
	}
	return resolved
}

func (m *MDNS) answerQueries(now time.Time, msg *dnsmessage.Message) {
	for _, q := range msg.Questions {
		name := strings.TrimSuffix(q.Name.String(), ".")
		addr, ok := m.localNames[name]
		if !ok {
			continue
		}
		answer := dnsmessage.Message{
			Header: dnsmessage.Header{Response: true, Authoritative: true},
		}
		hdr := dnsmessage.ResourceHeader{
			Name:  q.Name,
			Class: cacheFlushClass,
			TTL:   mdnsTTL,
		}
		if addr.Is4() {
			hdr.Type = dnsmessage.TypeA
			answer.Answers = append(answer.Answers, dnsmessage.Resource{
				Header: hdr,
				Body:   &dnsmessage.AResource{A: addr.As4()},
			})
		} else {
			hdr.Type = dnsmessage.TypeAAAA
			answer.Answers = append(answer.Answers, dnsmessage.Resource{
				Header: hdr,
				Body:   &dnsmessage.AAAAResource{AAAA: addr.As16()},
			})
		}
		packed, err := answer.Pack()
		if err != nil {
			continue
		}
		m.push(now, packed)
	}
}

// HandleWrite lets the agent route outbound messages; mDNS never originates
// from upper layers, so nothing is claimed.
func (m *MDNS) HandleWrite(msg pipe.Message) (pipe.Message, bool) {
	return msg, false
}

// HandleTimeout retries unanswered queries and drains the outbox.
func (m *MDNS) HandleTimeout(now time.Time) []*pipe.Message {
	for name, p := range m.pending {
		if now.Sub(p.asked) < mdnsQueryRetry {
			continue
		}
		if p.retries >= mdnsQueryRetries {
			delete(m.pending, name)
			m.logger.Debug().Str("name", name).Msg("mdns resolution timed out")
			continue
		}
		p.retries++
		p.asked = now
		m.sendQuery(now, name)
	}
	if len(m.pending) > 0 {
		m.timer.Arm(now.Add(mdnsQueryRetry))
	} else {
		m.timer.Disarm()
	}
	out := m.outbox
	m.outbox = nil
	return out
}

// PollTimeout reports the retry deadline.
func (m *MDNS) PollTimeout() (time.Time, bool) {
	return m.timer.Deadline()
}
