/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ice implements a sans-I/O ICE agent: candidate bookkeeping,
// RFC 8445 pair prioritization, paced connectivity checks, nomination, and
// the transparent transport phase after a pair is selected. The host owns
// every socket; the agent only sees datagrams and timestamps.
package ice

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	pionice "github.com/pion/ice/v4"

	"github.com/friendsincode/heimdall/internal/pipe"
)

// CandidateType per RFC 8445 §5.1.1.
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference per RFC 8445 §5.1.2.1 recommended values.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

// Candidate is one transport address, local or remote.
type Candidate struct {
	Foundation string
	Component  uint16
	Proto      pipe.Protocol
	// TCPType is "active" or "passive" for TCP candidates, empty for UDP.
	TCPType  string
	Priority uint32
	Addr     netip.AddrPort
	Type     CandidateType
	// RelatedAddr is the base for reflexive/relay candidates.
	RelatedAddr netip.AddrPort
	// MDNSName is the obfuscated *.local hostname, when the address was
	// hidden behind mDNS.
	MDNSName string
}

// computePriority applies the RFC 8445 §5.1.2.1 formula.
func computePriority(t CandidateType, localPreference uint32, component uint16) uint32 {
	return t.typePreference()<<24 | (localPreference&0xffff)<<8 | uint32(256-component)
}

// Marshal renders the candidate-attribute value without the "candidate:"
// prefix.
func (c *Candidate) Marshal() string {
	var b strings.Builder
	proto := "udp"
	if c.Proto == pipe.ProtocolTCP {
		proto = "tcp"
	}
	host := c.Addr.Addr().String()
	if c.MDNSName != "" {
		host = c.MDNSName
	}
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, proto, c.Priority, host, c.Addr.Port(), c.Type)
	if c.Type != CandidateHost && c.RelatedAddr.IsValid() {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddr.Addr(), c.RelatedAddr.Port())
	}
	if c.TCPType != "" {
		fmt.Fprintf(&b, " tcptype %s", c.TCPType)
	}
	return b.String()
}

// UnmarshalCandidate parses a candidate-attribute value, tolerating the
// optional "candidate:" prefix. Parsing is delegated to pion/ice so the
// grammar (including extensions) matches what the rest of the ecosystem
// emits; *.local addresses are held unresolved for the mDNS resolver.
func UnmarshalCandidate(raw string) (*Candidate, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	if raw == "" {
		return nil, fmt.Errorf("empty candidate")
	}

	if host, ok := mdnsHost(raw); ok {
		return parseMDNSCandidate(raw, host)
	}

	parsed, err := pionice.UnmarshalCandidate(raw)
	if err != nil {
		return nil, fmt.Errorf("parse candidate: %w", err)
	}

	c := &Candidate{
		Foundation: parsed.Foundation(),
		Component:  parsed.Component(),
		Priority:   parsed.Priority(),
	}
	switch parsed.Type() {
	case pionice.CandidateTypeHost:
		c.Type = CandidateHost
	case pionice.CandidateTypeServerReflexive:
		c.Type = CandidateServerReflexive
	case pionice.CandidateTypePeerReflexive:
		c.Type = CandidatePeerReflexive
	case pionice.CandidateTypeRelay:
		c.Type = CandidateRelay
	default:
		return nil, fmt.Errorf("unsupported candidate type %s", parsed.Type())
	}
	if parsed.NetworkType().IsTCP() {
		c.Proto = pipe.ProtocolTCP
		c.TCPType = parsed.TCPType().String()
	}
	addr, err := netip.ParseAddr(parsed.Address())
	if err != nil {
		return nil, fmt.Errorf("candidate address %q: %w", parsed.Address(), err)
	}
	c.Addr = netip.AddrPortFrom(addr, uint16(parsed.Port()))
	if rel := parsed.RelatedAddress(); rel != nil {
		if relAddr, err := netip.ParseAddr(rel.Address); err == nil {
			c.RelatedAddr = netip.AddrPortFrom(relAddr, uint16(rel.Port))
		}
	}
	return c, nil
}

// mdnsHost detects a *.local connection address in a raw candidate line.
func mdnsHost(raw string) (string, bool) {
	fields := strings.Fields(raw)
	if len(fields) < 6 {
		return "", false
	}
	if strings.HasSuffix(fields[4], ".local") {
		return fields[4], true
	}
	return "", false
}

// parseMDNSCandidate handles the fields pion/ice would reject because the
// connection address is not an IP literal.
func parseMDNSCandidate(raw, host string) (*Candidate, error) {
	fields := strings.Fields(raw)
	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("candidate component: %w", err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("candidate priority: %w", err)
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("candidate port: %w", err)
	}
	proto := pipe.ProtocolUDP
	if strings.EqualFold(fields[2], "tcp") {
		proto = pipe.ProtocolTCP
	}
	c := &Candidate{
		Foundation: fields[0],
		Component:  uint16(component),
		Proto:      proto,
		Priority:   uint32(priority),
		Type:       CandidateHost,
		MDNSName:   host,
		// Addr stays invalid until the mDNS resolver answers.
		Addr: netip.AddrPortFrom(netip.Addr{}, uint16(port)),
	}
	return c, nil
}
