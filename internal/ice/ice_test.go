/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ice

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

func TestUnmarshalHostCandidate(t *testing.T) {
	c, err := UnmarshalCandidate("candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host")
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Type != CandidateHost {
		t.Fatalf("type %s", c.Type)
	}
	if c.Addr.String() != "192.168.1.10:54321" {
		t.Fatalf("addr %s", c.Addr)
	}
	if c.Priority != 2130706431 {
		t.Fatalf("priority %d", c.Priority)
	}
}

func TestUnmarshalMDNSCandidateStaysUnresolved(t *testing.T) {
	c, err := UnmarshalCandidate("1 1 udp 2130706431 6ba3c70e-52f8-4ab0-8dbb-aadc38d8f3e4.local 54321 typ host")
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.MDNSName == "" {
		t.Fatal("mdns name missing")
	}
	if c.Addr.Addr().IsValid() {
		t.Fatal("address must stay unresolved")
	}
	if c.Addr.Port() != 54321 {
		t.Fatalf("port %d", c.Addr.Port())
	}
}

func TestCandidateMarshalRoundTrip(t *testing.T) {
	c, err := UnmarshalCandidate("1 1 udp 2130706431 10.0.0.2 9999 typ host")
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out := c.Marshal()
	if !strings.Contains(out, "10.0.0.2 9999 typ host") {
		t.Fatalf("marshal output %q", out)
	}
	if _, err := UnmarshalCandidate(out); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
}

func TestTypePreferenceOrdering(t *testing.T) {
	host := computePriority(CandidateHost, 65535, 1)
	prflx := computePriority(CandidatePeerReflexive, 65535, 1)
	srflx := computePriority(CandidateServerReflexive, 65535, 1)
	relay := computePriority(CandidateRelay, 65535, 1)
	if !(host > prflx && prflx > srflx && srflx > relay) {
		t.Fatalf("priority order broken: host=%d prflx=%d srflx=%d relay=%d", host, prflx, srflx, relay)
	}
}

func TestPairPrioritySymmetry(t *testing.T) {
	local := &Candidate{Priority: 100}
	remote := &Candidate{Priority: 200}
	p := &Pair{Local: local, Remote: remote}

	// Swapping roles must swap G and D but keep both sides agreeing on the
	// relative order of pairs.
	controlling := p.Priority(true)
	controlled := p.Priority(false)
	if controlling == 0 || controlled == 0 {
		t.Fatal("pair priorities must be non-zero")
	}

	q := &Pair{Local: &Candidate{Priority: 300}, Remote: &Candidate{Priority: 400}}
	if (p.Priority(true) < q.Priority(true)) != (p.Priority(false) < q.Priority(false)) {
		t.Fatal("role must not change relative pair order")
	}
}

func newTestAgent(controlling bool) *Agent {
	return NewAgent(Config{
		Logger:      zerolog.Nop(),
		Acc:         stats.NewAccumulator(),
		Controlling: controlling,
	})
}

func addrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestAgentRespondsToBindingRequest(t *testing.T) {
	agent := newTestAgent(false)
	agent.SetRemoteCredentials("remoteUfrag", "remotePwd")
	now := time.Unix(100, 0)
	agent.AddLocalCandidate(now, &Candidate{
		Component: 1,
		Addr:      addrPort("10.0.0.1:1000"),
		Type:      CandidateHost,
	})

	localUfrag, localPwd := agent.LocalCredentials()
	req, err := stun.Build(stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(localUfrag+":remoteUfrag"),
		priorityAttr(12345),
		roleAttr{controlling: true, tiebreaker: 42},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	msg := pipe.Message{
		Now: now,
		Transport: pipe.TransportContext{
			Local:    addrPort("10.0.0.1:1000"),
			Peer:     addrPort("10.0.0.9:2000"),
			Protocol: pipe.ProtocolUDP,
		},
		Payload: pipe.STUNRaw(req.Raw),
	}
	if err := agent.HandleRead(msg); err != nil {
		t.Fatalf("handle read: %v", err)
	}

	out, ok := agent.PollWrite()
	if !ok {
		t.Fatal("expected a binding response")
	}
	resp := &stun.Message{Raw: out.Payload.(pipe.Raw)}
	if err := resp.Decode(); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != stun.BindingSuccess {
		t.Fatalf("response type %s", resp.Type)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		t.Fatalf("xor-mapped-address: %v", err)
	}
	if mapped.Port != 2000 {
		t.Fatalf("mapped port %d", mapped.Port)
	}
}

func TestAgentLearnsPeerReflexiveCandidate(t *testing.T) {
	agent := newTestAgent(false)
	agent.SetRemoteCredentials("ru", "rp")
	now := time.Unix(100, 0)
	agent.AddLocalCandidate(now, &Candidate{
		Component: 1,
		Addr:      addrPort("10.0.0.1:1000"),
		Type:      CandidateHost,
	})

	localUfrag, localPwd := agent.LocalCredentials()
	req, _ := stun.Build(stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(localUfrag+":ru"),
		priorityAttr(7),
		roleAttr{controlling: true, tiebreaker: 1},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	_ = agent.HandleRead(pipe.Message{
		Now: now,
		Transport: pipe.TransportContext{
			Local:    addrPort("10.0.0.1:1000"),
			Peer:     addrPort("203.0.113.7:4444"),
			Protocol: pipe.ProtocolUDP,
		},
		Payload: pipe.STUNRaw(req.Raw),
	})

	if len(agent.remote) != 1 {
		t.Fatalf("remote candidates = %d, want 1 prflx", len(agent.remote))
	}
	if agent.remote[0].Type != CandidatePeerReflexive {
		t.Fatalf("learned type %s", agent.remote[0].Type)
	}
	if len(agent.pairs) != 1 {
		t.Fatalf("pairs = %d", len(agent.pairs))
	}
}

func TestAgentPacesOneCheckPerTick(t *testing.T) {
	agent := newTestAgent(true)
	agent.SetRemoteCredentials("ru", "rp")
	now := time.Unix(100, 0)
	agent.AddLocalCandidate(now, &Candidate{Component: 1, Addr: addrPort("10.0.0.1:1000"), Type: CandidateHost})
	agent.AddRemoteCandidate(now, &Candidate{Component: 1, Addr: addrPort("10.0.0.2:2000"), Type: CandidateHost, Priority: 99})
	agent.AddRemoteCandidate(now, &Candidate{Component: 1, Addr: addrPort("10.0.0.3:3000"), Type: CandidateHost, Priority: 98})
	// Drain candidate events.
	for {
		if _, ok := agent.PollEvent(); !ok {
			break
		}
	}
	for {
		if _, ok := agent.PollWrite(); !ok {
			break
		}
	}

	_ = agent.HandleTimeout(now)
	requests := 0
	for {
		if _, ok := agent.PollWrite(); !ok {
			break
		}
		requests++
	}
	if requests != 1 {
		t.Fatalf("one Ta tick must send one check, got %d", requests)
	}

	deadline, armed := agent.PollTimeout()
	if !armed {
		t.Fatal("agent must keep a pacing deadline")
	}
	if deadline.Sub(now) != taPacing {
		t.Fatalf("deadline %v, want +%v", deadline.Sub(now), taPacing)
	}
}

func TestAgentRestartRollsCredentials(t *testing.T) {
	agent := newTestAgent(true)
	ufrag1, pwd1 := agent.LocalCredentials()
	agent.Restart()
	ufrag2, pwd2 := agent.LocalCredentials()
	if ufrag1 == ufrag2 || pwd1 == pwd2 {
		t.Fatal("restart must roll credentials")
	}
}
