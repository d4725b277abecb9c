/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ice

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// ConnectionState is the agent's own connectivity state machine; the
// orchestrator maps it onto the W3C enum.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateCompleted
	StateDisconnected
	StateFailed
	StateClosed
)

// GatheringState tracks candidate gathering.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringGathering
	GatheringComplete
)

// MDNSMode selects how local addresses are obfuscated.
type MDNSMode int

const (
	MDNSDisabled MDNSMode = iota
	MDNSQueryOnly
	MDNSQueryAndGather
)

// Timing constants per RFC 8445 defaults, scaled for a single data stream.
const (
	taPacing          = 50 * time.Millisecond
	initialRTO        = 500 * time.Millisecond
	maxCheckRetries   = 4
	keepaliveInterval = 2 * time.Second
	disconnectedAfter = 5 * time.Second
	failedAfter       = 25 * time.Second
)

// ServerAddr is one resolved STUN server the host prepared for us.
type ServerAddr struct {
	URL  string
	Addr netip.AddrPort
}

// Config parameterizes an Agent.
type Config struct {
	Logger      zerolog.Logger
	Acc         *stats.Accumulator
	Controlling bool
	STUNServers []ServerAddr
	MDNS        MDNSMode
	// RelayOnly drops every candidate type except relay.
	RelayOnly bool
}

type serverCheck struct {
	transactionID [12]byte
	server        ServerAddr
	base          *Candidate
	sentAt        time.Time
	retries       int
	done          bool
}

// Agent is the ICE pipeline layer.
type Agent struct {
	logger zerolog.Logger
	acc    *stats.Accumulator

	controlling bool
	tiebreaker  uint64
	relayOnly   bool

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	local  []*Candidate
	remote []*Candidate
	pairs  []*Pair

	selected  *Pair
	connState ConnectionState
	gathering GatheringState

	stunServers  []ServerAddr
	serverChecks []*serverCheck

	mdns *MDNS

	readOut       pipe.Queue[pipe.Message]
	writeOut      pipe.Queue[pipe.Message]
	eventOut      pipe.Queue[pipe.Event]
	pendingWrites pipe.Queue[pipe.Message]

	checkTimer pipe.Timer
	lastNow    time.Time
	firstCheck time.Time
	closed     bool
}

// NewAgent builds an agent with fresh local credentials.
func NewAgent(cfg Config) *Agent {
	var tb [8]byte
	_, _ = rand.Read(tb[:])
	ufrag, _ := randutil.GenerateCryptoRandomString(16, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	pwd, _ := randutil.GenerateCryptoRandomString(32, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

	a := &Agent{
		logger:      cfg.Logger.With().Str("component", "ice").Logger(),
		acc:         cfg.Acc,
		controlling: cfg.Controlling,
		tiebreaker:  binary.BigEndian.Uint64(tb[:]),
		relayOnly:   cfg.RelayOnly,
		localUfrag:  ufrag,
		localPwd:    pwd,
		stunServers: cfg.STUNServers,
	}
	if cfg.MDNS != MDNSDisabled {
		a.mdns = NewMDNS(a.logger, cfg.MDNS == MDNSQueryAndGather)
	}
	role := "controlled"
	if a.controlling {
		role = "controlling"
	}
	a.acc.Transport().ICERole = role
	return a
}

func (a *Agent) Name() string { return "ice" }

// LocalCredentials returns the ufrag/pwd advertised in SDP.
func (a *Agent) LocalCredentials() (string, string) {
	return a.localUfrag, a.localPwd
}

// SetRemoteCredentials installs the peer's ufrag/pwd from SDP. A change to
// credentials already installed means the peer restarted ICE.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	if ufrag == a.remoteUfrag && pwd == a.remotePwd {
		return
	}
	restarted := a.remoteUfrag != ""
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
	if restarted {
		a.remote = nil
		a.resetChecks()
	}
}

// Restart rolls local credentials and clears the checklist.
func (a *Agent) Restart() {
	ufrag, _ := randutil.GenerateCryptoRandomString(16, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	pwd, _ := randutil.GenerateCryptoRandomString(32, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	a.localUfrag = ufrag
	a.localPwd = pwd
	a.remote = nil
	a.resetChecks()
	a.setGathering(GatheringNew)
}

func (a *Agent) resetChecks() {
	a.pairs = nil
	a.selected = nil
	a.firstCheck = time.Time{}
	a.setConnState(StateNew)
}

// Controlling reports the current role.
func (a *Agent) Controlling() bool { return a.controlling }

// SetControlling fixes the role; the offerer controls per RFC 8445 §5.
// Role conflicts discovered during checks can still flip it.
func (a *Agent) SetControlling(controlling bool) {
	if a.controlling == controlling {
		return
	}
	a.controlling = controlling
	role := "controlled"
	if controlling {
		role = "controlling"
	}
	a.acc.Transport().ICERole = role
}

// Selected reports the nominated pair, if any.
func (a *Agent) Selected() *Pair { return a.selected }

// ConnState reports the agent connectivity state.
func (a *Agent) ConnState() ConnectionState { return a.connState }

// Gathering reports the gathering state.
func (a *Agent) Gathering() GatheringState { return a.gathering }

// StartGathering begins server-reflexive gathering against the configured
// STUN servers from every host candidate base added so far.
func (a *Agent) StartGathering(now time.Time) {
	if a.closed || a.gathering == GatheringGathering {
		return
	}
	a.setGathering(GatheringGathering)
	for _, c := range a.local {
		if c.Type == CandidateHost {
			a.queueServerChecks(now, c)
		}
	}
	a.maybeFinishGathering()
}

// AddLocalCandidate registers a host-gathered candidate and advertises it.
func (a *Agent) AddLocalCandidate(now time.Time, c *Candidate) {
	if a.closed {
		return
	}
	if a.relayOnly && c.Type != CandidateRelay {
		return
	}
	if c.Priority == 0 {
		c.Priority = computePriority(c.Type, 65535-uint32(len(a.local)), c.Component)
	}
	if c.Foundation == "" {
		c.Foundation = fmt.Sprintf("%d%s", len(a.local), c.Type)
	}
	if a.mdns != nil && a.mdns.gather && c.Type == CandidateHost && c.MDNSName == "" {
		c.MDNSName = a.mdns.ObfuscateLocal(c.Addr.Addr())
	}
	a.local = append(a.local, c)
	a.acc.PutCandidate(stats.CandidateInfo{
		CandID:        c.Addr.String(),
		Local:         true,
		Address:       c.Addr.Addr().String(),
		Port:          c.Addr.Port(),
		Proto:         c.Proto.String(),
		CandidateType: c.Type.String(),
		Priority:      c.Priority,
	})
	a.eventOut.Push(pipe.ICECandidateEvent{Candidate: c.Marshal()})
	if a.gathering == GatheringGathering && c.Type == CandidateHost {
		a.queueServerChecks(now, c)
	}
	a.formPairs()
}

// AddRemoteCandidate registers a signaled remote candidate, resolving
// mDNS-obfuscated addresses first when the resolver is enabled.
func (a *Agent) AddRemoteCandidate(now time.Time, c *Candidate) {
	if a.closed {
		return
	}
	if c.MDNSName != "" && !c.Addr.Addr().IsValid() {
		if a.mdns == nil {
			a.logger.Debug().Str("name", c.MDNSName).Msg("dropping mdns candidate, resolver disabled")
			return
		}
		a.mdns.Resolve(now, c)
		return
	}
	a.addResolvedRemote(c)
}

func (a *Agent) addResolvedRemote(c *Candidate) {
	for _, existing := range a.remote {
		if existing.Addr == c.Addr && existing.Proto == c.Proto {
			return
		}
	}
	a.remote = append(a.remote, c)
	a.acc.PutCandidate(stats.CandidateInfo{
		CandID:        c.Addr.String(),
		Local:         false,
		Address:       c.Addr.Addr().String(),
		Port:          c.Addr.Port(),
		Proto:         c.Proto.String(),
		CandidateType: c.Type.String(),
		Priority:      c.Priority,
	})
	a.formPairs()
}

// formPairs extends the checklist with new local×remote combinations.
func (a *Agent) formPairs() {
	for _, l := range a.local {
		if !l.Addr.Addr().IsValid() {
			continue
		}
		for _, r := range a.remote {
			if l.Proto != r.Proto || l.Component != r.Component {
				continue
			}
			if l.Addr.Addr().Is4() != r.Addr.Addr().Is4() {
				continue
			}
			if a.findPair(l, r) != nil {
				continue
			}
			a.pairs = append(a.pairs, &Pair{Local: l, Remote: r, State: PairWaiting, rto: initialRTO})
		}
	}
	sort.SliceStable(a.pairs, func(i, j int) bool {
		return a.pairs[i].Priority(a.controlling) > a.pairs[j].Priority(a.controlling)
	})
	if len(a.pairs) > 0 && a.connState == StateNew {
		a.setConnState(StateChecking)
	}
}

func (a *Agent) findPair(l, r *Candidate) *Pair {
	for _, p := range a.pairs {
		if p.Local == l && p.Remote == r {
			return p
		}
	}
	return nil
}

func (a *Agent) findPairByRemoteAddr(addr netip.AddrPort) *Pair {
	for _, p := range a.pairs {
		if p.Remote.Addr == addr {
			return p
		}
	}
	return nil
}

func (a *Agent) setConnState(s ConnectionState) {
	if a.connState == s {
		return
	}
	a.connState = s
	a.eventOut.Push(pipe.ICEConnectionStateEvent{State: int(s)})
}

func (a *Agent) setGathering(s GatheringState) {
	if a.gathering == s {
		return
	}
	a.gathering = s
	a.eventOut.Push(pipe.ICEGatheringStateEvent{State: int(s)})
}

// HandleRead consumes STUN traffic; after nomination everything else passes
// through with the selected pair's transport attached.
func (a *Agent) HandleRead(msg pipe.Message) error {
	if a.closed {
		return nil
	}
	a.lastNow = msg.Now
	if a.mdns != nil && msg.Transport.Local.Port() == MDNSPort {
		return a.handleMDNS(msg)
	}
	if payload, ok := msg.Payload.(pipe.STUNRaw); ok {
		return a.handleSTUN(msg, payload)
	}
	if a.selected != nil {
		a.selected.lastActivity = msg.Now
		a.acc.Pair(a.selected.ID()).PacketsReceived++
	}
	a.readOut.Push(msg)
	return nil
}

func (a *Agent) handleMDNS(msg pipe.Message) error {
	raw, ok := msg.Payload.(pipe.Raw)
	if !ok {
		if s, isStun := msg.Payload.(pipe.STUNRaw); isStun {
			raw = pipe.Raw(s)
		} else {
			return nil
		}
	}
	resolved := a.mdns.HandleRead(msg.Now, msg.Transport, raw)
	for _, c := range resolved {
		a.addResolvedRemote(c)
	}
	return nil
}

func (a *Agent) handleSTUN(msg pipe.Message, raw []byte) error {
	m := &stun.Message{Raw: raw}
	if err := m.Decode(); err != nil {
		a.acc.MalformedPackets++
		return nil
	}
	switch m.Type {
	case stun.BindingRequest:
		a.handleBindingRequest(msg, m)
	case stun.BindingSuccess:
		a.handleBindingSuccess(msg, m)
	case stun.BindingError:
		a.handleBindingError(msg, m)
	}
	return nil
}

func (a *Agent) handleBindingRequest(msg pipe.Message, m *stun.Message) {
	if a.remotePwd == "" {
		return
	}
	integrity := stun.NewShortTermIntegrity(a.localPwd)
	if err := integrity.Check(m); err != nil {
		a.logger.Debug().Err(err).Msg("binding request failed integrity")
		return
	}
	if peerControlling, tb, ok := roleFrom(m); ok && peerControlling == a.controlling {
		// Role conflict per RFC 8445 §7.3.1.1.
		if (a.controlling && a.tiebreaker >= tb) || (!a.controlling && a.tiebreaker < tb) {
			a.sendRoleConflict(msg, m)
			return
		}
		a.controlling = !a.controlling
	}

	pair := a.findPairByRemoteAddr(msg.Transport.Peer)
	if pair == nil {
		// Peer-reflexive remote candidate per RFC 8445 §7.3.1.3.
		var prio priorityAttr
		_ = prio.GetFrom(m)
		prflx := &Candidate{
			Foundation: "prflx",
			Component:  1,
			Proto:      msg.Transport.Protocol,
			Priority:   uint32(prio),
			Addr:       msg.Transport.Peer,
			Type:       CandidatePeerReflexive,
		}
		a.addResolvedRemote(prflx)
		pair = a.findPairByRemoteAddr(msg.Transport.Peer)
	}
	if pair != nil {
		pair.lastActivity = msg.Now
		if hasUseCandidate(m) && !a.controlling {
			// The nomination may arrive before our own check on the pair has
			// succeeded; remember it and settle once it does.
			pair.Nominated = true
			if pair.State == PairSucceeded {
				a.selectPair(pair)
			}
		}
	}

	resp, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: msg.Transport.Peer.Addr().AsSlice(), Port: int(msg.Transport.Peer.Port())},
		integrity,
		stun.Fingerprint,
	)
	if err != nil {
		a.logger.Debug().Err(err).Msg("binding response build failed")
		return
	}
	a.writeOut.Push(pipe.Message{
		Now: msg.Now,
		Transport: pipe.TransportContext{
			Local:    msg.Transport.Local,
			Peer:     msg.Transport.Peer,
			Protocol: msg.Transport.Protocol,
		},
		Payload: pipe.Raw(resp.Raw),
	})
	// A valid request is also a reachability proof: schedule a triggered
	// check so the pair can succeed in our direction too.
	if pair != nil && pair.State == PairFrozen {
		pair.State = PairWaiting
	}
}

func (a *Agent) sendRoleConflict(msg pipe.Message, m *stun.Message) {
	resp, err := stun.Build(m, stun.BindingError,
		stun.CodeRoleConflict,
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return
	}
	a.writeOut.Push(pipe.Message{Now: msg.Now, Transport: msg.Transport, Payload: pipe.Raw(resp.Raw)})
}

func (a *Agent) handleBindingSuccess(msg pipe.Message, m *stun.Message) {
	// Server-reflexive gathering responses carry no integrity.
	for _, sc := range a.serverChecks {
		if !sc.done && sc.transactionID == m.TransactionID {
			sc.done = true
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(m); err == nil {
				addr, ok := netip.AddrFromSlice(mapped.IP)
				if ok {
					srflx := &Candidate{
						Component:   1,
						Proto:       sc.base.Proto,
						Addr:        netip.AddrPortFrom(addr.Unmap(), uint16(mapped.Port)),
						Type:        CandidateServerReflexive,
						RelatedAddr: sc.base.Addr,
					}
					a.AddLocalCandidate(msg.Now, srflx)
				}
			}
			a.maybeFinishGathering()
			return
		}
	}

	for _, p := range a.pairs {
		if p.transactionID != m.TransactionID {
			continue
		}
		// Succeeded pairs still answer: nomination rechecks and keepalives
		// reuse the same path.
		if p.State != PairInProgress && p.State != PairSucceeded {
			continue
		}
		if err := stun.NewShortTermIntegrity(a.remotePwd).Check(m); err != nil {
			a.logger.Debug().Err(err).Msg("binding success failed integrity")
			return
		}
		p.State = PairSucceeded
		p.rtt = msg.Now.Sub(p.sentAt)
		p.lastActivity = msg.Now
		pc := a.acc.Pair(p.ID())
		pc.LocalID = p.Local.Addr.String()
		pc.RemoteID = p.Remote.Addr.String()
		pc.State = p.State.String()
		pc.CurrentRTT = p.rtt.Seconds()
		if a.connState == StateChecking {
			a.setConnState(StateConnected)
		}
		if p.Nominated {
			a.selectPair(p)
		} else if a.controlling {
			a.maybeNominate(msg.Now)
		}
		return
	}
}

func (a *Agent) handleBindingError(msg pipe.Message, m *stun.Message) {
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return
	}
	if code.Code == stun.CodeRoleConflict {
		a.controlling = !a.controlling
		for _, p := range a.pairs {
			if p.transactionID == m.TransactionID && p.State == PairInProgress {
				p.State = PairWaiting
				p.retries = 0
			}
		}
		a.logger.Debug().Bool("controlling", a.controlling).Msg("role switched after 487")
	}
}

// maybeNominate sends USE-CANDIDATE on the best succeeded pair.
func (a *Agent) maybeNominate(now time.Time) {
	if a.selected != nil {
		return
	}
	for _, p := range a.pairs {
		if p.State == PairSucceeded {
			p.Nominated = true
			a.sendCheck(now, p, true)
			return
		}
	}
}

func (a *Agent) selectPair(p *Pair) {
	if a.selected == p {
		return
	}
	a.selected = p
	pc := a.acc.Pair(p.ID())
	pc.Nominated = true
	pc.State = PairSucceeded.String()
	a.acc.Transport().SelectedPairID = p.ID()
	a.eventOut.Push(pipe.SelectedCandidatePairEvent{
		Local:  p.Local.Marshal(),
		Remote: p.Remote.Marshal(),
		Peer:   p.Remote.Addr,
	})
	a.setConnState(StateCompleted)
	// Flush writes buffered while no pair was usable.
	for {
		msg, ok := a.pendingWrites.Pop()
		if !ok {
			break
		}
		msg.Transport = a.selectedTransport()
		a.writeOut.Push(msg)
	}
}

func (a *Agent) selectedTransport() pipe.TransportContext {
	return pipe.TransportContext{
		Local:    a.selected.Local.Addr,
		Peer:     a.selected.Remote.Addr,
		Protocol: a.selected.Local.Proto,
	}
}

// HandleWrite forwards outbound traffic over the selected pair, buffering
// until nomination.
func (a *Agent) HandleWrite(msg pipe.Message) error {
	if a.closed {
		return nil
	}
	if a.mdns != nil {
		if out, handled := a.mdns.HandleWrite(msg); handled {
			a.writeOut.Push(out)
			return nil
		}
	}
	if a.selected == nil {
		a.pendingWrites.Push(msg)
		return nil
	}
	msg.Transport = a.selectedTransport()
	pc := a.acc.Pair(a.selected.ID())
	pc.PacketsSent++
	a.writeOut.Push(msg)
	return nil
}

func (a *Agent) PollRead() (pipe.Message, bool)  { return a.readOut.Pop() }
func (a *Agent) PollWrite() (pipe.Message, bool) { return a.writeOut.Pop() }
func (a *Agent) PollEvent() (pipe.Event, bool)   { return a.eventOut.Pop() }

func (a *Agent) HandleEvent(evt pipe.Event) error {
	a.eventOut.Push(evt)
	return nil
}

// HandleTimeout paces connectivity checks, retransmits, keepalives, and
// liveness.
func (a *Agent) HandleTimeout(now time.Time) error {
	if a.closed {
		return nil
	}
	a.lastNow = now
	if a.mdns != nil {
		if out := a.mdns.HandleTimeout(now); out != nil {
			for _, msg := range out {
				a.writeOut.Push(*msg)
			}
		}
	}

	if a.remotePwd != "" {
		a.paceChecks(now)
		a.retransmit(now)
		a.keepalive(now)
		a.checkLiveness(now)
	}
	a.retransmitServerChecks(now)

	a.checkTimer.Arm(now.Add(taPacing))
	return nil
}

func (a *Agent) paceChecks(now time.Time) {
	for _, p := range a.pairs {
		if p.State == PairWaiting {
			if a.firstCheck.IsZero() {
				a.firstCheck = now
			}
			a.sendCheck(now, p, false)
			return // one check per Ta tick
		}
	}
}

func (a *Agent) retransmit(now time.Time) {
	for _, p := range a.pairs {
		if p.State != PairInProgress {
			continue
		}
		if now.Sub(p.sentAt) < p.rto {
			continue
		}
		if p.retries >= maxCheckRetries {
			p.State = PairFailed
			a.acc.Pair(p.ID()).State = p.State.String()
			continue
		}
		p.retries++
		p.rto *= 2
		a.sendCheck(now, p, p.Nominated)
	}
	allFailed := len(a.pairs) > 0
	for _, p := range a.pairs {
		if p.State != PairFailed {
			allFailed = false
			break
		}
	}
	if allFailed && a.selected == nil {
		a.setConnState(StateFailed)
	}
}

func (a *Agent) keepalive(now time.Time) {
	if a.selected == nil {
		return
	}
	if now.Sub(a.selected.lastActivity) < keepaliveInterval {
		return
	}
	a.sendCheck(now, a.selected, false)
}

func (a *Agent) checkLiveness(now time.Time) {
	if a.selected == nil {
		if !a.firstCheck.IsZero() && now.Sub(a.firstCheck) > failedAfter && a.connState == StateChecking {
			a.setConnState(StateFailed)
		}
		return
	}
	idle := now.Sub(a.selected.lastActivity)
	switch {
	case idle > failedAfter:
		a.setConnState(StateFailed)
	case idle > disconnectedAfter:
		a.setConnState(StateDisconnected)
	case a.connState == StateDisconnected:
		a.setConnState(StateCompleted)
	}
}

// sendCheck emits one binding request on a pair.
func (a *Agent) sendCheck(now time.Time, p *Pair, nominate bool) {
	username := stun.NewUsername(a.remoteUfrag + ":" + a.localUfrag)
	prflxPriority := computePriority(CandidatePeerReflexive, 65535, p.Local.Component)
	setters := []stun.Setter{
		stun.TransactionID,
		username,
		priorityAttr(prflxPriority),
		roleAttr{controlling: a.controlling, tiebreaker: a.tiebreaker},
	}
	if nominate && a.controlling {
		setters = append(setters, useCandidateAttr{})
	}
	setters = append(setters, stun.NewShortTermIntegrity(a.remotePwd), stun.Fingerprint)

	m, err := stun.Build(append([]stun.Setter{stun.BindingRequest}, setters...)...)
	if err != nil {
		a.logger.Debug().Err(err).Msg("binding request build failed")
		return
	}
	copy(p.transactionID[:], m.TransactionID[:])
	p.sentAt = now
	if p.State == PairWaiting || p.State == PairFrozen {
		p.State = PairInProgress
		p.rto = initialRTO
		p.retries = 0
	}
	a.acc.Pair(p.ID()).State = p.State.String()
	a.writeOut.Push(pipe.Message{
		Now: now,
		Transport: pipe.TransportContext{
			Local:    p.Local.Addr,
			Peer:     p.Remote.Addr,
			Protocol: p.Local.Proto,
		},
		Payload: pipe.Raw(m.Raw),
	})
}

func (a *Agent) queueServerChecks(now time.Time, base *Candidate) {
	if base.Proto != pipe.ProtocolUDP {
		return
	}
	for _, server := range a.stunServers {
		sc := &serverCheck{server: server, base: base, sentAt: now}
		a.serverChecks = append(a.serverChecks, sc)
		a.sendServerCheck(now, sc)
	}
}

func (a *Agent) sendServerCheck(now time.Time, sc *serverCheck) {
	m, err := stun.Build(stun.BindingRequest, stun.TransactionID, stun.Fingerprint)
	if err != nil {
		return
	}
	copy(sc.transactionID[:], m.TransactionID[:])
	sc.sentAt = now
	a.writeOut.Push(pipe.Message{
		Now: now,
		Transport: pipe.TransportContext{
			Local:    sc.base.Addr,
			Peer:     sc.server.Addr,
			Protocol: pipe.ProtocolUDP,
		},
		Payload: pipe.Raw(m.Raw),
	})
}

func (a *Agent) retransmitServerChecks(now time.Time) {
	for _, sc := range a.serverChecks {
		if sc.done || now.Sub(sc.sentAt) < initialRTO {
			continue
		}
		if sc.retries >= maxCheckRetries {
			sc.done = true
			a.eventOut.Push(pipe.ICECandidateErrorEvent{
				Address:   sc.server.Addr.Addr().String(),
				Port:      sc.server.Addr.Port(),
				URL:       sc.server.URL,
				ErrorCode: 408,
				ErrorText: "STUN allocate request timed out",
			})
			a.maybeFinishGathering()
			continue
		}
		sc.retries++
		a.sendServerCheck(now, sc)
	}
}

func (a *Agent) maybeFinishGathering() {
	if a.gathering != GatheringGathering {
		return
	}
	for _, sc := range a.serverChecks {
		if !sc.done {
			return
		}
	}
	a.setGathering(GatheringComplete)
}

func (a *Agent) PollTimeout() (time.Time, bool) {
	if a.closed {
		return time.Time{}, false
	}
	deadlines := []func() (time.Time, bool){a.checkTimer.Deadline}
	if a.mdns != nil {
		deadlines = append(deadlines, a.mdns.PollTimeout)
	}
	return pipe.EarliestDeadline(deadlines...)
}

func (a *Agent) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.setConnState(StateClosed)
	a.readOut.Clear()
	a.writeOut.Clear()
	a.pendingWrites.Clear()
	a.pairs = nil
	a.local = nil
	a.remote = nil
	return nil
}
