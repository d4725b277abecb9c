/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/pion/sctp"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/interceptor"
	"github.com/friendsincode/heimdall/interceptor/nack"
	"github.com/friendsincode/heimdall/interceptor/report"
	"github.com/friendsincode/heimdall/interceptor/twcc"
	"github.com/friendsincode/heimdall/internal/dcep"
	"github.com/friendsincode/heimdall/internal/demux"
	"github.com/friendsincode/heimdall/internal/dtlsx"
	"github.com/friendsincode/heimdall/internal/endpoint"
	"github.com/friendsincode/heimdall/internal/ice"
	"github.com/friendsincode/heimdall/internal/intercept"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/internal/sctpx"
	"github.com/friendsincode/heimdall/internal/srtpx"
	"github.com/friendsincode/heimdall/stats"
)

// PeerConnection is the orchestrator: it owns the fixed handler chain and
// exposes both the polling contract and the W3C-shaped negotiation surface.
// All methods must be driven from a single goroutine.
type PeerConnection struct {
	cfg    Configuration
	logger zerolog.Logger

	acc *stats.Accumulator

	// handlers bottom-up: demux, ice, dtls, sctp, datachannel, srtp,
	// interceptor, endpoint.
	handlers  []pipe.Handler
	demux     *demux.Handler
	agent     *ice.Agent
	dtls      *dtlsx.Handler
	sctp      *sctpx.Handler
	dcep      *dcep.Handler
	srtp      *srtpx.Handler
	intercept *intercept.Handler
	endpoint  *endpoint.Handler

	certificate tls.Certificate
	fingerprint string

	signalingState SignalingState
	iceConnState   ICEConnectionState
	iceGatherState ICEGatheringState
	connState      PeerConnectionState

	currentLocal  *SessionDescription
	pendingLocal  *SessionDescription
	currentRemote *SessionDescription
	pendingRemote *SessionDescription
	remoteParsed  *parsedSDP

	transceivers []*RTPTransceiver
	nextMid      int

	channelsByHandle []*DataChannel
	channelsByID     map[uint16]*DataChannel
	nextEvenID       uint16
	nextOddID        uint16

	dataNegotiated bool
	dataMid        string
	dtlsClient     bool
	dtlsRoleKnown  bool
	sctpStarted    bool

	boundLocal  map[uint32]*interceptor.StreamInfo
	boundRemote map[uint32]*interceptor.StreamInfo

	sdpSessionID uint64
	sdpVersion   uint64

	events  pipe.Queue[Event]
	appOut  pipe.Queue[RTCMessage]
	wireOut pipe.Queue[OutboundDatagram]

	negotiationPending bool
	houseTimer         pipe.Timer
	lastNow            time.Time
	closed             bool
}

// New builds a PeerConnection from a validated configuration.
func New(cfg Configuration) (*PeerConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With().Str("component", "peerconnection").Logger()

	certificate := tls.Certificate{}
	if len(cfg.Certificates) > 0 {
		certificate = cfg.Certificates[0]
	} else {
		generated, err := dtlsx.GenerateCertificate()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		certificate = generated
	}
	fp, err := dtlsx.CertFingerprint(certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = defaultRegistry()
	}
	chain, err := registry.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: build interceptor chain: %v", ErrInvalidParameter, err)
	}

	acc := stats.NewAccumulator()
	var sessionID [8]byte
	_, _ = rand.Read(sessionID[:])

	pc := &PeerConnection{
		cfg:          cfg,
		logger:       logger,
		acc:          acc,
		certificate:  certificate,
		fingerprint:  fp,
		channelsByID: make(map[uint16]*DataChannel),
		boundLocal:   make(map[uint32]*interceptor.StreamInfo),
		boundRemote:  make(map[uint32]*interceptor.StreamInfo),
		sdpSessionID: binary.BigEndian.Uint64(sessionID[:]) >> 2,
		sdpVersion:   1,
	}

	var servers []ice.ServerAddr
	for _, server := range cfg.ICEServers {
		if server.Address == "" {
			continue
		}
		addr, err := parseAddrPort(server.Address)
		if err != nil {
			return nil, err
		}
		servers = append(servers, ice.ServerAddr{URL: server.URL, Addr: addr})
	}

	pc.demux = demux.New(cfg.Logger, acc)
	pc.agent = ice.NewAgent(ice.Config{
		Logger:      cfg.Logger,
		Acc:         acc,
		Controlling: false,
		STUNServers: servers,
		MDNS:        ice.MDNSMode(cfg.MulticastDNSMode),
		RelayOnly:   cfg.ICETransportPolicy == ICETransportPolicyRelay,
	})
	pc.dtls = dtlsx.New(cfg.Logger, acc, certificate)
	pc.sctp = sctpx.New(cfg.Logger, acc)
	pc.dcep = dcep.New(cfg.Logger, acc, func() *sctp.Association { return pc.sctp.Assoc() })
	pc.srtp = srtpx.New(cfg.Logger, acc, cfg.SRTPReplayWindow)
	pc.intercept = intercept.New(cfg.Logger, acc, chain)
	pc.endpoint = endpoint.New(cfg.Logger, acc)

	pc.handlers = []pipe.Handler{
		pc.demux, pc.agent, pc.dtls, pc.sctp, pc.dcep, pc.srtp, pc.intercept, pc.endpoint,
	}
	return pc, nil
}

// defaultRegistry assembles the stock interceptor chain.
func defaultRegistry() *interceptor.Registry {
	r := &interceptor.Registry{}
	r.Add(nack.NewResponder())
	r.Add(nack.NewGenerator())
	r.Add(report.NewSender())
	r.Add(report.NewReceiver())
	r.Add(twcc.NewSender())
	r.Add(twcc.NewReceiver())
	return r
}

func parseAddrPort(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q: %v", ErrInvalidParameter, s, err)
	}
	return ap, nil
}

// HandleRead absorbs one wire datagram and threads it up the chain: each
// handler consumes the intermediate queue, then refills it from its read
// output. Whatever survives the endpoint becomes application messages.
func (pc *PeerConnection) HandleRead(d InboundDatagram) error {
	if pc.closed {
		return nil
	}
	pc.lastNow = d.Now

	pending := []pipe.Message{{
		Now:       d.Now,
		Transport: d.Transport.toPipe(),
		Payload:   pipe.Raw(d.Data),
	}}
	var next []pipe.Message
	for _, h := range pc.handlers {
		for _, msg := range pending {
			if err := h.HandleRead(msg); err != nil {
				pc.logger.Debug().Err(err).Str("handler", h.Name()).Msg("read error")
				pc.acc.DroppedPackets++
			}
		}
		next = next[:0]
		for {
			msg, ok := h.PollRead()
			if !ok {
				break
			}
			next = append(next, msg)
		}
		pending = append(pending[:0], next...)
	}
	for _, msg := range pending {
		pc.deliverApp(msg)
	}
	pc.afterTurn()
	return nil
}

func (pc *PeerConnection) deliverApp(msg pipe.Message) {
	switch payload := msg.Payload.(type) {
	case pipe.TrackRTP:
		pc.appOut.Push(RTPMessage{ReceiverID: payload.ReceiverID, Rid: payload.Rid, Packet: payload.Packet})
	case pipe.RTCP:
		pc.appOut.Push(RTCPMessage{Packets: payload.Packets})
	case pipe.ChannelMessage:
		channel, ok := pc.channelsByID[payload.ChannelID]
		if !ok {
			pc.acc.DroppedPackets++
			return
		}
		pc.appOut.Push(DataChannelMessage{Channel: channel, IsString: payload.IsString, Data: payload.Data})
	default:
		// Anything else reaching the top is engine-internal residue; drop.
		pc.acc.DroppedPackets++
	}
}

// PollRead drains the next application message.
func (pc *PeerConnection) PollRead() (RTCMessage, bool) {
	return pc.appOut.Pop()
}

// HandleWrite absorbs one application message and threads it down the
// chain in reverse order.
func (pc *PeerConnection) HandleWrite(msg OutboundMessage) error {
	if pc.closed {
		return fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	switch m := msg.(type) {
	case RTPWrite:
		packet := m.Packet
		if packet == nil {
			return fmt.Errorf("%w: nil rtp packet", ErrInvalidParameter)
		}
		if packet.SSRC == 0 && m.SenderID != "" {
			sender := pc.senderByID(m.SenderID)
			if sender == nil || len(sender.encodings) == 0 {
				return fmt.Errorf("%w: unknown sender %q", ErrInvalidParameter, m.SenderID)
			}
			packet.SSRC = sender.encodings[0].SSRC
		}
		pc.pushWrite(pipe.Message{Now: pc.lastNow, Payload: pipe.RTP{Packet: packet}})
	case RTCPWrite:
		if len(m.Packets) == 0 {
			return fmt.Errorf("%w: empty rtcp compound", ErrInvalidParameter)
		}
		pc.pushWrite(pipe.Message{Now: pc.lastNow, Payload: pipe.RTCP{Packets: m.Packets}})
	default:
		return fmt.Errorf("%w: unsupported outbound message %T", ErrInvalidParameter, msg)
	}
	pc.afterTurn()
	return nil
}

// pushWrite enters the write path at the top handler; serviceWrites moves
// it the rest of the way down.
func (pc *PeerConnection) pushWrite(msg pipe.Message) {
	top := pc.handlers[len(pc.handlers)-1]
	if err := top.HandleWrite(msg); err != nil {
		pc.logger.Debug().Err(err).Msg("write error")
	}
}

// PollWrite drains the next wire datagram.
func (pc *PeerConnection) PollWrite() (OutboundDatagram, bool) {
	return pc.wireOut.Pop()
}

// PollEvent drains the next application event.
func (pc *PeerConnection) PollEvent() (Event, bool) {
	return pc.events.Pop()
}

// HandleTimeout advances every layer's timers plus the orchestrator's own.
func (pc *PeerConnection) HandleTimeout(now time.Time) error {
	if pc.closed {
		return nil
	}
	pc.lastNow = now
	for _, h := range pc.handlers {
		if err := h.HandleTimeout(now); err != nil {
			pc.logger.Debug().Err(err).Str("handler", h.Name()).Msg("timeout error")
		}
	}
	pc.serviceNegotiationNeeded()
	if _, armed := pc.houseTimer.Deadline(); !armed || pc.houseTimer.Expired(now) {
		pc.houseTimer.Arm(now.Add(pc.cfg.StatsInterval))
	}
	pc.afterTurn()
	return nil
}

// PollTimeout reports the earliest deadline across every layer and the
// orchestrator's own timers.
func (pc *PeerConnection) PollTimeout() (time.Time, bool) {
	if pc.closed {
		return time.Time{}, false
	}
	deadlines := make([]func() (time.Time, bool), 0, len(pc.handlers)+2)
	for _, h := range pc.handlers {
		deadlines = append(deadlines, h.PollTimeout)
	}
	deadlines = append(deadlines, pc.houseTimer.Deadline)
	if pc.negotiationPending {
		// Wake immediately so the debounced event fires on the next tick.
		now := pc.lastNow
		deadlines = append(deadlines, func() (time.Time, bool) { return now, true })
	}
	return pipe.EarliestDeadline(deadlines...)
}

// afterTurn settles the chain: writes cascade down to the wire, events
// propagate up to the application. Loops until quiescent, for at most eight
// rounds, so chain-injected packets (NACKs, reports) emitted while servicing
// still drain this turn.
func (pc *PeerConnection) afterTurn() {
	for range [8]struct{}{} {
		moved := pc.serviceWrites()
		moved = pc.serviceEvents() || moved
		if !moved {
			return
		}
	}
}

func (pc *PeerConnection) serviceWrites() bool {
	moved := false
	for i := len(pc.handlers) - 1; i >= 0; i-- {
		h := pc.handlers[i]
		for {
			msg, ok := h.PollWrite()
			if !ok {
				break
			}
			moved = true
			if i == 0 {
				raw, isRaw := msg.Payload.(pipe.Raw)
				if !isRaw {
					pc.acc.DroppedPackets++
					continue
				}
				pc.wireOut.Push(OutboundDatagram{
					Now:       msg.Now,
					Transport: transportFromPipe(msg.Transport),
					Data:      raw,
				})
				continue
			}
			if err := pc.handlers[i-1].HandleWrite(msg); err != nil {
				pc.logger.Debug().Err(err).Str("handler", pc.handlers[i-1].Name()).Msg("write error")
			}
		}
	}
	return moved
}

func (pc *PeerConnection) serviceEvents() bool {
	moved := false
	for i, h := range pc.handlers {
		for {
			evt, ok := h.PollEvent()
			if !ok {
				break
			}
			moved = true
			if i+1 < len(pc.handlers) {
				if err := pc.handlers[i+1].HandleEvent(evt); err != nil {
					pc.logger.Debug().Err(err).Msg("event error")
				}
			} else {
				pc.consumeEvent(evt)
			}
		}
	}
	return moved
}

// consumeEvent maps pipeline events onto public events and drives the
// orchestrator's cross-layer reactions.
func (pc *PeerConnection) consumeEvent(evt pipe.Event) {
	switch e := evt.(type) {
	case pipe.ICECandidateEvent:
		mid, index := pc.firstMid()
		pc.events.Push(ICECandidateEvent{Candidate: e.Candidate, SDPMid: mid, SDPMLineIndex: index})
	case pipe.ICECandidateErrorEvent:
		pc.events.Push(ICECandidateErrorEvent{
			Address:   e.Address,
			Port:      e.Port,
			URL:       e.URL,
			ErrorCode: e.ErrorCode,
			ErrorText: e.ErrorText,
		})
	case pipe.ICEConnectionStateEvent:
		pc.iceConnState = iceConnectionStateFrom(ice.ConnectionState(e.State))
		pc.events.Push(ICEConnectionStateChangeEvent{State: pc.iceConnState})
		pc.refreshConnectionState(nil)
	case pipe.ICEGatheringStateEvent:
		pc.iceGatherState = ICEGatheringState(e.State)
		pc.events.Push(ICEGatheringStateChangeEvent{State: pc.iceGatherState})
	case pipe.SelectedCandidatePairEvent:
		pc.events.Push(SelectedCandidatePairChangeEvent{Local: e.Local, Remote: e.Remote})
	case pipe.DTLSStateEvent:
		state := dtlsx.State(e.State)
		if state == dtlsx.StateConnected {
			pc.maybeStartSCTP()
		}
		pc.refreshConnectionState(e.Reason)
	case pipe.SRTPKeysEvent:
		// Installed by the SRTP layer as it propagated past it.
	case pipe.SCTPStateEvent:
		// The data-channel layer reacted during propagation.
	case pipe.ChannelOpenEvent:
		pc.handleChannelOpen(e)
	case pipe.ChannelCloseEvent:
		if channel, ok := pc.channelsByID[e.ChannelID]; ok {
			channel.state = DataChannelStateClosed
			pc.events.Push(DataChannelCloseEvent{Channel: channel})
		}
	case pipe.ChannelErrorEvent:
		if channel, ok := pc.channelsByID[e.ChannelID]; ok {
			pc.events.Push(DataChannelErrorEvent{Channel: channel, Err: e.Err})
		}
	case pipe.ChannelBufferedAmountLowEvent:
		if channel, ok := pc.channelsByID[e.ChannelID]; ok {
			pc.events.Push(DataChannelBufferedAmountLowEvent{Channel: channel, Amount: e.Amount})
		}
	case pipe.TrackEvent:
		pc.handleTrackEvent(e)
	}
}

func (pc *PeerConnection) firstMid() (string, uint16) {
	for _, t := range pc.transceivers {
		if t.mid != "" {
			return t.mid, 0
		}
	}
	if pc.dataMid != "" {
		return pc.dataMid, 0
	}
	return "", 0
}

// refreshConnectionState recomputes the derived peer-connection state.
func (pc *PeerConnection) refreshConnectionState(reason error) {
	next := derivePeerConnectionState(pc.iceConnState, pc.dtls.TransportState(), pc.closed)
	if next == pc.connState {
		return
	}
	pc.connState = next
	evt := ConnectionStateChangeEvent{State: next}
	if next == PeerConnectionStateFailed && reason != nil {
		evt.Reason = fmt.Errorf("%w: %v", ErrSecurity, reason)
	}
	pc.events.Push(evt)
}

// maybeStartSCTP brings the association up once DTLS is connected and a
// data section was negotiated.
func (pc *PeerConnection) maybeStartSCTP() {
	if !pc.dataNegotiated || pc.sctpStarted || pc.dtls.Conn() == nil {
		return
	}
	pc.sctpStarted = true
	if err := pc.sctp.Start(pc.lastNow, pc.dtls.Conn(), pc.dtlsClient); err != nil {
		pc.logger.Error().Err(err).Msg("sctp start failed")
	}
}

func (pc *PeerConnection) handleChannelOpen(e pipe.ChannelOpenEvent) {
	channel, known := pc.channelsByID[e.ChannelID]
	if !known {
		// Remote-initiated channel announced via DCEP.
		channel = &DataChannel{
			pc:         pc,
			label:      e.Label,
			protocol:   e.Protocol,
			ordered:    e.Ordered,
			negotiated: e.Negotiated,
			id:         e.ChannelID,
			idAssigned: true,
			state:      DataChannelStateOpen,
		}
		pc.channelsByHandle = append(pc.channelsByHandle, channel)
		pc.channelsByID[e.ChannelID] = channel
		pc.events.Push(DataChannelEvent{Channel: channel})
		pc.events.Push(DataChannelOpenEvent{Channel: channel})
		return
	}
	channel.state = DataChannelStateOpen
	pc.events.Push(DataChannelOpenEvent{Channel: channel})
}

func (pc *PeerConnection) handleTrackEvent(e pipe.TrackEvent) {
	receiver := pc.receiverByID(e.ReceiverID)
	if receiver == nil {
		return
	}
	track := &TrackRemote{
		id:          e.Mid + "-" + strconv.FormatUint(uint64(e.SSRC), 10),
		rid:         e.Rid,
		kind:        e.Kind,
		ssrc:        e.SSRC,
		payloadType: e.PayloadType,
	}
	receiver.tracks = append(receiver.tracks, track)
	pc.bindRemoteSSRC(e.SSRC, e.Mid, e.Rid)
	pc.events.Push(TrackEvent{Track: track, Receiver: receiver})
}

func (pc *PeerConnection) senderByID(id string) *RTPSender {
	for _, t := range pc.transceivers {
		if t.sender != nil && t.sender.id == id {
			return t.sender
		}
	}
	return nil
}

func (pc *PeerConnection) receiverByID(id string) *RTPReceiver {
	for _, t := range pc.transceivers {
		if t.receiver != nil && t.receiver.id == id {
			return t.receiver
		}
	}
	return nil
}

func (pc *PeerConnection) transceiverByMid(mid string) *RTPTransceiver {
	for _, t := range pc.transceivers {
		if t.mid == mid {
			return t
		}
	}
	return nil
}

// Close releases every layer, top to bottom, and is idempotent. Final
// outputs already queued stay drainable; nothing new is emitted.
func (pc *PeerConnection) Close() error {
	if pc.closed {
		return nil
	}
	pc.closed = true
	for i := len(pc.handlers) - 1; i >= 0; i-- {
		_ = pc.handlers[i].Close()
	}
	for _, channel := range pc.channelsByHandle {
		channel.state = DataChannelStateClosed
	}
	pc.signalingState = SignalingStateClosed
	pc.events.Push(SignalingStateChangeEvent{State: SignalingStateClosed})
	pc.connState = PeerConnectionStateClosed
	pc.events.Push(ConnectionStateChangeEvent{State: PeerConnectionStateClosed})
	return nil
}
