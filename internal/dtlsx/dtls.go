/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dtlsx is the DTLS pipeline layer. The handshake itself (flights,
// retransmission, cipher negotiation) is pion/dtls running against an
// in-memory bridge: inbound records are pushed in from the pipeline, flight
// output is drained back out toward ICE. On completion the layer validates
// the remote certificate against the SDP fingerprint and exports both
// directions' SRTP keying material per RFC 5764.
package dtlsx

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog"

	"github.com/friendsincode/heimdall/internal/bridge"
	"github.com/friendsincode/heimdall/internal/logging"
	"github.com/friendsincode/heimdall/internal/pipe"
	"github.com/friendsincode/heimdall/stats"
)

// State is the DTLS transport state machine.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fingerprint is one SDP-advertised certificate fingerprint.
type Fingerprint struct {
	Algorithm string
	Value     string
}

// handshakePoll is how often the driver should come back while the pumped
// handshake is in flight.
const handshakePoll = 20 * time.Millisecond

type handshakeResult struct {
	conn *dtls.Conn
	err  error
}

// Handler drives one DTLS endpoint.
type Handler struct {
	logger      zerolog.Logger
	acc         *stats.Accumulator
	certificate tls.Certificate

	state       State
	client      bool
	remoteFPs   []Fingerprint
	conduit     *bridge.Conn
	conn        *dtls.Conn
	resultCh    chan handshakeResult

	readOut  pipe.Queue[pipe.Message]
	writeOut pipe.Queue[pipe.Message]
	eventOut pipe.Queue[pipe.Event]

	lastNow time.Time
	closed  bool
}

// New builds the layer around a local certificate identity.
func New(logger zerolog.Logger, acc *stats.Accumulator, certificate tls.Certificate) *Handler {
	return &Handler{
		logger:      logger.With().Str("component", "dtls").Logger(),
		acc:         acc,
		certificate: certificate,
	}
}

func (h *Handler) Name() string { return "dtls" }

// TransportState reports the transport state.
func (h *Handler) TransportState() State { return h.state }

// Conn exposes the established record layer to the SCTP handler.
func (h *Handler) Conn() *dtls.Conn { return h.conn }

// Start launches the handshake. client selects the DTLS role negotiated via
// the SDP setup attribute; remoteFPs are the peer's advertised fingerprints.
func (h *Handler) Start(now time.Time, client bool, remoteFPs []Fingerprint) error {
	if h.closed {
		return fmt.Errorf("dtls: closed")
	}
	if h.state != StateNew {
		return nil
	}
	h.client = client
	h.remoteFPs = remoteFPs
	h.conduit = bridge.New("dtls")
	h.resultCh = make(chan handshakeResult, 1)
	h.setState(StateConnecting)
	h.lastNow = now

	cfg := &dtls.Config{
		Certificates: []tls.Certificate{h.certificate},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AEAD_AES_256_GCM,
			dtls.SRTP_AEAD_AES_128_GCM,
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		// The certificate is authenticated by fingerprint below, not by a CA
		// chain.
		InsecureSkipVerify:    true,
		ClientAuth:            dtls.RequireAnyClientCert,
		ExtendedMasterSecret:  dtls.RequireExtendedMasterSecret,
		LoggerFactory:         logging.Factory{Logger: h.logger},
	}

	conduit := h.conduit
	resultCh := h.resultCh
	go func() {
		var (
			conn *dtls.Conn
			err  error
		)
		if client {
			conn, err = dtls.ClientWithContext(context.Background(), conduit, conduit.RemoteAddr(), cfg)
		} else {
			conn, err = dtls.ServerWithContext(context.Background(), conduit, conduit.RemoteAddr(), cfg)
		}
		resultCh <- handshakeResult{conn: conn, err: err}
	}()
	return nil
}

// HandleRead pushes DTLS records into the pumped endpoint.
func (h *Handler) HandleRead(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	switch payload := msg.Payload.(type) {
	case pipe.DTLSRaw:
		if h.conduit == nil {
			h.acc.DroppedPackets++
			return nil
		}
		if err := h.conduit.Push(payload); err != nil {
			h.acc.DroppedPackets++
		}
		h.pump(msg.Now)
	default:
		h.readOut.Push(msg)
	}
	return nil
}

// pump observes handshake completion and drains pending flight output.
func (h *Handler) pump(now time.Time) {
	if h.state == StateConnecting {
		select {
		case result := <-h.resultCh:
			h.finishHandshake(now, result)
		default:
		}
	}
	if h.conduit != nil {
		for _, record := range h.conduit.Drain() {
			h.writeOut.Push(pipe.Message{Now: now, Payload: pipe.DTLSRaw(record)})
		}
	}
}

func (h *Handler) finishHandshake(now time.Time, result handshakeResult) {
	if result.err != nil {
		h.fail(fmt.Errorf("dtls handshake: %w", result.err))
		return
	}
	conn := result.conn
	state, ok := conn.ConnectionState()
	if !ok {
		h.fail(fmt.Errorf("dtls handshake: no connection state"))
		return
	}
	if len(state.PeerCertificates) == 0 {
		h.fail(fmt.Errorf("dtls handshake: peer sent no certificate"))
		return
	}
	remoteCert, err := x509.ParseCertificate(state.PeerCertificates[0])
	if err != nil {
		h.fail(fmt.Errorf("parse peer certificate: %w", err))
		return
	}
	if err := h.verifyFingerprint(remoteCert); err != nil {
		h.fail(err)
		return
	}

	profile, haveProfile := conn.SelectedSRTPProtectionProfile()
	if !haveProfile {
		h.fail(fmt.Errorf("dtls handshake: no SRTP protection profile negotiated"))
		return
	}
	srtpProfile, err := mapProfile(profile)
	if err != nil {
		h.fail(err)
		return
	}
	srtpConfig := &srtp.Config{Profile: srtpProfile}
	if err := srtpConfig.ExtractSessionKeysFromDTLS(&state, h.client); err != nil {
		h.fail(fmt.Errorf("extract srtp keys: %w", err))
		return
	}

	h.conn = conn
	h.setState(StateConnected)
	h.recordCertificates(remoteCert)
	h.eventOut.Push(pipe.SRTPKeysEvent{
		Profile:          srtpProfile,
		LocalMasterKey:   srtpConfig.Keys.LocalMasterKey,
		LocalMasterSalt:  srtpConfig.Keys.LocalMasterSalt,
		RemoteMasterKey:  srtpConfig.Keys.RemoteMasterKey,
		RemoteMasterSalt: srtpConfig.Keys.RemoteMasterSalt,
	})
	h.logger.Info().Bool("client", h.client).Msg("dtls established")
}

// verifyFingerprint checks the remote certificate against every fingerprint
// the peer advertised; any match passes.
func (h *Handler) verifyFingerprint(remoteCert *x509.Certificate) error {
	if len(h.remoteFPs) == 0 {
		return fmt.Errorf("no remote fingerprint advertised")
	}
	for _, fp := range h.remoteFPs {
		hash, err := fingerprint.HashFromString(fp.Algorithm)
		if err != nil {
			continue
		}
		computed, err := fingerprint.Fingerprint(remoteCert, hash)
		if err != nil {
			continue
		}
		if strings.EqualFold(computed, fp.Value) {
			return nil
		}
	}
	return fmt.Errorf("remote certificate does not match any advertised fingerprint")
}

func (h *Handler) recordCertificates(remoteCert *x509.Certificate) {
	if localFP, err := localCertFingerprint(h.certificate); err == nil {
		h.acc.PutCertificate(stats.CertificateInfo{
			CertID:               "local",
			Fingerprint:          localFP,
			FingerprintAlgorithm: "sha-256",
		})
		h.acc.Transport().LocalCertID = "local"
	}
	if remoteFP, err := fingerprint.Fingerprint(remoteCert, crypto.SHA256); err == nil {
		h.acc.PutCertificate(stats.CertificateInfo{
			CertID:               "remote",
			Fingerprint:          remoteFP,
			FingerprintAlgorithm: "sha-256",
		})
		h.acc.Transport().RemoteCertID = "remote"
	}
}

func (h *Handler) fail(err error) {
	h.logger.Error().Err(err).Msg("dtls failed")
	h.setState(StateFailed)
	h.eventOut.Push(pipe.DTLSStateEvent{State: int(StateFailed), Reason: err})
}

func (h *Handler) setState(s State) {
	if h.state == s {
		return
	}
	h.state = s
	h.acc.Transport().DTLSState = s.String()
	if s != StateFailed {
		h.eventOut.Push(pipe.DTLSStateEvent{State: int(s)})
	}
}

func (h *Handler) PollRead() (pipe.Message, bool) { return h.readOut.Pop() }

// HandleWrite forwards non-DTLS traffic downward untouched; nothing above
// this layer writes raw DTLS records.
func (h *Handler) HandleWrite(msg pipe.Message) error {
	if h.closed {
		return nil
	}
	h.lastNow = msg.Now
	h.writeOut.Push(msg)
	return nil
}

func (h *Handler) PollWrite() (pipe.Message, bool) {
	// Flight output may have accumulated since the last driver call.
	if !h.closed {
		h.pump(h.lastNow)
	}
	return h.writeOut.Pop()
}

func (h *Handler) HandleEvent(evt pipe.Event) error {
	h.eventOut.Push(evt)
	return nil
}

func (h *Handler) PollEvent() (pipe.Event, bool) { return h.eventOut.Pop() }

func (h *Handler) HandleTimeout(now time.Time) error {
	if h.closed {
		return nil
	}
	h.lastNow = now
	h.pump(now)
	return nil
}

// PollTimeout keeps the driver polling while the pumped handshake runs.
func (h *Handler) PollTimeout() (time.Time, bool) {
	if h.state == StateConnecting || (h.state == StateConnected && h.conduitHasTraffic()) {
		return h.lastNow.Add(handshakePoll), true
	}
	return time.Time{}, false
}

func (h *Handler) conduitHasTraffic() bool {
	// After the handshake the SCTP association writes asynchronously; keep a
	// modest poll cadence so its records reach the wire promptly.
	return h.conduit != nil
}

func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if h.conduit != nil {
		_ = h.conduit.Close()
	}
	h.setState(StateClosed)
	h.readOut.Clear()
	h.writeOut.Clear()
	return nil
}

func mapProfile(p dtls.SRTPProtectionProfile) (srtp.ProtectionProfile, error) {
	switch p {
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case dtls.SRTP_AEAD_AES_128_GCM:
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	case dtls.SRTP_AEAD_AES_256_GCM:
		return srtp.ProtectionProfileAeadAes256Gcm, nil
	default:
		return 0, fmt.Errorf("unsupported SRTP protection profile %v", p)
	}
}
