/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"crypto/tls"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/heimdall/interceptor"
)

// ICETransportPolicy restricts which candidate types are used.
type ICETransportPolicy int

const (
	ICETransportPolicyAll ICETransportPolicy = iota
	ICETransportPolicyRelay
)

// BundlePolicy per W3C; only max-bundle semantics differ in practice since
// every transport is bundled on one 5-tuple.
type BundlePolicy int

const (
	BundlePolicyBalanced BundlePolicy = iota
	BundlePolicyMaxCompat
	BundlePolicyMaxBundle
)

// RTCPMuxPolicy per W3C; modern endpoints mandate require.
type RTCPMuxPolicy int

const (
	RTCPMuxPolicyRequire RTCPMuxPolicy = iota
	RTCPMuxPolicyNegotiate
)

// MulticastDNSMode selects local address obfuscation behavior.
type MulticastDNSMode int

const (
	MulticastDNSModeDisabled MulticastDNSMode = iota
	MulticastDNSModeQueryOnly
	MulticastDNSModeQueryAndGather
)

// ICEServer is one STUN/TURN endpoint. The engine owns no sockets, so the
// host resolves the URL and supplies the address alongside it.
type ICEServer struct {
	URL        string `yaml:"url"`
	Address    string `yaml:"address"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// Configuration is the engine's recognized option set.
type Configuration struct {
	ICEServers           []ICEServer
	ICETransportPolicy   ICETransportPolicy
	BundlePolicy         BundlePolicy
	RTCPMuxPolicy        RTCPMuxPolicy
	ICECandidatePoolSize uint8
	Certificates         []tls.Certificate
	MulticastDNSMode     MulticastDNSMode

	// SRTPReplayWindow overrides the per-SSRC replay bitmap size.
	SRTPReplayWindow uint
	// StatsInterval paces the periodic internal stats refresh timer.
	StatsInterval time.Duration

	// Registry carries the interceptor chain factories. Nil selects the
	// default chain (NACK generate/respond, SR, RR, TWCC both directions).
	Registry *interceptor.Registry

	// Logger receives engine diagnostics; the zero value stays silent.
	Logger zerolog.Logger
}

// Validate applies defaults and rejects inconsistent combinations.
func (c *Configuration) Validate() error {
	if c.RTCPMuxPolicy == RTCPMuxPolicyNegotiate {
		return fmt.Errorf("%w: only rtcp-mux require is supported", ErrNotSupported)
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	for _, server := range c.ICEServers {
		if server.URL == "" {
			return fmt.Errorf("%w: ice server with empty url", ErrInvalidParameter)
		}
		if server.Address != "" {
			if _, err := netip.ParseAddrPort(server.Address); err != nil {
				return fmt.Errorf("%w: ice server address %q: %v", ErrInvalidParameter, server.Address, err)
			}
		}
		if strings.HasPrefix(server.URL, "turn:") || strings.HasPrefix(server.URL, "turns:") {
			if server.Username == "" || server.Credential == "" {
				return fmt.Errorf("%w: turn server %q requires credentials", ErrInvalidParameter, server.URL)
			}
		}
	}
	return nil
}

// configYAML is the on-disk shape for hosts that prefer file configuration.
type configYAML struct {
	ICEServers           []ICEServer `yaml:"ice_servers"`
	ICETransportPolicy   string      `yaml:"ice_transport_policy"`
	BundlePolicy         string      `yaml:"bundle_policy"`
	ICECandidatePoolSize uint8       `yaml:"ice_candidate_pool_size"`
	MulticastDNS         string      `yaml:"multicast_dns"`
	SRTPReplayWindow     uint        `yaml:"srtp_replay_window"`
	StatsIntervalMS      int         `yaml:"stats_interval_ms"`
}

// ConfigurationFromYAML parses a YAML document into a Configuration.
func ConfigurationFromYAML(data []byte) (*Configuration, error) {
	var raw configYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse configuration: %v", ErrInvalidParameter, err)
	}
	cfg := &Configuration{
		ICEServers:           raw.ICEServers,
		ICECandidatePoolSize: raw.ICECandidatePoolSize,
		SRTPReplayWindow:     raw.SRTPReplayWindow,
	}
	switch raw.ICETransportPolicy {
	case "", "all":
	case "relay":
		cfg.ICETransportPolicy = ICETransportPolicyRelay
	default:
		return nil, fmt.Errorf("%w: ice_transport_policy %q", ErrInvalidParameter, raw.ICETransportPolicy)
	}
	switch raw.BundlePolicy {
	case "", "balanced":
	case "max-compat":
		cfg.BundlePolicy = BundlePolicyMaxCompat
	case "max-bundle":
		cfg.BundlePolicy = BundlePolicyMaxBundle
	default:
		return nil, fmt.Errorf("%w: bundle_policy %q", ErrInvalidParameter, raw.BundlePolicy)
	}
	switch raw.MulticastDNS {
	case "", "disabled":
	case "query-only":
		cfg.MulticastDNSMode = MulticastDNSModeQueryOnly
	case "query-and-gather":
		cfg.MulticastDNSMode = MulticastDNSModeQueryAndGather
	default:
		return nil, fmt.Errorf("%w: multicast_dns %q", ErrInvalidParameter, raw.MulticastDNS)
	}
	if raw.StatsIntervalMS > 0 {
		cfg.StatsInterval = time.Duration(raw.StatsIntervalMS) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigurationFromEnv reads HEIMDALL_-prefixed environment overrides on
// top of an empty configuration.
func ConfigurationFromEnv() (*Configuration, error) {
	cfg := &Configuration{}
	if urls := getEnvAny([]string{"HEIMDALL_STUN_URLS"}, ""); urls != "" {
		addrs := strings.Split(getEnvAny([]string{"HEIMDALL_STUN_ADDRS"}, ""), ",")
		for i, url := range strings.Split(urls, ",") {
			server := ICEServer{URL: strings.TrimSpace(url)}
			if i < len(addrs) {
				server.Address = strings.TrimSpace(addrs[i])
			}
			cfg.ICEServers = append(cfg.ICEServers, server)
		}
	}
	if getEnvAny([]string{"HEIMDALL_ICE_TRANSPORT_POLICY"}, "all") == "relay" {
		cfg.ICETransportPolicy = ICETransportPolicyRelay
	}
	switch getEnvAny([]string{"HEIMDALL_MDNS"}, "disabled") {
	case "query-only":
		cfg.MulticastDNSMode = MulticastDNSModeQueryOnly
	case "query-and-gather":
		cfg.MulticastDNSMode = MulticastDNSModeQueryAndGather
	}
	cfg.SRTPReplayWindow = uint(getEnvIntAny([]string{"HEIMDALL_SRTP_REPLAY_WINDOW"}, 0))
	if ms := getEnvIntAny([]string{"HEIMDALL_STATS_INTERVAL_MS"}, 0); ms > 0 {
		cfg.StatsInterval = time.Duration(ms) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnvAny(keys []string, fallback string) string {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
	}
	return fallback
}

func getEnvIntAny(keys []string, fallback int) int {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return fallback
}
