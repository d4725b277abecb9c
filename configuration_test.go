/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package heimdall

import (
	"errors"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := Configuration{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StatsInterval != time.Second {
		t.Fatalf("stats interval default %v", cfg.StatsInterval)
	}
}

func TestValidateRejectsNegotiatedMux(t *testing.T) {
	cfg := Configuration{RTCPMuxPolicy: RTCPMuxPolicyNegotiate}
	if err := cfg.Validate(); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("error %v", err)
	}
}

func TestValidateRequiresTurnCredentials(t *testing.T) {
	cfg := Configuration{ICEServers: []ICEServer{{URL: "turn:turn.example.com:3478"}}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("error %v", err)
	}
	cfg.ICEServers[0].Username = "user"
	cfg.ICEServers[0].Credential = "pass"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate with credentials: %v", err)
	}
}

func TestConfigurationFromYAML(t *testing.T) {
	doc := []byte(`
ice_servers:
  - url: stun:stun.example.com:3478
    address: 198.51.100.7:3478
ice_transport_policy: relay
multicast_dns: query-only
srtp_replay_window: 128
stats_interval_ms: 250
`)
	cfg, err := ConfigurationFromYAML(doc)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Address != "198.51.100.7:3478" {
		t.Fatalf("servers %+v", cfg.ICEServers)
	}
	if cfg.ICETransportPolicy != ICETransportPolicyRelay {
		t.Fatal("transport policy not applied")
	}
	if cfg.MulticastDNSMode != MulticastDNSModeQueryOnly {
		t.Fatal("mdns mode not applied")
	}
	if cfg.SRTPReplayWindow != 128 {
		t.Fatalf("replay window %d", cfg.SRTPReplayWindow)
	}
	if cfg.StatsInterval != 250*time.Millisecond {
		t.Fatalf("stats interval %v", cfg.StatsInterval)
	}
}

func TestConfigurationFromYAMLRejectsUnknownEnum(t *testing.T) {
	if _, err := ConfigurationFromYAML([]byte("bundle_policy: bogus\n")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("error %v", err)
	}
}

func TestConfigurationFromEnv(t *testing.T) {
	t.Setenv("HEIMDALL_STUN_URLS", "stun:stun.example.com:3478")
	t.Setenv("HEIMDALL_STUN_ADDRS", "198.51.100.7:3478")
	t.Setenv("HEIMDALL_MDNS", "query-and-gather")
	t.Setenv("HEIMDALL_STATS_INTERVAL_MS", "500")

	cfg, err := ConfigurationFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URL != "stun:stun.example.com:3478" {
		t.Fatalf("servers %+v", cfg.ICEServers)
	}
	if cfg.MulticastDNSMode != MulticastDNSModeQueryAndGather {
		t.Fatal("mdns mode not applied")
	}
	if cfg.StatsInterval != 500*time.Millisecond {
		t.Fatalf("stats interval %v", cfg.StatsInterval)
	}
}
