// Package config holds the typed configuration surface for the RFMP engine
// (spec §6.5). Loading it from YAML/flags/env is the excluded outer layer's
// job; this package only defines and validates the struct itself.
package config

import (
	"fmt"
	"strings"
)

// Config is the complete set of options the core engine accepts. Zero value
// is not valid; use Default() and override, then Validate().
type Config struct {
	Node     NodeConfig
	Network  NetworkConfig
	Protocol ProtocolConfig
	Storage  StorageConfig
}

type NodeConfig struct {
	Callsign string // required, 1-6 uppercase ASCII chars
	SSID     int    // 0-15, default 0
}

type NetworkConfig struct {
	TNCHost     string
	TNCPort     int
	OfflineMode bool // disables C1/C2 wire I/O, for tests
}

type ProtocolConfig struct {
	MTU            int // default 200
	SyncIntervalS  int // default 30
	BloomWindowS   int // default 600
	BloomMLog2     int // default 10, in [6,14]
	BloomK         int // default 4
	ReqPerMinute   int // default 6
	DestCallsign   string // default RFMP-0
	QueueHighWater int    // default 1000
}

type StorageConfig struct {
	DatabasePath string
}

// Default returns a Config with every default from spec §6.5 filled in.
// Node.Callsign and Storage.DatabasePath are left empty and must be set.
func Default() Config {
	return Config{
		Node: NodeConfig{SSID: 0},
		Network: NetworkConfig{
			TNCHost: "127.0.0.1",
			TNCPort: 8001,
		},
		Protocol: ProtocolConfig{
			MTU:            200,
			SyncIntervalS:  30,
			BloomWindowS:   600,
			BloomMLog2:     10,
			BloomK:         4,
			ReqPerMinute:   6,
			DestCallsign:   "RFMP-0",
			QueueHighWater: 1000,
		},
	}
}

// Validate rejects a config with a missing or malformed required field, or
// any value outside the range spec.md mandates. There is no concept of an
// "unknown key" at this layer since Config is a Go struct, not a parsed
// document; the outer config-file loader (excluded from this module) is
// responsible for rejecting unknown YAML keys before it ever builds one of
// these.
func (c Config) Validate() error {
	if c.Node.Callsign == "" {
		return fmt.Errorf("config: node.callsign is required")
	}
	if !validCallsignBase(c.Node.Callsign) {
		return fmt.Errorf("config: node.callsign %q is not 1-6 uppercase ASCII chars", c.Node.Callsign)
	}
	if c.Node.SSID < 0 || c.Node.SSID > 15 {
		return fmt.Errorf("config: node.ssid %d out of range 0-15", c.Node.SSID)
	}
	if c.Protocol.MTU <= 12 {
		return fmt.Errorf("config: protocol.mtu %d must exceed the 12-byte FRAG overhead", c.Protocol.MTU)
	}
	if c.Protocol.BloomMLog2 < 6 || c.Protocol.BloomMLog2 > 14 {
		return fmt.Errorf("config: protocol.bloom_m_log2 %d out of range 6-14", c.Protocol.BloomMLog2)
	}
	if c.Protocol.BloomK <= 0 {
		return fmt.Errorf("config: protocol.bloom_k must be positive")
	}
	if c.Protocol.SyncIntervalS <= 0 {
		return fmt.Errorf("config: protocol.sync_interval_s must be positive")
	}
	if c.Protocol.ReqPerMinute <= 0 {
		return fmt.Errorf("config: protocol.req_per_minute must be positive")
	}
	if !c.Network.OfflineMode {
		if c.Network.TNCHost == "" {
			return fmt.Errorf("config: network.tnc_host is required unless offline_mode")
		}
		if c.Network.TNCPort <= 0 || c.Network.TNCPort > 65535 {
			return fmt.Errorf("config: network.tnc_port %d out of range", c.Network.TNCPort)
		}
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("config: storage.database_path is required")
	}
	return nil
}

func validCallsignBase(s string) bool {
	if len(s) < 1 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Canonical returns the "CALL" or "CALL-N" string form of the node's
// callsign and SSID.
func (n NodeConfig) Canonical() string {
	if n.SSID == 0 {
		return n.Callsign
	}
	return fmt.Sprintf("%s-%d", n.Callsign, n.SSID)
}

// ParseCanonical splits a "CALL" or "CALL-N" string into base and SSID.
func ParseCanonical(s string) (base string, ssid int, err error) {
	base, ssidStr, found := strings.Cut(s, "-")
	if !validCallsignBase(base) {
		return "", 0, fmt.Errorf("config: callsign %q is not 1-6 uppercase ASCII chars", base)
	}
	if !found {
		return base, 0, nil
	}
	n, convErr := parseSSID(ssidStr)
	if convErr != nil {
		return "", 0, fmt.Errorf("config: callsign %q has malformed SSID: %w", s, convErr)
	}
	return base, n, nil
}

func parseSSID(s string) (int, error) {
	if len(s) == 0 || len(s) > 2 {
		return 0, fmt.Errorf("ssid must be 1-2 digits")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("ssid must be numeric")
		}
		n = n*10 + int(r-'0')
	}
	if n < 0 || n > 15 {
		return 0, fmt.Errorf("ssid %d out of range 0-15", n)
	}
	return n, nil
}
