// Package config loads and validates bgpd's TOML configuration
// (spec.md §6), and computes the diff applied on SIGHUP reload
// (spec.md §4.4). Grounded in route-beacon-ri's internal/config/config.go:
// same koanf.Load(file.Provider, parser) → env overlay → struct defaults
// → Unmarshal → Validate shape, switched from YAML to TOML per spec.md
// §6 ("Configuration (TOML-shaped)").
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kiteroute/bgpd/internal/bgperr"
	"github.com/kiteroute/bgpd/internal/route"
)

// Config is the top-level configuration document (spec.md §6).
type Config struct {
	RouterID     string       `koanf:"router_id"`
	DefaultAS    uint32       `koanf:"default_as"`
	PollInterval int          `koanf:"poll_interval"`
	BGPSocket    string       `koanf:"bgp_socket"`
	APISocket    string       `koanf:"api_socket"`
	LogLevel     string       `koanf:"log_level"`
	Peers        []PeerConfig `koanf:"peers"`
}

// PeerConfig mirrors spec.md §3's PeerConfig record.
type PeerConfig struct {
	Name             string   `koanf:"name"`
	RemoteIP         string   `koanf:"remote_ip"` // host, or a CIDR for subnet-matched peers
	RemoteAS         uint32   `koanf:"remote_as"`
	LocalAS          uint32   `koanf:"local_as"`
	RouterID         string   `koanf:"router_id"`
	HoldTimer        int      `koanf:"hold_timer"`
	Passive          bool     `koanf:"passive"`
	Enabled          bool     `koanf:"enabled"`
	Families         []string `koanf:"families"`
	DestPort         int      `koanf:"dest_port"`
	StaticRoutes     []StaticRoute `koanf:"static_routes"`
	StaticFlows      []StaticFlow  `koanf:"static_flows"`
	AdvertiseSources []string `koanf:"advertise_sources"`
}

// StaticRoute is a route injected into the RIB when its peer reaches
// Established (spec.md §9: "inject at Established-time rather than at
// config load").
type StaticRoute struct {
	Prefix      string   `koanf:"prefix"`
	NextHop     string   `koanf:"next_hop"`
	ASPath      []uint32 `koanf:"as_path"`
	Communities []uint32 `koanf:"communities"`
	LocalPref   uint32   `koanf:"local_pref"`
	MED         uint32   `koanf:"med"`
	Origin      string   `koanf:"origin"`
}

// StaticFlow is a Flowspec rule injected into the RIB when its peer
// reaches Established, the flowspec counterpart of StaticRoute (spec.md
// §3: PeerConfig's static entries are "static_routes, static_flows").
// AFI selects "ipv4" or "ipv6"; each match component's ValueHex is a
// hex-encoded RFC 5575 §4 operator+value sequence, since TOML has no
// native byte-string type.
type StaticFlow struct {
	AFI         string      `koanf:"afi"`
	Matches     []FlowMatch `koanf:"matches"`
	ASPath      []uint32    `koanf:"as_path"`
	Communities []uint32    `koanf:"communities"`
}

// FlowMatch is one ordered Flowspec match component (RFC 5575 §4).
type FlowMatch struct {
	Type     byte   `koanf:"type"`
	ValueHex string `koanf:"value_hex"`
}

func defaults() *Config {
	return &Config{
		DefaultAS:    0,
		PollInterval: 30,
		BGPSocket:    "0.0.0.0:179",
		APISocket:    "127.0.0.1:8080",
		LogLevel:     "info",
	}
}

// Load reads and validates the configuration file at path, overlaying
// BGPD_-prefixed environment variables (route-beacon-ri's
// RIB_INGESTER_ env-overlay convention, renamed to this daemon's
// prefix). A problem at any stage is wrapped in a *bgperr.ConfigError.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, &bgperr.ConfigError{Path: path, Err: err}
	}

	if err := k.Load(env.Provider("BGPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPD_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, &bgperr.ConfigError{Path: path, Err: err}
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &bgperr.ConfigError{Path: path, Err: err}
	}

	for i := range cfg.Peers {
		applyPeerDefaults(&cfg.Peers[i], cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &bgperr.ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

func applyPeerDefaults(p *PeerConfig, top *Config) {
	if p.LocalAS == 0 {
		p.LocalAS = top.DefaultAS
	}
	if p.RouterID == "" {
		p.RouterID = top.RouterID
	}
	if p.HoldTimer == 0 {
		p.HoldTimer = 180
	}
	if p.DestPort == 0 {
		p.DestPort = 179
	}
	if len(p.Families) == 0 {
		p.Families = []string{"ipv4-unicast"}
	}
	if len(p.AdvertiseSources) == 0 {
		p.AdvertiseSources = []string{"config", "api"}
	}
	if isCIDR(p.RemoteIP) {
		// Subnet-typed peers are implicitly passive (spec.md §3).
		p.Passive = true
	}
}

func isCIDR(s string) bool {
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// Validate checks the document for the malformed-address/unknown-family
// class of config errors spec.md §7 calls out as fatal at startup.
func (c *Config) Validate() error {
	if c.RouterID != "" && net.ParseIP(c.RouterID) == nil {
		return fmt.Errorf("config: router_id %q is not a valid IP", c.RouterID)
	}
	if _, _, err := net.SplitHostPort(c.BGPSocket); err != nil {
		return fmt.Errorf("config: bgp_socket %q invalid: %w", c.BGPSocket, err)
	}
	if _, _, err := net.SplitHostPort(c.APISocket); err != nil {
		return fmt.Errorf("config: api_socket %q invalid: %w", c.APISocket, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be > 0 (got %d)", c.PollInterval)
	}
	seen := make(map[string]bool)
	for _, p := range c.Peers {
		if p.RemoteIP == "" {
			return fmt.Errorf("config: peer %q missing remote_ip", p.Name)
		}
		if !isCIDR(p.RemoteIP) && net.ParseIP(p.RemoteIP) == nil {
			return fmt.Errorf("config: peer %q remote_ip %q is not a valid host or CIDR", p.Name, p.RemoteIP)
		}
		if p.RemoteAS == 0 {
			return fmt.Errorf("config: peer %q missing remote_as", p.Name)
		}
		for _, f := range p.Families {
			if _, _, err := ParseFamily(f); err != nil {
				return fmt.Errorf("config: peer %q: %w", p.Name, err)
			}
		}
		for _, sf := range p.StaticFlows {
			if sf.AFI != "ipv4" && sf.AFI != "ipv6" {
				return fmt.Errorf("config: peer %q: static_flows afi must be ipv4 or ipv6, got %q", p.Name, sf.AFI)
			}
			for _, m := range sf.Matches {
				if _, err := hex.DecodeString(m.ValueHex); err != nil {
					return fmt.Errorf("config: peer %q: static_flows match value_hex %q: %w", p.Name, m.ValueHex, err)
				}
			}
		}
		key := p.RemoteIP
		if seen[key] {
			return fmt.Errorf("config: duplicate peer remote_ip %q", p.RemoteIP)
		}
		seen[key] = true
	}
	return nil
}

// ParseFamily parses the "ipv4-unicast" / "ipv6-unicast" / "ipv4-flowspec"
// / "ipv6-flowspec" family names used in config and RPC payloads.
func ParseFamily(s string) (route.AFI, route.SAFI, error) {
	switch strings.ToLower(s) {
	case "ipv4-unicast":
		return route.AFIIPv4, route.SAFIUnicast, nil
	case "ipv6-unicast":
		return route.AFIIPv6, route.SAFIUnicast, nil
	case "ipv4-flowspec":
		return route.AFIIPv4, route.SAFIFlowspec, nil
	case "ipv6-flowspec":
		return route.AFIIPv6, route.SAFIFlowspec, nil
	default:
		return 0, 0, fmt.Errorf("unknown family %q", s)
	}
}

// Diff describes what changed between an old and new peer set, per
// spec.md §4.4's reload handler contract.
type Diff struct {
	Added   []PeerConfig
	Removed []PeerConfig
	Changed []PeerConfig // present in both; caller re-applies mutable fields
}

// DiffPeers computes the add/remove/change sets the reload handler
// applies, keyed by remote_ip (a peer's identity per spec.md §3).
func DiffPeers(oldPeers, newPeers []PeerConfig) Diff {
	oldByKey := make(map[string]PeerConfig, len(oldPeers))
	for _, p := range oldPeers {
		oldByKey[p.RemoteIP] = p
	}
	newByKey := make(map[string]PeerConfig, len(newPeers))
	for _, p := range newPeers {
		newByKey[p.RemoteIP] = p
	}

	var diff Diff
	for key, p := range newByKey {
		if _, ok := oldByKey[key]; !ok {
			diff.Added = append(diff.Added, p)
		} else {
			diff.Changed = append(diff.Changed, p)
		}
	}
	for key, p := range oldByKey {
		if _, ok := newByKey[key]; !ok {
			diff.Removed = append(diff.Removed, p)
		}
	}
	return diff
}
