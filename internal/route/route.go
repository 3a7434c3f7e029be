// Package route defines the shared route representation used by the
// codec, the RIB and the RPC surface: AFI/SAFI, NLRI (unicast prefix or
// flowspec match list), path attributes and the source a route was
// learned from.
//
// 3.1.  Routes: Advertisement and Storage
//
//    For the purpose of this protocol, a route is defined as a unit of
//    information that pairs a set of destinations with the attributes of
//    a path to those destinations.
package route

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// AFI is an Address Family Identifier.
type AFI uint16

const (
	AFIUnknown AFI = 0
	AFIIPv4    AFI = 1
	AFIIPv6    AFI = 2
)

func (a AFI) String() string {
	switch a {
	case AFIIPv4:
		return "ipv4"
	case AFIIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("afi(%d)", uint16(a))
	}
}

// SAFI is a Subsequent Address Family Identifier.
type SAFI uint8

const (
	SAFIUnknown  SAFI = 0
	SAFIUnicast  SAFI = 1
	SAFIFlowspec SAFI = 133
)

func (s SAFI) String() string {
	switch s {
	case SAFIUnicast:
		return "unicast"
	case SAFIFlowspec:
		return "flowspec"
	default:
		return fmt.Sprintf("safi(%d)", uint8(s))
	}
}

// Family is an (AFI, SAFI) pair, the unit multiprotocol capabilities and
// peer configuration are expressed in.
type Family struct {
	AFI  AFI
	SAFI SAFI
}

func (f Family) String() string {
	return f.AFI.String() + "/" + f.SAFI.String()
}

// FlowComponent is a single ordered match component of a Flowspec NLRI
// (RFC 5575 §4). Type is the component type (destination prefix, source
// prefix, protocol, port, ...); Value is its encoded operator+value
// sequence. This repository treats the value as an opaque, comparable
// blob: flow-rule semantics beyond ordering and equality are a matter
// for the policy engine, which is out of scope (see spec.md §1 Non-goals).
type FlowComponent struct {
	Type  byte
	Value []byte
}

func (c FlowComponent) key() string {
	return fmt.Sprintf("%d:%x", c.Type, c.Value)
}

// NLRI is the Network Layer Reachability Information for a route: a
// unicast prefix, or an ordered Flowspec match list.
type NLRI struct {
	Prefix *net.IPNet      // set for SAFIUnicast
	Flow   []FlowComponent // set for SAFIFlowspec, in wire order
}

// Key returns a value suitable for use as a map key component: it is
// stable across equivalent NLRIs and distinct for differing ones.
func (n NLRI) Key() string {
	if n.Prefix != nil {
		return n.Prefix.String()
	}
	parts := make([]string, len(n.Flow))
	for i, c := range n.Flow {
		parts[i] = c.key()
	}
	return strings.Join(parts, "|")
}

func (n NLRI) String() string {
	if n.Prefix != nil {
		return n.Prefix.String()
	}
	return "flow[" + n.Key() + "]"
}

// Origin is the well-known ORIGIN path attribute value.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "igp"
	case OriginEGP:
		return "egp"
	default:
		return "incomplete"
	}
}

// Community is a plain 32-bit BGP community (RFC 1997) or, as this
// codebase's RPC surface renders it, an ASN:value pair packed into the
// same 32 bits.
type Community uint32

// ExtCommunity is an 8-octet extended community (RFC 4360).
type ExtCommunity [8]byte

// Attributes carries the path attributes that travel with a route.
// Attribute grouping for outbound UPDATE generation (spec.md §4.1,
// "UPDATE generation") compares Attributes by value, so this type must
// remain comparable or hashable via Key().
type Attributes struct {
	Origin    Origin
	ASPath    []uint32
	NextHop   net.IP
	LocalPref uint32
	MED       uint32
	// HasMED / HasLocalPref distinguish "attribute absent" from
	// "attribute present with value 0", since MED and LOCAL_PREF are
	// optional/discretionary attributes.
	HasMED        bool
	HasLocalPref  bool
	Communities   []Community
	ExtCommunities []ExtCommunity
}

// Key returns a string that is identical for two Attributes values that
// encode to the same wire representation, and used to group routes
// sharing attributes into a single outbound UPDATE (spec.md §4.1).
func (a Attributes) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "o=%d;nh=%s;lp=%d,%v;med=%d,%v;as=", a.Origin, a.NextHop, a.LocalPref, a.HasLocalPref, a.MED, a.HasMED)
	for _, asn := range a.ASPath {
		fmt.Fprintf(&b, "%d,", asn)
	}
	comms := append([]Community(nil), a.Communities...)
	sort.Slice(comms, func(i, j int) bool { return comms[i] < comms[j] })
	b.WriteString(";c=")
	for _, c := range comms {
		fmt.Fprintf(&b, "%d,", uint32(c))
	}
	b.WriteString(";ec=")
	for _, ec := range a.ExtCommunities {
		fmt.Fprintf(&b, "%x,", ec)
	}
	return b.String()
}

// SourceKind enumerates where a route entered the RIB from.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceAPI
	SourceConfig
	SourcePeer
)

func (k SourceKind) String() string {
	switch k {
	case SourceAPI:
		return "api"
	case SourceConfig:
		return "config"
	case SourcePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Source records where a route came from; RouterID is only meaningful
// when Kind is SourcePeer.
type Source struct {
	Kind     SourceKind
	RouterID net.IP
}

// Route is a single RIB entry: a destination (AFI/SAFI/NLRI), the
// attributes of the path to it, and where it came from.
type Route struct {
	AFI        AFI
	SAFI       SAFI
	NLRI       NLRI
	Attrs      Attributes
	Source     Source
	ReceivedAt time.Time
}

// Family returns the (AFI, SAFI) pair this route belongs to.
func (r Route) Family() Family {
	return Family{AFI: r.AFI, SAFI: r.SAFI}
}

// Key identifies a route's slot in a per-peer RIB table: (AFI, SAFI, NLRI).
// It intentionally excludes Attrs and Source, since inserting the same
// key replaces prior attributes (spec.md §3, RIB invariants).
func (r Route) Key() string {
	return fmt.Sprintf("%d/%d/%s", r.AFI, r.SAFI, r.NLRI.Key())
}
