package message

import (
	"bytes"
	"net"
	"testing"

	"github.com/kiteroute/bgpd/internal/route"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, TypeKeepalive, EncodeKeepalive()); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != TypeKeepalive {
		t.Fatalf("expected keepalive, got %v", typ)
	}
	if err := DecodeKeepalive(body); err != nil {
		t.Fatalf("decode keepalive: %v", err)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	families := []route.Family{{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast}, {AFI: route.AFIIPv6, SAFI: route.SAFIUnicast}}
	o := NewOpen(70000, net.ParseIP("1.2.3.4"), 90, families)

	body := EncodeOpen(o)
	got, err := DecodeOpen(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PeerAS() != 70000 {
		t.Fatalf("expected peer AS 70000, got %d", got.PeerAS())
	}
	if got.HoldTime != 90 {
		t.Fatalf("expected hold time 90, got %d", got.HoldTime)
	}
	if !got.RouterID.Equal(net.ParseIP("1.2.3.4")) {
		t.Fatalf("expected router id 1.2.3.4, got %s", got.RouterID)
	}
	gotFamilies := got.Families()
	if len(gotFamilies) != 2 {
		t.Fatalf("expected 2 families, got %d: %v", len(gotFamilies), gotFamilies)
	}
}

func TestOpenSmallAS(t *testing.T) {
	o := NewOpen(65000, net.ParseIP("9.9.9.9"), 180, nil)
	body := EncodeOpen(o)
	got, err := DecodeOpen(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PeerAS() != 65000 {
		t.Fatalf("expected AS 65000, got %d", got.PeerAS())
	}
	// No families configured: OPEN still implies IPv4 Unicast (RFC 4760 §4).
	fams := got.Families()
	if len(fams) != 1 || fams[0].AFI != route.AFIIPv4 {
		t.Fatalf("expected implicit ipv4 unicast, got %v", fams)
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	n := Notification{Code: 4, Subcode: 0, Data: nil}
	body := EncodeNotification(n)
	got, err := DecodeNotification(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != 4 || got.Subcode != 0 {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func mustPrefix(t *testing.T, s string) route.NLRI {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return route.NLRI{Prefix: n}
}

func TestUpdateRoundTripIPv4(t *testing.T) {
	u := Update{
		WithdrawnIPv4: []route.NLRI{mustPrefix(t, "10.0.0.0/24")},
		HasAttrs:      true,
		Attrs: route.Attributes{
			Origin:       route.OriginIncomplete,
			ASPath:       []uint32{65001, 65002},
			NextHop:      net.ParseIP("127.0.0.1"),
			HasMED:       true,
			MED:          10,
			Communities:  []route.Community{404, 0xFDE8000A}, // 65000:10
		},
		NLRI: []route.NLRI{mustPrefix(t, "2.10.0.0/24")},
	}
	body, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.WithdrawnIPv4) != 1 || got.WithdrawnIPv4[0].Prefix.String() != "10.0.0.0/24" {
		t.Fatalf("unexpected withdrawn: %+v", got.WithdrawnIPv4)
	}
	if len(got.NLRI) != 1 || got.NLRI[0].Prefix.String() != "2.10.0.0/24" {
		t.Fatalf("unexpected nlri: %+v", got.NLRI)
	}
	if got.Attrs.MED != 10 || !got.Attrs.HasMED {
		t.Fatalf("unexpected med: %+v", got.Attrs)
	}
	if len(got.Attrs.Communities) != 2 {
		t.Fatalf("unexpected communities: %+v", got.Attrs.Communities)
	}
	if len(got.Attrs.ASPath) != 2 || got.Attrs.ASPath[0] != 65001 {
		t.Fatalf("unexpected as path: %+v", got.Attrs.ASPath)
	}
}

func TestUpdateRoundTripMPReachIPv6(t *testing.T) {
	_, prefix, _ := net.ParseCIDR("2001:db8::/32")
	u := Update{
		MPReach: &MPReach{
			Family:  route.Family{AFI: route.AFIIPv6, SAFI: route.SAFIUnicast},
			NextHop: net.ParseIP("2001:db8::1"),
			NLRI:    []route.NLRI{{Prefix: prefix}},
		},
	}
	body, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MPReach == nil || len(got.MPReach.NLRI) != 1 {
		t.Fatalf("expected one mp_reach nlri, got %+v", got.MPReach)
	}
	if got.MPReach.NLRI[0].Prefix.String() != "2001:db8::/32" {
		t.Fatalf("unexpected prefix: %s", got.MPReach.NLRI[0].Prefix)
	}
}

func TestUpdateRoundTripFlowspec(t *testing.T) {
	u := Update{
		MPUnreach: &MPUnreach{
			Family: route.Family{AFI: route.AFIIPv4, SAFI: route.SAFIFlowspec},
			NLRI: []route.NLRI{{Flow: []route.FlowComponent{
				{Type: 1, Value: []byte{24, 10, 0, 0, 0}},
				{Type: 3, Value: []byte{6}},
			}}},
		},
	}
	body, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MPUnreach == nil || len(got.MPUnreach.NLRI) != 1 {
		t.Fatalf("expected one flow nlri, got %+v", got.MPUnreach)
	}
	if len(got.MPUnreach.NLRI[0].Flow) != 2 {
		t.Fatalf("expected 2 flow components, got %d", len(got.MPUnreach.NLRI[0].Flow))
	}
}

func TestEmptyUpdateIsNotAnError(t *testing.T) {
	body, err := EncodeUpdate(Update{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.WithdrawnIPv4) != 0 || len(got.NLRI) != 0 || got.HasAttrs {
		t.Fatalf("expected empty update, got %+v", got)
	}
}

func TestBuildWithdrawUpdatesIPv4Unicast(t *testing.T) {
	routes := []route.Route{
		{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: mustPrefix(t, "10.0.0.0/24")},
		{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: mustPrefix(t, "10.0.1.0/24")},
	}
	updates := BuildWithdrawUpdates(routes, MaxMessageLength)
	if len(updates) != 1 {
		t.Fatalf("expected 1 withdraw update, got %d", len(updates))
	}
	u := updates[0]
	if len(u.WithdrawnIPv4) != 2 || u.HasAttrs || len(u.NLRI) != 0 {
		t.Fatalf("expected a pure withdraw with no attrs/nlri, got %+v", u)
	}
	body, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.WithdrawnIPv4) != 2 {
		t.Fatalf("round trip lost withdrawn prefixes: %+v", got.WithdrawnIPv4)
	}
}

func TestBuildWithdrawUpdatesMPUnreach(t *testing.T) {
	_, prefix, _ := net.ParseCIDR("2001:db8::/32")
	routes := []route.Route{
		{AFI: route.AFIIPv6, SAFI: route.SAFIUnicast, NLRI: route.NLRI{Prefix: prefix}},
	}
	updates := BuildWithdrawUpdates(routes, MaxMessageLength)
	if len(updates) != 1 || updates[0].MPUnreach == nil {
		t.Fatalf("expected 1 mp_unreach withdraw update, got %+v", updates)
	}
	if updates[0].MPUnreach.Family.AFI != route.AFIIPv6 {
		t.Fatalf("unexpected family: %+v", updates[0].MPUnreach.Family)
	}
}

func TestBuildUpdatesBatchesBySize(t *testing.T) {
	var routes []route.Route
	for i := 0; i < 2000; i++ {
		routes = append(routes, route.Route{
			AFI: route.AFIIPv4, SAFI: route.SAFIUnicast,
			NLRI:  route.NLRI{Prefix: &net.IPNet{IP: net.IPv4(10, byte(i>>8), byte(i), 0), Mask: net.CIDRMask(24, 32)}},
			Attrs: route.Attributes{Origin: route.OriginIGP, NextHop: net.ParseIP("127.0.0.1")},
		})
	}
	updates, err := BuildUpdates(routes, MaxMessageLength)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(updates) < 2 {
		t.Fatalf("expected more than one update for 2000 routes, got %d", len(updates))
	}
	for _, u := range updates {
		body, err := EncodeUpdate(u)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if headerLength+len(body) > MaxMessageLength {
			t.Fatalf("update exceeds max message length: %d", headerLength+len(body))
		}
	}
}
