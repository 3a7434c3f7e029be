package manager

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kiteroute/bgpd/internal/config"
	"github.com/kiteroute/bgpd/internal/fsm"
	"github.com/kiteroute/bgpd/internal/rib"
	"github.com/sirupsen/logrus"
)

func newTestManager(t *testing.T) (*Manager, context.Context, context.CancelFunc) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	r := rib.New()
	m := New("127.0.0.1:0", r, log)
	ctx, cancel := context.WithCancel(context.Background())
	return m, ctx, cancel
}

func TestResolveExactThenSubnet(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	peers := []config.PeerConfig{
		{Name: "exact", RemoteIP: "192.0.2.1", RemoteAS: 65001, LocalAS: 65000, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
		{Name: "subnet", RemoteIP: "198.51.100.0/24", RemoteAS: 65002, LocalAS: 65000, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	if err := m.LoadPeers(ctx, 200*time.Millisecond, peers); err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}

	exact := m.resolve(net.ParseIP("192.0.2.1"))
	if exact == nil || exact.cfg.Name != "exact" {
		t.Fatalf("expected exact match, got %+v", exact)
	}
	subnet := m.resolve(net.ParseIP("198.51.100.42"))
	if subnet == nil || subnet.cfg.Name != "subnet" {
		t.Fatalf("expected subnet match, got %+v", subnet)
	}
	none := m.resolve(net.ParseIP("203.0.113.1"))
	if none != nil {
		t.Fatalf("expected no match, got %+v", none)
	}
}

func TestAcceptLoopDispatchesToMatchingPeer(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	peers := []config.PeerConfig{
		{Name: "loopback", RemoteIP: "127.0.0.1", RemoteAS: 65001, LocalAS: 65000, HoldTimer: 90, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	if err := m.LoadPeers(ctx, 200*time.Millisecond, peers); err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}
	if err := m.Start(200 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	conn, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("dial manager: %v", err)
	}
	defer conn.Close()

	p, ok := m.PeerByID(rib.PeerID("127.0.0.1"))
	if !ok {
		t.Fatalf("expected peer 127.0.0.1 to be registered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == fsm.OpenSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never left Idle/Active after inbound connection, state=%v", p.State())
}

func TestRouterIDHigherOrEqual(t *testing.T) {
	higher := net.ParseIP("10.0.0.2")
	lower := net.ParseIP("10.0.0.1")
	if !routerIDHigherOrEqual(higher, lower) {
		t.Fatalf("expected 10.0.0.2 to be higher than 10.0.0.1")
	}
	if routerIDHigherOrEqual(lower, higher) {
		t.Fatalf("expected 10.0.0.1 to not be higher than 10.0.0.2")
	}
	if !routerIDHigherOrEqual(higher, higher) {
		t.Fatalf("expected equal router_ids to compare as higher-or-equal")
	}
}

func TestReloadAddsAndRemovesPeers(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	initial := []config.PeerConfig{
		{Name: "r1", RemoteIP: "192.0.2.1", RemoteAS: 65001, LocalAS: 65000, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	if err := m.LoadPeers(ctx, 200*time.Millisecond, initial); err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}

	next := []config.PeerConfig{
		{Name: "r2", RemoteIP: "192.0.2.2", RemoteAS: 65002, LocalAS: 65000, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	diff := config.DiffPeers(initial, next)
	if err := m.Reload(ctx, 200*time.Millisecond, diff); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := m.PeerByID(rib.PeerID("192.0.2.1")); ok {
		t.Fatalf("expected r1 to be removed after reload")
	}
	if _, ok := m.PeerByID(rib.PeerID("192.0.2.2")); !ok {
		t.Fatalf("expected r2 to be added after reload")
	}
}

func TestReloadDisablesPeerInPlace(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	initial := []config.PeerConfig{
		{Name: "r1", RemoteIP: "192.0.2.1", RemoteAS: 65001, LocalAS: 65000, Enabled: true, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	if err := m.LoadPeers(ctx, 200*time.Millisecond, initial); err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}

	disabled := []config.PeerConfig{
		{Name: "r1", RemoteIP: "192.0.2.1", RemoteAS: 65001, LocalAS: 65000, Enabled: false, Passive: true, Families: []string{"ipv4-unicast"}},
	}
	diff := config.DiffPeers(initial, disabled)
	if err := m.Reload(ctx, 200*time.Millisecond, diff); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	p, ok := m.PeerByID(rib.PeerID("192.0.2.1"))
	if !ok {
		t.Fatalf("expected r1 to remain registered while disabled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == fsm.Disabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never transitioned to Disabled, state=%v", p.State())
}
