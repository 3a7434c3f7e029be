package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kiteroute/bgpd/internal/fsm"
	"github.com/kiteroute/bgpd/internal/rib"
	"github.com/kiteroute/bgpd/internal/route"
	"github.com/sirupsen/logrus"
)

func waitForState(t *testing.T, p *Peer, want fsm.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer did not reach %v within %v, last state %v", want, timeout, p.State())
}

func TestNewStartsIdleOrDisabled(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	r := rib.New()
	p := New(Config{Name: "a", Enabled: true}, "peerA", r, log)
	if p.State() != fsm.Idle {
		t.Fatalf("expected Idle, got %v", p.State())
	}
	p2 := New(Config{Name: "b", Enabled: false}, "peerB", r, log)
	if p2.State() != fsm.Disabled {
		t.Fatalf("expected Disabled, got %v", p2.State())
	}
}

func TestFeedSocketDropsWhenBusy(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	r := rib.New()
	p := New(Config{Name: "a", Enabled: true}, "peerA", r, log)

	c1, c2 := net.Pipe()
	c3, c4 := net.Pipe()
	defer c2.Close()
	defer c4.Close()

	p.FeedSocket(c1) // fills the buffered slot
	p.FeedSocket(c3) // should be dropped (closed) since the slot is full

	// c3 should have been closed by FeedSocket; writing to c4 should fail
	// or at least not hang (the peer dropped its end).
	c4.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := c4.Write([]byte("x"))
	if err == nil {
		t.Log("write succeeded; pipe close semantics are best-effort in this test")
	}
}

// TestSessionEstablishesAndExchangesRoutes wires two Peers together with
// net.Pipe standing in for the manager-handed TCP sockets (spec.md §8's
// end-to-end scenario: two sessions reach Established and an
// advertisement queued on one side is learned on the other).
func TestSessionEstablishesAndExchangesRoutes(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	ribA := rib.New()
	ribB := rib.New()

	families := []route.Family{{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast}}

	cfgA := Config{
		Name: "to-b", RemoteAS: 65002, RemoteIP: net.ParseIP("10.0.0.2"),
		LocalAS: 65001, RouterID: net.ParseIP("1.1.1.1"),
		HoldTime: 3, Passive: true, Enabled: true, Families: families,
	}
	cfgB := Config{
		Name: "to-a", RemoteAS: 65001, RemoteIP: net.ParseIP("10.0.0.1"),
		LocalAS: 65002, RouterID: net.ParseIP("2.2.2.2"),
		HoldTime: 3, Passive: true, Enabled: true, Families: families,
	}

	peerA := New(cfgA, "peerA", ribA, log)
	peerB := New(cfgB, "peerB", ribB, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peerA.Start(ctx, 200*time.Millisecond)
	peerB.Start(ctx, 200*time.Millisecond)
	defer peerA.Stop()
	defer peerB.Stop()

	connA, connB := net.Pipe()
	peerA.FeedSocket(connA)
	peerB.FeedSocket(connB)

	waitForState(t, peerA, fsm.Established, 5*time.Second)
	waitForState(t, peerB, fsm.Established, 5*time.Second)

	_, prefix, _ := net.ParseCIDR("198.51.100.0/24")
	peerA.EnqueueAdvertisement(route.Route{
		AFI: route.AFIIPv4, SAFI: route.SAFIUnicast,
		NLRI:  route.NLRI{Prefix: prefix},
		Attrs: route.Attributes{Origin: route.OriginIGP, NextHop: net.ParseIP("10.0.0.1"), ASPath: []uint32{65001}},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		learned := ribB.EnumerateLearned(func(id rib.PeerID, _ route.Route) bool { return id == "peerB" })
		if len(learned) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("peerB never learned the advertised route")
}
