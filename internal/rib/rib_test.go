package rib

import (
	"net"
	"testing"

	"github.com/kiteroute/bgpd/internal/route"
)

func prefix(t *testing.T, s string) route.NLRI {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return route.NLRI{Prefix: n}
}

func TestInsertAndWithdrawLearned(t *testing.T) {
	r := New()
	rt := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.0.0/24")}
	r.InsertLearned("peerA", rt)

	entries := r.EnumerateLearned(nil)
	if len(entries) != 1 {
		t.Fatalf("expected 1 learned route, got %d", len(entries))
	}

	r.WithdrawLearned("peerA", route.AFIIPv4, route.SAFIUnicast, rt.NLRI)
	entries = r.EnumerateLearned(nil)
	if len(entries) != 0 {
		t.Fatalf("expected 0 learned routes after withdraw, got %d", len(entries))
	}
}

func TestWithdrawUnknownPeerIsNoop(t *testing.T) {
	r := New()
	r.WithdrawLearned("nobody", route.AFIIPv4, route.SAFIUnicast, prefix(t, "1.1.1.0/24"))
}

func TestClearPeerLearned(t *testing.T) {
	r := New()
	r.InsertLearned("peerA", route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.0.0/24")})
	r.InsertLearned("peerA", route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.1.0/24")})
	r.ClearPeerLearned("peerA")
	if got := r.LearnedCount("peerA"); got != 0 {
		t.Fatalf("expected 0 learned routes, got %d", got)
	}
}

func TestQueueAndTakePendingPreservesOrder(t *testing.T) {
	r := New()
	first := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.0.0/24")}
	second := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.1.0/24")}

	r.QueueAdvertisement("peerB", first)
	r.QueueAdvertisement("peerB", second)

	got := r.TakePending("peerB")
	if len(got) != 2 {
		t.Fatalf("expected 2 pending routes, got %d", len(got))
	}
	if got[0].NLRI.Key() != first.NLRI.Key() || got[1].NLRI.Key() != second.NLRI.Key() {
		t.Fatalf("pending routes out of order: %+v", got)
	}

	if more := r.TakePending("peerB"); len(more) != 0 {
		t.Fatalf("expected queue to be drained, got %d more", len(more))
	}
}

func TestTakePendingUnregisteredPeerReturnsNil(t *testing.T) {
	r := New()
	if got := r.TakePending("ghost"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestMarkAdvertisedAndRequeue(t *testing.T) {
	r := New()
	rt := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "192.0.2.0/24")}
	r.MarkAdvertised("peerC", []route.Route{rt})

	advertised := r.EnumerateAdvertised(nil)
	if len(advertised) != 1 {
		t.Fatalf("expected 1 advertised route, got %d", len(advertised))
	}

	r.RequeueFromAdvertised("peerC")
	pending := r.TakePending("peerC")
	if len(pending) != 1 || pending[0].NLRI.Key() != rt.NLRI.Key() {
		t.Fatalf("expected requeued route, got %+v", pending)
	}

	// Adj-RIB-Out entry survives the requeue: it still reflects what was
	// last advertised, independent of what is pending retransmission.
	if advertised := r.EnumerateAdvertised(nil); len(advertised) != 1 {
		t.Fatalf("expected adj-rib-out to remain populated, got %d", len(advertised))
	}
}

func TestQueueAndTakePendingWithdrawalsPreservesOrder(t *testing.T) {
	r := New()
	first := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.0.0/24")}
	second := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.1.0/24")}

	r.QueueWithdrawal("peerB", first)
	r.QueueWithdrawal("peerB", second)

	got := r.TakePendingWithdrawals("peerB")
	if len(got) != 2 {
		t.Fatalf("expected 2 pending withdrawals, got %d", len(got))
	}
	if got[0].NLRI.Key() != first.NLRI.Key() || got[1].NLRI.Key() != second.NLRI.Key() {
		t.Fatalf("pending withdrawals out of order: %+v", got)
	}

	if more := r.TakePendingWithdrawals("peerB"); len(more) != 0 {
		t.Fatalf("expected withdrawal queue to be drained, got %d more", len(more))
	}
}

func TestMarkWithdrawnRemovesFromAdjRIBOut(t *testing.T) {
	r := New()
	rt := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "192.0.2.0/24")}
	r.MarkAdvertised("peerC", []route.Route{rt})
	if got := r.AdvertisedCount("peerC"); got != 1 {
		t.Fatalf("expected 1 advertised route, got %d", got)
	}

	r.MarkWithdrawn("peerC", []route.Route{rt})
	if got := r.AdvertisedCount("peerC"); got != 0 {
		t.Fatalf("expected 0 advertised routes after withdrawal, got %d", got)
	}
}

func TestRemovePeerClearsEverything(t *testing.T) {
	r := New()
	rt := route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "203.0.113.0/24")}
	r.InsertLearned("peerD", rt)
	r.MarkAdvertised("peerD", []route.Route{rt})
	r.QueueAdvertisement("peerD", rt)

	r.RemovePeer("peerD")

	if got := r.LearnedCount("peerD"); got != 0 {
		t.Fatalf("expected 0 learned after removal, got %d", got)
	}
	if got := r.EnumerateAdvertised(func(p PeerID, _ route.Route) bool { return p == "peerD" }); len(got) != 0 {
		t.Fatalf("expected no advertised entries after removal, got %d", len(got))
	}
}

func TestEnumerateFilter(t *testing.T) {
	r := New()
	r.InsertLearned("peerA", route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.0.0/24")})
	r.InsertLearned("peerB", route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: prefix(t, "10.0.1.0/24")})

	got := r.EnumerateLearned(func(p PeerID, _ route.Route) bool { return p == "peerA" })
	if len(got) != 1 || got[0].Peer != "peerA" {
		t.Fatalf("expected only peerA entries, got %+v", got)
	}
}
