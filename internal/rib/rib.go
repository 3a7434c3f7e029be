// Package rib implements the Routing Information Base (C4): per-peer
// Adj-RIB-In (learned routes) and Adj-RIB-Out (advertised routes), and
// the pending-advertisement queue that feeds outbound UPDATE
// generation. Grounded in the teacher's rib.Adj-RIB-In/-Out design
// (rib/rib.go's RFC 4271 §3.2 commentary) but, unlike the teacher's
// stub, fully implemented: this is the one piece of shared mutable
// state the whole daemon serializes through (spec.md §3, "Ownership").
//
// Route selection / best-path computation across peers and FIB
// installation are out of scope (spec.md §1 Non-goals): the RIB stores
// per-peer Adj-RIB-In and Adj-RIB-Out without computing a single
// best-path Loc-RIB.
package rib

import (
	"sync"

	"github.com/eapache/channels"
	"github.com/kiteroute/bgpd/internal/route"
)

// PeerID identifies a peer's slice of the RIB. The session manager
// assigns it (spec.md §9: one session record per source IP for
// subnet-matched peers, all sharing one PeerConfig template, so PeerID
// is the resolved identity, not the configured template).
type PeerID string

// LearnedEntry is a read-only view of one Adj-RIB-In row, used by the
// show_routes_learned RPC method.
type LearnedEntry struct {
	Peer  PeerID
	Route route.Route
}

// AdvertisedEntry is a read-only view of one Adj-RIB-Out row, used by
// the show_routes_advertised RPC method.
type AdvertisedEntry struct {
	Peer  PeerID
	Route route.Route
}

type peerTables struct {
	learned         map[string]route.Route
	advertised      map[string]route.Route
	pending         channels.Channel
	pendingWithdraw channels.Channel
}

// RIB is the shared, mutex-serialized routing table. Per spec.md §5,
// the lock is held only for the duration of one logical operation
// (insert, withdraw, enumerate, drain) — never across a socket or
// channel operation.
type RIB struct {
	mu    sync.Mutex
	peers map[PeerID]*peerTables
}

// New creates an empty RIB.
func New() *RIB {
	return &RIB{peers: make(map[PeerID]*peerTables)}
}

// RegisterPeer prepares storage for peer, including its pending
// advertisement queue. Idempotent: registering an already-known peer
// is a no-op. The session manager calls this once per resolved peer
// identity, before the peer's session can run.
func (r *RIB) RegisterPeer(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(peer)
}

func (r *RIB) registerLocked(peer PeerID) *peerTables {
	t, ok := r.peers[peer]
	if !ok {
		t = &peerTables{
			learned:         make(map[string]route.Route),
			advertised:      make(map[string]route.Route),
			pending:         channels.NewInfiniteChannel(),
			pendingWithdraw: channels.NewInfiniteChannel(),
		}
		r.peers[peer] = t
	}
	return t
}

// RemovePeer drops all state for peer: Adj-RIB-In, Adj-RIB-Out and any
// still-pending advertisements. Per spec.md §9's Open Question
// resolution, removing a peer (e.g. on reload) clears Adj-RIB-Out;
// re-adding the same peer rebuilds it from static config and API calls.
func (r *RIB) RemovePeer(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.peers[peer]; ok {
		t.pending.Close()
		t.pendingWithdraw.Close()
		delete(r.peers, peer)
	}
}

// InsertLearned inserts rt into peer's Adj-RIB-In, replacing any prior
// route at the same (AFI, SAFI, NLRI) key — BGP's implicit-withdraw
// semantics (spec.md §3).
func (r *RIB) InsertLearned(peer PeerID, rt route.Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.registerLocked(peer)
	t.learned[rt.Key()] = rt
}

// WithdrawLearned removes the Adj-RIB-In entry for (afi, safi, nlri).
// A missing key is a no-op, not an error (spec.md §3).
func (r *RIB) WithdrawLearned(peer PeerID, afi route.AFI, safi route.SAFI, nlri route.NLRI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peer]
	if !ok {
		return
	}
	key := route.Route{AFI: afi, SAFI: safi, NLRI: nlri}.Key()
	delete(t.learned, key)
}

// ClearPeerLearned drops all Adj-RIB-In entries for peer (on session
// down — standard BGP semantics: the routes a peer taught us are no
// longer valid once that peer's session resets).
func (r *RIB) ClearPeerLearned(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peer]
	if !ok {
		return
	}
	t.learned = make(map[string]route.Route)
}

// QueueAdvertisement appends rt to peer's pending queue, source-tagged
// by the caller. The queue is an eapache/channels.InfiniteChannel so
// queuing from an RPC call never blocks on a session drain in
// progress (spec.md §5, ordering guarantee: "An advertisement queued
// before a session becomes Established is guaranteed to be sent on
// that first UPDATE batch").
func (r *RIB) QueueAdvertisement(peer PeerID, rt route.Route) {
	r.mu.Lock()
	t := r.registerLocked(peer)
	r.mu.Unlock()
	t.pending.In() <- rt
}

// TakePending drains and returns everything currently queued for peer,
// in order. The caller must call MarkAdvertised after the routes have
// actually been written to the wire.
func (r *RIB) TakePending(peer PeerID) []route.Route {
	r.mu.Lock()
	t, ok := r.peers[peer]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	out := t.pending.Out()
	var drained []route.Route
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return drained
			}
			drained = append(drained, v.(route.Route))
		default:
			return drained
		}
	}
}

// QueueWithdrawal appends rt to peer's pending withdrawal queue,
// drained separately from the advertisement queue so a withdrawal for a
// prefix never gets reordered against a concurrent re-advertisement of
// it (spec.md §4.1, "UPDATE generation" covers both directions).
func (r *RIB) QueueWithdrawal(peer PeerID, rt route.Route) {
	r.mu.Lock()
	t := r.registerLocked(peer)
	r.mu.Unlock()
	t.pendingWithdraw.In() <- rt
}

// TakePendingWithdrawals drains and returns everything currently queued
// for withdrawal to peer, in order. The caller must call MarkWithdrawn
// after the withdrawing UPDATE has actually been written to the wire.
func (r *RIB) TakePendingWithdrawals(peer PeerID) []route.Route {
	r.mu.Lock()
	t, ok := r.peers[peer]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	out := t.pendingWithdraw.Out()
	var drained []route.Route
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return drained
			}
			drained = append(drained, v.(route.Route))
		default:
			return drained
		}
	}
}

// MarkWithdrawn removes routes from peer's Adj-RIB-Out after a
// successful withdrawing UPDATE. A missing peer or entry is a no-op.
func (r *RIB) MarkWithdrawn(peer PeerID, routes []route.Route) {
	if len(routes) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peer]
	if !ok {
		return
	}
	for _, rt := range routes {
		delete(t.advertised, rt.Key())
	}
}

// MarkAdvertised inserts routes into peer's Adj-RIB-Out after a
// successful transmission.
func (r *RIB) MarkAdvertised(peer PeerID, routes []route.Route) {
	if len(routes) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.registerLocked(peer)
	for _, rt := range routes {
		t.advertised[rt.Key()] = rt
	}
}

// RequeueFromAdvertised re-queues peer's entire current Adj-RIB-Out
// snapshot for advertisement. Called when a session resets: the
// pending queue drains exactly once per advertisement unless the
// session resets, in which case routes are re-queued from the
// Adj-RIB-Out snapshot (spec.md §3) — Adj-RIB-Out itself is untouched,
// so a route that was already advertised stays recorded as advertised
// even while it is queued again for re-transmission.
func (r *RIB) RequeueFromAdvertised(peer PeerID) {
	r.mu.Lock()
	t, ok := r.peers[peer]
	if !ok {
		r.mu.Unlock()
		return
	}
	routes := make([]route.Route, 0, len(t.advertised))
	for _, rt := range t.advertised {
		routes = append(routes, rt)
	}
	r.mu.Unlock()
	for _, rt := range routes {
		t.pending.In() <- rt
	}
}

// EnumerateLearned returns every Adj-RIB-In entry for which filter
// returns true. A nil filter matches everything.
func (r *RIB) EnumerateLearned(filter func(PeerID, route.Route) bool) []LearnedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LearnedEntry
	for peer, t := range r.peers {
		for _, rt := range t.learned {
			if filter == nil || filter(peer, rt) {
				out = append(out, LearnedEntry{Peer: peer, Route: rt})
			}
		}
	}
	return out
}

// EnumerateAdvertised returns every Adj-RIB-Out entry for which filter
// returns true. A nil filter matches everything.
func (r *RIB) EnumerateAdvertised(filter func(PeerID, route.Route) bool) []AdvertisedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AdvertisedEntry
	for peer, t := range r.peers {
		for _, rt := range t.advertised {
			if filter == nil || filter(peer, rt) {
				out = append(out, AdvertisedEntry{Peer: peer, Route: rt})
			}
		}
	}
	return out
}

// LearnedCount returns the number of Adj-RIB-In entries for peer, used
// by metrics.
func (r *RIB) LearnedCount(peer PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peer]
	if !ok {
		return 0
	}
	return len(t.learned)
}

// AdvertisedCount returns the number of Adj-RIB-Out entries for peer,
// used by metrics.
func (r *RIB) AdvertisedCount(peer PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peer]
	if !ok {
		return 0
	}
	return len(t.advertised)
}
