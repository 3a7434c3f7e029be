package message

import (
	"net"
	"time"

	"github.com/kiteroute/bgpd/internal/route"
)

// RoutesFromUpdate translates a decoded UPDATE into the RIB operations
// it implies (spec.md §4.1, "UPDATE processing"): withdrawn routes and
// MP_UNREACH entries become withdrawals; NLRI and MP_REACH entries
// become inserts carrying the shared attribute set. An UPDATE with
// neither is valid and yields no operations.
func RoutesFromUpdate(peerRouterID net.IP, u Update, now time.Time) (inserts []route.Route, withdraws []route.Route) {
	src := route.Source{Kind: route.SourcePeer, RouterID: peerRouterID}

	for _, n := range u.WithdrawnIPv4 {
		withdraws = append(withdraws, route.Route{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: n, Source: src})
	}
	for _, n := range u.NLRI {
		inserts = append(inserts, route.Route{
			AFI: route.AFIIPv4, SAFI: route.SAFIUnicast, NLRI: n,
			Attrs: u.Attrs, Source: src, ReceivedAt: now,
		})
	}
	if u.MPUnreach != nil {
		for _, n := range u.MPUnreach.NLRI {
			withdraws = append(withdraws, route.Route{AFI: u.MPUnreach.Family.AFI, SAFI: u.MPUnreach.Family.SAFI, NLRI: n, Source: src})
		}
	}
	if u.MPReach != nil {
		attrs := u.Attrs
		attrs.NextHop = u.MPReach.NextHop
		for _, n := range u.MPReach.NLRI {
			inserts = append(inserts, route.Route{
				AFI: u.MPReach.Family.AFI, SAFI: u.MPReach.Family.SAFI, NLRI: n,
				Attrs: attrs, Source: src, ReceivedAt: now,
			})
		}
	}
	return inserts, withdraws
}

// BuildUpdates groups routes sharing identical path attributes into as
// few UPDATE messages as needed, batching NLRIs so the encoded message
// never exceeds maxSize octets including the header (spec.md §4.1,
// "UPDATE generation"). Non-IPv4-Unicast families are carried in
// MP_REACH_NLRI, one family per UPDATE (MP_REACH_NLRI does not mix
// families).
func BuildUpdates(routes []route.Route, maxSize int) ([]Update, error) {
	type group struct {
		family route.Family
		attrs  route.Attributes
		nlri   []route.NLRI
	}
	order := make([]string, 0, len(routes))
	groups := make(map[string]*group)
	for _, r := range routes {
		key := r.Family().String() + "|" + r.Attrs.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{family: r.Family(), attrs: r.Attrs}
			groups[key] = g
			order = append(order, key)
		}
		g.nlri = append(g.nlri, r.NLRI)
	}

	var updates []Update
	for _, key := range order {
		g := groups[key]
		batches := batchNLRI(g.family, g.attrs, g.nlri, maxSize)
		updates = append(updates, batches...)
	}
	return updates, nil
}

// batchNLRI splits one attribute group's NLRI list into one or more
// UPDATE messages, each within maxSize once encoded.
func batchNLRI(family route.Family, attrs route.Attributes, nlris []route.NLRI, maxSize int) []Update {
	isV4Unicast := family.AFI == route.AFIIPv4 && family.SAFI == route.SAFIUnicast

	var updates []Update
	var batch []route.NLRI
	flush := func() {
		if len(batch) == 0 {
			return
		}
		u := Update{Attrs: attrs, HasAttrs: true}
		if isV4Unicast {
			u.NLRI = batch
		} else {
			u.MPReach = &MPReach{Family: family, NextHop: attrs.NextHop, NLRI: batch}
		}
		updates = append(updates, u)
		batch = nil
	}

	for _, n := range nlris {
		batch = append(batch, n)
		body, err := EncodeUpdate(updateFor(family, attrs, isV4Unicast, batch))
		if err != nil || headerLength+len(body) > maxSize {
			last := batch[len(batch)-1]
			batch = batch[:len(batch)-1]
			flush()
			batch = []route.NLRI{last}
		}
	}
	flush()
	if len(updates) == 0 {
		// No NLRI at all: a pure-attribute-less, pure-withdraw-less
		// UPDATE is never emitted by BuildUpdates (withdrawals are
		// driven through MPUnreach/WithdrawnIPv4 by the caller), so an
		// empty group produces nothing.
		return nil
	}
	return updates
}

func updateFor(family route.Family, attrs route.Attributes, isV4Unicast bool, batch []route.NLRI) Update {
	u := Update{Attrs: attrs, HasAttrs: true}
	if isV4Unicast {
		u.NLRI = batch
	} else {
		u.MPReach = &MPReach{Family: family, NextHop: attrs.NextHop, NLRI: batch}
	}
	return u
}

// BuildWithdrawUpdates renders a set of routes to withdraw as one or
// more pure-withdraw UPDATE messages, grouped by family.
func BuildWithdrawUpdates(routes []route.Route, maxSize int) []Update {
	byFamily := make(map[route.Family][]route.NLRI)
	var order []route.Family
	for _, r := range routes {
		if _, ok := byFamily[r.Family()]; !ok {
			order = append(order, r.Family())
		}
		byFamily[r.Family()] = append(byFamily[r.Family()], r.NLRI)
	}
	var updates []Update
	for _, fam := range order {
		nlris := byFamily[fam]
		isV4Unicast := fam.AFI == route.AFIIPv4 && fam.SAFI == route.SAFIUnicast
		var batch []route.NLRI
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if isV4Unicast {
				updates = append(updates, Update{WithdrawnIPv4: batch})
			} else {
				updates = append(updates, Update{MPUnreach: &MPUnreach{Family: fam, NLRI: batch}})
			}
			batch = nil
		}
		for _, n := range nlris {
			batch = append(batch, n)
			var u Update
			if isV4Unicast {
				u = Update{WithdrawnIPv4: batch}
			} else {
				u = Update{MPUnreach: &MPUnreach{Family: fam, NLRI: batch}}
			}
			body, err := EncodeUpdate(u)
			if err != nil || headerLength+len(body) > maxSize {
				last := batch[len(batch)-1]
				batch = batch[:len(batch)-1]
				flush()
				batch = []route.NLRI{last}
			}
		}
		flush()
	}
	return updates
}
