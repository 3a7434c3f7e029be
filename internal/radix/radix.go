// Package radix implements a trie over IP networks used to resolve an
// inbound TCP connection's source address to a configured peer when
// peers are identified by CIDR (subnet-matched passive peers, spec.md
// §9: "Model peer lookup as a two-phase match (exact → longest-prefix)").
//
// Adapted from the teacher's radix.Radix: same edge/node shape and
// Insert/Lookup contract, generalized to carry an arbitrary value per
// network instead of a next-hop IP, and with Delete and Lookup made
// real (the teacher's versions were TODO stubs that only printed).
package radix

import (
	"fmt"
	"net"
)

// Trie resolves an IP to the most specific previously-Inserted network
// that contains it.
type Trie struct {
	root *node
}

type edge struct {
	target  *node
	network *net.IPNet
	value   interface{}
}

type node struct {
	edges []*edge
}

// New creates an empty trie.
func New() *Trie {
	return &Trie{root: &node{}}
}

// Insert associates value with network. Inserting the same network
// again replaces the value. More specific networks are nested under
// less specific ones so Lookup finds the longest match.
func (t *Trie) Insert(network *net.IPNet, value interface{}) {
	best := lookupEdge(t.root, network.IP)
	var parent *node
	if best == nil {
		parent = t.root
	} else if sameNetwork(best.network, network) {
		best.value = value
		return
	} else if best.network.Contains(network.IP) {
		parent = best.target
	} else {
		parent = t.root
	}
	fresh := &edge{target: &node{}, network: network, value: value}
	parent.edges = append(parent.edges, fresh)
	// Any existing sibling edge that is more specific than the new one
	// moves underneath it.
	remaining := parent.edges[:0]
	for _, e := range parent.edges {
		if e != fresh && network.Contains(e.network.IP) && !sameNetwork(network, e.network) {
			fresh.target.edges = append(fresh.target.edges, e)
			continue
		}
		remaining = append(remaining, e)
	}
	parent.edges = remaining
}

// Delete removes the exact network (not a lookup match). Returns true
// if a network was removed.
func (t *Trie) Delete(network *net.IPNet) bool {
	return deleteFrom(t.root, network)
}

func deleteFrom(n *node, network *net.IPNet) bool {
	for i, e := range n.edges {
		if sameNetwork(e.network, network) {
			n.edges = append(n.edges[:i], n.edges[i+1:]...)
			n.edges = append(n.edges, e.target.edges...)
			return true
		}
		if deleteFrom(e.target, network) {
			return true
		}
	}
	return false
}

// Lookup returns the most specific network containing ip, and its
// value, or ok=false if none matches.
func (t *Trie) Lookup(ip net.IP) (network *net.IPNet, value interface{}, ok bool) {
	e := lookupEdge(t.root, ip)
	if e == nil {
		return nil, nil, false
	}
	return e.network, e.value, true
}

func lookupEdge(n *node, ip net.IP) *edge {
	var best *edge
	for _, e := range n.edges {
		if e.network.Contains(ip) {
			best = e
			if deeper := lookupEdge(e.target, ip); deeper != nil {
				return deeper
			}
			return best
		}
	}
	return best
}

func sameNetwork(a, b *net.IPNet) bool {
	return a.String() == b.String()
}

func (t *Trie) String() string {
	return fmt.Sprintf("radix.Trie(%d top-level edges)", len(t.root.edges))
}
