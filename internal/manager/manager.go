// Package manager implements the session manager (C5): it owns the
// peer-record map, accepts inbound TCP connections and dispatches them
// to the matching peer (exact IP match first, then subnet containment),
// drives outbound connection attempts for idle peers on a poll
// interval, and applies config reloads.
//
// Grounded in the teacher's speaker.go (Speaker.Start's accept loop,
// Speaker.handleConnection's "match peer, hand off connection, else
// close" shape) and in taoh-gobgp's server package for the
// tomb.Tomb-supervised background task pattern the rest of this
// codebase already uses in internal/peer.
package manager

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kiteroute/bgpd/internal/config"
	"github.com/kiteroute/bgpd/internal/fsm"
	"github.com/kiteroute/bgpd/internal/peer"
	"github.com/kiteroute/bgpd/internal/radix"
	"github.com/kiteroute/bgpd/internal/rib"
	"github.com/kiteroute/bgpd/internal/route"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// entry is one managed peer: its runtime record plus the bits the
// manager needs to route inbound sockets and reloads to it.
type entry struct {
	p        *peer.Peer
	cfg      config.PeerConfig
	network  *net.IPNet // non-nil when cfg.RemoteIP is a subnet
	disabled bool
}

// Manager owns the peer-record map and the three concurrent activities
// spec.md §4.4 describes: accept, poll, and reload.
type Manager struct {
	log *logrus.Entry
	rib *rib.RIB

	listenAddr string

	mu      sync.Mutex
	byID    map[rib.PeerID]*entry
	exact   map[string]*entry // keyed by host IP string
	subnets *radix.Trie       // IPNet -> *entry, for CIDR-identified peers

	ctx          context.Context
	pollInterval time.Duration

	ln net.Listener
	t  tomb.Tomb
}

// New creates a Manager that will listen on listenAddr once Start is
// called. The RIB is shared with every peer record the manager creates.
func New(listenAddr string, r *rib.RIB, log *logrus.Entry) *Manager {
	return &Manager{
		log:        log,
		rib:        r,
		listenAddr: listenAddr,
		byID:       make(map[rib.PeerID]*entry),
		exact:      make(map[string]*entry),
		subnets:    radix.New(),
	}
}

// LoadPeers constructs and starts one peer.Peer per entry in peers. It
// is called once at startup with the config's initial peer set; later
// changes go through Reload.
func (m *Manager) LoadPeers(ctx context.Context, pollInterval time.Duration, peers []config.PeerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.pollInterval = pollInterval
	for _, pc := range peers {
		if err := m.addPeerLocked(ctx, pollInterval, pc); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the accept loop and the poll loop as supervised
// background tasks. It does not block. LoadPeers must be called first
// so the manager has somewhere to route inbound and poll ticks.
func (m *Manager) Start(pollInterval time.Duration) error {
	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("manager: listen on %s: %w", m.listenAddr, err)
	}
	m.ln = ln
	m.t.Go(func() error { return m.acceptLoop(ln) })
	m.t.Go(func() error { return m.pollLoop(pollInterval) })
	go func() {
		<-m.t.Dying()
		ln.Close()
	}()
	return nil
}

// Stop cancels the accept/poll tasks and every peer session, flushing a
// Cease NOTIFICATION from any Established session (spec.md §5,
// "graceful shutdown signal cancels all tasks after sending Cease to
// every Established peer").
func (m *Manager) Stop() {
	m.t.Kill(nil)
	_ = m.t.Wait()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.p.Stop()
		}(e)
	}
	wg.Wait()
}

// acceptLoop is the accept task (spec.md §4.4 item 1): it accepts
// inbound connections, resolves the remote address to a configured
// peer, applies RFC 4271 §6.8 collision resolution when the matched
// peer is already Established, and otherwise hands the socket off.
func (m *Manager) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.t.Dying():
				return nil
			default:
				m.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	ip := net.ParseIP(host)

	e := m.resolve(ip)
	if e == nil {
		m.log.WithField("remote", host).Debug("inbound connection from unconfigured peer, closing")
		conn.Close()
		return
	}

	if e.p.State() == fsm.Established {
		m.resolveCollision(e, conn)
		return
	}
	e.p.FeedSocket(conn)
}

// resolve looks up the peer matching ip: exact host match first, then
// subnet containment (spec.md §4.4, "exact IP match first, then
// subnet containment").
func (m *Manager) resolve(ip net.IP) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ip == nil {
		return nil
	}
	if e, ok := m.exact[ip.String()]; ok {
		return e
	}
	if _, v, ok := m.subnets.Lookup(ip); ok {
		return v.(*entry)
	}
	return nil
}

// resolveCollision applies RFC 4271 §6.8: when a second connection
// arrives for a peer that already has an Established session, the
// side with the numerically higher BGP Identifier (router_id) keeps
// its session (spec.md §4.4 item 1, "higher router-id wins"). Both
// connections are between this daemon and the same configured neighbor,
// so the comparison only needs this daemon's own router_id and the
// neighbor's already-negotiated one — the second connection's OPEN
// does not need to be read first.
func (m *Manager) resolveCollision(e *entry, conn net.Conn) {
	snap := e.p.Snapshot()
	if snap.Negotiated == nil || routerIDHigherOrEqual(e.p.Config().RouterID, snap.Negotiated.RemoteRouterID) {
		m.log.WithField("peer", e.cfg.Name).Info("inbound connection lost collision resolution, closing")
		conn.Close()
		return
	}

	m.log.WithField("peer", e.cfg.Name).Info("established session lost collision resolution, resetting")
	e.p.Disable()

	m.mu.Lock()
	ctx, pollInterval := m.ctx, m.pollInterval
	m.mu.Unlock()

	restarted := peer.New(e.p.Config(), e.p.ID(), m.rib, m.log)
	m.mu.Lock()
	e.p = restarted
	e.disabled = false
	m.mu.Unlock()
	restarted.Start(ctx, pollInterval)
	restarted.FeedSocket(conn)
}

// routerIDHigherOrEqual reports whether a's BGP Identifier is >= b's,
// per RFC 4271 §6.8's numeric comparison of the two 4-octet IDs.
func routerIDHigherOrEqual(a, b net.IP) bool {
	return bytes.Compare(a.To16(), b.To16()) >= 0
}

// pollLoop is the poll task (spec.md §4.4 item 2): every pollInterval,
// every enabled, non-passive, Idle peer is nudged to attempt an
// outbound connection. The peer's own loop already retries on its
// internal poll timer when active; this loop's job is only to catch
// peers that were just (re)enabled.
func (m *Manager) pollLoop(pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-ticker.C:
			m.nudgeIdlePeers()
		}
	}
}

func (m *Manager) nudgeIdlePeers() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		if e.disabled || e.cfg.Passive || !e.cfg.Enabled {
			continue
		}
		e.p.Nudge()
	}
}

// Reload applies a config.Diff computed between the last-applied peer
// set and a freshly loaded one (spec.md §4.4 item 3): it adds new
// peers Idle, removes peers no longer listed (NOTIFICATION(Cease) via
// Stop's teardown), and updates mutable fields for peers not currently
// Established.
func (m *Manager) Reload(ctx context.Context, pollInterval time.Duration, diff config.Diff) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pc := range diff.Removed {
		if e, ok := m.exact[pc.RemoteIP]; ok {
			m.removeLocked(e)
		} else if e := m.entryBySubnet(pc.RemoteIP); e != nil {
			m.removeLocked(e)
		}
	}
	for _, pc := range diff.Added {
		if err := m.addPeerLocked(ctx, pollInterval, pc); err != nil {
			return err
		}
	}
	for _, pc := range diff.Changed {
		m.updatePeerLocked(pc)
	}
	return nil
}

func (m *Manager) addPeerLocked(ctx context.Context, pollInterval time.Duration, pc config.PeerConfig) error {
	id := rib.PeerID(pc.RemoteIP)
	cfg, network, err := peerConfigFrom(pc)
	if err != nil {
		return err
	}
	p := peer.New(cfg, id, m.rib, m.log)
	e := &entry{p: p, cfg: pc, network: network, disabled: !pc.Enabled}
	m.byID[id] = e
	if network != nil {
		m.subnets.Insert(network, e)
	} else {
		m.exact[pc.RemoteIP] = e
	}
	p.Start(ctx, pollInterval)
	return nil
}

func (m *Manager) removeLocked(e *entry) {
	e.p.Stop()
	m.rib.RemovePeer(e.p.ID())
	delete(m.byID, e.p.ID())
	if e.network != nil {
		m.subnets.Delete(e.network)
	} else {
		delete(m.exact, e.cfg.RemoteIP)
	}
}

func (m *Manager) updatePeerLocked(pc config.PeerConfig) {
	e, ok := m.byID[rib.PeerID(pc.RemoteIP)]
	if !ok {
		return
	}
	wasDisabled := e.disabled
	e.cfg = pc
	// Session-affecting fields (hold_timer, families) on a currently
	// Established peer are deferred until its next session (spec.md
	// §4.4); enabled/passive toggles take effect immediately: a
	// disable drops the session now, a re-enable starts a fresh one,
	// and nudgeIdlePeers consults e.cfg.Passive/Enabled on every
	// subsequent poll tick.
	if !pc.Enabled {
		e.disabled = true
		e.p.Disable()
		return
	}
	e.disabled = false
	if wasDisabled {
		cfg, network, err := peerConfigFrom(pc)
		if err != nil {
			m.log.WithError(err).WithField("peer", pc.Name).Warn("failed to re-enable peer")
			return
		}
		e.network = network
		e.p = peer.New(cfg, e.p.ID(), m.rib, m.log)
		e.p.Start(m.ctx, m.pollInterval)
	}
}

func (m *Manager) entryBySubnet(remoteIP string) *entry {
	_, network, err := net.ParseCIDR(remoteIP)
	if err != nil {
		return nil
	}
	for _, e := range m.byID {
		if e.network != nil && e.network.String() == network.String() {
			return e
		}
	}
	return nil
}

// Addr returns the accept loop's bound address. Only meaningful after
// a successful Start; primarily useful in tests that bind to ":0".
func (m *Manager) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Peers returns a snapshot of every managed peer, for the RPC surface.
func (m *Manager) Peers() []*peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Peer, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.p)
	}
	return out
}

// PeerByID returns the peer record for id, if managed.
func (m *Manager) PeerByID(id rib.PeerID) (*peer.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return e.p, true
}

func peerConfigFrom(pc config.PeerConfig) (peer.Config, *net.IPNet, error) {
	var network *net.IPNet
	var remoteIP net.IP
	if ip, ipnet, err := net.ParseCIDR(pc.RemoteIP); err == nil {
		network = ipnet
		remoteIP = ip
	} else {
		remoteIP = net.ParseIP(pc.RemoteIP)
		if remoteIP == nil {
			return peer.Config{}, nil, fmt.Errorf("manager: peer %q has invalid remote_ip %q", pc.Name, pc.RemoteIP)
		}
	}

	var families []route.Family
	for _, f := range pc.Families {
		afi, safi, err := config.ParseFamily(f)
		if err != nil {
			return peer.Config{}, nil, err
		}
		families = append(families, route.Family{AFI: afi, SAFI: safi})
	}

	var sources []route.SourceKind
	for _, s := range pc.AdvertiseSources {
		switch s {
		case "api":
			sources = append(sources, route.SourceAPI)
		case "config":
			sources = append(sources, route.SourceConfig)
		case "peer":
			sources = append(sources, route.SourcePeer)
		}
	}

	var staticRoutes []route.Route
	for _, sr := range pc.StaticRoutes {
		rt, err := staticRouteToRoute(sr)
		if err != nil {
			return peer.Config{}, nil, err
		}
		staticRoutes = append(staticRoutes, rt)
	}

	var staticFlows []route.Route
	for _, sf := range pc.StaticFlows {
		rt, err := staticFlowToRoute(sf)
		if err != nil {
			return peer.Config{}, nil, err
		}
		staticFlows = append(staticFlows, rt)
	}

	cfg := peer.Config{
		Name:             pc.Name,
		RemoteAS:         pc.RemoteAS,
		RemoteIP:         remoteIP,
		RemoteNet:        network,
		LocalAS:          pc.LocalAS,
		RouterID:         net.ParseIP(pc.RouterID),
		HoldTime:         uint16(pc.HoldTimer),
		Passive:          pc.Passive,
		Enabled:          pc.Enabled,
		Families:         families,
		StaticRoutes:     staticRoutes,
		StaticFlows:      staticFlows,
		AdvertiseSources: sources,
	}
	return cfg, network, nil
}

func staticRouteToRoute(sr config.StaticRoute) (route.Route, error) {
	_, prefix, err := net.ParseCIDR(sr.Prefix)
	if err != nil {
		return route.Route{}, fmt.Errorf("manager: static route prefix %q: %w", sr.Prefix, err)
	}
	origin := route.OriginIGP
	switch sr.Origin {
	case "egp":
		origin = route.OriginEGP
	case "incomplete":
		origin = route.OriginIncomplete
	}
	comms := make([]route.Community, len(sr.Communities))
	for i, c := range sr.Communities {
		comms[i] = route.Community(c)
	}
	return route.Route{
		AFI:  route.AFIIPv4,
		SAFI: route.SAFIUnicast,
		NLRI: route.NLRI{Prefix: prefix},
		Attrs: route.Attributes{
			Origin:       origin,
			ASPath:       sr.ASPath,
			NextHop:      net.ParseIP(sr.NextHop),
			LocalPref:    sr.LocalPref,
			HasLocalPref: true,
			MED:          sr.MED,
			HasMED:       sr.MED != 0,
			Communities:  comms,
		},
		Source: route.Source{Kind: route.SourceConfig},
	}, nil
}

func staticFlowToRoute(sf config.StaticFlow) (route.Route, error) {
	afi := route.AFIIPv4
	if sf.AFI == "ipv6" {
		afi = route.AFIIPv6
	}
	flow := make([]route.FlowComponent, len(sf.Matches))
	for i, m := range sf.Matches {
		value, err := hex.DecodeString(m.ValueHex)
		if err != nil {
			return route.Route{}, fmt.Errorf("manager: static flow match value_hex %q: %w", m.ValueHex, err)
		}
		flow[i] = route.FlowComponent{Type: m.Type, Value: value}
	}
	comms := make([]route.Community, len(sf.Communities))
	for i, c := range sf.Communities {
		comms[i] = route.Community(c)
	}
	return route.Route{
		AFI:  afi,
		SAFI: route.SAFIFlowspec,
		NLRI: route.NLRI{Flow: flow},
		Attrs: route.Attributes{
			Origin: route.OriginIncomplete,
			ASPath: sf.ASPath,
			Communities: comms,
		},
		Source: route.Source{Kind: route.SourceConfig},
	}, nil
}
