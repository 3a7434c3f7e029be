// Package peer implements the peer record (C3): the coordination point
// between one BGP session's state machine and the shared RIB. Grounded
// in the teacher's peer.go (the immutable as/ip/passive/conn fields,
// handleConnection dispatching into the FSM) and in taoh-gobgp's
// server/peer.go, whose Peer.t tomb.Tomb + t.Go(p.loop) /
// t.Go(p.connectLoop) pattern this package adopts for the session's own
// supervised goroutines, and whose log.WithFields(...) call shape this
// package's logging follows.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kiteroute/bgpd/internal/bgperr"
	"github.com/kiteroute/bgpd/internal/counter"
	"github.com/kiteroute/bgpd/internal/fsm"
	"github.com/kiteroute/bgpd/internal/message"
	"github.com/kiteroute/bgpd/internal/metrics"
	"github.com/kiteroute/bgpd/internal/rib"
	"github.com/kiteroute/bgpd/internal/route"
	"github.com/kiteroute/bgpd/internal/timer"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Config is the immutable, configured identity of a peer (spec.md
// §4.2). A session's template-resolved identity (its RIB key) is
// distinct from Config.Name when one Config matches a whole subnet.
type Config struct {
	Name             string
	RemoteAS         uint32
	RemoteIP         net.IP
	RemoteNet        *net.IPNet // set when this Config matches a subnet, not a single host
	LocalAS          uint32
	RouterID         net.IP
	HoldTime         uint16
	Passive          bool
	Enabled          bool
	Families         []route.Family
	StaticRoutes     []route.Route
	StaticFlows      []route.Route
	AdvertiseSources []route.SourceKind
}

// NegotiatedSession is the outcome of OPEN exchange (spec.md §3).
type NegotiatedSession struct {
	RemoteAS       uint32
	RemoteRouterID net.IP
	HoldTime       uint16
	Families       []route.Family
}

// Snapshot is a read-only view of one peer's current status, used by
// the RPC surface (spec.md §4.2 "snapshot()").
type Snapshot struct {
	Name             string
	State            fsm.State
	RemoteAS         uint32
	RemoteIP         net.IP
	Negotiated       *NegotiatedSession
	Sent             uint64
	Received         uint64
	LastTransition   time.Time
	LearnedRouteCount int
}

// Peer is the runtime record for one configured neighbor: the FSM
// state, the active connection (if any), the message counters and the
// supervising tomb. It is always accessed through its exported
// methods; manager.Manager never reaches into its fields (spec.md §5,
// "the peer-map is mutated only by the session manager... session
// tasks access their own record via a handle that does not require the
// map lock").
type Peer struct {
	cfg Config
	rib *rib.RIB
	id  rib.PeerID
	log *logrus.Entry

	t   tomb.Tomb
	ctx context.Context

	mu             sync.Mutex
	state          fsm.State
	conn           net.Conn
	negotiated     *NegotiatedSession
	lastTransition time.Time
	disabled       bool

	holdTimer      *timer.Timer
	keepaliveTimer *timer.Timer

	sentCount     *counter.Counter
	receivedCount *counter.Counter

	connCh  chan net.Conn  // inbound sockets handed in by the manager
	nudgeCh chan struct{}  // manager-driven "try an outbound connect now"
}

// New creates a Peer bound to r under identity id. The peer starts
// Idle (or Disabled if cfg.Enabled is false) and does nothing until
// Start is called.
func New(cfg Config, id rib.PeerID, r *rib.RIB, log *logrus.Entry) *Peer {
	st := fsm.Idle
	if !cfg.Enabled {
		st = fsm.Disabled
	}
	p := &Peer{
		cfg:            cfg,
		rib:            r,
		id:             id,
		log:            log.WithField("peer", string(id)),
		state:          st,
		lastTransition: time.Now(),
		connCh:         make(chan net.Conn, 1),
		nudgeCh:        make(chan struct{}, 1),
		sentCount:      counter.New(),
		receivedCount:  counter.New(),
	}
	r.RegisterPeer(id)
	return p
}

// Start launches the session's supervised goroutine. Calling Start
// more than once is a programmer error; the manager calls it exactly
// once per peer record, at construction or re-enable.
func (p *Peer) Start(ctx context.Context, pollInterval time.Duration) {
	p.ctx = ctx
	p.t.Go(func() error {
		return p.loop(pollInterval)
	})
}

// Stop requests the session's goroutine to exit, flushing a Cease
// NOTIFICATION first if Established (spec.md §5, graceful shutdown /
// reload-removal contract). It blocks until the goroutine has exited.
func (p *Peer) Stop() {
	p.t.Kill(nil)
	_ = p.t.Wait()
}

// FeedSocket hands the peer an inbound TCP connection accepted by the
// manager for this peer's identity (spec.md §4.2, "feed_socket(conn)").
// It is non-blocking; if the session is not ready to accept a socket
// right now the connection is dropped.
func (p *Peer) FeedSocket(conn net.Conn) {
	select {
	case p.connCh <- conn:
	default:
		conn.Close()
	}
}

// Nudge asks the session, if currently Idle, to attempt an outbound
// connection now instead of waiting for its own poll interval (spec.md
// §4.4, the poll task's "invoke start() for each enabled, non-passive,
// Idle peer"). Non-blocking; a pending nudge is coalesced.
func (p *Peer) Nudge() {
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
}

// EnqueueAdvertisement queues rt for transmission once/whenever this
// peer reaches Established (spec.md §4.2).
func (p *Peer) EnqueueAdvertisement(rt route.Route) {
	p.rib.QueueAdvertisement(p.id, rt)
}

// EnqueueWithdrawal queues rt for a withdrawing UPDATE once/whenever
// this peer reaches Established, removing it from Adj-RIB-Out once the
// withdrawal is actually sent (spec.md §4.1, "UPDATE generation").
func (p *Peer) EnqueueWithdrawal(rt route.Route) {
	p.rib.QueueWithdrawal(p.id, rt)
}

// State returns the current FSM state.
func (p *Peer) State() fsm.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ID returns the peer's RIB identity.
func (p *Peer) ID() rib.PeerID { return p.id }

// Config returns the peer's immutable configured identity.
func (p *Peer) Config() Config { return p.cfg }

// Snapshot returns a read-only view of this peer's current status, for
// the RPC surface (spec.md §4.2).
func (p *Peer) Snapshot() Snapshot {
	p.mu.Lock()
	state, negotiated, last := p.state, p.negotiated, p.lastTransition
	p.mu.Unlock()
	return Snapshot{
		Name:              p.cfg.Name,
		State:             state,
		RemoteAS:          p.cfg.RemoteAS,
		RemoteIP:          p.cfg.RemoteIP,
		Negotiated:        negotiated,
		Sent:              p.sentCount.Value(),
		Received:          p.receivedCount.Value(),
		LastTransition:    last,
		LearnedRouteCount: p.rib.LearnedCount(p.id),
	}
}

// Disable transitions the peer to Disabled, dropping any socket
// (spec.md §4.1, "Disabled"). Re-enabling is done by constructing a new
// session loop via Start once the manager flips cfg.Enabled back on.
func (p *Peer) Disable() {
	p.mu.Lock()
	p.disabled = true
	p.mu.Unlock()
	p.Stop()
	p.mu.Lock()
	p.state = fsm.Disabled
	p.lastTransition = time.Now()
	p.mu.Unlock()
}

// loop is the session's main goroutine: it dials out (if active), waits
// for whichever of {inbound socket, inbound message, timers, shutdown}
// fires next, drives the FSM accordingly, and performs the actions the
// FSM emits. Grounded in taoh-gobgp's Peer.loop goroutine shape, but
// driven by the fsm.Step pure step function instead of inline state checks.
func (p *Peer) loop(pollInterval time.Duration) error {
	defer p.teardown()

	if p.currentState() != fsm.Disabled {
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvStart, Passive: p.cfg.Passive}))
	}

	for {
		st := p.currentState()
		if st == fsm.Disabled {
			select {
			case <-p.t.Dying():
				return nil
			case conn := <-p.connCh:
				conn.Close()
			}
			continue
		}

		switch st {
		case fsm.Connect:
			p.runConnect(pollInterval)
		case fsm.OpenSent, fsm.OpenConfirm, fsm.Established:
			p.runSession()
		case fsm.Idle, fsm.Active:
			select {
			case <-p.t.Dying():
				return nil
			case conn := <-p.connCh:
				p.mu.Lock()
				p.conn = conn
				p.mu.Unlock()
				p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvInboundSocket}))
			case <-p.nudgeCh:
				if st == fsm.Idle {
					p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvStart, Passive: p.cfg.Passive}))
				}
			case <-time.After(pollInterval):
				if st == fsm.Idle && !p.cfg.Passive {
					p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvStart, Passive: p.cfg.Passive}))
				}
			}
		default:
			select {
			case <-p.t.Dying():
				return nil
			case <-time.After(pollInterval):
			}
		}

		if p.t.Alive() == false {
			return nil
		}
	}
}

// currentState reads the FSM state under lock.
func (p *Peer) currentState() fsm.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// apply transitions to next and executes the emitted actions in order.
func (p *Peer) apply(next fsm.State, actions []fsm.Action) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.lastTransition = time.Now()
	p.mu.Unlock()

	metrics.SetSessionState(string(p.id), next.String())
	if prev == fsm.Established && next == fsm.Idle {
		metrics.SessionResetsTotal.WithLabelValues(string(p.id), "reset").Inc()
	}

	if next == fsm.Established && prev != fsm.Established {
		p.injectStaticRoutes()
	}

	for _, a := range actions {
		p.perform(a)
	}
}

func (p *Peer) perform(a fsm.Action) {
	switch a.Kind {
	case fsm.ActionDialOutbound:
		go p.dial()
	case fsm.ActionSendOpen:
		p.sendOpen()
	case fsm.ActionSendKeepalive:
		p.send(message.TypeKeepalive, message.EncodeKeepalive())
	case fsm.ActionSendNotification:
		metrics.NotificationsSentTotal.WithLabelValues(string(p.id), fmt.Sprint(a.Code), fmt.Sprint(a.Subcode)).Inc()
		p.send(message.TypeNotification, message.EncodeNotification(message.Notification{Code: a.Code, Subcode: a.Subcode}))
	case fsm.ActionStartHoldTimerFixed:
		p.resetHoldTimer(fsm.FixedHoldTimeSeconds * time.Second)
	case fsm.ActionStartHoldTimer:
		p.resetHoldTimer(p.negotiatedHoldInterval())
	case fsm.ActionStartKeepaliveTimer:
		p.startKeepaliveTimer()
	case fsm.ActionStopTimers:
		p.stopTimers()
	case fsm.ActionCloseSocket:
		p.closeConn()
	case fsm.ActionScheduleRetry:
		// handled by the Idle select's time.After(pollInterval)
	case fsm.ActionClearAdjRIBIn:
		p.rib.ClearPeerLearned(p.id)
		metrics.PrefixesLearned.WithLabelValues(string(p.id)).Set(0)
	case fsm.ActionRequeueAdjRIBOut:
		p.rib.RequeueFromAdvertised(p.id)
	}
}

func (p *Peer) dial() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.cfg.RemoteIP.String(), "179"))
	if err != nil {
		p.log.WithError(err).Debug("outbound dial failed")
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvDialFailed}))
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvDialSucceeded}))
}

// runConnect waits for the dial goroutine's result or cancellation
// while in Connect; the actual state transition happens from dial().
func (p *Peer) runConnect(pollInterval time.Duration) {
	deadline := time.After(pollInterval)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.t.Dying():
			return
		case <-tick.C:
			if p.currentState() != fsm.Connect {
				return
			}
		case <-deadline:
			if p.currentState() == fsm.Connect {
				p.closeConn()
				p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvConnectTimeout}))
			}
			return
		}
	}
}

func (p *Peer) sendOpen() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	o := message.NewOpen(p.cfg.LocalAS, p.cfg.RouterID, p.cfg.HoldTime, p.cfg.Families)
	p.send(message.TypeOpen, message.EncodeOpen(o))
}

func (p *Peer) send(typ message.Type, body []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := message.WriteMessage(conn, typ, body); err != nil {
		p.log.WithError(err).Debug("write failed")
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvTransportError}))
		return
	}
	p.sentCount.Increment()
	metrics.MessagesSentTotal.WithLabelValues(string(p.id), typ.String()).Inc()
}

// runSession is the read loop for OpenSent/OpenConfirm/Established: it
// blocks on the next inbound message, feeding any timer firings that
// come first into the FSM, and returns once that message is handled or
// the session has left those states. One session goroutine = one
// arrival-ordered stream, per spec.md §5's ordering guarantee.
func (p *Peer) runSession() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvTransportError}))
		return
	}

	type readResult struct {
		typ  message.Type
		body []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		typ, body, err := message.ReadMessage(conn)
		resultCh <- readResult{typ, body, err}
	}()

	for {
		keepaliveCh := p.keepaliveFireCh()
		holdCh := p.holdFireCh()

		select {
		case <-p.t.Dying():
			return
		case <-holdCh:
			p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvHoldExpired}))
		case <-keepaliveCh:
			p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvKeepaliveTimerFired}))
		case res := <-resultCh:
			if res.err != nil {
				p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvTransportError}))
				return
			}
			p.receivedCount.Increment()
			metrics.MessagesReceivedTotal.WithLabelValues(string(p.id), res.typ.String()).Inc()
			p.handleMessage(res.typ, res.body)
			resultCh = nil
		}

		if p.currentState() == fsm.Established {
			p.drainPending()
		}
		if resultCh == nil {
			return
		}
		switch p.currentState() {
		case fsm.OpenSent, fsm.OpenConfirm, fsm.Established:
		default:
			return
		}
	}
}

func (p *Peer) keepaliveFireCh() <-chan time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keepaliveTimer == nil {
		return nil
	}
	return p.keepaliveTimer.C()
}

func (p *Peer) holdFireCh() <-chan time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdTimer == nil {
		return nil
	}
	return p.holdTimer.C()
}

func (p *Peer) handleMessage(typ message.Type, body []byte) {
	switch typ {
	case message.TypeOpen:
		open, err := message.DecodeOpen(body)
		if err != nil {
			p.apply(fsm.Step(p.currentState(), fsm.Event{
				Kind: fsm.EvOpenReceived, Valid: false,
				Code: bgperr.CodeOpenMessageError, Subcode: bgperr.SubUnsupportedOptionalParam,
			}))
			return
		}
		code, subcode, ok := p.validateOpen(open)
		if !ok {
			p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvOpenReceived, Valid: false, Code: code, Subcode: subcode}))
			return
		}
		p.mu.Lock()
		p.negotiated = &NegotiatedSession{
			RemoteAS: open.PeerAS(), RemoteRouterID: open.RouterID,
			HoldTime: min(p.cfg.HoldTime, open.HoldTime),
			Families: intersectFamilies(p.cfg.Families, open.Families()),
		}
		p.mu.Unlock()
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvOpenReceived, Valid: true}))
	case message.TypeKeepalive:
		if err := message.DecodeKeepalive(body); err != nil {
			p.apply(fsm.Step(p.currentState(), fsm.Event{
				Kind: fsm.EvProtocolError, Code: bgperr.CodeMessageHeaderError, Subcode: bgperr.SubBadMessageLength,
			}))
			return
		}
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvKeepaliveReceived}))
	case message.TypeUpdate:
		u, err := message.DecodeUpdate(body)
		if err != nil {
			p.apply(fsm.Step(p.currentState(), fsm.Event{
				Kind: fsm.EvProtocolError, Code: bgperr.CodeUpdateMessageError, Subcode: bgperr.SubMalformedAttributeList,
			}))
			return
		}
		p.mu.Lock()
		routerID := p.cfg.RouterID
		if p.negotiated != nil {
			routerID = p.negotiated.RemoteRouterID
		}
		p.mu.Unlock()
		inserts, withdraws := message.RoutesFromUpdate(routerID, u, time.Now())
		for _, rt := range inserts {
			p.rib.InsertLearned(p.id, rt)
		}
		for _, rt := range withdraws {
			p.rib.WithdrawLearned(p.id, rt.AFI, rt.SAFI, rt.NLRI)
		}
		metrics.PrefixesLearned.WithLabelValues(string(p.id)).Set(float64(p.rib.LearnedCount(p.id)))
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvUpdateReceived}))
	case message.TypeNotification:
		p.apply(fsm.Step(p.currentState(), fsm.Event{Kind: fsm.EvNotificationReceived}))
	default:
		p.apply(fsm.Step(p.currentState(), fsm.Event{
			Kind: fsm.EvProtocolError, Code: bgperr.CodeMessageHeaderError, Subcode: bgperr.SubBadMessageType,
		}))
	}
}

// intersectFamilies returns the families present in both local and
// remote, in local's order (spec.md §3: "negotiated families =
// intersection of local and remote multiprotocol capability sets").
func intersectFamilies(local, remote []route.Family) []route.Family {
	remoteSet := make(map[route.Family]bool, len(remote))
	for _, f := range remote {
		remoteSet[f] = true
	}
	var out []route.Family
	for _, f := range local {
		if remoteSet[f] {
			out = append(out, f)
		}
	}
	return out
}

// validateOpen checks the peer's OPEN against configured identity
// (spec.md §4.1, "OPEN negotiation contract").
func (p *Peer) validateOpen(o message.Open) (code, subcode byte, ok bool) {
	if p.cfg.RemoteAS != 0 && o.PeerAS() != p.cfg.RemoteAS {
		return bgperr.CodeOpenMessageError, bgperr.SubBadPeerAS, false
	}
	if o.RouterID == nil || o.RouterID.IsUnspecified() {
		return bgperr.CodeOpenMessageError, bgperr.SubBadBGPIdentifier, false
	}
	if o.RouterID.Equal(p.cfg.RouterID) {
		return bgperr.CodeOpenMessageError, bgperr.SubBadBGPIdentifier, false
	}
	return 0, 0, true
}

// injectStaticRoutes queues this peer's configured static routes and
// static flows for advertisement the moment it reaches Established
// (spec.md §3: PeerConfig's static entries are "static_routes,
// static_flows"; §4.3: "Routes from static config are injected into the
// RIB when a peer reaches Established and are drained like any other
// advertisement").
func (p *Peer) injectStaticRoutes() {
	for _, rt := range p.cfg.StaticRoutes {
		p.rib.QueueAdvertisement(p.id, rt)
	}
	for _, rt := range p.cfg.StaticFlows {
		p.rib.QueueAdvertisement(p.id, rt)
	}
}

// drainPending writes every currently-queued advertisement and
// withdrawal for this peer, batched into as few UPDATE messages as fit
// spec.md §4.1's message-size budget, and updates Adj-RIB-Out on
// success.
func (p *Peer) drainPending() {
	p.drainPendingAdvertisements()
	p.drainPendingWithdrawals()
}

func (p *Peer) drainPendingAdvertisements() {
	routes := p.rib.TakePending(p.id)
	if len(routes) == 0 {
		return
	}
	updates, err := message.BuildUpdates(routes, message.MaxMessageLength)
	if err != nil {
		p.log.WithError(err).Warn("failed to build outbound updates")
		return
	}
	for _, u := range updates {
		body, err := message.EncodeUpdate(u)
		if err != nil {
			p.log.WithError(err).Warn("failed to encode outbound update")
			continue
		}
		p.send(message.TypeUpdate, body)
	}
	if p.currentState() != fsm.Established {
		// A write failed and reset the session: keep the batch pending.
		for _, rt := range routes {
			p.rib.QueueAdvertisement(p.id, rt)
		}
		return
	}
	p.rib.MarkAdvertised(p.id, routes)
	metrics.PrefixesAdvertised.WithLabelValues(string(p.id)).Set(float64(p.rib.AdvertisedCount(p.id)))
}

func (p *Peer) drainPendingWithdrawals() {
	routes := p.rib.TakePendingWithdrawals(p.id)
	if len(routes) == 0 {
		return
	}
	for _, u := range message.BuildWithdrawUpdates(routes, message.MaxMessageLength) {
		body, err := message.EncodeUpdate(u)
		if err != nil {
			p.log.WithError(err).Warn("failed to encode outbound withdrawal")
			continue
		}
		p.send(message.TypeUpdate, body)
	}
	if p.currentState() != fsm.Established {
		// A write failed and reset the session: keep the batch pending.
		for _, rt := range routes {
			p.rib.QueueWithdrawal(p.id, rt)
		}
		return
	}
	p.rib.MarkWithdrawn(p.id, routes)
	metrics.PrefixesAdvertised.WithLabelValues(string(p.id)).Set(float64(p.rib.AdvertisedCount(p.id)))
}

// negotiatedHoldInterval returns the post-OPEN hold interval (spec.md
// §3: min(local, remote)), already computed into p.negotiated.HoldTime
// by handleMessage's OPEN branch by the time any caller of
// ActionStartHoldTimer runs (OpenConfirm and Established are only
// reached after a valid OPEN exchange).
func (p *Peer) negotiatedHoldInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	hold := p.cfg.HoldTime
	if p.negotiated != nil {
		hold = p.negotiated.HoldTime
	}
	return time.Duration(hold) * time.Second
}

// resetHoldTimer arms or rearms the hold timer at interval, reusing the
// existing timer.Timer if one already exists so a later call (e.g. the
// fixed pre-negotiation bound handing off to the negotiated value) takes
// effect instead of being silently discarded.
func (p *Peer) resetHoldTimer(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdTimer == nil {
		p.holdTimer = timer.New(interval, nil)
		return
	}
	p.holdTimer.Reset(interval)
}

func (p *Peer) startKeepaliveTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	hold := p.cfg.HoldTime
	if p.negotiated != nil {
		hold = p.negotiated.HoldTime
	}
	interval := time.Duration(hold/3) * time.Second
	if p.keepaliveTimer == nil {
		p.keepaliveTimer = timer.New(interval, nil)
		return
	}
	p.keepaliveTimer.Reset(interval)
}

func (p *Peer) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdTimer != nil {
		p.holdTimer.Stop()
		p.holdTimer = nil
	}
	if p.keepaliveTimer != nil {
		p.keepaliveTimer.Stop()
		p.keepaliveTimer = nil
	}
}

func (p *Peer) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *Peer) teardown() {
	st := p.currentState()
	if st == fsm.Established {
		p.send(message.TypeNotification, message.EncodeNotification(message.Notification{Code: bgperr.CodeCease, Subcode: bgperr.SubAdministrativeShutdown}))
	}
	p.stopTimers()
	p.closeConn()
}
