// Package fsm implements the BGP session state machine (C2) as a pure
// step function: Step(state, event) -> (state, []Action). This is a
// deliberate departure from the teacher's fsm.go, which dispatched
// events through one method per state (idle/connect/active/...) that
// only logged and never actually transitioned anything. Per spec.md §9's
// design note, Step dispatches to one step function per state, each a
// switch on the event kind whose cases return the next state and the
// actions the caller (internal/peer) must perform. That keeps the machine
// itself free of I/O, timers and locks, so it can be tested without
// mocking a socket or a clock.
//
// States and transitions follow RFC 4271 §8 as narrowed by spec.md §4.1:
// MD5 authentication, Route Refresh and Graceful Restart are not
// modeled, and DelayOpen/IdleHoldTimer are collapsed away.
package fsm

import (
	"fmt"

	"github.com/kiteroute/bgpd/internal/bgperr"
)

// State is one node of the session state machine.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	case Disabled:
		return "Disabled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind enumerates the inputs the state machine reacts to. Unlike
// the teacher's fsm.go (which borrowed RFC 4271 §8.1.2's full
// administrative/timer/message event enumeration verbatim, most of it
// unused), this keeps only the events this implementation actually
// distinguishes.
type EventKind int

const (
	// EvStart is the administrative start event (manager poll loop or
	// explicit enable).
	EvStart EventKind = iota
	// EvStop is an administrative stop (peer disabled, manager shutdown).
	EvStop
	// EvInboundSocket is delivered when the manager hands this peer an
	// accepted inbound TCP connection.
	EvInboundSocket
	// EvDialSucceeded/EvDialFailed report the outcome of an outbound
	// connect attempt started on entry to Connect.
	EvDialSucceeded
	EvDialFailed
	// EvConnectTimeout fires when a Connect attempt exceeds poll_interval.
	EvConnectTimeout
	// EvOpenReceived carries a decoded peer OPEN; Valid is false if
	// negotiation failed (AS mismatch, bad version, bad hold, router-id
	// collision), in which case Code/Subcode name the NOTIFICATION to send.
	EvOpenReceived
	// EvKeepaliveReceived is a peer KEEPALIVE.
	EvKeepaliveReceived
	// EvUpdateReceived is a peer UPDATE; the machine does not interpret
	// its content, only that a message arrived (resets the hold timer).
	EvUpdateReceived
	// EvNotificationReceived is a peer NOTIFICATION (session torn down).
	EvNotificationReceived
	// EvHoldExpired fires when the hold timer elapses without a qualifying
	// inbound message.
	EvHoldExpired
	// EvKeepaliveTimerFired fires the local keepalive-interval timer.
	EvKeepaliveTimerFired
	// EvTransportError is any socket read/write failure.
	EvTransportError
	// EvProtocolError is a malformed or unexpected message; Code/Subcode
	// name the NOTIFICATION to send.
	EvProtocolError
)

// FixedHoldTimeSeconds bounds OpenSent/OpenConfirm independent of any
// configured or negotiated hold_timer (spec.md §4.1, "on hold-timer
// expiry (fixed 240s here)"; §5, "OpenSent/OpenConfirm share a
// 240-second bounded wait"). A peer configured with a short hold_timer
// must not be torn down before its OPEN/KEEPALIVE has had a chance to
// arrive.
const FixedHoldTimeSeconds = 240

// Event is one input to Step. Only the fields relevant to Kind are read.
type Event struct {
	Kind    EventKind
	Valid   bool // for EvOpenReceived: negotiation passed
	Code    byte // NOTIFICATION error code, for error-carrying events
	Subcode byte // NOTIFICATION error subcode
	Passive bool // for EvStart: peer configured passive (wait, don't dial)
}

// ActionKind enumerates the side effects Step can ask the caller to
// perform. The machine itself never dials a socket, starts a timer or
// writes a message; it only describes what should happen.
type ActionKind int

const (
	ActionDialOutbound ActionKind = iota
	ActionSendOpen
	ActionSendKeepalive
	ActionSendNotification
	ActionStartHoldTimer
	ActionStartHoldTimerFixed
	ActionStartKeepaliveTimer
	ActionStopTimers
	ActionCloseSocket
	ActionScheduleRetry
	ActionClearAdjRIBIn
	ActionRequeueAdjRIBOut
)

// Action is one instruction emitted by Step.
type Action struct {
	Kind    ActionKind
	Code    byte // for ActionSendNotification
	Subcode byte
}

// Step computes the next state and the actions to perform in response
// to event arriving while in state cur. Unhandled events in a given
// state are ignored (next state == cur, no actions) per RFC 4271 §8's
// "the FSM ignores unexpected events" default, mirrored from the
// teacher's per-state "Ignoring event" default branch.
func Step(cur State, ev Event) (State, []Action) {
	switch cur {
	case Idle:
		return stepIdle(ev)
	case Connect:
		return stepConnect(ev)
	case Active:
		return stepActive(ev)
	case OpenSent:
		return stepOpenSent(ev)
	case OpenConfirm:
		return stepOpenConfirm(ev)
	case Established:
		return stepEstablished(ev)
	case Disabled:
		return stepDisabled(ev)
	default:
		return cur, nil
	}
}

func stepIdle(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvStart:
		if ev.Passive {
			return Active, nil
		}
		return Connect, []Action{{Kind: ActionDialOutbound}}
	case EvInboundSocket:
		// A passive peer can also receive an unsolicited inbound
		// connection while Idle (the manager dispatched it before the
		// session's own start() ran); accept it the same as Active would.
		return OpenSent, []Action{{Kind: ActionSendOpen}, {Kind: ActionStartHoldTimerFixed}}
	case EvStop:
		return Idle, nil
	default:
		return Idle, nil
	}
}

func stepConnect(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvDialSucceeded:
		return OpenSent, []Action{{Kind: ActionSendOpen}, {Kind: ActionStartHoldTimerFixed}}
	case EvDialFailed, EvConnectTimeout:
		return Idle, []Action{{Kind: ActionScheduleRetry}}
	case EvStop:
		return Idle, []Action{{Kind: ActionCloseSocket}}
	default:
		return Connect, nil
	}
}

func stepActive(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvInboundSocket:
		return OpenSent, []Action{{Kind: ActionSendOpen}, {Kind: ActionStartHoldTimerFixed}}
	case EvStop:
		return Idle, nil
	default:
		return Active, nil
	}
}

func stepOpenSent(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvOpenReceived:
		if !ev.Valid {
			return Idle, []Action{
				{Kind: ActionSendNotification, Code: ev.Code, Subcode: ev.Subcode},
				{Kind: ActionCloseSocket},
				{Kind: ActionStopTimers},
			}
		}
		return OpenConfirm, []Action{{Kind: ActionSendKeepalive}, {Kind: ActionStartKeepaliveTimer}}
	case EvHoldExpired:
		return Idle, []Action{
			{Kind: ActionSendNotification, Code: bgperr.CodeHoldTimerExpired, Subcode: 0},
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
		}
	case EvTransportError, EvNotificationReceived:
		return Idle, []Action{{Kind: ActionCloseSocket}, {Kind: ActionStopTimers}}
	case EvStop:
		return Idle, []Action{{Kind: ActionCloseSocket}, {Kind: ActionStopTimers}}
	default:
		return OpenSent, nil
	}
}

func stepOpenConfirm(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvKeepaliveReceived:
		return Established, []Action{{Kind: ActionStartHoldTimer}}
	case EvKeepaliveTimerFired:
		return OpenConfirm, []Action{{Kind: ActionSendKeepalive}, {Kind: ActionStartKeepaliveTimer}}
	case EvHoldExpired:
		return Idle, []Action{
			{Kind: ActionSendNotification, Code: bgperr.CodeHoldTimerExpired, Subcode: 0},
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
		}
	case EvNotificationReceived, EvTransportError:
		return Idle, []Action{{Kind: ActionCloseSocket}, {Kind: ActionStopTimers}}
	case EvStop:
		return Idle, []Action{{Kind: ActionCloseSocket}, {Kind: ActionStopTimers}}
	default:
		return OpenConfirm, nil
	}
}

func stepEstablished(ev Event) (State, []Action) {
	switch ev.Kind {
	case EvUpdateReceived, EvKeepaliveReceived:
		return Established, []Action{{Kind: ActionStartHoldTimer}}
	case EvKeepaliveTimerFired:
		return Established, []Action{{Kind: ActionSendKeepalive}, {Kind: ActionStartKeepaliveTimer}}
	case EvHoldExpired:
		return Idle, []Action{
			{Kind: ActionSendNotification, Code: bgperr.CodeHoldTimerExpired, Subcode: 0},
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
			{Kind: ActionClearAdjRIBIn},
			{Kind: ActionRequeueAdjRIBOut},
		}
	case EvProtocolError:
		return Idle, []Action{
			{Kind: ActionSendNotification, Code: ev.Code, Subcode: ev.Subcode},
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
			{Kind: ActionClearAdjRIBIn},
			{Kind: ActionRequeueAdjRIBOut},
		}
	case EvNotificationReceived, EvTransportError:
		return Idle, []Action{
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
			{Kind: ActionClearAdjRIBIn},
			{Kind: ActionRequeueAdjRIBOut},
		}
	case EvStop:
		return Idle, []Action{
			{Kind: ActionSendNotification, Code: bgperr.CodeCease, Subcode: 0},
			{Kind: ActionCloseSocket},
			{Kind: ActionStopTimers},
			{Kind: ActionClearAdjRIBIn},
			{Kind: ActionRequeueAdjRIBOut},
		}
	default:
		return Established, nil
	}
}

func stepDisabled(ev Event) (State, []Action) {
	if ev.Kind == EvStart {
		return Idle, nil
	}
	return Disabled, nil
}
