package fsm

import (
	"testing"

	"github.com/kiteroute/bgpd/internal/bgperr"
)

func hasAction(actions []Action, kind ActionKind) bool {
	for _, a := range actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestIdleActiveStartDialsOutboundWhenNotPassive(t *testing.T) {
	next, actions := Step(Idle, Event{Kind: EvStart, Passive: false})
	if next != Connect {
		t.Fatalf("expected Connect, got %v", next)
	}
	if !hasAction(actions, ActionDialOutbound) {
		t.Fatalf("expected dial action, got %v", actions)
	}
}

func TestIdleStartPassiveGoesToActive(t *testing.T) {
	next, actions := Step(Idle, Event{Kind: EvStart, Passive: true})
	if next != Active {
		t.Fatalf("expected Active, got %v", next)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions, got %v", actions)
	}
}

func TestConnectSuccessSendsOpen(t *testing.T) {
	next, actions := Step(Connect, Event{Kind: EvDialSucceeded})
	if next != OpenSent {
		t.Fatalf("expected OpenSent, got %v", next)
	}
	if !hasAction(actions, ActionSendOpen) || !hasAction(actions, ActionStartHoldTimerFixed) {
		t.Fatalf("expected SendOpen+StartHoldTimerFixed, got %v", actions)
	}
}

func TestConnectFailureRetriesFromIdle(t *testing.T) {
	next, actions := Step(Connect, Event{Kind: EvDialFailed})
	if next != Idle {
		t.Fatalf("expected Idle, got %v", next)
	}
	if !hasAction(actions, ActionScheduleRetry) {
		t.Fatalf("expected ScheduleRetry, got %v", actions)
	}
}

func TestActiveInboundSocketSendsOpen(t *testing.T) {
	next, actions := Step(Active, Event{Kind: EvInboundSocket})
	if next != OpenSent {
		t.Fatalf("expected OpenSent, got %v", next)
	}
	if !hasAction(actions, ActionSendOpen) || !hasAction(actions, ActionStartHoldTimerFixed) {
		t.Fatalf("expected SendOpen+StartHoldTimerFixed, got %v", actions)
	}
}

func TestOpenSentValidOpenGoesToOpenConfirm(t *testing.T) {
	next, actions := Step(OpenSent, Event{Kind: EvOpenReceived, Valid: true})
	if next != OpenConfirm {
		t.Fatalf("expected OpenConfirm, got %v", next)
	}
	if !hasAction(actions, ActionSendKeepalive) || !hasAction(actions, ActionStartKeepaliveTimer) {
		t.Fatalf("expected SendKeepalive+StartKeepaliveTimer, got %v", actions)
	}
}

func TestOpenSentInvalidOpenSendsNotificationAndResets(t *testing.T) {
	next, actions := Step(OpenSent, Event{
		Kind: EvOpenReceived, Valid: false,
		Code: bgperr.CodeOpenMessageError, Subcode: bgperr.SubBadPeerAS,
	})
	if next != Idle {
		t.Fatalf("expected Idle, got %v", next)
	}
	var found bool
	for _, a := range actions {
		if a.Kind == ActionSendNotification {
			found = true
			if a.Code != bgperr.CodeOpenMessageError || a.Subcode != bgperr.SubBadPeerAS {
				t.Fatalf("unexpected notification code/subcode: %+v", a)
			}
		}
	}
	if !found {
		t.Fatalf("expected SendNotification action, got %v", actions)
	}
}

func TestOpenSentHoldExpirySendsHoldTimerExpired(t *testing.T) {
	next, actions := Step(OpenSent, Event{Kind: EvHoldExpired})
	if next != Idle {
		t.Fatalf("expected Idle, got %v", next)
	}
	for _, a := range actions {
		if a.Kind == ActionSendNotification && a.Code != bgperr.CodeHoldTimerExpired {
			t.Fatalf("expected hold timer expired code, got %d", a.Code)
		}
	}
}

func TestOpenConfirmKeepaliveEstablishes(t *testing.T) {
	next, actions := Step(OpenConfirm, Event{Kind: EvKeepaliveReceived})
	if next != Established {
		t.Fatalf("expected Established, got %v", next)
	}
	if !hasAction(actions, ActionStartHoldTimer) {
		t.Fatalf("expected StartHoldTimer, got %v", actions)
	}
}

func TestOpenConfirmNotificationResets(t *testing.T) {
	next, _ := Step(OpenConfirm, Event{Kind: EvNotificationReceived})
	if next != Idle {
		t.Fatalf("expected Idle, got %v", next)
	}
}

func TestEstablishedUpdateKeepsStateAndResetsHoldTimer(t *testing.T) {
	next, actions := Step(Established, Event{Kind: EvUpdateReceived})
	if next != Established {
		t.Fatalf("expected to remain Established, got %v", next)
	}
	if !hasAction(actions, ActionStartHoldTimer) {
		t.Fatalf("expected hold timer reset, got %v", actions)
	}
}

func TestEstablishedKeepaliveTimerFiresOutboundKeepalive(t *testing.T) {
	next, actions := Step(Established, Event{Kind: EvKeepaliveTimerFired})
	if next != Established {
		t.Fatalf("expected to remain Established, got %v", next)
	}
	if !hasAction(actions, ActionSendKeepalive) {
		t.Fatalf("expected SendKeepalive, got %v", actions)
	}
}

func TestEstablishedHoldExpiryClearsAdjRIBInAndRequeuesOut(t *testing.T) {
	next, actions := Step(Established, Event{Kind: EvHoldExpired})
	if next != Idle {
		t.Fatalf("expected Idle, got %v", next)
	}
	if !hasAction(actions, ActionClearAdjRIBIn) || !hasAction(actions, ActionRequeueAdjRIBOut) {
		t.Fatalf("expected ClearAdjRIBIn+RequeueAdjRIBOut, got %v", actions)
	}
}

func TestEstablishedProtocolErrorSendsMatchingNotification(t *testing.T) {
	_, actions := Step(Established, Event{
		Kind: EvProtocolError, Code: bgperr.CodeUpdateMessageError, Subcode: bgperr.SubMalformedASPath,
	})
	var found bool
	for _, a := range actions {
		if a.Kind == ActionSendNotification {
			found = true
			if a.Code != bgperr.CodeUpdateMessageError || a.Subcode != bgperr.SubMalformedASPath {
				t.Fatalf("unexpected notification: %+v", a)
			}
		}
	}
	if !found {
		t.Fatalf("expected SendNotification action, got %v", actions)
	}
}

func TestIdleInboundSocketSendsOpenWithFixedHoldTimer(t *testing.T) {
	next, actions := Step(Idle, Event{Kind: EvInboundSocket})
	if next != OpenSent {
		t.Fatalf("expected OpenSent, got %v", next)
	}
	if !hasAction(actions, ActionSendOpen) || !hasAction(actions, ActionStartHoldTimerFixed) {
		t.Fatalf("expected SendOpen+StartHoldTimerFixed, got %v", actions)
	}
	if hasAction(actions, ActionStartHoldTimer) {
		t.Fatalf("expected the fixed, not the negotiated, hold timer action, got %v", actions)
	}
}

func TestDisabledIgnoresEventsExceptStart(t *testing.T) {
	next, actions := Step(Disabled, Event{Kind: EvUpdateReceived})
	if next != Disabled {
		t.Fatalf("expected to remain Disabled, got %v", next)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions, got %v", actions)
	}
	next, _ = Step(Disabled, Event{Kind: EvStart})
	if next != Idle {
		t.Fatalf("expected Idle on start from Disabled, got %v", next)
	}
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	next, actions := Step(Established, Event{Kind: EvDialSucceeded})
	if next != Established {
		t.Fatalf("expected state unchanged, got %v", next)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions for unhandled event, got %v", actions)
	}
}
